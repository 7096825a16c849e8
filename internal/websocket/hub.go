// Package websocket streams generation progress to browser clients. Each
// run is a room; clients subscribe to the runs they watch.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"apex-codegen/internal/generation"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// BatchInterval is how long content deltas are held before flushing.
	BatchInterval = 50 * time.Millisecond

	// MaxBatchSize flushes a room early once this many deltas are queued.
	MaxBatchSize = 100

	// terminalSendTimeout bounds how long Publish waits to queue a
	// terminal event.
	terminalSendTimeout = time.Second
)

// Message types for websocket communication.
const (
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypeProgress      = "progress"
	MessageTypeProgressBatch = "progress_batch"
	MessageTypeError         = "error"
	MessageTypeHeartbeat     = "heartbeat"
)

// Message is one websocket frame payload.
type Message struct {
	Type      string                     `json:"type"`
	RunID     string                     `json:"run_id,omitempty"`
	Event     *generation.ProgressEvent  `json:"event,omitempty"`
	Batch     []generation.ProgressEvent `json:"batch,omitempty"`
	Data      map[string]interface{}     `json:"data,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

type directReply struct {
	client *Client
	data   []byte
}

type subscription struct {
	client *Client
	runID  string
	join   bool
}

// Hub fans progress events out to subscribed clients. A single goroutine
// (Run) owns the room table.
type Hub struct {
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool
	pending map[string][]generation.ProgressEvent

	register   chan *Client
	unregister chan *Client
	subs       chan subscription
	replies    chan directReply
	events     chan generation.ProgressEvent
	done       chan struct{}
	doneOnce   sync.Once

	upgrader websocket.Upgrader
	log      *zap.Logger

	// mu guards the counters read by other goroutines.
	mu          sync.RWMutex
	clientCount int
	roomCount   int
}

// NewHub creates a hub that accepts upgrades from allowedOrigins. An empty
// Origin header is accepted outside production.
func NewHub(allowedOrigins []string, production bool) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		pending:    make(map[string][]generation.ProgressEvent),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subs:       make(chan subscription),
		replies:    make(chan directReply, 16),
		events:     make(chan generation.ProgressEvent, 1024),
		done:       make(chan struct{}),
		log:        logging.L().Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.ToLower(r.Header.Get("Origin"))
			if origin == "" {
				return !production
			}
			for _, allowed := range allowedOrigins {
				if strings.ToLower(strings.TrimSpace(allowed)) == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run is the hub loop. It returns when ctx is done, closing every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(BatchInterval)
	defer ticker.Stop()
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.rooms = make(map[string]map[*Client]bool)
			h.updateCounts()
			h.log.Info("websocket hub shutdown complete")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.updateCounts()
			metrics.Get().RecordWebSocketConnection(1)

		case client := <-h.unregister:
			h.removeClient(client)

		case sub := <-h.subs:
			h.applySubscription(sub)

		case r := <-h.replies:
			if h.clients[r.client] {
				select {
				case r.client.send <- r.data:
				default:
				}
			}

		case ev := <-h.events:
			h.route(ev)

		case <-ticker.C:
			for runID := range h.pending {
				h.flush(runID)
			}
		}
	}
}

// Publish implements generation.ProgressSink. Informational events are
// dropped when the hub is saturated; terminal events wait briefly.
func (h *Hub) Publish(ev generation.ProgressEvent) {
	if ev.Type == generation.EventTerminal {
		timer := time.NewTimer(terminalSendTimeout)
		defer timer.Stop()
		select {
		case h.events <- ev:
		case <-h.done:
		case <-timer.C:
			metrics.Get().RecordWebSocketMessage(string(ev.Type), false)
			h.log.Warn("terminal event not queued", zap.String("run_id", ev.RunID))
		}
		return
	}
	select {
	case h.events <- ev:
	default:
		metrics.Get().RecordWebSocketMessage(string(ev.Type), false)
	}
}

// route batches deltas and sends everything else at once, preserving
// per-run order.
func (h *Hub) route(ev generation.ProgressEvent) {
	if _, watched := h.rooms[ev.RunID]; !watched {
		return
	}
	if ev.Type == generation.EventContentDelta {
		h.pending[ev.RunID] = append(h.pending[ev.RunID], ev)
		if len(h.pending[ev.RunID]) >= MaxBatchSize {
			h.flush(ev.RunID)
		}
		return
	}
	h.flush(ev.RunID)
	e := ev
	h.deliver(ev.RunID, Message{Type: MessageTypeProgress, RunID: ev.RunID, Event: &e, Timestamp: time.Now()}, string(ev.Type))
}

func (h *Hub) flush(runID string) {
	batch := h.pending[runID]
	delete(h.pending, runID)
	if len(batch) == 0 {
		return
	}
	h.deliver(runID, Message{Type: MessageTypeProgressBatch, RunID: runID, Batch: batch, Timestamp: time.Now()}, MessageTypeProgressBatch)
}

func (h *Hub) deliver(runID string, msg Message, label string) {
	room := h.rooms[runID]
	if len(room) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal websocket message", zap.Error(err))
		return
	}
	for client := range room {
		select {
		case client.send <- data:
			metrics.Get().RecordWebSocketMessage(label, true)
		default:
			// Slow client; cut it loose.
			metrics.Get().RecordWebSocketMessage(label, false)
			h.removeClient(client)
		}
	}
}

func (h *Hub) applySubscription(sub subscription) {
	if !h.clients[sub.client] {
		return
	}
	if sub.join {
		room, ok := h.rooms[sub.runID]
		if !ok {
			room = make(map[*Client]bool)
			h.rooms[sub.runID] = room
		}
		room[sub.client] = true
		sub.client.runs[sub.runID] = true
	} else {
		h.leave(sub.client, sub.runID)
	}
	h.updateCounts()
}

func (h *Hub) leave(client *Client, runID string) {
	delete(client.runs, runID)
	room := h.rooms[runID]
	if room == nil {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, runID)
		delete(h.pending, runID)
	}
}

func (h *Hub) removeClient(client *Client) {
	if !h.clients[client] {
		return
	}
	for runID := range client.runs {
		h.leave(client, runID)
	}
	delete(h.clients, client)
	close(client.send)
	h.updateCounts()
	metrics.Get().RecordWebSocketConnection(-1)
}

func (h *Hub) updateCounts() {
	h.mu.Lock()
	h.clientCount = len(h.clients)
	h.roomCount = len(h.rooms)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientCount
}

// RoomCount returns the number of runs with at least one watcher.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.roomCount
}

// subscribe asks the hub loop to add or remove client from a room.
func (h *Hub) subscribe(client *Client, runID string, join bool) {
	select {
	case h.subs <- subscription{client: client, runID: runID, join: join}:
	case <-h.done:
	}
}

// HandleWebSocket upgrades the request. A run id in the :id path parameter
// or the run_id query parameter subscribes the client right away.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, 256),
		runs: make(map[string]bool),
	}
	if userID, ok := c.Get("user_id"); ok {
		if s, ok := userID.(string); ok {
			client.UserID = s
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	runID := c.Param("id")
	if runID == "" {
		runID = c.Query("run_id")
	}
	if runID != "" {
		h.subscribe(client, runID, true)
	}

	go client.writePump()
	go client.readPump()
}
