package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apex-codegen/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterConfig configures how streams are routed to providers
type RouterConfig struct {
	// Primary is tried first unless a request names a provider.
	Primary AIProvider

	// FallbackOrder is tried after the primary, skipping duplicates.
	FallbackOrder []AIProvider

	// RequestsPerMinute per provider; zero disables limiting.
	RequestsPerMinute int

	// Burst for each provider limiter.
	Burst int

	// UnhealthyFor is how long a provider is skipped after a retryable failure.
	UnhealthyFor time.Duration
}

// DefaultRouterConfig returns the routing configuration used when none is given.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Primary:           ProviderClaude,
		FallbackOrder:     []AIProvider{ProviderClaude, ProviderOpenAI, ProviderGemini},
		RequestsPerMinute: 60,
		Burst:             5,
		UnhealthyFor:      30 * time.Second,
	}
}

// Router picks a provider for each stream and falls back when a provider
// fails before producing any content. Once content has flowed, a failure
// is passed through as an error event: a second provider would produce a
// different document and the caller has already consumed part of the first.
type Router struct {
	clients   map[AIProvider]StreamingClient
	config    RouterConfig
	limiters  map[AIProvider]*rate.Limiter
	mu        sync.RWMutex
	unhealthy map[AIProvider]time.Time
	now       func() time.Time
}

// NewRouter creates a router over the given clients.
func NewRouter(cfg RouterConfig, clients ...StreamingClient) *Router {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UnhealthyFor <= 0 {
		cfg.UnhealthyFor = 30 * time.Second
	}
	r := &Router{
		clients:   make(map[AIProvider]StreamingClient),
		config:    cfg,
		limiters:  make(map[AIProvider]*rate.Limiter),
		unhealthy: make(map[AIProvider]time.Time),
		now:       time.Now,
	}
	for _, c := range clients {
		p := c.GetProvider()
		r.clients[p] = c
		limit := rate.Inf
		if cfg.RequestsPerMinute > 0 {
			limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		}
		r.limiters[p] = rate.NewLimiter(limit, cfg.Burst)
	}
	return r
}

// Providers returns the configured providers in routing order.
func (r *Router) Providers() []AIProvider {
	return r.order("")
}

// Usage returns per-provider usage statistics.
func (r *Router) Usage() []*ProviderUsage {
	out := make([]*ProviderUsage, 0, len(r.clients))
	for _, p := range r.order("") {
		out = append(out, r.clients[p].GetUsage())
	}
	return out
}

func (r *Router) order(preferred AIProvider) []AIProvider {
	seen := make(map[AIProvider]bool)
	var out []AIProvider
	add := func(p AIProvider) {
		if p == "" || seen[p] {
			return
		}
		if _, ok := r.clients[p]; !ok {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add(preferred)
	add(r.config.Primary)
	for _, p := range r.config.FallbackOrder {
		add(p)
	}
	// Configured clients missing from the fallback order go last.
	for _, p := range []AIProvider{ProviderClaude, ProviderOpenAI, ProviderGemini} {
		add(p)
	}
	return out
}

func (r *Router) isHealthy(p AIProvider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, bad := r.unhealthy[p]
	return !bad || r.now().After(until)
}

func (r *Router) markUnhealthy(p AIProvider) {
	r.mu.Lock()
	r.unhealthy[p] = r.now().Add(r.config.UnhealthyFor)
	r.mu.Unlock()
}

// Stream implements Streamer.
func (r *Router) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	if len(r.clients) == 0 {
		return nil, ErrNoProviders
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	candidates := r.order(req.Provider)
	var lastErr error
	attempted := 0
	for i, p := range candidates {
		// The last candidate is always tried, even if marked unhealthy or
		// out of rate budget, so a single configured provider still works.
		last := i == len(candidates)-1
		if !last && !r.isHealthy(p) {
			continue
		}
		limiter := r.limiters[p]
		if !limiter.Allow() {
			if !last {
				logging.L().Info("provider rate limited, trying next", zap.String("provider", string(p)))
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attempted++
		events, err := r.open(ctx, r.clients[p], req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Retryable() {
			r.markUnhealthy(p)
		}
		logging.L().Warn("provider stream failed before content, falling back",
			zap.String("provider", string(p)),
			zap.String("request_id", req.ID),
			zap.Error(err))
	}

	if attempted == 0 {
		return nil, fmt.Errorf("no healthy providers available")
	}
	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// open starts a stream and holds it until the first delta or terminal
// event. An error event before any content counts as an open failure.
func (r *Router) open(ctx context.Context, client StreamingClient, req *StreamRequest) (<-chan StreamEvent, error) {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var held []StreamEvent
	for {
		select {
		case <-ctx.Done():
			go discard(events)
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrStreamClosed
			}
			if ev.Type == EventError {
				go discard(events)
				if ev.Err == nil {
					ev.Err = errors.New("stream failed")
				}
				return nil, ev.Err
			}
			held = append(held, ev)
			if ev.Type == EventContentDelta || ev.Type == EventComplete {
				return relay(ctx, held, events), nil
			}
		}
	}
}

// relay replays held events and then forwards the rest of the stream.
func relay(ctx context.Context, held []StreamEvent, events <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		for _, ev := range held {
			if !emit(ctx, out, ev) {
				discard(events)
				return
			}
		}
		for ev := range events {
			if !emit(ctx, out, ev) {
				discard(events)
				return
			}
		}
	}()
	return out
}

func discard(events <-chan StreamEvent) {
	for range events {
	}
}
