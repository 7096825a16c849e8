package generation

import (
	"sync"
	"time"
)

// ProgressEventType tags a progress event.
type ProgressEventType string

const (
	EventPhaseTransition ProgressEventType = "phase_transition"
	EventContentDelta    ProgressEventType = "content_delta"
	EventFileDetected    ProgressEventType = "file_detected"
	EventFileProgress    ProgressEventType = "file_progress"
	EventFileComplete    ProgressEventType = "file_complete"
	EventTerminal        ProgressEventType = "terminal"
)

// ProgressEvent is one informational update of a run. Only terminal is
// guaranteed, and exactly once.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	RunID     string            `json:"runId"`
	Phase     Phase             `json:"phase"`
	From      Phase             `json:"from,omitempty"`
	Delta     string            `json:"delta,omitempty"`
	Path      string            `json:"path,omitempty"`
	Size      int               `json:"size,omitempty"`
	Success   bool              `json:"success,omitempty"`
	Error     string            `json:"error,omitempty"`
	FileCount int               `json:"fileCount,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ProgressSink receives progress events. Publish must not block for long;
// delivery is best-effort.
type ProgressSink interface {
	Publish(ev ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Publish(ev ProgressEvent) { f(ev) }

// MultiSink fans events out to every sink in order.
type MultiSink []ProgressSink

func (m MultiSink) Publish(ev ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// Recorder is a sink that keeps every event. Tests use it.
type Recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *Recorder) Publish(ev ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t ProgressEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Hooks are the caller's optional callbacks for one run.
type Hooks struct {
	OnPhase        func(from, to Phase)
	OnDelta        func(phase Phase, delta string)
	OnFileDetected func(phase Phase, path string)
	OnTerminal     func(result *Result)
}

// sink adapts the non-terminal hooks to a ProgressSink. OnTerminal is
// invoked by the orchestrator with the full result.
func (h Hooks) sink() ProgressSink {
	return SinkFunc(func(ev ProgressEvent) {
		switch ev.Type {
		case EventPhaseTransition:
			if h.OnPhase != nil {
				h.OnPhase(ev.From, ev.Phase)
			}
		case EventContentDelta:
			if h.OnDelta != nil {
				h.OnDelta(ev.Phase, ev.Delta)
			}
		case EventFileDetected:
			if h.OnFileDetected != nil {
				h.OnFileDetected(ev.Phase, ev.Path)
			}
		}
	})
}
