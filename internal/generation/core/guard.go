package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CompletionState is the stage of the completion latch.
type CompletionState int32

const (
	Running CompletionState = iota
	ResultEmitted
	CallbacksDrained
)

func (s CompletionState) String() string {
	switch s {
	case Running:
		return "running"
	case ResultEmitted:
		return "result_emitted"
	case CallbacksDrained:
		return "callbacks_drained"
	}
	return "unknown"
}

var (
	// ErrNotLatched is returned by Drain before Latch.
	ErrNotLatched = errors.New("completion guard: drain before result was emitted")
	// ErrDrainTimeout is returned when in-flight callbacks outlive the
	// grace period. The guard still moves to CallbacksDrained.
	ErrDrainTimeout = errors.New("completion guard: callbacks still in flight after grace period")
)

// CompletionGuard is the two-stage completion latch of a run.
//
// Every callback entry point runs through Enter (or Guarded). Enter and
// Latch serialize on one mutex, so a callback is either registered before
// the latch and counted as in flight, or refused after it. Nothing in
// between.
type CompletionGuard struct {
	mu       sync.Mutex
	state    CompletionState
	inflight sync.WaitGroup
	dropped  atomic.Int64
	hooks    []func()
}

// NewCompletionGuard returns a guard in Running.
func NewCompletionGuard() *CompletionGuard {
	return &CompletionGuard{}
}

// State returns the current stage.
func (g *CompletionGuard) State() CompletionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Enter registers an in-flight callback. It returns false, and counts a
// drop, once the result has been emitted. A true return must be paired
// with Done.
func (g *CompletionGuard) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Running {
		g.dropped.Add(1)
		return false
	}
	g.inflight.Add(1)
	return true
}

// Done ends a callback registered by Enter.
func (g *CompletionGuard) Done() {
	g.inflight.Done()
}

// Guarded runs fn as a registered callback. It reports whether fn ran.
func (g *CompletionGuard) Guarded(fn func()) bool {
	if !g.Enter() {
		return false
	}
	defer g.Done()
	fn()
	return true
}

// Latch moves Running to ResultEmitted. Only the first call returns true;
// the caller that wins owns the terminal event.
func (g *CompletionGuard) Latch() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Running {
		return false
	}
	g.state = ResultEmitted
	return true
}

// OnDrained registers fn to run once the guard reaches CallbacksDrained.
// If it already has, fn runs immediately.
func (g *CompletionGuard) OnDrained(fn func()) {
	g.mu.Lock()
	if g.state != CallbacksDrained {
		g.hooks = append(g.hooks, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// Drain waits for callbacks registered before the latch, bounded by grace
// and ctx, then moves to CallbacksDrained and runs the OnDrained hooks.
// Hooks run exactly once, whichever caller drains first.
func (g *CompletionGuard) Drain(ctx context.Context, grace time.Duration) error {
	switch g.State() {
	case Running:
		return ErrNotLatched
	case CallbacksDrained:
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	var waitErr error
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		waitErr = ErrDrainTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	g.mu.Lock()
	if g.state == CallbacksDrained {
		g.mu.Unlock()
		return waitErr
	}
	g.state = CallbacksDrained
	hooks := g.hooks
	g.hooks = nil
	g.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return waitErr
}

// Dropped returns how many callbacks were refused after the latch.
func (g *CompletionGuard) Dropped() int64 {
	return g.dropped.Load()
}
