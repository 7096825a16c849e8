package generation

import (
	"context"
	"fmt"
	"time"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PhaseResult is what one code phase produced.
type PhaseResult struct {
	Files    *extraction.FileSet
	FullText string
}

// phaseOutcome is reported once by the stream consumer.
type phaseOutcome struct {
	result *PhaseResult
	err    error
}

// PhaseRunner executes single streaming phases of one run. All stream
// callbacks go through the run's completion guard.
type PhaseRunner struct {
	streamer ai.Streamer
	state    *State
	sink     ProgressSink
	log      *zap.Logger
}

// NewPhaseRunner binds a runner to the state of one run.
func NewPhaseRunner(streamer ai.Streamer, state *State, sink ProgressSink, log *zap.Logger) *PhaseRunner {
	if sink == nil {
		sink = MultiSink(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PhaseRunner{streamer: streamer, state: state, sink: sink, log: log}
}

// RunPhase opens exactly one stream and returns the files completed in it.
// It returns early on ctx cancellation or idle timeout; the stream is then
// drained in the background and its remaining events are discarded.
func (r *PhaseRunner) RunPhase(ctx context.Context, p PhasePrompt) (*PhaseResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := r.streamer.Stream(streamCtx, &ai.StreamRequest{
		ID:           uuid.New().String(),
		Capability:   p.Capability,
		SystemPrompt: p.SystemPrompt,
		Prompt:       p.Prompt,
		MaxTokens:    p.MaxTokens,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", p.Phase, err)
	}

	outcome := make(chan phaseOutcome, 1)
	activity := make(chan struct{}, 1)
	quit := make(chan struct{})
	defer close(quit)

	c := &consumer{
		runner:   r,
		phase:    p.Phase,
		seen:     map[string]int{},
		complete: map[string]bool{},
		activity: activity,
		quit:     quit,
		outcome:  outcome,
	}
	go c.run(events)

	var idle <-chan time.Time
	var timer *time.Timer
	if p.IdleTimeout > 0 {
		timer = time.NewTimer(p.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case o := <-outcome:
			if o.err != nil && ctx.Err() != nil {
				// The stream ended because we were cancelled.
				return nil, ctx.Err()
			}
			return o.result, o.err
		case <-activity:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.IdleTimeout)
			}
		case <-idle:
			r.log.Warn("phase stream idle, abandoning",
				zap.String("phase", string(p.Phase)),
				zap.Duration("idle_timeout", p.IdleTimeout))
			return nil, fmt.Errorf("%s: %w after %s", p.Phase, ErrPhaseIdle, p.IdleTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// consumer reads one stream. It keeps reading after RunPhase returned so
// the producer never blocks, but from then on every event is discarded.
type consumer struct {
	runner   *PhaseRunner
	phase    Phase
	seen     map[string]int
	complete map[string]bool
	activity chan<- struct{}
	quit     <-chan struct{}
	outcome  chan<- phaseOutcome
	reported bool
}

func (c *consumer) run(events <-chan ai.StreamEvent) {
	g := c.runner.state.Guard()
	for ev := range events {
		select {
		case <-c.quit:
			c.drop(ev)
			continue
		default:
		}

		if !g.Guarded(func() { c.handle(ev) }) {
			c.drop(ev)
			continue
		}

		select {
		case c.activity <- struct{}{}:
		default:
		}
	}
	c.report(phaseOutcome{err: fmt.Errorf("%s: %w", c.phase, ai.ErrStreamClosed)})
}

// drop discards an event that arrived after its phase ended.
func (c *consumer) drop(ev ai.StreamEvent) {
	metrics.Get().RecordDroppedCallbacks(1)
	c.runner.log.Debug("late stream event dropped",
		zap.String("phase", string(c.phase)),
		zap.String("event", string(ev.Type)))
}

func (c *consumer) report(o phaseOutcome) {
	if c.reported {
		return
	}
	c.reported = true
	c.outcome <- o
}

// handle runs inside the completion guard.
func (c *consumer) handle(ev ai.StreamEvent) {
	if c.reported {
		return
	}
	st := c.runner.state

	switch ev.Type {
	case ai.EventContentDelta:
		if ev.Delta == "" {
			return
		}
		text := st.AppendDelta(c.phase, ev.Delta)
		c.publish(ProgressEvent{Type: EventContentDelta, Delta: ev.Delta})
		c.track(extraction.Detect(text))

	case ai.EventComplete:
		text := st.Accumulated(c.phase)
		c.track(extraction.DetectFinal(text))
		c.report(phaseOutcome{result: &PhaseResult{
			Files:    st.PhaseFiles(c.phase),
			FullText: text,
		}})

	case ai.EventError:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("stream failed")
		}
		c.report(phaseOutcome{err: fmt.Errorf("%s stream: %w", c.phase, err)})
	}
}

// track publishes file progress and records complete files.
func (c *consumer) track(det extraction.Detection) {
	for _, f := range det.InProgress.Files() {
		size := len(f.Content)
		prev, ok := c.seen[f.Path]
		switch {
		case !ok:
			c.seen[f.Path] = size
			c.publish(ProgressEvent{Type: EventFileDetected, Path: f.Path, Size: size})
		case size > prev:
			c.seen[f.Path] = size
			c.publish(ProgressEvent{Type: EventFileProgress, Path: f.Path, Size: size})
		}
	}

	var fresh []string
	for _, f := range det.Complete.Files() {
		if c.complete[f.Path] {
			continue
		}
		c.complete[f.Path] = true
		if _, ok := c.seen[f.Path]; !ok {
			c.seen[f.Path] = len(f.Content)
			c.publish(ProgressEvent{Type: EventFileDetected, Path: f.Path, Size: len(f.Content)})
		}
		c.publish(ProgressEvent{Type: EventFileComplete, Path: f.Path, Size: len(f.Content)})
		fresh = append(fresh, f.Path)
	}
	if len(fresh) > 0 {
		c.runner.state.RecordFiles(c.phase, det.Complete)
	}
}

func (c *consumer) publish(ev ProgressEvent) {
	ev.RunID = c.runner.state.RunID()
	ev.Phase = c.phase
	ev.Timestamp = time.Now()
	c.runner.sink.Publish(ev)
}
