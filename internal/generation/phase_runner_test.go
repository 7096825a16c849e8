package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/ai/aitest"
	"apex-codegen/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func backendPromptFor(phase Phase) PhasePrompt {
	return PhasePrompt{Phase: phase, Capability: ai.CapabilityBackendCode, Prompt: "go", IdleTimeout: time.Second}
}

func TestRunPhaseProgressEvents(t *testing.T) {
	streamer := aitest.Sequence(ai.ProviderClaude, aitest.Text(backendChunks()...))
	st := NewState("run-1", Request{})
	rec := &Recorder{}

	res, err := NewPhaseRunner(streamer, st, rec, nil).RunPhase(context.Background(), backendPromptFor(PhaseBackendGen))
	require.NoError(t, err)

	assert.Equal(t, []string{"backend/main.mo"}, res.Files.Paths())
	assert.Contains(t, res.FullText, "persistent actor TodoTracker")
	assert.Equal(t, 1, rec.Count(EventFileDetected))
	assert.Equal(t, 1, rec.Count(EventFileComplete))
	assert.GreaterOrEqual(t, rec.Count(EventFileProgress), 1)
	assert.Equal(t, 4, rec.Count(EventContentDelta))
	for _, ev := range rec.Events() {
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, PhaseBackendGen, ev.Phase)
	}
	assert.Equal(t, 1, st.Files().Len())
}

func TestRunPhaseFailures(t *testing.T) {
	tests := []struct {
		name     string
		streamer ai.Streamer
		wantIs   error
	}{
		{
			name:     "stream never opens",
			streamer: aitest.Sequence(ai.ProviderClaude),
		},
		{
			name:     "error event",
			streamer: aitest.Sequence(ai.ProviderClaude, aitest.Failing(errQuota, "partial")),
			wantIs:   errQuota,
		},
		{
			name: "closed without terminal",
			streamer: aitest.Sequence(ai.ProviderClaude, aitest.Script{
				aitest.Delta("partial", 0),
			}),
			wantIs: ai.ErrStreamClosed,
		},
		{
			name: "idle",
			streamer: aitest.Sequence(ai.ProviderClaude, aitest.Script{
				aitest.Delta("partial", 0),
				aitest.Complete(500 * time.Millisecond),
			}),
			wantIs: ErrPhaseIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewState("run-1", Request{})
			p := backendPromptFor(PhaseBackendGen)
			p.IdleTimeout = 50 * time.Millisecond

			res, err := NewPhaseRunner(tt.streamer, st, nil, nil).RunPhase(context.Background(), p)
			require.Error(t, err)
			assert.Nil(t, res)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestRunPhaseDropsEventsAfterLatch(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer logging.Replace(zap.New(core))()

	streamer := aitest.Sequence(ai.ProviderClaude, aitest.Script{
		aitest.Delta("hello", 0),
		aitest.Delta(" world", 100*time.Millisecond),
		aitest.Complete(0),
	})
	st := NewState("run-1", Request{})
	rec := &Recorder{}

	done := make(chan error, 1)
	go func() {
		_, err := NewPhaseRunner(streamer, st, rec, logging.L()).RunPhase(context.Background(), backendPromptFor(PhaseBackendGen))
		done <- err
	}()

	require.Eventually(t, func() bool { return rec.Count(EventContentDelta) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, st.Guard().Latch())

	select {
	case err := <-done:
		assert.Error(t, err, "a latched run cannot complete its phase")
	case <-time.After(2 * time.Second):
		t.Fatal("RunPhase did not return")
	}

	assert.Equal(t, "hello", st.Accumulated(PhaseBackendGen))
	assert.Equal(t, 1, rec.Count(EventContentDelta))
	assert.Equal(t, int64(2), st.Guard().Dropped())
	assert.NotZero(t, logs.FilterMessage("late stream event dropped").Len())
}
