// Package core holds the run-level state machines of the generation
// pipeline: the phase machine that sequences a run and the completion
// guard that keeps late stream callbacks away from a finished run.
//
//	PhaseMachine: NewPhaseMachine(runID) starts in PhaseInit.
//	Advance(to) moves one step forward along the fixed phase order.
//	Fail(msg) moves any non-terminal phase to PhaseFailed.
//	Subscribe(n) streams PhaseTransition records.
package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"apex-codegen/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Phase is one position of the generation pipeline.
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseSpec            Phase = "spec"
	PhaseRouting         Phase = "routing"
	PhaseFetching        Phase = "fetching"
	PhaseBackendGen      Phase = "backend_gen"
	PhaseBackendAnalysis Phase = "backend_analysis"
	PhaseFrontendGen     Phase = "frontend_gen"
	PhaseConfiguring     Phase = "configuring"
	PhaseFinalizing      Phase = "finalizing"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// Phases lists the forward order, Failed excluded.
var Phases = []Phase{
	PhaseInit, PhaseSpec, PhaseRouting, PhaseFetching, PhaseBackendGen,
	PhaseBackendAnalysis, PhaseFrontendGen, PhaseConfiguring, PhaseFinalizing, PhaseDone,
}

// IsTerminal reports whether no transition leaves p.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// transition defines a valid from → to step.
type transition struct {
	From Phase
	To   Phase
}

// validTransitions is the canonical forward path. Failed is handled
// separately: it is reachable from every non-terminal phase.
var validTransitions = []transition{
	{PhaseInit, PhaseSpec},
	{PhaseSpec, PhaseRouting},
	{PhaseRouting, PhaseFetching},
	{PhaseFetching, PhaseBackendGen},
	{PhaseBackendGen, PhaseBackendAnalysis},
	{PhaseBackendAnalysis, PhaseFrontendGen},
	{PhaseFrontendGen, PhaseConfiguring},
	{PhaseConfiguring, PhaseFinalizing},
	{PhaseFinalizing, PhaseDone},
}

// PhaseTransition is emitted on every phase change.
type PhaseTransition struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	From         Phase     `json:"from"`
	To           Phase     `json:"to"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// PhaseMachine tracks the pipeline position of one run.
type PhaseMachine struct {
	mu sync.RWMutex

	RunID       string
	phase       Phase
	startTime   time.Time
	lastTransAt time.Time
	errorMsg    string

	subscribers []chan PhaseTransition
	history     []PhaseTransition
}

// NewPhaseMachine returns a machine in PhaseInit.
func NewPhaseMachine(runID string) *PhaseMachine {
	now := time.Now()
	return &PhaseMachine{
		RunID:       runID,
		phase:       PhaseInit,
		startTime:   now,
		lastTransAt: now,
		history:     make([]PhaseTransition, 0, len(Phases)+1),
	}
}

// Current returns the current phase.
func (m *PhaseMachine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// IsTerminal reports whether the run reached Done or Failed.
func (m *PhaseMachine) IsTerminal() bool {
	return m.Current().IsTerminal()
}

// ErrorMessage returns the message recorded by Fail.
func (m *PhaseMachine) ErrorMessage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorMsg
}

// ElapsedMs returns milliseconds since the machine was created.
func (m *PhaseMachine) ElapsedMs() int64 {
	return time.Since(m.startTime).Milliseconds()
}

// Advance moves to the next phase. Skipping phases, moving backwards and
// leaving a terminal phase are errors.
func (m *PhaseMachine) Advance(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	found := false
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid transition: phase=%s to=%s", from, to)
	}
	m.record(from, to, "")
	return nil
}

// Fail moves the machine to PhaseFailed from any non-terminal phase.
func (m *PhaseMachine) Fail(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	if from.IsTerminal() {
		return fmt.Errorf("invalid transition: phase=%s to=%s", from, PhaseFailed)
	}
	m.errorMsg = message
	m.record(from, PhaseFailed, message)
	return nil
}

// record applies a transition. Callers hold m.mu.
func (m *PhaseMachine) record(from, to Phase, errMsg string) {
	now := time.Now()
	duration := now.Sub(m.lastTransAt).Milliseconds()

	rec := PhaseTransition{
		ID:           uuid.New().String(),
		RunID:        m.RunID,
		From:         from,
		To:           to,
		Timestamp:    now,
		DurationMs:   duration,
		ErrorMessage: errMsg,
	}
	m.phase = to
	m.lastTransAt = now
	m.history = append(m.history, rec)

	for _, ch := range m.subscribers {
		select {
		case ch <- rec:
		default:
			// slow subscriber, History has it
		}
	}

	logging.L().Debug("phase transition",
		zap.String("run_id", m.RunID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("duration_ms", duration))
}

// Subscribe returns a channel receiving every later transition. Sends
// never block; a full buffer drops records.
func (m *PhaseMachine) Subscribe(bufferSize int) chan PhaseTransition {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan PhaseTransition, bufferSize)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *PhaseMachine) Unsubscribe(ch chan PhaseTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// History returns a copy of all transitions.
func (m *PhaseMachine) History() []PhaseTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PhaseTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot returns a JSON summary of the machine.
func (m *PhaseMachine) Snapshot() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := map[string]interface{}{
		"run_id":      m.RunID,
		"phase":       m.phase,
		"elapsed_ms":  time.Since(m.startTime).Milliseconds(),
		"error":       m.errorMsg,
		"transitions": len(m.history),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to serialize phase snapshot: %w", err)
	}
	return string(data), nil
}

// Progress returns 0.0–1.0 along the forward path.
func (m *PhaseMachine) Progress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase == PhaseFailed {
		return 1
	}
	for i, p := range Phases {
		if p == m.phase {
			return float64(i) / float64(len(Phases)-1)
		}
	}
	return 0
}
