// Package telemetry persists end-of-run snapshots of generation runs. It
// is a side channel: nothing here feeds back into generation.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// File is one generated file in a snapshot.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PhaseTiming is the wall time of one phase.
type PhaseTiming struct {
	Phase string    `json:"phase"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (t PhaseTiming) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// Warning is one recoverable problem recorded during the run.
type Warning struct {
	Kind    string `json:"kind"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// Snapshot is the final state of one run.
type Snapshot struct {
	RunID                string        `json:"runId"`
	ProjectID            string        `json:"projectId"`
	ProjectName          string        `json:"projectName"`
	Input                string        `json:"input"`
	Success              bool          `json:"success"`
	FinalPhase           string        `json:"finalPhase"`
	TemplateID           string        `json:"templateId"`
	FallbackUsed         bool          `json:"fallbackUsed"`
	RouteConfidence      float64       `json:"routeConfidence"`
	BackendContextSource string        `json:"backendContextSource"`
	Files                []File        `json:"files"`
	Timings              []PhaseTiming `json:"timings"`
	Warnings             []Warning     `json:"warnings"`
	ErrorKind            string        `json:"errorKind,omitempty"`
	ErrorPhase           string        `json:"errorPhase,omitempty"`
	ErrorMessage         string        `json:"errorMessage,omitempty"`
	DroppedCallbacks     int64         `json:"droppedCallbacks"`
	StartedAt            time.Time     `json:"startedAt"`
	FinishedAt           time.Time     `json:"finishedAt"`
}

// Encode returns the JSON document archived for a run.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Persister receives snapshots once a run has fully drained.
type Persister interface {
	Persist(ctx context.Context, snap *Snapshot) error
}
