package generation

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure by the phase family that raised it.
type ErrorKind string

const (
	SpecificationError      ErrorKind = "SpecificationError"
	RoutingError            ErrorKind = "RoutingError"
	FetchingError           ErrorKind = "FetchingError"
	BackendGenerationError  ErrorKind = "BackendGenerationError"
	BackendAnalysisError    ErrorKind = "BackendAnalysisError"
	FrontendGenerationError ErrorKind = "FrontendGenerationError"
	PostProcessingError     ErrorKind = "PostProcessingError"
)

// Fatal reports the default policy of the kind. Routing never truly fails
// because a default template always exists; fetching is recovered by the
// fallback instructions unless the fallback fails too, in which case the
// orchestrator raises a fatal FetchingError explicitly.
func (k ErrorKind) Fatal() bool {
	switch k {
	case SpecificationError, BackendGenerationError, FrontendGenerationError:
		return true
	}
	return false
}

var (
	// ErrPhaseIdle is returned when a stream delivers nothing for longer
	// than the phase idle timeout.
	ErrPhaseIdle = errors.New("stream went idle")
	// ErrNoFiles is returned when a code phase finishes without a single
	// complete file.
	ErrNoFiles = errors.New("no files extracted")
	// ErrRunNotFound is returned by the service for unknown run ids.
	ErrRunNotFound = errors.New("generation run not found")
	// ErrTooManyRuns is returned when the concurrent run limit is reached.
	ErrTooManyRuns = errors.New("too many concurrent generation runs")
)

// PhaseError is the single user-facing error of a run, or one recoverable
// diagnostic.
type PhaseError struct {
	Kind    ErrorKind `json:"kind"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
	Err     error     `json:"-"`
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// newPhaseError builds an error with the kind's default fatality.
func newPhaseError(kind ErrorKind, phase Phase, err error, format string, args ...interface{}) *PhaseError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &PhaseError{Kind: kind, Phase: phase, Message: msg, Fatal: kind.Fatal(), Err: err}
}

// Diagnostic is one recorded recoverable problem.
type Diagnostic struct {
	Kind    ErrorKind `json:"kind"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
}

// Diagnostics is the non-fatal record of a run.
type Diagnostics struct {
	Warnings             []Diagnostic `json:"warnings"`
	FallbackUsed         bool         `json:"fallbackUsed"`
	RouteConfidence      float64      `json:"routeConfidence"`
	RouteAmbiguous       bool         `json:"routeAmbiguous"`
	BackendContextSource string       `json:"backendContextSource,omitempty"`
	DroppedCallbacks     int64        `json:"droppedCallbacks"`
	Timings              []Timing     `json:"timings"`
}

// HasWarning reports whether a warning of kind was recorded.
func (d *Diagnostics) HasWarning(kind ErrorKind) bool {
	for _, w := range d.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}
