package generation

import (
	"strings"
	"sync"
	"time"

	"apex-codegen/internal/backendctx"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/generation/core"
	"apex-codegen/internal/spec"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"
)

// Phase aliases the pipeline position of core.
type Phase = core.Phase

const (
	PhaseInit            = core.PhaseInit
	PhaseSpec            = core.PhaseSpec
	PhaseRouting         = core.PhaseRouting
	PhaseFetching        = core.PhaseFetching
	PhaseBackendGen      = core.PhaseBackendGen
	PhaseBackendAnalysis = core.PhaseBackendAnalysis
	PhaseFrontendGen     = core.PhaseFrontendGen
	PhaseConfiguring     = core.PhaseConfiguring
	PhaseFinalizing      = core.PhaseFinalizing
	PhaseDone            = core.PhaseDone
	PhaseFailed          = core.PhaseFailed
)

// Timing is the wall time spent in one phase.
type Timing struct {
	Phase Phase     `json:"phase"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// State is everything one run knows. It belongs to exactly one run; the
// mutex serializes the orchestrator against stream callbacks of the
// current phase.
type State struct {
	mu sync.Mutex

	runID       string
	input       string
	projectID   string
	projectName string
	startedAt   time.Time

	machine *core.PhaseMachine
	guard   *core.CompletionGuard

	accumulated map[Phase]*strings.Builder
	transcript  strings.Builder

	phaseFiles map[Phase]*extraction.FileSet
	allFiles   *extraction.FileSet
	owner      map[string]Phase

	specification   *spec.Specification
	selection       templates.Selection
	content         *templates.Content
	routeConfidence float64
	fallbackUsed    bool
	backendContext  *backendctx.BackendContext

	timings     []Timing
	openTiming  map[Phase]time.Time
	err         *PhaseError
	diagnostics Diagnostics
	finishedAt  time.Time
}

// NewState creates the state of a fresh run.
func NewState(runID string, req Request) *State {
	return &State{
		runID:       runID,
		input:       req.Input,
		projectID:   req.ProjectID,
		projectName: req.ProjectName,
		startedAt:   time.Now(),
		machine:     core.NewPhaseMachine(runID),
		guard:       core.NewCompletionGuard(),
		accumulated: make(map[Phase]*strings.Builder),
		phaseFiles:  make(map[Phase]*extraction.FileSet),
		allFiles:    extraction.NewFileSet(),
		owner:       make(map[string]Phase),
		openTiming:  make(map[Phase]time.Time),
	}
}

// RunID returns the run identifier.
func (s *State) RunID() string { return s.runID }

// Input returns the free-text request.
func (s *State) Input() string { return s.input }

// Guard returns the completion guard of the run.
func (s *State) Guard() *core.CompletionGuard { return s.guard }

// Machine returns the phase machine of the run.
func (s *State) Machine() *core.PhaseMachine { return s.machine }

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.machine.Current() }

// AppendDelta adds streamed text to the phase-local accumulator and the
// transcript, returning the phase-local text so far.
func (s *State) AppendDelta(phase Phase, delta string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.accumulated[phase]
	if !ok {
		b = &strings.Builder{}
		s.accumulated[phase] = b
	}
	b.WriteString(delta)
	s.transcript.WriteString(delta)
	return b.String()
}

// Accumulated returns the text streamed during phase only.
func (s *State) Accumulated(phase Phase) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.accumulated[phase]; ok {
		return b.String()
	}
	return ""
}

// Transcript returns everything streamed in the run, all phases. It is
// for display and never extracted from.
func (s *State) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// RecordFiles merges complete files of phase into the phase set and the
// run set. A path owned by an earlier phase is never overwritten. It
// returns the paths that were new to the run.
func (s *State) RecordFiles(phase Phase, files *extraction.FileSet) []string {
	if files == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.phaseFiles[phase]
	if !ok {
		set = extraction.NewFileSet()
		s.phaseFiles[phase] = set
	}
	var added []string
	for _, f := range files.Files() {
		set.Put(f.Path, f.Content)
		if _, owned := s.owner[f.Path]; owned {
			continue
		}
		if s.allFiles.Put(f.Path, f.Content) {
			s.owner[f.Path] = phase
			added = append(added, f.Path)
		}
	}
	return added
}

// AddFileIfAbsent records one file for phase unless the run already has
// the path.
func (s *State) AddFileIfAbsent(phase Phase, path, content string) bool {
	fs := extraction.NewFileSet()
	fs.Put(path, content)
	return len(s.RecordFiles(phase, fs)) == 1
}

// Supersede overwrites (or adds) a file on behalf of phase. It is the only
// overwrite path and is reserved for post-processing.
func (s *State) Supersede(phase Phase, path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allFiles.Supersede(path, content)
	s.owner[path] = phase
	set, ok := s.phaseFiles[phase]
	if !ok {
		set = extraction.NewFileSet()
		s.phaseFiles[phase] = set
	}
	set.Supersede(path, content)
}

// Files returns a copy of the run's files in first-detection order.
func (s *State) Files() *extraction.FileSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allFiles.Clone()
}

// PhaseFiles returns a copy of the files extracted during phase.
func (s *State) PhaseFiles(phase Phase) *extraction.FileSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.phaseFiles[phase]; ok {
		return set.Clone()
	}
	return extraction.NewFileSet()
}

// Owner returns the phase that first wrote path.
func (s *State) Owner(path string) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.owner[path]
	return p, ok
}

func (s *State) setSpecification(sp *spec.Specification) {
	s.mu.Lock()
	s.specification = sp
	s.mu.Unlock()
}

// Specification returns the inferred specification, or nil.
func (s *State) Specification() *spec.Specification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specification
}

func (s *State) setSelection(sel templates.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel
	s.routeConfidence = clamp01(sel.Confidence)
	s.diagnostics.RouteConfidence = s.routeConfidence
	s.diagnostics.RouteAmbiguous = sel.Ambiguous
}

// Selection returns the routing outcome.
func (s *State) Selection() templates.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

func (s *State) setContent(c *templates.Content, fallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = c
	s.fallbackUsed = fallback
	s.diagnostics.FallbackUsed = fallback
}

// Content returns the fetched template or fallback instructions.
func (s *State) Content() *templates.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

func (s *State) setBackendContext(bc *backendctx.BackendContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendContext = bc
	if bc != nil {
		s.diagnostics.BackendContextSource = string(bc.Source)
	}
}

// BackendContext returns the extracted backend context, or nil.
func (s *State) BackendContext() *backendctx.BackendContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendContext
}

// ProjectName returns the current project name.
func (s *State) ProjectName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectName
}

// Rename sets the project name.
func (s *State) Rename(name string) {
	s.mu.Lock()
	s.projectName = name
	s.mu.Unlock()
}

// beginPhase starts the timer of phase.
func (s *State) beginPhase(phase Phase) {
	s.mu.Lock()
	s.openTiming[phase] = time.Now()
	s.mu.Unlock()
}

// endPhase stops the timer of phase and returns its duration.
func (s *State) endPhase(phase Phase) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.openTiming[phase]
	if !ok {
		return 0
	}
	delete(s.openTiming, phase)
	end := time.Now()
	s.timings = append(s.timings, Timing{Phase: phase, Start: start, End: end})
	return end.Sub(start)
}

// Timings returns the closed phase timings in order.
func (s *State) Timings() []Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timing, len(s.timings))
	copy(out, s.timings)
	return out
}

// setError records the fatal error of the run. Only the first call wins.
func (s *State) setError(err *PhaseError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

// Err returns the fatal error, or nil.
func (s *State) Err() *PhaseError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// warn records a recoverable problem.
func (s *State) warn(perr *PhaseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics.Warnings = append(s.diagnostics.Warnings, Diagnostic{
		Kind:    perr.Kind,
		Phase:   perr.Phase,
		Message: perr.Message,
	})
}

// Diagnostics returns a copy of the run diagnostics.
func (s *State) Diagnostics() Diagnostics {
	s.mu.Lock()
	d := s.diagnostics
	d.Warnings = append([]Diagnostic(nil), s.diagnostics.Warnings...)
	d.Timings = append([]Timing(nil), s.timings...)
	s.mu.Unlock()
	d.DroppedCallbacks = s.guard.Dropped()
	return d
}

func (s *State) markFinished() {
	s.mu.Lock()
	s.finishedAt = time.Now()
	s.mu.Unlock()
}

// Snapshot captures the final state for telemetry.
func (s *State) Snapshot() *telemetry.Snapshot {
	diag := s.Diagnostics()
	files := s.Files()
	phase := s.Phase()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &telemetry.Snapshot{
		RunID:                s.runID,
		ProjectID:            s.projectID,
		ProjectName:          s.projectName,
		Input:                s.input,
		Success:              phase == PhaseDone,
		FinalPhase:           string(phase),
		TemplateID:           s.selection.TemplateID,
		FallbackUsed:         s.fallbackUsed,
		RouteConfidence:      s.routeConfidence,
		BackendContextSource: diag.BackendContextSource,
		DroppedCallbacks:     diag.DroppedCallbacks,
		StartedAt:            s.startedAt,
		FinishedAt:           s.finishedAt,
	}
	for _, f := range files.Files() {
		snap.Files = append(snap.Files, telemetry.File{Path: f.Path, Content: f.Content})
	}
	for _, t := range s.timings {
		snap.Timings = append(snap.Timings, telemetry.PhaseTiming{Phase: string(t.Phase), Start: t.Start, End: t.End})
	}
	for _, w := range diag.Warnings {
		snap.Warnings = append(snap.Warnings, telemetry.Warning{Kind: string(w.Kind), Phase: string(w.Phase), Message: w.Message})
	}
	if s.err != nil {
		snap.ErrorKind = string(s.err.Kind)
		snap.ErrorPhase = string(s.err.Phase)
		snap.ErrorMessage = s.err.Message
	}
	return snap
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
