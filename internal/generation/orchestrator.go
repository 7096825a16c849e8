// Package generation drives a natural-language request through the fixed
// phase sequence that produces a backend and a matching frontend.
//
//	Init → Spec → Routing → Fetching → BackendGen → BackendAnalysis →
//	FrontendGen → Configuring → Finalizing → Done
//
// Any fatal error moves the run to Failed. Either way exactly one terminal
// event is emitted, gated by the run's completion guard.
package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/backendctx"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/metrics"
	"apex-codegen/internal/spec"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SpecInferencer turns a request into a specification.
type SpecInferencer interface {
	Infer(ctx context.Context, request string) (*spec.Specification, error)
}

// TemplateResolver selects and loads templates.
type TemplateResolver interface {
	Select(ctx context.Context, request string) (templates.Selection, error)
	Fetch(ctx context.Context, id string) (*templates.Content, error)
	FetchFallback(ctx context.Context) (*templates.Content, error)
}

// ContextExtractor derives the backend interface from backend files.
type ContextExtractor interface {
	Extract(ctx context.Context, files *extraction.FileSet) (*backendctx.BackendContext, error)
}

// Options tunes timing and limits of a run.
type Options struct {
	// ZeroFileGrace is the one wait before a backend phase without files
	// is declared failed.
	ZeroFileGrace time.Duration
	// DrainGrace bounds the wait for in-flight callbacks after the
	// terminal event.
	DrainGrace time.Duration
	// PhaseIdleTimeout abandons a code phase whose stream goes quiet.
	PhaseIdleTimeout time.Duration
	MaxTokens        int
	// DefaultTemplateID is used when routing fails or is ambiguous.
	DefaultTemplateID string
	// PersistTimeout bounds the telemetry write after drain.
	PersistTimeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		ZeroFileGrace:     2 * time.Second,
		DrainGrace:        500 * time.Millisecond,
		PhaseIdleTimeout:  2 * time.Minute,
		MaxTokens:         16000,
		DefaultTemplateID: templates.DefaultTemplateID,
		PersistTimeout:    10 * time.Second,
	}
}

// Request starts one run.
type Request struct {
	// RunID is optional; one is generated when empty.
	RunID       string
	Input       string
	ProjectID   string
	ProjectName string
	Hooks       Hooks
}

// TemplateUsage reports which instructions drove generation.
type TemplateUsage struct {
	Name         string  `json:"name"`
	DisplayName  string  `json:"displayName"`
	Requested    string  `json:"requested"`
	Confidence   float64 `json:"confidence"`
	FallbackUsed bool    `json:"fallbackUsed"`
}

// Result is the outcome of one run. On failure Files still holds whatever
// was produced before the fatal error.
type Result struct {
	RunID          string                     `json:"runId"`
	Success        bool                       `json:"success"`
	Files          *extraction.FileSet        `json:"files"`
	BackendFiles   *extraction.FileSet        `json:"backendFiles"`
	FrontendFiles  *extraction.FileSet        `json:"frontendFiles"`
	TemplateUsed   *TemplateUsage             `json:"templateUsed,omitempty"`
	Specification  *spec.Specification        `json:"specification,omitempty"`
	BackendContext *backendctx.BackendContext `json:"backendContext,omitempty"`
	Diagnostics    Diagnostics                `json:"diagnostics"`
	Error          *PhaseError                `json:"error,omitempty"`
	ProjectName    string                     `json:"projectName"`
	FinalPhase     Phase                      `json:"finalPhase"`
}

// Orchestrator runs generation pipelines. One Orchestrator serves many
// concurrent runs; each run owns its own State.
type Orchestrator struct {
	streamer   ai.Streamer
	inferencer SpecInferencer
	resolver   TemplateResolver
	extractor  ContextExtractor
	post       []PostProcessor
	sink       ProgressSink
	persister  telemetry.Persister
	opts       Options
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPostProcessors replaces the default post-processing chain.
func WithPostProcessors(p ...PostProcessor) Option {
	return func(o *Orchestrator) { o.post = p }
}

// WithSink adds a progress sink shared by every run.
func WithSink(s ProgressSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithPersister stores run snapshots after drain.
func WithPersister(p telemetry.Persister) Option {
	return func(o *Orchestrator) { o.persister = p }
}

// WithOptions overrides timing and limits.
func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

// NewOrchestrator wires the collaborators of the pipeline. extractor may
// be nil, which leaves the frontend without a backend context.
func NewOrchestrator(streamer ai.Streamer, inferencer SpecInferencer, resolver TemplateResolver, extractor ContextExtractor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		streamer:   streamer,
		inferencer: inferencer,
		resolver:   resolver,
		extractor:  extractor,
		post:       DefaultPostProcessors(),
		opts:       DefaultOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.opts.DefaultTemplateID == "" {
		o.opts.DefaultTemplateID = templates.DefaultTemplateID
	}
	return o
}

// run bundles what one pipeline execution needs.
type run struct {
	st     *State
	sink   ProgressSink
	runner *PhaseRunner
	log    *zap.Logger
	hooks  Hooks
}

// Run executes the pipeline for req and returns its result. The terminal
// event is emitted once before Run returns; persistence happens after the
// completion guard has drained.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	st := NewState(runID, req)
	log := logging.ForRun(runID)
	sink := MultiSink{o.sink, req.Hooks.sink()}

	r := &run{
		st:     st,
		sink:   sink,
		runner: NewPhaseRunner(o.streamer, st, sink, log),
		log:    log,
		hooks:  req.Hooks,
	}

	if o.persister != nil {
		st.Guard().OnDrained(func() { o.persist(st, log) })
	}

	m := metrics.Get()
	m.RunsInFlight.Inc()
	defer m.RunsInFlight.Dec()

	log.Info("generation started", zap.String("project_id", req.ProjectID))
	perr := o.pipeline(ctx, r)
	return o.finish(ctx, r, perr)
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) *PhaseError {
	st := r.st

	// Spec
	if perr := o.enter(r, PhaseSpec); perr != nil {
		return perr
	}
	sp, err := o.inferencer.Infer(ctx, st.Input())
	if err != nil {
		return newPhaseError(SpecificationError, PhaseSpec, err, "specification inference failed")
	}
	st.setSpecification(sp)

	// Routing
	if perr := o.enter(r, PhaseRouting); perr != nil {
		return perr
	}
	st.setSelection(o.route(ctx, r))

	// Fetching
	if perr := o.enter(r, PhaseFetching); perr != nil {
		return perr
	}
	if perr := o.fetch(ctx, r); perr != nil {
		return perr
	}

	// BackendGen
	if perr := o.enter(r, PhaseBackendGen); perr != nil {
		return perr
	}
	if perr := o.generateBackend(ctx, r); perr != nil {
		return perr
	}

	// BackendAnalysis
	if perr := o.enter(r, PhaseBackendAnalysis); perr != nil {
		return perr
	}
	o.analyzeBackend(ctx, r)

	// FrontendGen
	if perr := o.enter(r, PhaseFrontendGen); perr != nil {
		return perr
	}
	if perr := o.generateFrontend(ctx, r); perr != nil {
		return perr
	}

	// Configuring
	if perr := o.enter(r, PhaseConfiguring); perr != nil {
		return perr
	}
	for _, p := range o.post {
		if err := p.Process(ctx, st); err != nil {
			o.recover(r, newPhaseError(PostProcessingError, PhaseConfiguring, err, "%s", p.Name()))
		}
	}

	return o.enter(r, PhaseFinalizing)
}

// enter advances the run and publishes the transition.
func (o *Orchestrator) enter(r *run, to Phase) *PhaseError {
	st := r.st
	from := st.Phase()
	if err := st.Machine().Advance(to); err != nil {
		return &PhaseError{Kind: kindFor(from), Phase: from, Message: err.Error(), Fatal: true, Err: err}
	}
	o.closePhase(r, from)
	st.beginPhase(to)

	st.Guard().Guarded(func() {
		r.sink.Publish(ProgressEvent{
			Type:      EventPhaseTransition,
			RunID:     st.RunID(),
			From:      from,
			Phase:     to,
			Timestamp: time.Now(),
		})
	})
	r.log.Info("phase started", zap.String("phase", string(to)))
	return nil
}

func (o *Orchestrator) closePhase(r *run, phase Phase) {
	if d := r.st.endPhase(phase); d > 0 {
		metrics.Get().RecordPhase(string(phase), d)
		r.log.Debug("phase finished", zap.String("phase", string(phase)), zap.Duration("duration", d))
	}
}

// route selects a template. Routing never fails the run: errors and
// ambiguous answers fall back to the default template.
func (o *Orchestrator) route(ctx context.Context, r *run) templates.Selection {
	sel, err := o.resolver.Select(ctx, r.st.Input())
	switch {
	case err != nil:
		o.recover(r, newPhaseError(RoutingError, PhaseRouting, err, "template selection failed, using %s", o.opts.DefaultTemplateID))
		return templates.Selection{TemplateID: o.opts.DefaultTemplateID, Reason: "selection failed"}
	case sel.Ambiguous:
		o.recover(r, newPhaseError(RoutingError, PhaseRouting, nil,
			"ambiguous template selection (%s at %.2f), using %s", sel.TemplateID, sel.Confidence, o.opts.DefaultTemplateID))
		sel.TemplateID = o.opts.DefaultTemplateID
	case sel.TemplateID == "":
		sel.TemplateID = o.opts.DefaultTemplateID
	}
	r.log.Info("template selected",
		zap.String("template_id", sel.TemplateID),
		zap.Float64("confidence", sel.Confidence),
		zap.Bool("ambiguous", sel.Ambiguous))
	return sel
}

// fetch loads the selected template, falling back to generic instructions.
// Only a failed fallback is fatal.
func (o *Orchestrator) fetch(ctx context.Context, r *run) *PhaseError {
	id := r.st.Selection().TemplateID
	content, err := o.resolver.Fetch(ctx, id)
	if err == nil {
		r.st.setContent(content, false)
		return nil
	}

	o.recover(r, newPhaseError(FetchingError, PhaseFetching, err, "template %s unavailable, using fallback instructions", id))
	metrics.Get().RecordTemplateFallback()

	content, ferr := o.resolver.FetchFallback(ctx)
	if ferr != nil {
		perr := newPhaseError(FetchingError, PhaseFetching, ferr, "no template content available")
		perr.Fatal = true
		return perr
	}
	r.st.setContent(content, true)
	return nil
}

func (o *Orchestrator) generateBackend(ctx context.Context, r *run) *PhaseError {
	st := r.st
	_, err := r.runner.RunPhase(ctx, PhasePrompt{
		Phase:        PhaseBackendGen,
		Capability:   ai.CapabilityBackendCode,
		SystemPrompt: backendSystemPrompt,
		Prompt:       backendPrompt(st.Specification(), st.Content()),
		MaxTokens:    o.opts.MaxTokens,
		IdleTimeout:  o.opts.PhaseIdleTimeout,
	})
	if err != nil {
		return newPhaseError(BackendGenerationError, PhaseBackendGen, err, "backend generation failed")
	}

	files := st.PhaseFiles(PhaseBackendGen)
	if files.NonEmpty() == 0 {
		// Completion can outrun file-boundary detection, and a stream cut
		// off by the token limit leaves its last fence open. Look once more
		// after the grace period, closing an open fence this time.
		r.log.Warn("backend phase produced no files, rechecking", zap.Duration("grace", o.opts.ZeroFileGrace))
		if err := sleepCtx(ctx, o.opts.ZeroFileGrace); err != nil {
			return newPhaseError(BackendGenerationError, PhaseBackendGen, err, "backend generation interrupted")
		}
		det := extraction.Salvage(st.Accumulated(PhaseBackendGen))
		if added := st.RecordFiles(PhaseBackendGen, det.Complete); len(added) > 0 {
			o.recover(r, newPhaseError(BackendGenerationError, PhaseBackendGen, nil,
				"recovered %d unterminated files: %s", len(added), strings.Join(added, ", ")))
		}
		files = st.PhaseFiles(PhaseBackendGen)
		if files.NonEmpty() == 0 {
			return newPhaseError(BackendGenerationError, PhaseBackendGen, ErrNoFiles, "backend stream completed")
		}
	}
	metrics.Get().RecordFilesExtracted(string(PhaseBackendGen), files.Len())

	if extraction.EntryPoint(extraction.BackendFiles(files)) == "" {
		w := newPhaseError(BackendGenerationError, PhaseBackendGen, nil, "no backend entry point among %d files", files.Len())
		w.Fatal = false
		o.recover(r, w)
	}
	return nil
}

// analyzeBackend never fails the run; a missing context only makes the
// frontend prompt less specific.
func (o *Orchestrator) analyzeBackend(ctx context.Context, r *run) {
	if o.extractor == nil {
		metrics.Get().RecordBackendContext("none")
		return
	}
	bc, err := o.extractor.Extract(ctx, r.st.PhaseFiles(PhaseBackendGen))
	if err != nil {
		metrics.Get().RecordBackendContext("none")
		o.recover(r, newPhaseError(BackendAnalysisError, PhaseBackendAnalysis, err, "backend interface unavailable"))
		return
	}
	r.st.setBackendContext(bc)
	metrics.Get().RecordBackendContext(string(bc.Source))
	r.log.Info("backend context extracted",
		zap.String("source", string(bc.Source)),
		zap.Int("methods", len(bc.Methods)))
}

func (o *Orchestrator) generateFrontend(ctx context.Context, r *run) *PhaseError {
	st := r.st
	_, err := r.runner.RunPhase(ctx, PhasePrompt{
		Phase:        PhaseFrontendGen,
		Capability:   ai.CapabilityFrontendCode,
		SystemPrompt: frontendSystemPrompt,
		Prompt:       frontendPrompt(st.Specification(), st.Content(), st.BackendContext()),
		MaxTokens:    o.opts.MaxTokens,
		IdleTimeout:  o.opts.PhaseIdleTimeout,
	})
	if err != nil {
		return newPhaseError(FrontendGenerationError, PhaseFrontendGen, err, "frontend generation failed")
	}
	files := st.PhaseFiles(PhaseFrontendGen)
	if files.NonEmpty() == 0 {
		return newPhaseError(FrontendGenerationError, PhaseFrontendGen, ErrNoFiles, "frontend stream completed")
	}
	metrics.Get().RecordFilesExtracted(string(PhaseFrontendGen), files.Len())
	return nil
}

// recover records a non-fatal error and carries on.
func (o *Orchestrator) recover(r *run, perr *PhaseError) {
	perr.Fatal = false
	r.st.warn(perr)
	metrics.Get().RecordPhaseError(string(perr.Kind), false)
	r.log.Warn("recoverable phase error",
		zap.String("kind", string(perr.Kind)),
		zap.String("phase", string(perr.Phase)),
		zap.String("message", perr.Message))
}

// finish moves the run to Done or Failed, latches the guard, emits the
// terminal event and drains.
func (o *Orchestrator) finish(ctx context.Context, r *run, perr *PhaseError) *Result {
	st := r.st
	last := st.Phase()

	if perr != nil {
		st.setError(perr)
		if err := st.Machine().Fail(perr.Error()); err != nil {
			r.log.Error("failed to mark run failed", zap.Error(err))
		}
		metrics.Get().RecordPhaseError(string(perr.Kind), true)
		r.log.Error("generation failed",
			zap.String("kind", string(perr.Kind)),
			zap.String("phase", string(perr.Phase)),
			zap.String("message", perr.Message))
	} else if err := st.Machine().Advance(PhaseDone); err != nil {
		r.log.Error("failed to mark run done", zap.Error(err))
	}
	o.closePhase(r, last)
	st.markFinished()

	result := o.result(st)

	if st.Guard().Latch() {
		// OnTerminal runs first so a caller tracking results has the final
		// result before any subscriber sees the terminal event.
		if r.hooks.OnTerminal != nil {
			r.hooks.OnTerminal(result)
		}
		r.sink.Publish(ProgressEvent{
			Type:      EventTerminal,
			RunID:     st.RunID(),
			Phase:     result.FinalPhase,
			Success:   result.Success,
			Error:     errorText(result.Error),
			FileCount: result.Files.Len(),
			Timestamp: time.Now(),
		})
		metrics.Get().RecordRun(result.Success, errorKind(result.Error), time.Since(st.startedAt))
	}

	if err := st.Guard().Drain(context.WithoutCancel(ctx), o.opts.DrainGrace); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("completion drain incomplete", zap.Error(err))
	}
	if n := st.Guard().Dropped(); n > 0 {
		r.log.Debug("late callbacks dropped", zap.Int64("count", n))
	}
	r.log.Info("generation finished",
		zap.Bool("success", result.Success),
		zap.Int("files", result.Files.Len()))
	return result
}

func (o *Orchestrator) result(st *State) *Result {
	res := &Result{
		RunID:          st.RunID(),
		Success:        st.Err() == nil && st.Phase() == PhaseDone,
		Files:          st.Files(),
		BackendFiles:   st.PhaseFiles(PhaseBackendGen),
		FrontendFiles:  st.PhaseFiles(PhaseFrontendGen),
		Specification:  st.Specification(),
		BackendContext: st.BackendContext(),
		Diagnostics:    st.Diagnostics(),
		Error:          st.Err(),
		ProjectName:    st.ProjectName(),
		FinalPhase:     st.Phase(),
	}
	if content := st.Content(); content != nil {
		sel := st.Selection()
		res.TemplateUsed = &TemplateUsage{
			Name:         content.ID,
			DisplayName:  content.Name,
			Requested:    sel.TemplateID,
			Confidence:   clamp01(sel.Confidence),
			FallbackUsed: res.Diagnostics.FallbackUsed,
		}
	}
	return res
}

func (o *Orchestrator) persist(st *State, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.PersistTimeout)
	defer cancel()
	if err := o.persister.Persist(ctx, st.Snapshot()); err != nil {
		log.Warn("run snapshot not persisted", zap.Error(err))
	}
}

// kindFor maps a phase to the error kind raised there.
func kindFor(p Phase) ErrorKind {
	switch p {
	case PhaseInit, PhaseSpec:
		return SpecificationError
	case PhaseRouting:
		return RoutingError
	case PhaseFetching:
		return FetchingError
	case PhaseBackendGen:
		return BackendGenerationError
	case PhaseBackendAnalysis:
		return BackendAnalysisError
	case PhaseFrontendGen:
		return FrontendGenerationError
	}
	return PostProcessingError
}

func errorText(e *PhaseError) string {
	if e == nil {
		return ""
	}
	return e.Error()
}

func errorKind(e *PhaseError) string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
