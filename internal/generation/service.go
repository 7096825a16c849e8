package generation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"apex-codegen/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RunStatus is the lifecycle state of a tracked run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunInfo is a point-in-time view of a tracked run.
type RunInfo struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId,omitempty"`
	Input      string    `json:"input"`
	Status     RunStatus `json:"status"`
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Result     *Result   `json:"result,omitempty"`
}

type runEntry struct {
	info   RunInfo
	cancel context.CancelFunc
}

// Service runs generations in the background and tracks them by id.
type Service struct {
	orch       *Orchestrator
	sem        *semaphore.Weighted
	runTimeout time.Duration
	retain     int

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// NewService limits the orchestrator to maxConcurrent simultaneous runs,
// each bounded by runTimeout (zero for none).
func NewService(orch *Orchestrator, maxConcurrent int, runTimeout time.Duration) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:       orch,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		runTimeout: runTimeout,
		retain:     500,
		ctx:        ctx,
		cancelAll:  cancel,
		runs:       make(map[string]*runEntry),
	}
}

// Start launches a run and returns its id at once. It fails with
// ErrTooManyRuns when every slot is taken.
func (s *Service) Start(req Request) (string, error) {
	if !s.sem.TryAcquire(1) {
		return "", ErrTooManyRuns
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	ctx, cancel := s.runContext(s.ctx)
	entry := &runEntry{
		info: RunInfo{
			ID:        req.RunID,
			ProjectID: req.ProjectID,
			Input:     req.Input,
			Status:    RunRunning,
			Phase:     PhaseInit,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	req.Hooks = s.track(ctx, req.RunID, req.Hooks)

	s.mu.Lock()
	s.runs[req.RunID] = entry
	s.pruneLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.orch.Run(ctx, req)
		ctxErr := ctx.Err()
		cancel()
		// The slot stays taken through drain and persistence.
		s.sem.Release(1)
		s.complete(req.RunID, res, ctxErr)
	}()

	logging.L().Info("generation run queued", zap.String("run_id", req.RunID))
	return req.RunID, nil
}

// Generate runs synchronously, waiting for a free slot.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	ctx, cancel := s.runContext(ctx)
	defer cancel()
	return s.orch.Run(ctx, req), nil
}

func (s *Service) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(parent, s.runTimeout)
	}
	return context.WithCancel(parent)
}

// track keeps the tracked phase current and records the result as soon as
// the run emits its terminal event, ahead of drain and persistence. The
// caller's hooks still run.
func (s *Service) track(ctx context.Context, runID string, h Hooks) Hooks {
	onPhase := h.OnPhase
	h.OnPhase = func(from, to Phase) {
		s.mu.Lock()
		if e, ok := s.runs[runID]; ok {
			e.info.Phase = to
		}
		s.mu.Unlock()
		if onPhase != nil {
			onPhase(from, to)
		}
	}
	onTerminal := h.OnTerminal
	h.OnTerminal = func(res *Result) {
		s.complete(runID, res, ctx.Err())
		if onTerminal != nil {
			onTerminal(res)
		}
	}
	return h
}

// complete records the final state of a run. It runs at the terminal event
// and again when Run returns; the first call fixes FinishedAt.
func (s *Service) complete(runID string, res *Result, ctxErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return
	}
	e.info.Result = res
	e.info.Phase = res.FinalPhase
	if e.info.FinishedAt.IsZero() {
		e.info.FinishedAt = time.Now()
	}
	switch {
	case res.Success:
		e.info.Status = RunSucceeded
	case errors.Is(ctxErr, context.Canceled):
		e.info.Status = RunCancelled
	default:
		e.info.Status = RunFailed
	}
}

// Get returns the tracked run.
func (s *Service) Get(runID string) (RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok {
		return RunInfo{}, ErrRunNotFound
	}
	return e.info, nil
}

// List returns tracked runs, newest first.
func (s *Service) List() []RunInfo {
	s.mu.RLock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, e := range s.runs {
		out = append(out, e.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops a running generation. The run still emits its terminal
// event and ends as cancelled.
func (s *Service) Cancel(runID string) error {
	s.mu.RLock()
	e, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	e.cancel()
	return nil
}

// pruneLocked drops the oldest finished runs beyond the retention limit.
func (s *Service) pruneLocked() {
	if len(s.runs) <= s.retain {
		return
	}
	finished := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		if e.info.Status != RunRunning {
			finished = append(finished, e)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].info.FinishedAt.Before(finished[j].info.FinishedAt) })
	for _, e := range finished {
		if len(s.runs) <= s.retain {
			return
		}
		delete(s.runs, e.info.ID)
	}
}

// Shutdown cancels every run and waits for them to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
