package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"apex-codegen/internal/auth"
	"apex-codegen/internal/cache"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/generation"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "Zq8!vR2#mK9@xL4$pT7&nW1*bY6^cH3%"

type stubRunner struct {
	mu        sync.Mutex
	runs      map[string]generation.RunInfo
	started   []generation.Request
	cancelled []string
	startErr  error
}

func newStubRunner(infos ...generation.RunInfo) *stubRunner {
	r := &stubRunner{runs: make(map[string]generation.RunInfo)}
	for _, i := range infos {
		r.runs[i.ID] = i
	}
	return r
}

func (r *stubRunner) Start(req generation.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return "", r.startErr
	}
	r.started = append(r.started, req)
	id := "run-new"
	r.runs[id] = generation.RunInfo{ID: id, ProjectID: req.ProjectID, Input: req.Input, Status: generation.RunRunning, Phase: generation.PhaseInit}
	return id, nil
}

func (r *stubRunner) Get(id string) (generation.RunInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.runs[id]
	if !ok {
		return info, generation.ErrRunNotFound
	}
	return info, nil
}

func (r *stubRunner) List() []generation.RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]generation.RunInfo, 0, len(r.runs))
	for _, i := range r.runs {
		out = append(out, i)
	}
	return out
}

func (r *stubRunner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return generation.ErrRunNotFound
	}
	r.cancelled = append(r.cancelled, id)
	return nil
}

type stubTemplates struct{ err error }

func (s stubTemplates) List(context.Context) ([]templates.Template, error) {
	if s.err != nil {
		return nil, s.err
	}
	return templates.GetAllTemplates(), nil
}

type stubHistory struct {
	recs map[string]telemetry.RunRecord
}

func (h stubHistory) Get(_ context.Context, id string) (*telemetry.RunRecord, error) {
	rec, ok := h.recs[id]
	if !ok {
		return nil, telemetry.ErrNotFound
	}
	return &rec, nil
}

func (h stubHistory) List(_ context.Context, projectID string, _ int) ([]telemetry.RunRecord, error) {
	var out []telemetry.RunRecord
	for _, r := range h.recs {
		if projectID == "" || r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func finishedRun(id, project string) generation.RunInfo {
	files := extraction.NewFileSet()
	files.Put("backend/main.mo", "persistent actor {}")
	files.Put("frontend/src/App.tsx", "export default function App() {}")
	return generation.RunInfo{
		ID:         id,
		ProjectID:  project,
		Status:     generation.RunSucceeded,
		Phase:      generation.PhaseDone,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Result: &generation.Result{
			RunID:       id,
			Success:     true,
			Files:       files,
			ProjectName: "Todo Tracker",
			FinalPhase:  generation.PhaseDone,
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateGeneration(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
		wantErr  string
	}{
		{"accepted", `{"input":"simple todo list","projectId":"p1"}`, nil, http.StatusAccepted, ""},
		{"missing input", `{"projectId":"p1"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"blank input", `{"input":"   "}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"too long", `{"input":"` + strings.Repeat("a", MaxInputLength+1) + `"}`, nil, http.StatusBadRequest, "INPUT_TOO_LONG"},
		{"saturated", `{"input":"blog"}`, generation.ErrTooManyRuns, http.StatusTooManyRequests, "TOO_MANY_RUNS"},
		{"start failure", `{"input":"blog"}`, errors.New("boom"), http.StatusInternalServerError, "START_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newStubRunner()
			runner.startErr = tt.startErr
			r := NewServer(runner, stubTemplates{}, Options{}).Router()

			w := do(t, r, http.MethodPost, "/api/v1/generations", tt.body, nil)
			assert.Equal(t, tt.wantCode, w.Code)
			resp := decode(t, w)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, resp["code"])
				return
			}
			assert.Equal(t, "run-new", resp["runId"])
			require.Len(t, runner.started, 1)
			assert.Equal(t, "simple todo list", runner.started[0].Input)
			assert.Equal(t, "Untitled Project", runner.started[0].ProjectName)
		})
	}
}

func TestGetGeneration(t *testing.T) {
	runner := newStubRunner(finishedRun("run-1", "p1"))
	history := stubHistory{recs: map[string]telemetry.RunRecord{
		"old": {ID: "old", ProjectID: "p1", Success: true},
	}}
	r := NewServer(runner, stubTemplates{}, Options{History: history}).Router()

	w := do(t, r, http.MethodGet, "/api/v1/generations/run-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "succeeded", resp["status"])
	assert.Equal(t, float64(2), resp["fileCount"])
	assert.Equal(t, []interface{}{"backend/main.mo", "frontend/src/App.tsx"}, resp["paths"])
	assert.NotContains(t, w.Body.String(), "persistent actor", "summaries omit contents")

	w = do(t, r, http.MethodGet, "/api/v1/generations/old", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "archived", decode(t, w)["status"])

	w = do(t, r, http.MethodGet, "/api/v1/generations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetGenerationFiles(t *testing.T) {
	running := generation.RunInfo{ID: "run-2", Status: generation.RunRunning, Phase: generation.PhaseBackendGen}
	r := NewServer(newStubRunner(finishedRun("run-1", ""), running), stubTemplates{}, Options{}).Router()

	w := do(t, r, http.MethodGet, "/api/v1/generations/run-1/files", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Less(t, strings.Index(body, "backend/main.mo"), strings.Index(body, "frontend/src/App.tsx"), "file order is preserved")

	w = do(t, r, http.MethodGet, "/api/v1/generations/run-2/files", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RUN_IN_PROGRESS", decode(t, w)["code"])
}

func TestDownloadGeneration(t *testing.T) {
	r := NewServer(newStubRunner(finishedRun("run-1", "")), stubTemplates{}, Options{}).Router()

	w := do(t, r, http.MethodGet, "/api/v1/generations/run-1/archive", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "todo-tracker.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"backend/main.mo", "frontend/src/App.tsx"}, names)
}

func TestCancelGeneration(t *testing.T) {
	running := generation.RunInfo{ID: "run-2", Status: generation.RunRunning}
	runner := newStubRunner(finishedRun("run-1", ""), running)
	r := NewServer(runner, stubTemplates{}, Options{}).Router()

	w := do(t, r, http.MethodDelete, "/api/v1/generations/run-2", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"run-2"}, runner.cancelled)

	w = do(t, r, http.MethodDelete, "/api/v1/generations/run-1", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodDelete, "/api/v1/generations/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTemplates(t *testing.T) {
	r := NewServer(newStubRunner(), stubTemplates{}, Options{}).Router()
	w := do(t, r, http.MethodGet, "/api/v1/templates", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(len(templates.GetAllTemplates())), resp["count"])
	assert.NotContains(t, w.Body.String(), "backend_instructions")

	r = NewServer(newStubRunner(), stubTemplates{err: errors.New("db down")}, Options{}).Router()
	w = do(t, r, http.MethodGet, "/api/v1/templates", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHistoryDisabled(t *testing.T) {
	r := NewServer(newStubRunner(), stubTemplates{}, Options{}).Router()
	w := do(t, r, http.MethodGet, "/api/v1/history", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProjectScopedTokens(t *testing.T) {
	tokens := auth.NewTokenService(testSecret, time.Hour)
	runner := newStubRunner(finishedRun("mine", "p1"), finishedRun("theirs", "p2"))
	r := NewServer(runner, stubTemplates{}, Options{Tokens: tokens}).Router()

	token, err := tokens.Issue("user-1", auth.RoleUser, "p1")
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/api/v1/generations/mine", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/generations/mine", "", bearer).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/generations/theirs", "", bearer).Code)

	w := do(t, r, http.MethodGet, "/api/v1/generations", "", bearer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(t, r, http.MethodPost, "/api/v1/generations", `{"input":"blog","projectId":"p2"}`, bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealth(t *testing.T) {
	running := generation.RunInfo{ID: "run-2", Status: generation.RunRunning}
	r := NewServer(newStubRunner(running), stubTemplates{}, Options{Version: "1.2.3"}).Router()

	w := do(t, r, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "1.2.3", resp["version"])
	assert.Equal(t, float64(1), resp["runs_in_flight"])
}

func TestPurgeTemplateCache(t *testing.T) {
	mem := cache.NewRedisCache(nil)
	defer mem.Close()
	tc := cache.NewTemplateCache(mem, time.Minute)
	ctx := context.Background()
	for _, id := range []string{templates.TodoTracker, templates.SimpleCrudAuth} {
		require.NoError(t, tc.Set(ctx, &cache.CachedTemplate{ID: id, Name: id}))
	}

	tokens := auth.NewTokenService(testSecret, time.Hour)
	r := NewServer(newStubRunner(), stubTemplates{}, Options{Tokens: tokens, TemplateCache: tc}).Router()
	bearerFor := func(role string) map[string]string {
		token, err := tokens.Issue("user-1", role)
		require.NoError(t, err)
		return map[string]string{"Authorization": "Bearer " + token}
	}

	w := do(t, r, http.MethodDelete, "/api/v1/templates/cache", "", bearerFor(auth.RoleUser))
	assert.Equal(t, http.StatusForbidden, w.Code)
	_, err := tc.Get(ctx, templates.TodoTracker)
	require.NoError(t, err)

	admin := bearerFor(auth.RoleAdmin)
	w = do(t, r, http.MethodDelete, "/api/v1/templates/cache/"+templates.TodoTracker, "", admin)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err = tc.Get(ctx, templates.TodoTracker)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	_, err = tc.Get(ctx, templates.SimpleCrudAuth)
	require.NoError(t, err)

	w = do(t, r, http.MethodDelete, "/api/v1/templates/cache", "", admin)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err = tc.Get(ctx, templates.SimpleCrudAuth)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	w = do(t, r, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats, ok := decode(t, w)["template_cache"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), stats["memory_size"])
}

func TestPurgeTemplateCacheDisabled(t *testing.T) {
	r := NewServer(newStubRunner(), stubTemplates{}, Options{}).Router()
	w := do(t, r, http.MethodDelete, "/api/v1/templates/cache", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "todo-tracker.zip", archiveName("Todo Tracker"))
	assert.Equal(t, "project.zip", archiveName("!!!"))
}
