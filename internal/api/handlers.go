package api

import (
	"archive/zip"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"apex-codegen/internal/config"
	"apex-codegen/internal/extraction"
	"apex-codegen/internal/generation"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/middleware"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxInputLength caps the natural-language request, in characters.
const MaxInputLength = 20000

// Health returns quickly for load balancer checks.
func (s *Server) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"version": s.opts.Version,
		"time":    time.Now().UTC(),
	}
	running := 0
	for _, r := range s.runs.List() {
		if r.Status == generation.RunRunning {
			running++
		}
	}
	resp["runs_in_flight"] = running
	if s.opts.Hub != nil {
		resp["websocket_clients"] = s.opts.Hub.ClientCount()
	}
	if s.opts.TemplateCache != nil {
		resp["template_cache"] = s.opts.TemplateCache.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

type createGenerationRequest struct {
	Input       string `json:"input" binding:"required"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
}

// CreateGeneration starts a run and answers before it finishes.
func (s *Server) CreateGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	req.Input = strings.TrimSpace(req.Input)
	if req.Input == "" {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "input must not be blank", nil)
		return
	}
	if utf8.RuneCountInString(req.Input) > MaxInputLength {
		middleware.Abort(c, http.StatusBadRequest, "INPUT_TOO_LONG", "input is too long", map[string]interface{}{
			"max_length": MaxInputLength,
		})
		return
	}
	if !canAccess(c, req.ProjectID) {
		middleware.Abort(c, http.StatusForbidden, "PROJECT_FORBIDDEN", "No access to this project", nil)
		return
	}
	if req.ProjectName == "" {
		req.ProjectName = config.DefaultProjectName
	}

	runID, err := s.runs.Start(generation.Request{
		Input:       req.Input,
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
	})
	if errors.Is(err, generation.ErrTooManyRuns) {
		c.Header("Retry-After", "30")
		middleware.Abort(c, http.StatusTooManyRequests, "TOO_MANY_RUNS", "Too many generations in progress", nil)
		return
	}
	if err != nil {
		logging.L().Error("failed to start generation", zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "START_FAILED", "Failed to start generation", nil)
		return
	}

	logging.L().Info("generation accepted",
		zap.String("run_id", runID),
		zap.String("project_id", req.ProjectID),
		zap.String("user_id", middleware.GetUserID(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"runId":  runID,
		"status": generation.RunRunning,
		"links": gin.H{
			"self":   "/api/v1/generations/" + runID,
			"files":  "/api/v1/generations/" + runID + "/files",
			"stream": "/ws/generations/" + runID,
		},
	})
}

// runSummary is a run without its file contents.
type runSummary struct {
	ID           string                    `json:"id"`
	ProjectID    string                    `json:"projectId,omitempty"`
	ProjectName  string                    `json:"projectName,omitempty"`
	Status       generation.RunStatus      `json:"status"`
	Phase        generation.Phase          `json:"phase"`
	StartedAt    time.Time                 `json:"startedAt"`
	FinishedAt   *time.Time                `json:"finishedAt,omitempty"`
	Success      bool                      `json:"success"`
	FileCount    int                       `json:"fileCount"`
	Paths        []string                  `json:"paths,omitempty"`
	TemplateUsed *generation.TemplateUsage `json:"templateUsed,omitempty"`
	Diagnostics  *generation.Diagnostics   `json:"diagnostics,omitempty"`
	Error        *generation.PhaseError    `json:"error,omitempty"`
}

func summarize(info generation.RunInfo) runSummary {
	out := runSummary{
		ID:        info.ID,
		ProjectID: info.ProjectID,
		Status:    info.Status,
		Phase:     info.Phase,
		StartedAt: info.StartedAt,
	}
	if !info.FinishedAt.IsZero() {
		t := info.FinishedAt
		out.FinishedAt = &t
	}
	if res := info.Result; res != nil {
		out.ProjectName = res.ProjectName
		out.Success = res.Success
		out.FileCount = res.Files.Len()
		out.Paths = res.Files.Paths()
		out.TemplateUsed = res.TemplateUsed
		d := res.Diagnostics
		out.Diagnostics = &d
		out.Error = res.Error
	}
	return out
}

// lookup finds a live run and checks the caller may see it.
func (s *Server) lookup(c *gin.Context) (generation.RunInfo, bool) {
	info, err := s.runs.Get(c.Param("id"))
	if err != nil {
		middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
		return info, false
	}
	if !canAccess(c, info.ProjectID) {
		// Hide runs of other projects.
		middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
		return info, false
	}
	return info, true
}

// authorizeRun gates the progress stream on the same rules as GetGeneration.
// Unknown ids are allowed through so a client may subscribe before the run
// is registered.
func (s *Server) authorizeRun(c *gin.Context) {
	info, err := s.runs.Get(c.Param("id"))
	if err == nil && !canAccess(c, info.ProjectID) {
		middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
		return
	}
	c.Next()
}

// GetGeneration returns status, result summary and diagnostics. Runs that
// aged out of memory are served from history when it is configured.
func (s *Server) GetGeneration(c *gin.Context) {
	info, err := s.runs.Get(c.Param("id"))
	if err == nil {
		if !canAccess(c, info.ProjectID) {
			middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
			return
		}
		c.JSON(http.StatusOK, summarize(info))
		return
	}

	if s.opts.History != nil {
		rec, herr := s.opts.History.Get(c.Request.Context(), c.Param("id"))
		if herr == nil && canAccess(c, rec.ProjectID) {
			c.JSON(http.StatusOK, gin.H{"id": rec.ID, "status": "archived", "record": rec})
			return
		}
		if herr != nil && !errors.Is(herr, telemetry.ErrNotFound) {
			logging.L().Warn("history lookup failed", zap.String("run_id", c.Param("id")), zap.Error(herr))
		}
	}
	middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
}

// ListGenerations lists tracked runs, newest first.
func (s *Server) ListGenerations(c *gin.Context) {
	projectID := c.Query("projectId")
	out := make([]runSummary, 0)
	for _, info := range s.runs.List() {
		if projectID != "" && info.ProjectID != projectID {
			continue
		}
		if !canAccess(c, info.ProjectID) {
			continue
		}
		out = append(out, summarize(info))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out, "count": len(out)})
}

// finishedResult returns the result of a completed run or writes 409.
func finishedResult(c *gin.Context, info generation.RunInfo) (*generation.Result, bool) {
	if info.Status == generation.RunRunning || info.Result == nil {
		middleware.Abort(c, http.StatusConflict, "RUN_IN_PROGRESS", "Generation is still running", map[string]interface{}{
			"phase": info.Phase,
		})
		return nil, false
	}
	return info.Result, true
}

// GetGenerationFiles returns the ordered file map of a finished run.
func (s *Server) GetGenerationFiles(c *gin.Context) {
	info, ok := s.lookup(c)
	if !ok {
		return
	}
	res, ok := finishedResult(c, info)
	if !ok {
		return
	}
	files := res.Files
	if files == nil {
		files = extraction.NewFileSet()
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":   info.ID,
		"success": res.Success,
		"count":   files.Len(),
		"files":   files,
	})
}

// DownloadGeneration exports the files of a finished run as a zip archive.
func (s *Server) DownloadGeneration(c *gin.Context) {
	info, ok := s.lookup(c)
	if !ok {
		return
	}
	res, ok := finishedResult(c, info)
	if !ok {
		return
	}
	if res.Files.Len() == 0 {
		middleware.Abort(c, http.StatusNotFound, "NO_FILES", "Generation produced no files", nil)
		return
	}

	name := res.ProjectName
	if name == "" {
		name = info.ID
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveName(name)))

	zw := zip.NewWriter(c.Writer)
	for _, f := range res.Files.Files() {
		w, err := zw.Create(strings.TrimPrefix(f.Path, "/"))
		if err != nil {
			logging.L().Warn("zip entry failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			logging.L().Warn("zip write failed", zap.String("path", f.Path), zap.Error(err))
		}
	}
	if err := zw.Close(); err != nil {
		logging.L().Warn("zip close failed", zap.String("run_id", info.ID), zap.Error(err))
	}
}

func archiveName(project string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(project) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "project.zip"
	}
	return b.String() + ".zip"
}

// CancelGeneration stops a running generation.
func (s *Server) CancelGeneration(c *gin.Context) {
	info, ok := s.lookup(c)
	if !ok {
		return
	}
	if info.Status != generation.RunRunning {
		middleware.Abort(c, http.StatusConflict, "RUN_FINISHED", "Generation already finished", map[string]interface{}{
			"status": info.Status,
		})
		return
	}
	if err := s.runs.Cancel(info.ID); err != nil {
		middleware.Abort(c, http.StatusNotFound, "RUN_NOT_FOUND", "Generation not found", nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": info.ID, "status": "cancelling"})
}

// ListHistory lists persisted runs.
func (s *Server) ListHistory(c *gin.Context) {
	if s.opts.History == nil {
		middleware.Abort(c, http.StatusServiceUnavailable, "HISTORY_DISABLED", "Run history is not configured", nil)
		return
	}
	projectID := c.Query("projectId")
	if !canAccess(c, projectID) {
		middleware.Abort(c, http.StatusForbidden, "PROJECT_FORBIDDEN", "No access to this project", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	recs, err := s.opts.History.List(c.Request.Context(), projectID, limit)
	if err != nil {
		logging.L().Error("failed to list history", zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "HISTORY_FAILED", "Failed to list run history", nil)
		return
	}
	out := make([]telemetry.RunRecord, 0, len(recs))
	for _, rec := range recs {
		if canAccess(c, rec.ProjectID) {
			out = append(out, rec)
		}
	}
	c.JSON(http.StatusOK, gin.H{"runs": out, "count": len(out)})
}

type templateSummary struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Category    templates.TemplateCategory `json:"category"`
	Tags        []string                   `json:"tags"`
	Popular     bool                       `json:"popular"`
}

// ListTemplates returns the catalog without the instruction bodies.
func (s *Server) ListTemplates(c *gin.Context) {
	tpls, err := s.templates.List(c.Request.Context())
	if err != nil {
		logging.L().Error("failed to list templates", zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "TEMPLATES_FAILED", "Failed to list templates", nil)
		return
	}
	out := make([]templateSummary, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, templateSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Tags:        t.Tags,
			Popular:     t.Popular,
		})
	}
	c.JSON(http.StatusOK, gin.H{"templates": out, "count": len(out)})
}

// PurgeTemplateCache drops one cached template, or all of them when no id
// is given, so edited template content is served on the next fetch.
func (s *Server) PurgeTemplateCache(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	if id == "" {
		err = s.opts.TemplateCache.InvalidateAll(ctx)
	} else {
		err = s.opts.TemplateCache.Invalidate(ctx, id)
	}
	if err != nil {
		logging.L().Error("failed to purge template cache", zap.String("template_id", id), zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "CACHE_PURGE_FAILED", "Failed to purge template cache", nil)
		return
	}
	logging.L().Info("template cache purged",
		zap.String("template_id", id),
		zap.String("user_id", middleware.GetUserID(c)))
	c.Status(http.StatusNoContent)
}

// canAccess applies the token's project scope. Requests without a token
// (auth disabled) see everything.
func canAccess(c *gin.Context, projectID string) bool {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		return true
	}
	return claims.CanAccess(projectID)
}
