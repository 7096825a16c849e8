// Package api exposes the generation service over HTTP.
package api

import (
	"context"

	"apex-codegen/internal/auth"
	"apex-codegen/internal/cache"
	"apex-codegen/internal/generation"
	"apex-codegen/internal/metrics"
	"apex-codegen/internal/middleware"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"
	"apex-codegen/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Runner is the background run tracker, satisfied by *generation.Service.
type Runner interface {
	Start(req generation.Request) (string, error)
	Get(runID string) (generation.RunInfo, error)
	List() []generation.RunInfo
	Cancel(runID string) error
}

// TemplateLister lists the template catalog.
type TemplateLister interface {
	List(ctx context.Context) ([]templates.Template, error)
}

// RunHistory reads persisted runs, satisfied by *telemetry.Store.
type RunHistory interface {
	Get(ctx context.Context, id string) (*telemetry.RunRecord, error)
	List(ctx context.Context, projectID string, limit int) ([]telemetry.RunRecord, error)
}

// TemplateCache is the process-wide template content cache, satisfied by
// *cache.TemplateCache.
type TemplateCache interface {
	Invalidate(ctx context.Context, templateID string) error
	InvalidateAll(ctx context.Context) error
	Stats() cache.CacheStats
}

// Options carries the optional collaborators. Zero values disable the
// matching feature.
type Options struct {
	AllowedOrigins []string
	RateLimiter    *middleware.IPRateLimiter
	Tokens         *auth.TokenService
	Hub            *websocket.Hub
	History        RunHistory
	TemplateCache  TemplateCache
	Version        string
}

// Server represents the API server
type Server struct {
	runs      Runner
	templates TemplateLister
	opts      Options
}

// NewServer creates a new API server
func NewServer(runs Runner, tpls TemplateLister, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{runs: runs, templates: tpls, opts: opts}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger("/health", "/metrics"),
		middleware.Security(),
		middleware.CORS(s.opts.AllowedOrigins),
		metrics.PrometheusMiddleware(),
	)

	r.GET("/health", s.Health)
	r.GET("/metrics", metrics.PrometheusHandler())

	v1 := r.Group("/api/v1")
	if s.opts.RateLimiter != nil {
		v1.Use(middleware.RateLimit(s.opts.RateLimiter))
	}
	if s.opts.Tokens != nil {
		v1.Use(middleware.RequireAuth(s.opts.Tokens))
	}
	{
		gens := v1.Group("/generations")
		gens.POST("", s.CreateGeneration)
		gens.GET("", s.ListGenerations)
		gens.GET("/:id", s.GetGeneration)
		gens.GET("/:id/files", s.GetGenerationFiles)
		gens.GET("/:id/archive", s.DownloadGeneration)
		gens.DELETE("/:id", s.CancelGeneration)

		v1.GET("/history", s.ListHistory)
		v1.GET("/templates", s.ListTemplates)

		if s.opts.TemplateCache != nil {
			purge := v1.Group("/templates/cache")
			if s.opts.Tokens != nil {
				purge.Use(middleware.RequireRole(auth.RoleAdmin))
			}
			purge.DELETE("", s.PurgeTemplateCache)
			purge.DELETE("/:id", s.PurgeTemplateCache)
		}
	}

	if s.opts.Hub != nil {
		ws := r.Group("/ws")
		if s.opts.Tokens != nil {
			ws.Use(middleware.RequireAuth(s.opts.Tokens))
		}
		ws.GET("/generations/:id", s.authorizeRun, s.opts.Hub.HandleWebSocket)
	}
	return r
}
