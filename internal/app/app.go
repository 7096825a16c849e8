// Package app assembles the generation pipeline from configuration. The
// HTTP server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/backendctx"
	"apex-codegen/internal/cache"
	"apex-codegen/internal/config"
	"apex-codegen/internal/database"
	"apex-codegen/internal/generation"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/spec"
	"apex-codegen/internal/telemetry"
	"apex-codegen/internal/templates"
	"apex-codegen/internal/verify"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the wired components. Close releases them.
type App struct {
	Config        *config.Config
	Router        *ai.Router
	Resolver      *templates.Resolver
	TemplateCache *cache.TemplateCache
	Orchestrator  *generation.Orchestrator
	Store         *telemetry.Store
	TelemetryDB   *gorm.DB

	closers []func() error
}

// Option adjusts the pipeline before the orchestrator is built.
type Option func(*buildOptions)

type buildOptions struct {
	sinks     []generation.ProgressSink
	streamer  ai.Streamer
	noPersist bool
}

// WithSink adds a progress sink shared by every run.
func WithSink(s generation.ProgressSink) Option {
	return func(o *buildOptions) { o.sinks = append(o.sinks, s) }
}

// WithStreamer replaces the provider router.
func WithStreamer(s ai.Streamer) Option {
	return func(o *buildOptions) { o.streamer = s }
}

// WithoutTelemetry skips the run database and archive.
func WithoutTelemetry() Option {
	return func(o *buildOptions) { o.noPersist = true }
}

// Build wires providers, template resolution, backend analysis and
// telemetry into an orchestrator.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	a := &App{Config: cfg}
	log := logging.L()

	streamer := bo.streamer
	if streamer == nil {
		router, err := NewRouter(ctx, cfg.AI)
		if err != nil {
			return nil, err
		}
		a.Router = router
		streamer = router
	}

	resolver, err := a.buildResolver(ctx, streamer)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Resolver = resolver

	extractor := backendctx.NewExtractor(nil)
	if cfg.Verifier.Enabled {
		v, err := verify.NewDockerVerifier(verify.Config{Image: cfg.Verifier.Image, Timeout: cfg.Verifier.Timeout})
		if err != nil {
			log.Warn("interface verifier unavailable, using source parsing only", zap.Error(err))
		} else {
			extractor = backendctx.NewExtractor(v)
			a.closers = append(a.closers, v.Close)
		}
	}

	orchOpts := []generation.Option{generation.WithOptions(OrchestratorOptions(cfg))}
	for _, s := range bo.sinks {
		orchOpts = append(orchOpts, generation.WithSink(s))
	}
	if cfg.Telemetry.Enabled && !bo.noPersist {
		rec, err := a.buildTelemetry(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		orchOpts = append(orchOpts, generation.WithPersister(rec))
	}

	a.Orchestrator = generation.NewOrchestrator(streamer, spec.NewInferencer(streamer), resolver, extractor, orchOpts...)
	return a, nil
}

// OrchestratorOptions maps configuration onto orchestrator timing.
func OrchestratorOptions(cfg *config.Config) generation.Options {
	o := generation.DefaultOptions()
	o.ZeroFileGrace = cfg.Generation.ZeroFileGrace
	o.DrainGrace = cfg.Generation.DrainGrace
	if cfg.Generation.PhaseIdleTimeout > 0 {
		o.PhaseIdleTimeout = cfg.Generation.PhaseIdleTimeout
	}
	if cfg.AI.MaxTokens > 0 {
		o.MaxTokens = cfg.AI.MaxTokens
	}
	return o
}

// NewRouter builds a provider router from the keys that are configured.
func NewRouter(ctx context.Context, cfg config.AIConfig) (*ai.Router, error) {
	var clients []ai.StreamingClient
	if cfg.ClaudeAPIKey != "" {
		clients = append(clients, ai.NewClaudeClient(cfg.ClaudeAPIKey, ai.WithClaudeModel(cfg.ClaudeModel)))
	}
	if cfg.OpenAIAPIKey != "" {
		clients = append(clients, ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, ""))
	}
	if cfg.GeminiAPIKey != "" {
		g, err := ai.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		clients = append(clients, g)
	}
	if len(clients) == 0 {
		return nil, ai.ErrNoProviders
	}

	rc := ai.DefaultRouterConfig()
	primary, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	rc.Primary = primary
	if len(cfg.FallbackOrder) > 0 {
		rc.FallbackOrder = rc.FallbackOrder[:0]
		for _, name := range cfg.FallbackOrder {
			p, err := ai.ParseProvider(name)
			if err != nil {
				return nil, err
			}
			rc.FallbackOrder = append(rc.FallbackOrder, p)
		}
	}
	rc.RequestsPerMinute = cfg.RequestsPerMinute
	return ai.NewRouter(rc, clients...), nil
}

func (a *App) buildResolver(ctx context.Context, streamer ai.Streamer) (*templates.Resolver, error) {
	cfg := a.Config
	var selector templates.Selector = templates.NewKeywordSelector(templates.Selectable()...)
	if cfg.AI.AISelection {
		selector = templates.NewAISelector(streamer, selector)
	}

	var rc *cache.RedisCache
	if cfg.Redis.URL != "" {
		remote, err := cache.NewRedisCacheFromURL(cfg.Redis.URL, cache.DefaultCacheConfig())
		if err != nil {
			logging.L().Warn("redis unavailable, caching templates in memory", zap.Error(err))
		} else {
			rc = remote
		}
	}
	if rc == nil {
		rc = cache.NewRedisCache(cache.DefaultCacheConfig())
	}
	a.closers = append(a.closers, rc.Close)
	a.TemplateCache = cache.NewTemplateCache(rc, cfg.Redis.TemplateTTL)
	ropts := []templates.ResolverOption{templates.WithCache(a.TemplateCache)}

	if cfg.Templates.DatabaseURL != "" {
		db, err := database.Open(database.Config{URL: cfg.Templates.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("open template store: %w", err)
		}
		a.closers = append(a.closers, func() error { return database.Close(db) })
		src := templates.NewStoreSource(db)
		if err := src.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrate template store: %w", err)
		}
		if err := src.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed template store: %w", err)
		}
		// A shared Redis may still hold content from before the store changed.
		if err := a.TemplateCache.InvalidateAll(ctx); err != nil {
			logging.L().Warn("template cache not cleared", zap.Error(err))
		}
		ropts = append(ropts, templates.WithSource(src))
	}
	return templates.NewResolver(selector, ropts...), nil
}

func (a *App) buildTelemetry(ctx context.Context) (*telemetry.Recorder, error) {
	tc := a.Config.Telemetry
	url := tc.DatabaseURL
	if url == "" {
		url = tc.SQLitePath
	}
	db, err := database.Open(database.Config{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}
	a.TelemetryDB = db
	a.closers = append(a.closers, func() error { return database.Close(db) })

	store := telemetry.NewStore(db)
	if database.Dialect(url) == database.DialectPostgres {
		if err := database.Migrate(url); err != nil {
			return nil, fmt.Errorf("migrate telemetry database: %w", err)
		}
	} else if err := store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate telemetry database: %w", err)
	}
	a.Store = store

	var storage telemetry.Storage
	switch {
	case tc.S3Bucket != "":
		s3, err := telemetry.NewS3Storage(ctx, telemetry.S3Config{
			Bucket:          tc.S3Bucket,
			Region:          tc.AWSRegion,
			Endpoint:        tc.S3Endpoint,
			AccessKeyID:     tc.AWSAccessKeyID,
			SecretAccessKey: tc.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		storage = s3
	case tc.ArchiveDir != "":
		local, err := telemetry.NewLocalStorage(tc.ArchiveDir)
		if err != nil {
			return nil, err
		}
		storage = local
	}

	var archiver *telemetry.Archiver
	if storage != nil {
		archiver = telemetry.NewArchiver(storage, tc.S3Prefix)
	}
	return telemetry.NewRecorder(store, archiver), nil
}

// Close releases everything Build opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
