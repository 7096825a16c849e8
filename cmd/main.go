package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"apex-codegen/internal/api"
	"apex-codegen/internal/app"
	"apex-codegen/internal/auth"
	"apex-codegen/internal/config"
	"apex-codegen/internal/generation"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/metrics"
	"apex-codegen/internal/middleware"
	"apex-codegen/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := config.ValidateSecrets(cfg); err != nil {
		log.Fatal("secret validation failed", zap.Error(err))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Answer health checks while the slower setup below runs.
	var ready atomic.Bool
	var active atomic.Value // *gin.Engine
	bootstrap := gin.New()
	bootstrap.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": ready.Load()})
	})
	bootstrap.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server starting", "ready": ready.Load()})
	})
	active.Store(bootstrap)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			active.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listener started", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	hub := websocket.NewHub(cfg.AllowedOrigins, cfg.IsProduction())
	components, err := app.Build(gctx, cfg, app.WithSink(hub))
	if err != nil {
		log.Fatal("failed to build generation pipeline", zap.Error(err))
	}
	defer components.Close()

	svc := generation.NewService(components.Orchestrator, cfg.Generation.MaxConcurrentRuns, cfg.Generation.RunTimeout)
	limiter := middleware.NewIPRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)

	opts := api.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimiter:    limiter,
		Hub:            hub,
		Version:        version,
	}
	if cfg.Auth.Enabled {
		opts.Tokens = auth.NewTokenService(cfg.Auth.JWTSecret, auth.DefaultTokenExpiry)
	}
	if components.Store != nil {
		opts.History = components.Store
	}
	if components.TemplateCache != nil {
		opts.TemplateCache = components.TemplateCache
	}
	server := api.NewServer(svc, components.Resolver, opts)

	collector := metrics.NewRunStatsCollector(components.TelemetryDB, 30*time.Second)
	if tc := components.TemplateCache; tc != nil {
		collector.WatchCache("templates", func() (float64, int) {
			st := tc.Stats()
			return st.HitRatio, st.MemorySize
		})
	}
	collector.Start(gctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx, 10*time.Minute)
		return nil
	})

	active.Store(server.Router())
	ready.Store(true)
	log.Info("apex-codegen ready",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.Int("max_concurrent_runs", cfg.Generation.MaxConcurrentRuns),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", zap.Error(err))
		}
		// Cancelled runs still emit their terminal event and persist.
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("generation runs did not finish", zap.Error(err))
		}
		collector.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		components.Close()
		logging.Sync()
		os.Exit(1)
	}
	log.Info("server stopped")
}
