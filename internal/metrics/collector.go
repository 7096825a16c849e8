package metrics

import (
	"context"
	"runtime"
	"time"

	"apex-codegen/internal/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunStatsCollector periodically reads run totals from the telemetry
// database and refreshes process gauges.
type RunStatsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	caches   map[string]CacheStatsFunc
}

// CacheStatsFunc reports a cache's own hit ratio and in-memory entry count.
type CacheStatsFunc func() (hitRatio float64, entries int)

// NewRunStatsCollector creates a collector. db may be nil, in which case
// only process gauges are refreshed.
func NewRunStatsCollector(db *gorm.DB, interval time.Duration) *RunStatsCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RunStatsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		caches:   make(map[string]CacheStatsFunc),
	}
}

// WatchCache adds a cache whose stats are exported on every collection.
// Call it before Start.
func (c *RunStatsCollector) WatchCache(name string, stats CacheStatsFunc) {
	c.caches[name] = stats
}

// Start begins periodic collection until Stop or ctx is done.
func (c *RunStatsCollector) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		c.collectAll(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectAll(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit.
func (c *RunStatsCollector) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *RunStatsCollector) collectAll(ctx context.Context) {
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
	c.collectRunMetrics(ctx)
	c.collectDatabaseMetrics()
	c.collectCacheMetrics()
}

func (c *RunStatsCollector) collectCacheMetrics() {
	for name, stats := range c.caches {
		ratio, entries := stats()
		c.metrics.CacheHitRatio.WithLabelValues(name).Set(ratio)
		c.metrics.CacheEntries.WithLabelValues(name).Set(float64(entries))
	}
}

func (c *RunStatsCollector) collectRunMetrics(ctx context.Context) {
	if c.db == nil {
		return
	}

	type outcomeCount struct {
		Success bool
		Count   int64
	}
	var counts []outcomeCount
	if err := c.db.WithContext(ctx).Table("generation_runs").
		Select("success, count(*) as count").
		Group("success").
		Scan(&counts).Error; err != nil {
		logging.L().Warn("failed to count generation runs", zap.Error(err))
		return
	}

	c.metrics.StoredRunsGauge.WithLabelValues("success").Set(0)
	c.metrics.StoredRunsGauge.WithLabelValues("failure").Set(0)
	for _, oc := range counts {
		outcome := "failure"
		if oc.Success {
			outcome = "success"
		}
		c.metrics.StoredRunsGauge.WithLabelValues(outcome).Set(float64(oc.Count))
	}
}

func (c *RunStatsCollector) collectDatabaseMetrics() {
	if c.db == nil {
		return
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		logging.L().Warn("failed to get database stats", zap.Error(err))
		return
	}
	stats := sqlDB.Stats()
	c.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	c.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
