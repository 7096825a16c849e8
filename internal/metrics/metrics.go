// Package metrics provides Prometheus metrics for the generation service.
// Exports HTTP, AI, generation pipeline, WebSocket, cache and database metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Generation Metrics
	RunsTotal            *prometheus.CounterVec
	RunsInFlight         prometheus.Gauge
	RunDuration          *prometheus.HistogramVec
	PhaseDuration        *prometheus.HistogramVec
	PhaseErrorsTotal     *prometheus.CounterVec
	FilesExtractedTotal  *prometheus.CounterVec
	TemplateFallbacks    prometheus.Counter
	DroppedCallbacks     prometheus.Counter
	BackendContextSource *prometheus.CounterVec

	// AI Metrics
	AIRequestsTotal  *prometheus.CounterVec
	AITokensUsed     *prometheus.CounterVec
	AIFallbacksTotal *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnectionsGauge prometheus.Gauge
	WebSocketMessagesTotal    *prometheus.CounterVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	StoredRunsGauge     *prometheus.GaugeVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheHitRatio    *prometheus.GaugeVec
	CacheEntries     *prometheus.GaugeVec

	// System Metrics
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex_codegen",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex_codegen",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	// Generation Metrics
	m.RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "runs_total",
			Help:      "Total generation runs by outcome and failing error kind",
		},
		[]string{"outcome", "error_kind"},
	)

	m.RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "runs_in_flight",
			Help:      "Generation runs currently executing",
		},
	)

	m.RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a generation run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"outcome"},
	)

	m.PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each pipeline phase",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	m.PhaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "phase_errors_total",
			Help:      "Phase errors by kind and whether they were fatal",
		},
		[]string{"kind", "fatal"},
	)

	m.FilesExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "files_extracted_total",
			Help:      "Files extracted from model output by phase",
		},
		[]string{"phase"},
	)

	m.TemplateFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "template_fallbacks_total",
			Help:      "Runs that used the generic fallback instructions",
		},
	)

	m.DroppedCallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "dropped_callbacks_total",
			Help:      "Stream callbacks refused because the run had already emitted its result",
		},
	)

	m.BackendContextSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "generation",
			Name:      "backend_context_total",
			Help:      "Backend context extractions by source (verified, fallback, none)",
		},
		[]string{"source"},
	)

	// AI Metrics
	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Streaming requests by provider, capability and status",
		},
		[]string{"provider", "capability", "status"},
	)

	m.AITokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens used by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	m.AIFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "ai",
			Name:      "fallbacks_total",
			Help:      "Provider fallbacks by from, to and reason",
		},
		[]string{"from_provider", "to_provider", "reason"},
	)

	// WebSocket Metrics
	m.WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open progress websocket connections",
		},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Progress messages by type and outcome",
		},
		[]string{"type", "result"},
	)

	// Database Metrics
	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "db",
			Name:      "connections_active",
			Help:      "Telemetry database connections in use",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Idle telemetry database connections",
		},
	)

	m.StoredRunsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "db",
			Name:      "stored_runs",
			Help:      "Generation runs persisted in telemetry by outcome",
		},
		[]string{"outcome"},
	)

	// Cache Metrics
	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex_codegen",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	m.CacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Hit ratio reported by the cache itself, by cache name",
		},
		[]string{"cache"},
	)

	m.CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Entries held in the in-memory cache layer, by cache name",
		},
		[]string{"cache"},
	)

	// System Metrics
	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex_codegen",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordRun records a finished generation run.
func (m *Metrics) RecordRun(success bool, errorKind string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RunsTotal.WithLabelValues(outcome, sanitizeLabel(errorKind, "none")).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPhase records the duration of one pipeline phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(sanitizeLabel(phase, "unknown")).Observe(duration.Seconds())
}

// RecordPhaseError records a fatal or recoverable phase error.
func (m *Metrics) RecordPhaseError(kind string, fatal bool) {
	f := "false"
	if fatal {
		f = "true"
	}
	m.PhaseErrorsTotal.WithLabelValues(sanitizeLabel(kind, "unknown"), f).Inc()
}

// RecordFilesExtracted adds n extracted files for a phase.
func (m *Metrics) RecordFilesExtracted(phase string, n int) {
	if n <= 0 {
		return
	}
	m.FilesExtractedTotal.WithLabelValues(sanitizeLabel(phase, "unknown")).Add(float64(n))
}

// RecordTemplateFallback counts a run that used fallback instructions.
func (m *Metrics) RecordTemplateFallback() {
	m.TemplateFallbacks.Inc()
}

// RecordDroppedCallbacks adds late callbacks refused by a completion guard.
func (m *Metrics) RecordDroppedCallbacks(n int64) {
	if n <= 0 {
		return
	}
	m.DroppedCallbacks.Add(float64(n))
}

// RecordBackendContext records which extraction path produced a context.
func (m *Metrics) RecordBackendContext(source string) {
	m.BackendContextSource.WithLabelValues(sanitizeLabel(source, "none")).Inc()
}

// RecordAIRequest records an AI streaming request.
func (m *Metrics) RecordAIRequest(provider, capability, status string, inputTokens, outputTokens int) {
	m.AIRequestsTotal.WithLabelValues(provider, capability, status).Inc()
	m.AITokensUsed.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.AITokensUsed.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

// RecordAIFallback records an AI provider fallback
func (m *Metrics) RecordAIFallback(fromProvider, toProvider, reason string) {
	m.AIFallbacksTotal.WithLabelValues(fromProvider, toProvider, sanitizeLabel(reason, "unknown")).Inc()
}

// RecordWebSocketConnection records a WebSocket connection change
func (m *Metrics) RecordWebSocketConnection(delta int) {
	m.WebSocketConnectionsGauge.Add(float64(delta))
}

// RecordWebSocketMessage records a progress message send attempt.
func (m *Metrics) RecordWebSocketMessage(msgType string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	m.WebSocketMessagesTotal.WithLabelValues(msgType, result).Inc()
}

// RecordCacheOperation records a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
