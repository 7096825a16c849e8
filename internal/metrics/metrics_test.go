package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"backend_gen", "backend_gen"},
		{"  Fetching Error ", "fetching_error"},
		{"a/b-c.d", "a_b_c_d"},
		{"", "fallback"},
		{"!!!", "fallback"},
		{strings.Repeat("x", 80), strings.Repeat("x", 63)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeLabel(tt.raw, "fallback"), tt.raw)
	}
}

func TestStatusCodeToLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToLabel(202))
	assert.Equal(t, "3xx", statusCodeToLabel(304))
	assert.Equal(t, "4xx", statusCodeToLabel(429))
	assert.Equal(t, "5xx", statusCodeToLabel(503))
	assert.Equal(t, "unknown", statusCodeToLabel(101))
}

func TestRecordHelpers(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.PhaseErrorsTotal.WithLabelValues("routing", "false"))
	m.RecordPhaseError("Routing", false)
	assert.Equal(t, before+1, testutil.ToFloat64(m.PhaseErrorsTotal.WithLabelValues("routing", "false")))

	dropped := testutil.ToFloat64(m.DroppedCallbacks)
	m.RecordDroppedCallbacks(0)
	m.RecordDroppedCallbacks(3)
	assert.Equal(t, dropped+3, testutil.ToFloat64(m.DroppedCallbacks))

	files := testutil.ToFloat64(m.FilesExtractedTotal.WithLabelValues("frontend_gen"))
	m.RecordFilesExtracted("frontend_gen", -1)
	m.RecordFilesExtracted("frontend_gen", 2)
	assert.Equal(t, files+2, testutil.ToFloat64(m.FilesExtractedTotal.WithLabelValues("frontend_gen")))

	runs := testutil.ToFloat64(m.RunsTotal.WithLabelValues("failure", "none"))
	m.RecordRun(false, "", time.Second)
	assert.Equal(t, runs+1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failure", "none")))
}

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/api/v1/generations/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", PrometheusHandler())

	counter := Get().HTTPRequestsTotal.WithLabelValues("/api/v1/generations/:id", "GET", "2xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/generations/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter), "path parameters collapse into one series")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "apex_codegen_")
}

func TestRunStatsCollector(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("CREATE TABLE generation_runs (id TEXT PRIMARY KEY, success BOOLEAN)").Error)
	require.NoError(t, db.Exec("INSERT INTO generation_runs VALUES ('a', 1), ('b', 1), ('c', 0)").Error)

	c := NewRunStatsCollector(db, time.Hour)
	c.Start(context.Background())
	c.Stop()

	m := Get()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoredRunsGauge.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoredRunsGauge.WithLabelValues("failure")))
	assert.NotZero(t, testutil.ToFloat64(m.GoroutineNum))
}

func TestRunStatsCollectorWatchesCaches(t *testing.T) {
	c := NewRunStatsCollector(nil, time.Hour)
	c.WatchCache("templates", func() (float64, int) { return 0.75, 3 })
	c.Start(context.Background())
	c.Stop()

	m := Get()
	assert.Equal(t, 0.75, testutil.ToFloat64(m.CacheHitRatio.WithLabelValues("templates")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEntries.WithLabelValues("templates")))
}

func TestRunStatsCollectorWithoutDatabase(t *testing.T) {
	c := NewRunStatsCollector(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	c.Stop()
}
