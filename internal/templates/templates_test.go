package templates

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/ai/aitest"
	"apex-codegen/internal/cache"
	"apex-codegen/internal/database"
	"apex-codegen/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	all := GetAllTemplates()
	seen := map[string]bool{}
	for _, tpl := range all {
		assert.False(t, seen[tpl.ID], "duplicate id %s", tpl.ID)
		seen[tpl.ID] = true
		assert.NotEmpty(t, tpl.BackendRules, tpl.ID)
	}
	for _, id := range []string{SimpleCrudAuth, TodoTracker, Marketplace, Blog, Dashboard, Chat, GenericTemplateID} {
		assert.True(t, seen[id], id)
	}

	_, err := GetTemplateByID("nope")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	for _, tpl := range Selectable() {
		assert.NotEqual(t, GenericTemplateID, tpl.ID)
	}
	assert.Len(t, GetTemplatesByCategory(CategoryCommerce), 1)
}

func TestKeywordSelector(t *testing.T) {
	tests := []struct {
		name      string
		request   string
		want      string
		ambiguous bool
	}{
		{"todo", "I need a todo app with due dates and a checklist", TodoTracker, false},
		{"shop", "An online shop to sell products with a cart", Marketplace, false},
		{"blog", "A blog where I publish articles", Blog, false},
		{"nothing matches", "zzz qqq", DefaultTemplateID, false},
		{"tie", "chat dashboard", Dashboard, true},
	}
	s := NewKeywordSelector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := s.Select(context.Background(), tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.TemplateID)
			assert.Equal(t, tt.ambiguous, sel.Ambiguous)
			assert.GreaterOrEqual(t, sel.Confidence, 0.0)
			assert.LessOrEqual(t, sel.Confidence, 1.0)
		})
	}
}

func TestAISelector(t *testing.T) {
	tests := []struct {
		name   string
		script aitest.Script
		want   string
		conf   float64
	}{
		{
			name:   "model answer",
			script: aitest.Text("Here you go:\n", `{"templateId":"Chat","confidence":1.7}`),
			want:   Chat,
			conf:   1,
		},
		{
			name:   "unknown template degrades",
			script: aitest.Text(`{"templateId":"Nope","confidence":0.9}`),
			want:   TodoTracker,
		},
		{
			name:   "stream error degrades",
			script: aitest.Failing(errors.New("boom")),
			want:   TodoTracker,
		},
		{
			name:   "no json degrades",
			script: aitest.Text("I think chat"),
			want:   TodoTracker,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := aitest.Sequence(ai.ProviderClaude, tt.script)
			sel, err := NewAISelector(client, nil).Select(context.Background(), "todo tracker")
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.TemplateID)
			if tt.conf > 0 {
				assert.Equal(t, tt.conf, sel.Confidence)
			}
			reqs := client.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, ai.CapabilityTemplateRouting, reqs[0].Capability)
		})
	}
}

type stubSelector struct {
	sel Selection
	err error
}

func (s stubSelector) Select(context.Context, string) (Selection, error) { return s.sel, s.err }

func TestResolverSelectDefaultsEmptyID(t *testing.T) {
	r := NewResolver(stubSelector{sel: Selection{Confidence: -2}})
	sel, err := r.Select(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplateID, sel.TemplateID)
	assert.True(t, sel.Ambiguous)
	assert.Equal(t, 0.0, sel.Confidence)
}

// countingSource counts loads and blocks them until release is closed.
type countingSource struct {
	loads   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	err     error
}

func (s *countingSource) Load(ctx context.Context, id string) (*Template, error) {
	s.loads.Add(1)
	s.once.Do(func() { close(s.entered) })
	<-s.release
	if s.err != nil {
		return nil, s.err
	}
	return CatalogSource{}.Load(ctx, id)
}

func (s *countingSource) List(ctx context.Context) ([]Template, error) {
	return CatalogSource{}.List(ctx)
}

func TestResolverFetchDeduplicatesAndCaches(t *testing.T) {
	mem := cache.NewRedisCache(nil)
	defer mem.Close()
	src := &countingSource{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(nil, WithSource(src), WithCache(cache.NewTemplateCache(mem, time.Minute)))

	var wg sync.WaitGroup
	results := make([]*Content, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Fetch(context.Background(), TodoTracker)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	<-src.entered
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.loads.Load())
	for _, c := range results {
		require.NotNil(t, c)
		assert.Equal(t, TodoTracker, c.Name)
	}

	// Served from cache afterwards.
	c, err := r.Fetch(context.Background(), TodoTracker)
	require.NoError(t, err)
	assert.Equal(t, TodoTracker, c.ID)
	assert.Equal(t, int32(1), src.loads.Load())
}

func TestResolverFetchSurvivesCancelledCaller(t *testing.T) {
	src := &countingSource{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(nil, WithSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Fetch(ctx, TodoTracker)
		firstErr <- err
	}()
	<-src.entered

	second := make(chan *Content, 1)
	go func() {
		c, err := r.Fetch(context.Background(), TodoTracker)
		assert.NoError(t, err)
		second <- c
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(src.release)
	select {
	case c := <-second:
		require.NotNil(t, c)
		assert.Equal(t, TodoTracker, c.ID)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the template")
	}
	assert.Equal(t, int32(1), src.loads.Load())
}

func TestResolverRecordsCacheMetrics(t *testing.T) {
	mem := cache.NewRedisCache(nil)
	defer mem.Close()
	r := NewResolver(nil, WithCache(cache.NewTemplateCache(mem, time.Minute)))
	m := metrics.Get()
	hits := testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("templates"))
	misses := testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("templates"))

	_, err := r.Fetch(context.Background(), SimpleCrudAuth)
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), SimpleCrudAuth)
	require.NoError(t, err)

	assert.Equal(t, misses+1, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("templates")))
	assert.Equal(t, hits+1, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("templates")))
}

func TestResolverFetchNotFound(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Fetch(context.Background(), "Missing")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	_, err = r.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestResolverFetchFallback(t *testing.T) {
	c, err := NewResolver(nil).FetchFallback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GenericTemplateID, c.Name)
	assert.NotEmpty(t, c.BackendInstructions)

	down := &countingSource{entered: make(chan struct{}), release: make(chan struct{}), err: errors.New("network down")}
	close(down.release)
	_, err = NewResolver(nil, WithSource(down)).FetchFallback(context.Background())
	assert.ErrorContains(t, err, "network down")
}

func TestStoreSource(t *testing.T) {
	db, err := database.Open(database.Config{URL: filepath.Join(t.TempDir(), "templates.db")})
	require.NoError(t, err)
	defer database.Close(db)

	store := NewStoreSource(db)
	require.NoError(t, store.AutoMigrate())
	ctx := context.Background()

	_, err = store.Load(ctx, Blog)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	require.NoError(t, store.Seed(ctx))
	require.NoError(t, store.Seed(ctx), "seeding twice is an upsert")

	tpl, err := store.Load(ctx, Blog)
	require.NoError(t, err)
	assert.Equal(t, Blog, tpl.Name)
	assert.Contains(t, tpl.Keywords, "article")

	custom := *tpl
	custom.BackendRules = "custom rules"
	require.NoError(t, store.Upsert(ctx, custom))
	tpl, err = store.Load(ctx, Blog)
	require.NoError(t, err)
	assert.Equal(t, "custom rules", tpl.BackendRules)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(GetAllTemplates()))

	c, err := NewResolver(nil, WithSource(store)).Fetch(ctx, Blog)
	require.NoError(t, err)
	assert.Equal(t, "custom rules", c.BackendRules)
}
