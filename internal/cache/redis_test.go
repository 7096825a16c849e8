package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeRedis is a map-backed RedisClient; failing makes every call error.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
	closed  bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

var errRedisDown = errors.New("redis down")

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", errRedisDown
	}
	v, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errRedisDown
	}
	f.data[key] = value.(string)
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if matchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.False(t, stats.Redis)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheEviction(t *testing.T) {
	c := NewRedisCache(&CacheConfig{DefaultTTL: time.Minute, MaxMemoryItems: 3})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))
	require.NoError(t, c.Set(ctx, "d", []byte("4"), time.Minute))

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss, "entry closest to expiry is evicted")
	_, err = c.Get(ctx, "d")
	assert.NoError(t, err)
}

func TestRedisPreferredAndFallback(t *testing.T) {
	r := newFakeRedis()
	c := NewRedisCacheWithClient(r, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("redis"), 0))
	assert.Equal(t, "redis", r.data["k"])

	r.failing = true
	require.NoError(t, c.Set(ctx, "k2", []byte("mem"), 0))
	got, err := c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "mem", string(got))

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestDeletePattern(t *testing.T) {
	r := newFakeRedis()
	c := NewRedisCacheWithClient(r, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, TemplateCacheKey("a"), []byte("1"), 0))
	require.NoError(t, c.Set(ctx, TemplateCacheKey("b"), []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "other", []byte("3"), 0))

	require.NoError(t, c.DeletePattern(ctx, TemplatePattern()))
	assert.Len(t, r.data, 1)
	assert.Contains(t, r.data, "other")
}

func TestTemplateCacheUpsert(t *testing.T) {
	c := NewRedisCache(nil)
	defer c.Close()
	tc := NewTemplateCache(c, time.Minute)
	ctx := context.Background()

	_, err := tc.Get(ctx, "todo")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, tc.Set(ctx, &CachedTemplate{ID: "todo", BackendRules: "v1"}))
	require.NoError(t, tc.Set(ctx, &CachedTemplate{ID: "todo", BackendRules: "v2"}))

	got, err := tc.Get(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.BackendRules)
	assert.False(t, got.CachedAt.IsZero())

	require.NoError(t, tc.Invalidate(ctx, "todo"))
	_, err = tc.Get(ctx, "todo")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("template:*", "template:content:x"))
	assert.True(t, matchPattern("exact", "exact"))
	assert.False(t, matchPattern("exact", "exactly"))
	assert.False(t, matchPattern("", "x"))
}
