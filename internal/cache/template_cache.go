package cache

import (
	"context"
	"time"
)

// TemplateCache caches fetched template content for every run in the
// process. Entries are keyed by template id; Set is an idempotent upsert.
type TemplateCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// CachedTemplate is the cached form of template content.
type CachedTemplate struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	BackendInstructions  string    `json:"backend_instructions"`
	FrontendInstructions string    `json:"frontend_instructions"`
	BackendRules         string    `json:"backend_rules"`
	FrontendRules        string    `json:"frontend_rules"`
	FetchedAt            time.Time `json:"fetched_at"`
	CachedAt             time.Time `json:"cached_at"`
}

// NewTemplateCache creates a template cache over c.
func NewTemplateCache(c *RedisCache, ttl time.Duration) *TemplateCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TemplateCache{cache: c, ttl: ttl}
}

// Get retrieves cached template content.
func (tc *TemplateCache) Get(ctx context.Context, templateID string) (*CachedTemplate, error) {
	var result CachedTemplate
	if err := tc.cache.GetJSON(ctx, TemplateCacheKey(templateID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Set caches template content.
func (tc *TemplateCache) Set(ctx context.Context, t *CachedTemplate) error {
	t.CachedAt = time.Now()
	return tc.cache.SetJSON(ctx, TemplateCacheKey(t.ID), t, tc.ttl)
}

// Invalidate drops one template.
func (tc *TemplateCache) Invalidate(ctx context.Context, templateID string) error {
	return tc.cache.Delete(ctx, TemplateCacheKey(templateID))
}

// InvalidateAll drops every cached template.
func (tc *TemplateCache) InvalidateAll(ctx context.Context) error {
	return tc.cache.DeletePattern(ctx, TemplatePattern())
}

// Stats exposes the underlying cache statistics.
func (tc *TemplateCache) Stats() CacheStats {
	return tc.cache.Stats()
}
