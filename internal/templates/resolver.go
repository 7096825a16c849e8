package templates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apex-codegen/internal/cache"
	"apex-codegen/internal/logging"
	"apex-codegen/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver selects templates and fetches their content. One Resolver is
// shared by every run in the process; its cache is read-mostly and its
// writes are idempotent upserts.
type Resolver struct {
	selector Selector
	source   Source
	cache    *cache.TemplateCache
	group    singleflight.Group
	timeout  time.Duration
	now      func() time.Time
}

// loadTimeout bounds one shared template load. Loads run detached from
// any single caller's context.
const loadTimeout = 15 * time.Second

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSource sets where template content is loaded from.
func WithSource(s Source) ResolverOption {
	return func(r *Resolver) { r.source = s }
}

// WithCache sets the process-wide content cache.
func WithCache(c *cache.TemplateCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// NewResolver creates a resolver. Without options it selects by keyword
// and serves the built-in catalog uncached.
func NewResolver(selector Selector, opts ...ResolverOption) *Resolver {
	if selector == nil {
		selector = NewKeywordSelector()
	}
	r := &Resolver{
		selector: selector,
		source:   CatalogSource{},
		timeout:  loadTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select picks a template for request. An empty id from the selector is
// replaced with the default template.
func (r *Resolver) Select(ctx context.Context, request string) (Selection, error) {
	sel, err := r.selector.Select(ctx, request)
	if err != nil {
		return Selection{}, err
	}
	if sel.TemplateID == "" {
		sel.TemplateID = DefaultTemplateID
		sel.Ambiguous = true
	}
	sel.Confidence = clamp01(sel.Confidence)
	return sel, nil
}

// Fetch returns the content of template id. Concurrent fetches of the same
// id share one load.
func (r *Resolver) Fetch(ctx context.Context, id string) (*Content, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrTemplateNotFound)
	}

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, id)
		metrics.Get().RecordCacheOperation("templates", err == nil)
		if err == nil {
			return contentFromCache(cached), nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logging.L().Debug("template cache read failed", zap.String("template_id", id), zap.Error(err))
		}
	}

	// A caller that gives up leaves the shared load running for the others.
	ch := r.group.DoChan(id, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		tpl, err := r.source.Load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		content := ContentOf(tpl, r.now())
		if r.cache != nil {
			if err := r.cache.Set(loadCtx, cacheEntryOf(content)); err != nil {
				logging.L().Warn("template cache write failed", zap.String("template_id", id), zap.Error(err))
			}
		}
		return content, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch template %s: %w", id, ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		logging.L().Debug("template fetch deduplicated", zap.String("template_id", id))
	}
	v := res.Val
	c := *v.(*Content)
	return &c, nil
}

// FetchFallback returns the generic instruction set. It goes through the
// same source as Fetch, so it fails when that source is unavailable.
func (r *Resolver) FetchFallback(ctx context.Context) (*Content, error) {
	c, err := r.Fetch(ctx, GenericTemplateID)
	if err != nil {
		return nil, fmt.Errorf("fetch fallback instructions: %w", err)
	}
	return c, nil
}

// List returns every template known to the source.
func (r *Resolver) List(ctx context.Context) ([]Template, error) {
	return r.source.List(ctx)
}

func cacheEntryOf(c *Content) *cache.CachedTemplate {
	return &cache.CachedTemplate{
		ID:                   c.ID,
		Name:                 c.Name,
		BackendInstructions:  c.BackendInstructions,
		FrontendInstructions: c.FrontendInstructions,
		BackendRules:         c.BackendRules,
		FrontendRules:        c.FrontendRules,
		FetchedAt:            c.FetchedAt,
	}
}

func contentFromCache(c *cache.CachedTemplate) *Content {
	return &Content{
		ID:                   c.ID,
		Name:                 c.Name,
		BackendInstructions:  c.BackendInstructions,
		FrontendInstructions: c.FrontendInstructions,
		BackendRules:         c.BackendRules,
		FrontendRules:        c.FrontendRules,
		FetchedAt:            c.FetchedAt,
	}
}
