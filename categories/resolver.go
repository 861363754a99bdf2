// Package categories resolves category ids to category records. Reads are
// cache-first; batches fall back to individual requests when the consolidated
// request fails.
package categories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aluiziolira/catalog-export/cache"
	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

const source = string(metrics.SourceCategories)

const (
	DefaultCategoryTTL = 5 * time.Minute
	DefaultTreeTTL     = 30 * time.Minute
	DefaultParallelism = 8
)

// Config tunes a Resolver.
type Config struct {
	CategoryTTL time.Duration
	TreeTTL     time.Duration
	// Parallelism bounds concurrent fallback requests.
	Parallelism int
}

// Stores holds the two cache classes used by the resolver.
type Stores struct {
	Categories cache.Store[models.Category]
	Trees      cache.Store[models.CategoryTree]
}

// Resolver resolves categories for one or more pipeline runs.
type Resolver struct {
	client  transport.Doer
	signer  signer.Signer
	baseURL string
	stores  Stores
	cfg     Config
	tracker *metrics.Tracker
	flight  *singleflight.Group
}

// NewResolver builds a resolver. Zero config fields take the defaults.
func NewResolver(client transport.Doer, s signer.Signer, baseURL string, stores Stores, cfg Config) *Resolver {
	if cfg.CategoryTTL <= 0 {
		cfg.CategoryTTL = DefaultCategoryTTL
	}
	if cfg.TreeTTL <= 0 {
		cfg.TreeTTL = DefaultTreeTTL
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Resolver{
		client:  client,
		signer:  s,
		baseURL: baseURL,
		stores:  stores,
		cfg:     cfg,
		flight:  &singleflight.Group{},
	}
}

// WithTracker returns a resolver reporting to tracker. It shares the stores
// and the in-flight request table with r.
func (r *Resolver) WithTracker(tracker *metrics.Tracker) *Resolver {
	cp := *r
	cp.tracker = tracker
	return &cp
}

func cacheKey(id int) string {
	return strconv.Itoa(id)
}

// ByID returns one category. Upstream and credential failures are returned.
func (r *Resolver) ByID(ctx context.Context, id int) (models.Category, error) {
	r.tracker.TouchCategories(id)
	if c, ok := r.stores.Categories.Get(ctx, cacheKey(id), r.cfg.CategoryTTL); ok {
		r.tracker.RecordCacheHits(1)
		return c, nil
	}
	r.tracker.RecordCacheMisses(1)
	return r.fetchOne(ctx, id, metrics.KindSingle)
}

// fetchOne requests a single category and caches it. Concurrent calls for
// the same id share one request. The shared request is detached from the
// caller that started it, so its cancellation only abandons its own wait;
// the client timeout still bounds the request.
func (r *Resolver) fetchOne(ctx context.Context, id int, kind metrics.CallKind) (models.Category, error) {
	if err := ctx.Err(); err != nil {
		return models.Category{}, err
	}
	ch := r.flight.DoChan(cacheKey(id), func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		var c models.Category
		rawURL := transport.BuildURL(r.baseURL, "V1/categories/"+strconv.Itoa(id), nil)
		err := transport.GetJSON(fetchCtx, r.client, r.signer, source, rawURL, &c)
		if !signer.IsCredentialsMissing(err) {
			r.tracker.RecordCall(metrics.SourceCategories, kind)
		}
		if err != nil {
			return models.Category{}, err
		}
		if c.ID == 0 {
			c.ID = id
		}
		if c.ID != id {
			return models.Category{}, transport.ErrMalformedResponse{
				Source: source,
				Err:    fmt.Errorf("requested category %d, got %d", id, c.ID),
			}
		}
		// A cancelled starter does not write to the cache; callers still
		// waiting get the value.
		if ctx.Err() == nil {
			r.stores.Categories.Put(fetchCtx, cacheKey(id), c)
		}
		return c, nil
	})

	select {
	case <-ctx.Done():
		return models.Category{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Category{}, res.Err
		}
		return res.Val.(models.Category), nil
	}
}

// Batch resolves ids, returning only those it could resolve. Upstream
// failures shrink the result; only missing credentials and cancellation are
// returned as errors.
func (r *Resolver) Batch(ctx context.Context, ids []int) (map[int]models.Category, error) {
	ids = uniqueIDs(ids)
	out := make(map[int]models.Category, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	r.tracker.TouchCategories(ids...)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	cached := r.stores.Categories.GetMany(ctx, keys, r.cfg.CategoryTTL)

	uncached := make([]int, 0, len(ids))
	for _, id := range ids {
		if c, ok := cached[cacheKey(id)]; ok {
			out[id] = c
			continue
		}
		uncached = append(uncached, id)
	}
	r.tracker.RecordCacheHits(len(out))
	r.tracker.RecordCacheMisses(len(uncached))
	if len(uncached) == 0 {
		return out, nil
	}

	fetched, err := r.fetchBatch(ctx, uncached)
	switch {
	case err == nil:
	case signer.IsCredentialsMissing(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		slog.Warn("category batch failed, falling back to individual requests",
			slog.Int("ids", len(uncached)),
			slog.Any("error", err),
		)
		fetched, err = r.fallback(ctx, uncached)
		if err != nil {
			return nil, err
		}
	}

	for id, c := range fetched {
		out[id] = c
	}
	if missing := len(uncached) - len(fetched); missing > 0 {
		slog.Debug("categories unresolved", slog.Int("missing", missing))
	}
	return out, nil
}

// fetchBatch issues one list request filtered to ids and caches the hits.
func (r *Resolver) fetchBatch(ctx context.Context, ids []int) (map[int]models.Category, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	query := filterQuery("entity_id", strings.Join(parts, ","), "in")
	query.Set("searchCriteria[pageSize]", strconv.Itoa(len(ids)))
	rawURL := transport.BuildURL(r.baseURL, "V1/categories/list", query)

	var page models.CategoryPage
	err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &page)
	if signer.IsCredentialsMissing(err) {
		return nil, err
	}
	r.tracker.RecordCall(metrics.SourceCategories, metrics.KindBatch)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	wanted := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make(map[int]models.Category, len(page.Items))
	for _, c := range page.Items {
		if _, ok := wanted[c.ID]; !ok {
			continue
		}
		out[c.ID] = c
		r.stores.Categories.Put(ctx, cacheKey(c.ID), c)
	}
	return out, nil
}

// fallback requests every id individually. Each request settles on its own;
// failures are logged and skipped.
func (r *Resolver) fallback(ctx context.Context, ids []int) (map[int]models.Category, error) {
	var (
		mu  sync.Mutex
		out = make(map[int]models.Category, len(ids))
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			c, err := r.fetchOne(ctx, id, metrics.KindFallback)
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("category fallback failed",
						slog.Int("id", id),
						slog.String("category", transport.ErrorTypeLabel(err)),
						slog.Any("error", err),
					)
				}
				return nil
			}
			mu.Lock()
			out[id] = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// List fetches one page of categories and caches every returned item.
func (r *Resolver) List(ctx context.Context, pageSize, page int) (*models.CategoryPage, error) {
	if pageSize <= 0 || page <= 0 {
		return nil, fmt.Errorf("invalid page request: size %d, page %d", pageSize, page)
	}
	query := url.Values{}
	query.Set("searchCriteria[pageSize]", strconv.Itoa(pageSize))
	query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
	rawURL := transport.BuildURL(r.baseURL, "V1/categories/list", query)

	var out models.CategoryPage
	err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &out)
	if signer.IsCredentialsMissing(err) {
		return nil, err
	}
	r.tracker.RecordCall(metrics.SourceCategories, metrics.KindList)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	items := out.Items[:0]
	for _, c := range out.Items {
		if c.ID <= 0 {
			continue
		}
		items = append(items, c)
		r.stores.Categories.Put(ctx, cacheKey(c.ID), c)
	}
	out.Items = items
	return &out, nil
}

// Tree returns the category tree under rootID. A fetched tree also warms the
// single-category cache with each of its nodes.
func (r *Resolver) Tree(ctx context.Context, rootID int) (*models.CategoryTree, error) {
	key := cacheKey(rootID)
	if tree, ok := r.stores.Trees.Get(ctx, key, r.cfg.TreeTTL); ok {
		r.tracker.RecordCacheHits(1)
		return &tree, nil
	}
	r.tracker.RecordCacheMisses(1)

	query := url.Values{}
	query.Set("rootCategoryId", strconv.Itoa(rootID))
	rawURL := transport.BuildURL(r.baseURL, "V1/categories", query)

	var tree models.CategoryTree
	err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &tree)
	if signer.IsCredentialsMissing(err) {
		return nil, err
	}
	r.tracker.RecordCall(metrics.SourceCategories, metrics.KindTree)
	if err != nil {
		return nil, fmt.Errorf("fetch category tree %d: %w", rootID, err)
	}
	if tree.ID == 0 {
		return nil, transport.ErrMalformedResponse{Source: source, Err: errors.New("category tree without root id")}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.stores.Trees.Put(ctx, key, tree)
	for _, c := range tree.Flatten() {
		r.stores.Categories.Put(ctx, cacheKey(c.ID), c)
	}
	return &tree, nil
}

func filterQuery(field, value, condition string) url.Values {
	const prefix = "searchCriteria[filterGroups][0][filters][0]"
	query := url.Values{}
	query.Set(prefix+"[field]", field)
	query.Set(prefix+"[value]", value)
	query.Set(prefix+"[conditionType]", condition)
	return query
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
