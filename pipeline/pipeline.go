// Package pipeline runs the enrichment: products first, then categories and
// inventory concurrently, then the merge. It also writes the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/catalog-export/categories"
	"github.com/aluiziolira/catalog-export/enrich"
	"github.com/aluiziolira/catalog-export/inventory"
	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/parser"
	"github.com/aluiziolira/catalog-export/products"
)

// ErrNoWriter is returned by Export when no writer is given.
var ErrNoWriter = errors.New("pipeline: no output writer")

const defaultBatchSize = 64

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []models.EnrichedProduct) error
	Close() error
	// Validate checks the written output holds exactly expected records.
	Validate(expected int) error
}

// Options tunes a Pipeline.
type Options struct {
	// BatchSize is the number of records handed to the writer at once.
	BatchSize int
	// TreeRoot, when positive, preloads the category tree under that root so
	// the batch lookup can be served from cache.
	TreeRoot int
}

// Pipeline coordinates the three upstreams for each run. Stores and clients
// are shared between runs; counters are per run.
type Pipeline struct {
	fetcher    *products.Fetcher
	categories *categories.Resolver
	inventory  *inventory.Resolver
	collectors *metrics.Collectors
	opts       Options
}

// New builds a pipeline.
func New(fetcher *products.Fetcher, cats *categories.Resolver, inv *inventory.Resolver, collectors *metrics.Collectors, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Pipeline{
		fetcher:    fetcher,
		categories: cats,
		inventory:  inv,
		collectors: collectors,
		opts:       opts,
	}
}

// EnrichProducts fetches up to maxPages pages of pageSize products and
// returns them enriched with categories and stock. Upstream failures
// degrade the result; they are reported in Fetch, Performance and each
// record's provenance. Errors are returned for missing credentials,
// cancellation and a failed first product page.
func (p *Pipeline) EnrichProducts(ctx context.Context, pageSize, maxPages int) (*models.ExportResult, error) {
	result := &models.ExportResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := slog.With(slog.String("run_id", result.RunID))
	tracker := metrics.NewTracker(p.collectors)

	fetched, err := p.fetcher.WithTracker(tracker).FetchAll(ctx, pageSize, maxPages)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	result.Fetch = fetched.Summary
	if fetched.Summary.Truncated {
		logger.Warn("product listing incomplete",
			slog.Int("pages_fetched", fetched.Summary.PagesFetched),
			slog.Int("expected_pages", fetched.Summary.ExpectedPages),
			slog.String("cause", fetched.Summary.Cause),
		)
	}

	valid, invalid := p.prepare(fetched.Products)
	result.Invalid = invalid

	ids := parser.UniqueCategoryIDs(valid)
	skus := parser.UniqueSKUs(valid)
	logger.Info("resolving relations",
		slog.Int("products", len(valid)),
		slog.Int("categories", len(ids)),
		slog.Int("skus", len(skus)),
	)

	cats := p.categories.WithTracker(tracker)
	inv := p.inventory.WithTracker(tracker)

	var (
		categoryMap map[int]models.Category
		stock       map[string]inventory.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if p.opts.TreeRoot > 0 {
			if _, err := cats.Tree(gctx, p.opts.TreeRoot); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("category tree preload failed", slog.Any("error", err))
			}
		}
		var err error
		categoryMap, err = cats.Batch(gctx, ids)
		if err != nil {
			return fmt.Errorf("resolve categories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stock, err = inv.Batch(gctx, skus)
		if err != nil {
			return fmt.Errorf("resolve inventory: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enriched, err := enrich.MergeOutcomes(valid, categoryMap, stock)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	tracker.RecordItems(len(enriched))

	hierarchy := categories.BuildHierarchy(mapValues(categoryMap))
	logger.Debug("category hierarchy",
		slog.Int("categories", len(hierarchy.Categories)),
		slog.Int("roots", len(hierarchy.Roots)),
	)

	result.Products = enriched
	result.Performance = tracker.Report()
	result.FinishedAt = time.Now()
	logger.Info("enrichment complete",
		slog.Int("products", len(enriched)),
		slog.Int64("calls", result.Performance.ActualCalls),
		slog.Int64("call_reduction", result.Performance.CallReduction),
		slog.Float64("cache_hit_ratio", result.Performance.CacheHitRatio),
		slog.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// Export runs EnrichProducts and hands the records to w in batches. The
// writer is not closed.
func (p *Pipeline) Export(ctx context.Context, pageSize, maxPages int, w OutputWriter) (*models.ExportResult, error) {
	if w == nil {
		return nil, ErrNoWriter
	}

	result, err := p.EnrichProducts(ctx, pageSize, maxPages)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(result.Products); start += p.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + p.opts.BatchSize
		if end > len(result.Products) {
			end = len(result.Products)
		}
		if err := w.Write(result.Products[start:end]); err != nil {
			return nil, fmt.Errorf("write batch: %w", err)
		}
	}
	return result, nil
}

// prepare drops products that cannot be merged, counting them.
func (p *Pipeline) prepare(in []models.Product) ([]models.Product, int) {
	valid := make([]models.Product, 0, len(in))
	invalid := 0
	for i := range in {
		if err := parser.ValidateProduct(&in[i]); err != nil {
			invalid++
			slog.Debug("product skipped", slog.Int("index", i), slog.Any("error", err))
			continue
		}
		valid = append(valid, in[i])
	}
	if invalid > 0 {
		slog.Warn("invalid products skipped", slog.Int("count", invalid))
	}
	return valid, invalid
}

func mapValues(m map[int]models.Category) []models.Category {
	out := make([]models.Category, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
