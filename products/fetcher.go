// Package products retrieves base product records page by page.
package products

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

const source = string(metrics.SourceProducts)

// Result is the outcome of FetchAll. When Summary.Truncated is set, Err
// holds the page failure that stopped the listing.
type Result struct {
	Products []models.Product
	Summary  models.FetchSummary
	Err      error
}

// Fetcher pages through the product listing.
type Fetcher struct {
	client  transport.Doer
	signer  signer.Signer
	baseURL string
	tracker *metrics.Tracker
}

// NewFetcher builds a fetcher against baseURL (the REST root).
func NewFetcher(client transport.Doer, s signer.Signer, baseURL string, tracker *metrics.Tracker) *Fetcher {
	return &Fetcher{
		client:  client,
		signer:  s,
		baseURL: baseURL,
		tracker: tracker,
	}
}

// WithTracker returns a copy of f reporting to tracker.
func (f *Fetcher) WithTracker(tracker *metrics.Tracker) *Fetcher {
	cp := *f
	cp.tracker = tracker
	return &cp
}

// FetchPage requests one page of pageSize products.
func (f *Fetcher) FetchPage(ctx context.Context, pageSize, page int) (*models.ProductPage, error) {
	query := url.Values{}
	query.Set("searchCriteria[pageSize]", strconv.Itoa(pageSize))
	query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
	rawURL := transport.BuildURL(f.baseURL, "V1/products", query)

	var out models.ProductPage
	if err := transport.GetJSON(ctx, f.client, f.signer, source, rawURL, &out); err != nil {
		if !signer.IsCredentialsMissing(err) {
			f.tracker.RecordCall(metrics.SourceProducts, metrics.KindPage)
		}
		return nil, err
	}
	f.tracker.RecordCall(metrics.SourceProducts, metrics.KindPage)
	return &out, nil
}

// FetchAll walks pages from 1 until a short page, the reported total or
// maxPages. A failure after the first page stops the walk and returns the
// products gathered so far with Summary.Truncated set. Failures on the first
// page, missing credentials and cancellation are returned as errors.
func (f *Fetcher) FetchAll(ctx context.Context, pageSize, maxPages int) (*Result, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	if maxPages <= 0 {
		return nil, fmt.Errorf("max pages must be positive")
	}

	result := &Result{Products: make([]models.Product, 0, pageSize)}
	seen := make(map[string]struct{})
	total := 0

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := f.FetchPage(ctx, pageSize, page)
		if err != nil {
			if page == 1 || signer.IsCredentialsMissing(err) || ctx.Err() != nil {
				return nil, fmt.Errorf("fetch products page %d: %w", page, err)
			}
			slog.Warn("product listing truncated",
				slog.Int("page", page),
				slog.Int("products", len(result.Products)),
				slog.Any("error", err),
			)
			result.Err = err
			result.Summary.Truncated = true
			result.Summary.Cause = err.Error()
			f.tracker.MarkTruncated()
			break
		}

		result.Summary.PagesFetched++
		if resp.TotalCount > 0 {
			total = resp.TotalCount
		}

		for _, product := range resp.Items {
			if product.SKU != "" {
				if _, dup := seen[product.SKU]; dup {
					slog.Debug("duplicate product skipped", slog.String("sku", product.SKU), slog.Int("page", page))
					continue
				}
				seen[product.SKU] = struct{}{}
			}
			result.Products = append(result.Products, product)
		}

		if page%10 == 0 {
			slog.Debug("product listing progress",
				slog.Int("pages", page),
				slog.Int("products", len(result.Products)),
				slog.Int("total", total),
			)
		}

		if len(resp.Items) < pageSize {
			break
		}
		if total > 0 && len(result.Products) >= total {
			break
		}
	}

	result.Summary.TotalCount = total
	result.Summary.ExpectedPages = expectedPages(total, pageSize, maxPages, result.Summary)
	return result, nil
}

func expectedPages(total, pageSize, maxPages int, summary models.FetchSummary) int {
	if total <= 0 {
		if summary.Truncated {
			return maxPages
		}
		return summary.PagesFetched
	}
	pages := (total + pageSize - 1) / pageSize
	if pages > maxPages {
		pages = maxPages
	}
	return pages
}
