package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/catalog-export/cache"
	"github.com/aluiziolira/catalog-export/categories"
	"github.com/aluiziolira/catalog-export/inventory"
	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/products"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

const (
	catalogURL = "https://shop.test/rest"
	stockURL   = "https://stock.test/rest"
)

type mockWriter struct {
	mu       sync.Mutex
	batches  [][]models.EnrichedProduct
	closed   bool
	writeErr error
}

func (mw *mockWriter) Write(records []models.EnrichedProduct) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyBatch := make([]models.EnrichedProduct, len(records))
	copy(copyBatch, records)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate(expected int) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	written := 0
	for _, batch := range mw.batches {
		written += len(batch)
	}
	if written != expected {
		return fmt.Errorf("wrote %d records, want %d", written, expected)
	}
	return nil
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

// upstream is an in-memory stand-in for the catalog and inventory services.
type upstream struct {
	products   []string // skus
	categories map[string][]int
	known      map[int]bool
	stock      map[string]int64
	failPage   int
}

func (u *upstream) register(mock *httpmock.MockTransport) {
	mock.RegisterResponder(http.MethodGet, catalogURL+"/V1/products", func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		page, _ := strconv.Atoi(q.Get("searchCriteria[currentPage]"))
		size, _ := strconv.Atoi(q.Get("searchCriteria[pageSize]"))
		if page == u.failPage {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		start := (page - 1) * size
		end := start + size
		if start > len(u.products) {
			start = len(u.products)
		}
		if end > len(u.products) {
			end = len(u.products)
		}
		items := make([]map[string]any, 0, end-start)
		for _, sku := range u.products[start:end] {
			refs := make([]map[string]int, 0)
			for _, id := range u.categories[sku] {
				refs = append(refs, map[string]int{"id": id})
			}
			items = append(items, map[string]any{"sku": sku, "name": "Product " + sku, "price": "10.00", "categories": refs})
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"items": items, "total_count": len(u.products)})
	})

	mock.RegisterResponder(http.MethodGet, catalogURL+"/V1/categories/list", func(req *http.Request) (*http.Response, error) {
		var items []models.Category
		for _, part := range strings.Split(req.URL.Query().Get("searchCriteria[filterGroups][0][filters][0][value]"), ",") {
			id, err := strconv.Atoi(part)
			if err == nil && u.known[id] {
				items = append(items, models.Category{ID: id, Name: fmt.Sprintf("Category %d", id)})
			}
		}
		return httpmock.NewJsonResponse(http.StatusOK, models.CategoryPage{Items: items, TotalCount: len(items)})
	})

	mock.RegisterResponder(http.MethodGet, stockURL+"/V1/inventory/source-items", func(req *http.Request) (*http.Response, error) {
		var items []map[string]any
		for _, sku := range strings.Split(req.URL.Query().Get("searchCriteria[filterGroups][0][filters][0][value]"), ",") {
			if qty, ok := u.stock[sku]; ok {
				items = append(items, map[string]any{"sku": sku, "source_code": "default", "quantity": qty, "status": 1})
			}
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"items": items, "total_count": len(items)})
	})
}

func newTestPipeline(t *testing.T, u *upstream, inventoryToken string, opts Options) (*Pipeline, *httpmock.MockTransport, *cache.Memory[models.Category]) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	u.register(mock)

	cfg := transport.Config{Timeout: time.Second}
	catalog := transport.NewClient("products", cfg, nil).WithTransport(mock)
	stock := transport.NewClient("inventory", cfg, nil).WithTransport(mock)

	oauth := signer.NewOAuth1(signer.OAuth1Credentials{
		ConsumerKey:       "ck",
		ConsumerSecret:    "cs",
		AccessToken:       "at",
		AccessTokenSecret: "ats",
	})

	store, err := cache.NewMemory[models.Category](100)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	trees, err := cache.NewMemory[models.CategoryTree](10)
	if err != nil {
		t.Fatalf("create tree store: %v", err)
	}

	p := New(
		products.NewFetcher(catalog, oauth, catalogURL, nil),
		categories.NewResolver(catalog, oauth, catalogURL, categories.Stores{Categories: store, Trees: trees}, categories.Config{}),
		inventory.NewResolver(stock, signer.NewBearer(inventoryToken), stockURL, inventory.Config{}),
		metrics.NewCollectors(),
		opts,
	)
	return p, mock, store
}

func scenarioUpstream() *upstream {
	return &upstream{
		products:   []string{"A", "B", "C"},
		categories: map[string][]int{"A": {1}, "B": {2}, "C": {3}},
		known:      map[int]bool{1: true, 3: true},
		stock:      map[string]int64{"A": 5, "B": 2},
	}
}

func TestEnrichProductsMergesAllSources(t *testing.T) {
	p, _, _ := newTestPipeline(t, scenarioUpstream(), "secret", Options{})

	result, err := p.EnrichProducts(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if result.RunID == "" {
		t.Fatalf("run id should be set")
	}
	if len(result.Products) != 3 {
		t.Fatalf("products = %d, want 3", len(result.Products))
	}

	bySKU := make(map[string]models.EnrichedProduct)
	for _, rec := range result.Products {
		bySKU[rec.Product.SKU] = rec
	}

	a := bySKU["A"]
	if len(a.Categories) != 1 || !a.Provenance.Inventory || a.Provenance.Status != models.MergeComplete {
		t.Errorf("A = %+v", a.Provenance)
	}
	b := bySKU["B"]
	if len(b.Categories) != 0 || !b.Provenance.Inventory {
		t.Errorf("B = %+v", b.Provenance)
	}
	c := bySKU["C"]
	if len(c.Categories) != 1 || c.Provenance.Inventory || !c.Inventory.IsDefault() {
		t.Errorf("C = %+v", c.Provenance)
	}

	perf := result.Performance
	if perf.ItemsProcessed != 3 {
		t.Errorf("items processed = %d, want 3", perf.ItemsProcessed)
	}
	if perf.CallsBySource["products"] != 1 || perf.CallsBySource["categories"] != 1 || perf.CallsBySource["inventory"] != 1 {
		t.Errorf("calls by source = %v", perf.CallsBySource)
	}
	if perf.NaiveCalls != 7 || perf.CallReduction != 4 {
		t.Errorf("naive = %d reduction = %d, want 7 and 4", perf.NaiveCalls, perf.CallReduction)
	}
	if perf.DegradedSKUs != 1 {
		t.Errorf("degraded = %d, want 1", perf.DegradedSKUs)
	}
}

func TestEnrichProductsSecondRunHitsCache(t *testing.T) {
	p, mock, store := newTestPipeline(t, scenarioUpstream(), "secret", Options{})

	if _, err := p.EnrichProducts(context.Background(), 10, 5); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("cached categories = %d, want 2", store.Len())
	}
	before := mock.GetCallCountInfo()["GET "+catalogURL+"/V1/categories/list"]

	result, err := p.EnrichProducts(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if hits := result.Performance.CacheHits; hits != 2 {
		t.Errorf("cache hits = %d, want 2", hits)
	}
	// Category 2 is unknown upstream, so it is requested again.
	after := mock.GetCallCountInfo()["GET "+catalogURL+"/V1/categories/list"]
	if after-before != 1 {
		t.Errorf("category list calls in second run = %d, want 1", after-before)
	}
}

func TestEnrichProductsReportsTruncation(t *testing.T) {
	u := scenarioUpstream()
	u.failPage = 2
	p, _, _ := newTestPipeline(t, u, "secret", Options{})

	result, err := p.EnrichProducts(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(result.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(result.Products))
	}
	if !result.Fetch.Truncated || result.Fetch.PagesFetched != 1 || result.Fetch.ExpectedPages != 2 {
		t.Errorf("fetch summary = %+v", result.Fetch)
	}
	if !result.Performance.Truncated {
		t.Errorf("performance should flag truncation")
	}
}

func TestEnrichProductsInventoryCredentialsFatal(t *testing.T) {
	p, _, _ := newTestPipeline(t, scenarioUpstream(), "", Options{})

	_, err := p.EnrichProducts(context.Background(), 10, 5)
	if !signer.IsCredentialsMissing(err) {
		t.Fatalf("err = %v, want credentials missing", err)
	}
}

func TestEnrichProductsSkipsInvalidProducts(t *testing.T) {
	u := scenarioUpstream()
	u.products = append(u.products, " ")
	p, _, _ := newTestPipeline(t, u, "secret", Options{})

	result, err := p.EnrichProducts(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(result.Products) != 3 || result.Invalid != 1 {
		t.Fatalf("products = %d invalid = %d, want 3 and 1", len(result.Products), result.Invalid)
	}
}

func TestExportWritesBatches(t *testing.T) {
	u := &upstream{known: map[int]bool{}, stock: map[string]int64{}}
	for i := 0; i < 5; i++ {
		u.products = append(u.products, "SKU-"+strconv.Itoa(i))
	}
	p, _, _ := newTestPipeline(t, u, "secret", Options{BatchSize: 2})
	writer := &mockWriter{}

	result, err := p.Export(context.Background(), 10, 1, writer)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.Products) != 5 {
		t.Fatalf("products = %d, want 5", len(result.Products))
	}
	sizes := writer.batchSizes()
	if fmt.Sprint(sizes) != "[2 2 1]" {
		t.Fatalf("batch sizes = %v, want [2 2 1]", sizes)
	}
	if writer.closed {
		t.Fatalf("export must not close the writer")
	}
	if err := writer.Validate(len(result.Products)); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestExportWriteError(t *testing.T) {
	p, _, _ := newTestPipeline(t, scenarioUpstream(), "secret", Options{})
	writer := &mockWriter{writeErr: errors.New("disk full")}

	if _, err := p.Export(context.Background(), 10, 1, writer); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestExportRequiresWriter(t *testing.T) {
	p, _, _ := newTestPipeline(t, scenarioUpstream(), "secret", Options{})
	if _, err := p.Export(context.Background(), 10, 1, nil); !errors.Is(err, ErrNoWriter) {
		t.Fatalf("expected ErrNoWriter, got %v", err)
	}
}

func TestEnrichProductsCancelled(t *testing.T) {
	p, _, _ := newTestPipeline(t, scenarioUpstream(), "secret", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.EnrichProducts(ctx, 10, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
