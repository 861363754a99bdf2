// Package inventory resolves skus to stock records. Every lookup yields a
// usable record: anything the upstream cannot answer is replaced by a
// zero-quantity, out-of-stock default carrying the reason.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

const source = string(metrics.SourceInventory)

const (
	// MaxChunkSize is the upstream's page size limit.
	MaxChunkSize       = 100
	DefaultChunkSize   = 50
	DefaultParallelism = 4
	// MaxSourcesPerSKU bounds the rows requested per sku in a chunk.
	MaxSourcesPerSKU = 4
)

// statusInStock is the source-item status for salable stock.
const statusInStock = 1

// Config tunes a Resolver.
type Config struct {
	ChunkSize   int
	Parallelism int
}

// Filter is one search criterion on source items.
type Filter struct {
	Field     string
	Value     string
	Condition string // eq when empty
}

// Page is one page of source-item records. On upstream failure it is empty
// and Degraded is set.
type Page struct {
	Items      []models.InventoryRecord
	TotalCount int
	Degraded   *Degradation
}

type sourceItem struct {
	SKU        string          `json:"sku"`
	SourceCode string          `json:"source_code"`
	Quantity   decimal.Decimal `json:"quantity"`
	Status     int             `json:"status"`
}

type sourceItemPage struct {
	Items      []sourceItem `json:"items"`
	TotalCount int          `json:"total_count"`
}

// Resolver looks up stock for skus.
type Resolver struct {
	client  transport.Doer
	signer  signer.Signer
	baseURL string
	cfg     Config
	tracker *metrics.Tracker
}

// NewResolver builds a resolver. The chunk size is capped at MaxChunkSize.
func NewResolver(client transport.Doer, s signer.Signer, baseURL string, cfg Config) *Resolver {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Resolver{
		client:  client,
		signer:  s,
		baseURL: baseURL,
		cfg:     cfg,
	}
}

// WithTracker returns a copy of r reporting to tracker.
func (r *Resolver) WithTracker(tracker *metrics.Tracker) *Resolver {
	cp := *r
	cp.tracker = tracker
	return &cp
}

// checkCredentials fails before any request when the signer cannot sign.
func (r *Resolver) checkCredentials() error {
	if _, err := r.signer.Authorize(http.MethodGet, r.baseURL); signer.IsCredentialsMissing(err) {
		return err
	}
	return nil
}

// BySKU returns the stock item of one sku. The only error is missing
// credentials.
func (r *Resolver) BySKU(ctx context.Context, sku string) (Outcome, error) {
	if err := r.checkCredentials(); err != nil {
		return Outcome{}, err
	}
	r.tracker.TouchSKUs(sku)
	outcome := r.fetchOne(ctx, sku)
	r.noteDegraded(outcome)
	return outcome, nil
}

func (r *Resolver) fetchOne(ctx context.Context, sku string) Outcome {
	var item struct {
		ItemID    *int64          `json:"item_id"`
		ProductID *int64          `json:"product_id"`
		Qty       decimal.Decimal `json:"qty"`
		InStock   bool            `json:"is_in_stock"`
	}
	rawURL := transport.BuildURL(r.baseURL, "V1/stockItems/"+url.PathEscape(sku), nil)
	err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &item)
	r.tracker.RecordCall(metrics.SourceInventory, metrics.KindSingle)
	if err != nil {
		return degraded(sku, reasonFor(ctx, err), err)
	}

	qty := item.Qty
	if qty.IsNegative() {
		qty = decimal.Zero
	}
	return resolved(models.InventoryRecord{
		SKU:       sku,
		Quantity:  qty,
		InStock:   item.InStock,
		ItemID:    item.ItemID,
		ProductID: item.ProductID,
	})
}

// Batch resolves skus in chunks issued concurrently. Every requested sku
// gets an outcome; skus missing from a response or belonging to a failed
// chunk are degraded. The only error is missing credentials.
func (r *Resolver) Batch(ctx context.Context, skus []string) (map[string]Outcome, error) {
	if err := r.checkCredentials(); err != nil {
		return nil, err
	}

	skus = uniqueSKUs(skus)
	out := make(map[string]Outcome, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	r.tracker.TouchSKUs(skus...)

	// A comma inside a sku would split the "in" filter, so those go alone.
	batchable := make([]string, 0, len(skus))
	var single []string
	for _, sku := range skus {
		if strings.Contains(sku, ",") {
			single = append(single, sku)
			continue
		}
		batchable = append(batchable, sku)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)

	for _, chunk := range chunks(batchable, r.cfg.ChunkSize) {
		g.Go(func() error {
			outcomes := r.fetchChunk(ctx, chunk)
			mu.Lock()
			for sku, o := range outcomes {
				out[sku] = o
			}
			mu.Unlock()
			return nil
		})
	}
	for _, sku := range single {
		g.Go(func() error {
			o := r.fetchOne(ctx, sku)
			mu.Lock()
			out[sku] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	degradedCount := 0
	for _, o := range out {
		if !o.OK() {
			degradedCount++
		}
		r.noteDegraded(o)
	}
	if degradedCount > 0 {
		slog.Warn("inventory degraded",
			slog.Int("skus", len(skus)),
			slog.Int("degraded", degradedCount),
		)
	}
	return out, nil
}

// fetchChunk requests the source items of chunk and returns an outcome for
// each of its skus. A sku may have one row per source, so the listing is
// followed past the first page when the upstream reports more rows.
func (r *Resolver) fetchChunk(ctx context.Context, chunk []string) map[string]Outcome {
	out := make(map[string]Outcome, len(chunk))

	var rows []sourceItem
	maxPages := (len(chunk)*MaxSourcesPerSKU + MaxChunkSize - 1) / MaxChunkSize
	for page := 1; page <= maxPages; page++ {
		query := filterQuery([]Filter{{Field: "sku", Value: strings.Join(chunk, ","), Condition: "in"}})
		query.Set("searchCriteria[pageSize]", strconv.Itoa(MaxChunkSize))
		query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
		rawURL := transport.BuildURL(r.baseURL, "V1/inventory/source-items", query)

		var resp sourceItemPage
		err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &resp)
		r.tracker.RecordCall(metrics.SourceInventory, metrics.KindBatch)
		if err != nil {
			reason := reasonFor(ctx, err)
			if reason != ReasonCancelled {
				slog.Debug("inventory chunk failed",
					slog.Int("skus", len(chunk)),
					slog.Int("page", page),
					slog.String("category", transport.ErrorTypeLabel(err)),
					slog.Any("error", err),
				)
			}
			for _, sku := range chunk {
				out[sku] = degraded(sku, reason, err)
			}
			return out
		}

		rows = append(rows, resp.Items...)
		if len(resp.Items) < MaxChunkSize || len(rows) >= resp.TotalCount {
			break
		}
	}

	records := aggregate(rows)
	for _, sku := range chunk {
		if record, ok := records[sku]; ok {
			out[sku] = resolved(record)
			continue
		}
		out[sku] = degraded(sku, ReasonNotFound, nil)
	}
	return out
}

// aggregate sums source rows per sku. A sku is in stock when any of its
// rows is salable with a positive quantity.
func aggregate(items []sourceItem) map[string]models.InventoryRecord {
	out := make(map[string]models.InventoryRecord)
	sources := make(map[string][]string)
	for _, item := range items {
		if item.SKU == "" {
			continue
		}
		record, ok := out[item.SKU]
		if !ok {
			record = models.DefaultInventory(item.SKU)
		}
		qty := item.Quantity
		if qty.IsNegative() {
			qty = decimal.Zero
		}
		record.Quantity = record.Quantity.Add(qty)
		if item.Status == statusInStock && qty.IsPositive() {
			record.InStock = true
		}
		out[item.SKU] = record
		if item.SourceCode != "" {
			sources[item.SKU] = append(sources[item.SKU], item.SourceCode)
		}
	}
	for sku, codes := range sources {
		sort.Strings(codes)
		record := out[sku]
		record.SourceCode = strings.Join(compact(codes), ",")
		out[sku] = record
	}
	return out
}

// List returns one page of source items. Upstream failures yield an empty
// degraded page.
func (r *Resolver) List(ctx context.Context, pageSize, page int) (*Page, error) {
	return r.page(ctx, nil, pageSize, page, metrics.KindList)
}

// Search returns one page of source items matching every filter.
func (r *Resolver) Search(ctx context.Context, filters []Filter, pageSize, page int) (*Page, error) {
	return r.page(ctx, filters, pageSize, page, metrics.KindSearch)
}

func (r *Resolver) page(ctx context.Context, filters []Filter, pageSize, page int, kind metrics.CallKind) (*Page, error) {
	if err := r.checkCredentials(); err != nil {
		return nil, err
	}
	if pageSize <= 0 || pageSize > MaxChunkSize {
		pageSize = MaxChunkSize
	}
	if page <= 0 {
		page = 1
	}

	query := filterQuery(filters)
	query.Set("searchCriteria[pageSize]", strconv.Itoa(pageSize))
	query.Set("searchCriteria[currentPage]", strconv.Itoa(page))
	rawURL := transport.BuildURL(r.baseURL, "V1/inventory/source-items", query)

	var resp sourceItemPage
	err := transport.GetJSON(ctx, r.client, r.signer, source, rawURL, &resp)
	r.tracker.RecordCall(metrics.SourceInventory, kind)
	if err != nil {
		slog.Warn("inventory page unavailable",
			slog.String("kind", string(kind)),
			slog.Int("page", page),
			slog.Any("error", err),
		)
		return &Page{
			Items:    []models.InventoryRecord{},
			Degraded: &Degradation{Reason: reasonFor(ctx, err), Err: err},
		}, nil
	}

	items := make([]models.InventoryRecord, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.SKU == "" {
			continue
		}
		record := aggregate([]sourceItem{item})[item.SKU]
		items = append(items, record)
	}
	return &Page{Items: items, TotalCount: resp.TotalCount}, nil
}

func (r *Resolver) noteDegraded(o Outcome) {
	if o.Degraded != nil {
		r.tracker.RecordDegraded(string(o.Degraded.Reason))
	}
}

// filterQuery encodes filters as one AND-ed filter group each.
func filterQuery(filters []Filter) url.Values {
	query := url.Values{}
	for i, f := range filters {
		condition := f.Condition
		if condition == "" {
			condition = "eq"
		}
		prefix := fmt.Sprintf("searchCriteria[filterGroups][%d][filters][0]", i)
		query.Set(prefix+"[field]", f.Field)
		query.Set(prefix+"[value]", f.Value)
		query.Set(prefix+"[conditionType]", condition)
	}
	return query
}

func chunks(skus []string, size int) [][]string {
	out := make([][]string, 0, (len(skus)+size-1)/size)
	for start := 0; start < len(skus); start += size {
		end := start + size
		if end > len(skus) {
			end = len(skus)
		}
		out = append(out, skus[start:end])
	}
	return out
}

func uniqueSKUs(skus []string) []string {
	seen := make(map[string]struct{}, len(skus))
	out := make([]string, 0, len(skus))
	for _, sku := range skus {
		sku = strings.TrimSpace(sku)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		out = append(out, sku)
	}
	return out
}

func compact(sorted []string) []string {
	out := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
