package metrics

import (
	"fmt"
	"sync"

	"github.com/aluiziolira/catalog-export/models"
)

// Source names an upstream data set.
type Source string

const (
	SourceProducts   Source = "products"
	SourceCategories Source = "categories"
	SourceInventory  Source = "inventory"
)

// CallKind names the request shape issued to a source.
type CallKind string

const (
	KindPage     CallKind = "page"
	KindSingle   CallKind = "single"
	KindBatch    CallKind = "batch"
	KindFallback CallKind = "fallback"
	KindList     CallKind = "list"
	KindTree     CallKind = "tree"
	KindSearch   CallKind = "search"
)

const lowHitRatio = 0.5

// Tracker accumulates counters over one pipeline run. The zero value is not
// usable; a nil *Tracker ignores every call.
type Tracker struct {
	collectors *Collectors

	mu         sync.Mutex
	calls      map[Source]map[CallKind]int64
	items      int64
	categories map[int]struct{}
	skus       map[string]struct{}
	hits       int64
	misses     int64
	degraded   int64
	truncated  bool
}

// NewTracker creates a tracker that also forwards to collectors (may be nil).
func NewTracker(collectors *Collectors) *Tracker {
	return &Tracker{
		collectors: collectors,
		calls:      make(map[Source]map[CallKind]int64),
		categories: make(map[int]struct{}),
		skus:       make(map[string]struct{}),
	}
}

// RecordCall counts one upstream request.
func (t *Tracker) RecordCall(source Source, kind CallKind) {
	if t == nil {
		return
	}
	t.mu.Lock()
	bySource, ok := t.calls[source]
	if !ok {
		bySource = make(map[CallKind]int64)
		t.calls[source] = bySource
	}
	bySource[kind]++
	t.mu.Unlock()
	t.collectors.IncRequest(source, kind)
}

// RecordCacheHits adds n cache hits.
func (t *Tracker) RecordCacheHits(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	t.hits += int64(n)
	t.mu.Unlock()
	t.collectors.AddCacheReads(n, 0)
}

// RecordCacheMisses adds n cache misses.
func (t *Tracker) RecordCacheMisses(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	t.misses += int64(n)
	t.mu.Unlock()
	t.collectors.AddCacheReads(0, n)
}

// RecordItems adds n processed items.
func (t *Tracker) RecordItems(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	t.items += int64(n)
	t.mu.Unlock()
	t.collectors.AddItems(n)
}

// TouchCategories marks category ids as needed by this run.
func (t *Tracker) TouchCategories(ids ...int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	for _, id := range ids {
		t.categories[id] = struct{}{}
	}
	t.mu.Unlock()
}

// TouchSKUs marks skus as needed by this run.
func (t *Tracker) TouchSKUs(skus ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	for _, sku := range skus {
		t.skus[sku] = struct{}{}
	}
	t.mu.Unlock()
}

// RecordDegraded counts one inventory record substituted with a default.
func (t *Tracker) RecordDegraded(reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.degraded++
	t.mu.Unlock()
	t.collectors.IncDegraded(reason)
}

// MarkTruncated flags that the product listing stopped early.
func (t *Tracker) MarkTruncated() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.truncated = true
	t.mu.Unlock()
}

// Calls returns the number of calls of kind issued to source.
func (t *Tracker) Calls(source Source, kind CallKind) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[source][kind]
}

// Report computes the derived ratios and hints.
func (t *Tracker) Report() models.PerformanceRecord {
	if t == nil {
		return models.PerformanceRecord{
			CallsBySource: map[string]int64{},
			CallsByKind:   map[string]int64{},
			Hints:         []string{},
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	record := models.PerformanceRecord{
		CallsBySource:    make(map[string]int64, len(t.calls)),
		CallsByKind:      make(map[string]int64),
		ItemsProcessed:   t.items,
		UniqueCategories: len(t.categories),
		UniqueSKUs:       len(t.skus),
		CacheHits:        t.hits,
		CacheMisses:      t.misses,
		DegradedSKUs:     t.degraded,
		Truncated:        t.truncated,
		Hints:            []string{},
	}

	for source, kinds := range t.calls {
		for kind, n := range kinds {
			record.CallsBySource[string(source)] += n
			record.CallsByKind[string(source)+"."+string(kind)] += n
			record.ActualCalls += n
		}
	}

	if reads := t.hits + t.misses; reads > 0 {
		record.CacheHitRatio = float64(t.hits) / float64(reads)
	}

	record.NaiveCalls = t.calls[SourceProducts][KindPage] + int64(len(t.categories)) + int64(len(t.skus))
	record.CallReduction = record.NaiveCalls - record.ActualCalls
	record.Hints = t.hintsLocked(record)
	return record
}

func (t *Tracker) hintsLocked(record models.PerformanceRecord) []string {
	hints := []string{}

	categoryCalls := record.CallsBySource[string(SourceCategories)]
	if categoryCalls > 0 && t.calls[SourceCategories][KindBatch] == 0 {
		hints = append(hints, "categories not batched")
	}
	if fallback := t.calls[SourceCategories][KindFallback]; fallback > 0 {
		hints = append(hints, fmt.Sprintf("category batch fell back to %d individual requests", fallback))
	}
	inventoryCalls := record.CallsBySource[string(SourceInventory)]
	if inventoryCalls > 0 && t.calls[SourceInventory][KindBatch] == 0 {
		hints = append(hints, "inventory not batched")
	}
	if t.hits+t.misses > 0 && record.CacheHitRatio < lowHitRatio {
		hints = append(hints, fmt.Sprintf("low category cache hit ratio (%.2f)", record.CacheHitRatio))
	}
	if t.degraded > 0 {
		hints = append(hints, fmt.Sprintf("inventory degraded for %d skus", t.degraded))
	}
	if t.truncated {
		hints = append(hints, "product fetch truncated")
	}
	return hints
}
