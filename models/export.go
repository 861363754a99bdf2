package models

import "time"

// MergeStatus summarises how many related sources contributed to a record.
type MergeStatus string

const (
	MergeComplete MergeStatus = "complete"
	MergePartial  MergeStatus = "partial"
	MergeBaseOnly MergeStatus = "base_only"
)

// Provenance records which sources contributed non-default data.
type Provenance struct {
	Products        bool        `json:"products"`
	Categories      bool        `json:"categories"`
	Inventory       bool        `json:"inventory"`
	Status          MergeStatus `json:"status"`
	InventoryReason string      `json:"inventory_reason,omitempty"`
}

// EnrichedProduct is a product joined with its categories and stock.
type EnrichedProduct struct {
	Product    Product         `json:"product"`
	Categories []Category      `json:"categories"`
	Inventory  InventoryRecord `json:"inventory"`
	Provenance Provenance      `json:"provenance"`
}

// CategoryIDs returns the ids of the resolved categories.
func (e *EnrichedProduct) CategoryIDs() []int {
	ids := make([]int, 0, len(e.Categories))
	for _, c := range e.Categories {
		ids = append(ids, c.ID)
	}
	return ids
}

// PerformanceRecord summarises call batching and cache behaviour of a run.
type PerformanceRecord struct {
	CallsBySource    map[string]int64 `json:"calls_by_source"`
	CallsByKind      map[string]int64 `json:"calls_by_kind"`
	ItemsProcessed   int64            `json:"items_processed"`
	UniqueCategories int              `json:"unique_categories"`
	UniqueSKUs       int              `json:"unique_skus"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	CacheHitRatio    float64          `json:"cache_hit_ratio"`
	NaiveCalls       int64            `json:"naive_calls"`
	ActualCalls      int64            `json:"actual_calls"`
	CallReduction    int64            `json:"call_reduction"`
	DegradedSKUs     int64            `json:"degraded_skus"`
	Truncated        bool             `json:"truncated"`
	Hints            []string         `json:"hints"`
}

// FetchSummary describes how complete the product listing was.
type FetchSummary struct {
	PagesFetched  int    `json:"pages_fetched"`
	ExpectedPages int    `json:"expected_pages"`
	TotalCount    int    `json:"total_count"`
	Truncated     bool   `json:"truncated"`
	Cause         string `json:"cause,omitempty"`
}

// ExportResult holds the overall result of an enrichment run.
type ExportResult struct {
	RunID       string
	Products    []EnrichedProduct
	Performance PerformanceRecord
	Fetch       FetchSummary
	// Invalid counts fetched products skipped before the merge.
	Invalid     int
	StartedAt   time.Time
	FinishedAt  time.Time
}
