package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerReportRatiosAndReduction(t *testing.T) {
	tr := NewTracker(nil)

	tr.RecordCall(SourceProducts, KindPage)
	tr.RecordCall(SourceProducts, KindPage)
	tr.RecordCall(SourceCategories, KindBatch)
	tr.RecordCall(SourceInventory, KindBatch)
	tr.TouchCategories(1, 2, 3, 3)
	tr.TouchSKUs("A", "B", "C", "D")
	tr.RecordCacheHits(3)
	tr.RecordCacheMisses(1)
	tr.RecordItems(4)

	report := tr.Report()

	if report.ActualCalls != 4 {
		t.Fatalf("actual calls = %d, want 4", report.ActualCalls)
	}
	if report.NaiveCalls != 2+3+4 {
		t.Fatalf("naive calls = %d, want 9", report.NaiveCalls)
	}
	if report.CallReduction != 5 {
		t.Fatalf("call reduction = %d, want 5", report.CallReduction)
	}
	if report.CacheHitRatio != 0.75 {
		t.Fatalf("hit ratio = %v, want 0.75", report.CacheHitRatio)
	}
	if report.UniqueCategories != 3 || report.UniqueSKUs != 4 {
		t.Fatalf("unique = %d/%d, want 3/4", report.UniqueCategories, report.UniqueSKUs)
	}
	if report.CallsBySource["products"] != 2 || report.CallsByKind["categories.batch"] != 1 {
		t.Fatalf("unexpected call breakdown: %v %v", report.CallsBySource, report.CallsByKind)
	}
	if len(report.Hints) != 0 {
		t.Fatalf("hints = %v, want none", report.Hints)
	}
}

func TestTrackerHitRatioZeroWithoutReads(t *testing.T) {
	report := NewTracker(nil).Report()
	if report.CacheHitRatio != 0 {
		t.Fatalf("hit ratio = %v, want 0", report.CacheHitRatio)
	}
	if report.Hints == nil {
		t.Fatalf("hints should be an empty slice, not nil")
	}
}

func TestTrackerHints(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordCall(SourceCategories, KindSingle)
	tr.RecordCall(SourceCategories, KindFallback)
	tr.RecordCall(SourceCategories, KindFallback)
	tr.RecordCall(SourceInventory, KindSingle)
	tr.RecordCacheMisses(2)
	tr.RecordDegraded("upstream_error")
	tr.MarkTruncated()

	report := tr.Report()
	want := map[string]bool{}
	for _, hint := range []string{
		"categories not batched",
		"category batch fell back to 2 individual requests",
		"inventory not batched",
		"low category cache hit ratio (0.00)",
		"inventory degraded for 1 skus",
		"product fetch truncated",
	} {
		want[hint] = true
	}
	if len(report.Hints) != len(want) {
		t.Fatalf("hints = %v", report.Hints)
	}
	for _, hint := range report.Hints {
		if !want[hint] {
			t.Fatalf("unexpected hint %q in %v", hint, report.Hints)
		}
	}
	if !report.Truncated || report.DegradedSKUs != 1 {
		t.Fatalf("truncated/degraded = %v/%d", report.Truncated, report.DegradedSKUs)
	}
}

func TestTrackerNilSafe(t *testing.T) {
	var tr *Tracker
	tr.RecordCall(SourceProducts, KindPage)
	tr.RecordCacheHits(1)
	tr.TouchSKUs("A")
	tr.MarkTruncated()
	if got := tr.Calls(SourceProducts, KindPage); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
	if report := tr.Report(); report.ActualCalls != 0 {
		t.Fatalf("nil report should be empty")
	}
}

func TestTrackerForwardsToCollectors(t *testing.T) {
	collectors := NewCollectors()
	tr := NewTracker(collectors)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordCall(SourceInventory, KindBatch)
			tr.RecordCacheHits(1)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(collectors.RequestsTotal.WithLabelValues("inventory", "batch")); got != 10 {
		t.Fatalf("requests counter = %v, want 10", got)
	}
	if got := testutil.ToFloat64(collectors.CacheReadsTotal.WithLabelValues("hit")); got != 10 {
		t.Fatalf("cache hit counter = %v, want 10", got)
	}
	if got := tr.Calls(SourceInventory, KindBatch); got != 10 {
		t.Fatalf("tracker calls = %d, want 10", got)
	}
}
