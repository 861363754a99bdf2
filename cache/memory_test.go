package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, size int) (*Memory[string], *fakeClock) {
	t.Helper()
	store, err := NewMemory[string](size)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	clock := newFakeClock()
	store.SetClock(clock.Now)
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory(t, 10)

	store.Put(ctx, "category:3", "Gear")
	got, ok := store.Get(ctx, "category:3", time.Minute)
	if !ok || got != "Gear" {
		t.Fatalf("get = %q/%v, want Gear/true", got, ok)
	}
}

func TestMemoryLazyExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemory(t, 10)

	store.Put(ctx, "category:3", "Gear")
	clock.Advance(2 * time.Minute)

	if _, ok := store.Get(ctx, "category:3", time.Minute); ok {
		t.Fatalf("expected miss after ttl elapsed")
	}
	if got := store.Len(); got != 0 {
		t.Fatalf("len = %d, want 0 after stale read", got)
	}
	if _, ok := store.Get(ctx, "category:3", time.Hour); ok {
		t.Fatalf("stale entry must stay evicted")
	}

	stats := store.Stats()
	if stats.Evictions != 1 || stats.Misses != 2 || stats.Hits != 0 {
		t.Fatalf("stats = %+v, want 1 eviction, 2 misses", stats)
	}
}

func TestMemoryTTLBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemory(t, 10)

	store.Put(ctx, "k", "v")
	clock.Advance(time.Minute)
	if _, ok := store.Get(ctx, "k", time.Minute); ok {
		t.Fatalf("entry aged exactly ttl must be a miss")
	}
}

func TestMemoryPutOverwritesAndRestamps(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemory(t, 10)

	store.Put(ctx, "k", "old")
	clock.Advance(50 * time.Second)
	store.Put(ctx, "k", "new")
	clock.Advance(50 * time.Second)

	got, ok := store.Get(ctx, "k", time.Minute)
	if !ok || got != "new" {
		t.Fatalf("get = %q/%v, want new/true", got, ok)
	}
}

func TestMemoryGetMany(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemory(t, 10)

	store.Put(ctx, "a", "A")
	clock.Advance(2 * time.Minute)
	store.Put(ctx, "b", "B")

	got := store.GetMany(ctx, []string{"a", "b", "c"}, time.Minute)
	if len(got) != 1 || got["b"] != "B" {
		t.Fatalf("GetMany = %v, want only b", got)
	}
}

func TestMemoryCapacityBound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory(t, 2)

	store.Put(ctx, "a", "A")
	store.Put(ctx, "b", "B")
	store.Put(ctx, "c", "C")

	if got := store.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	if _, ok := store.Get(ctx, "a", time.Hour); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemory(t, 10)

	store.Put(ctx, "old", "x")
	clock.Advance(10 * time.Minute)
	store.Put(ctx, "new", "y")

	if removed := store.Sweep(5 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%50)
				store.Put(ctx, key, key)
				if v, ok := store.Get(ctx, key, time.Hour); ok && v != key {
					t.Errorf("worker %d: got %q for %q", worker, v, key)
				}
				store.GetMany(ctx, []string{key, "missing"}, time.Hour)
			}
		}(i)
	}
	wg.Wait()

	if got := store.Len(); got != 50 {
		t.Fatalf("len = %d, want 50", got)
	}
}

func TestMemoryCloseIsIdempotent(t *testing.T) {
	store, err := NewMemory[int](0)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	store.StartJanitor(time.Millisecond, time.Minute)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
