package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize bounds the in-memory store when no size is given.
const DefaultMemorySize = 10000

// Memory is an in-process Store bounded by an LRU.
type Memory[V any] struct {
	mu    sync.Mutex // makes read-check-evict atomic
	items *lru.Cache[string, Entry[V]]
	now   func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemory creates a store holding at most size entries.
func NewMemory[V any](size int) (*Memory[V], error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	items, err := lru.New[string, Entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Memory[V]{
		items:  items,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// SetClock replaces the time source; used by tests to age entries.
func (m *Memory[V]) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Get returns the value when it is younger than ttl, evicting it otherwise.
func (m *Memory[V]) Get(_ context.Context, key string, ttl time.Duration) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key, ttl)
}

func (m *Memory[V]) getLocked(key string, ttl time.Duration) (V, bool) {
	var zero V
	entry, ok := m.items.Get(key)
	if !ok {
		m.misses.Add(1)
		return zero, false
	}
	if !entry.Fresh(m.now(), ttl) {
		m.items.Remove(key)
		m.evictions.Add(1)
		m.misses.Add(1)
		return zero, false
	}
	m.hits.Add(1)
	return entry.Value, true
}

// Put overwrites key and stamps the current time.
func (m *Memory[V]) Put(_ context.Context, key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evicted := m.items.Add(key, Entry[V]{Value: value, InsertedAt: m.now()}); evicted {
		m.evictions.Add(1)
	}
}

// GetMany returns the fresh subset of keys under one lock.
func (m *Memory[V]) GetMany(_ context.Context, keys []string, ttl time.Duration) map[string]V {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]V, len(keys))
	for _, key := range keys {
		if v, ok := m.getLocked(key, ttl); ok {
			out[key] = v
		}
	}
	return out
}

// Delete removes key.
func (m *Memory[V]) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Remove(key)
}

// Len returns the number of entries, stale ones included.
func (m *Memory[V]) Len() int {
	return m.items.Len()
}

// Stats returns read counters.
func (m *Memory[V]) Stats() Stats {
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
}

// Sweep removes every entry older than maxAge and returns how many went.
func (m *Memory[V]) Sweep(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, key := range m.items.Keys() {
		entry, ok := m.items.Peek(key)
		if !ok || entry.Fresh(now, maxAge) {
			continue
		}
		m.items.Remove(key)
		removed++
	}
	m.evictions.Add(int64(removed))
	return removed
}

// StartJanitor sweeps entries older than maxAge every interval until Close.
func (m *Memory[V]) StartJanitor(interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(maxAge)
			}
		}
	}()
}

// Close stops the janitor. Safe to call multiple times.
func (m *Memory[V]) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
	return nil
}

var _ Store[int] = (*Memory[int])(nil)
