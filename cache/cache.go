// Package cache provides TTL key/value stores checked at read time.
package cache

import (
	"context"
	"time"
)

// Store is a keyed store whose entries expire lazily: an entry older than
// the ttl passed to Get is treated as absent and evicted.
type Store[V any] interface {
	Get(ctx context.Context, key string, ttl time.Duration) (V, bool)
	Put(ctx context.Context, key string, value V)
	// GetMany returns the subset of keys currently fresh.
	GetMany(ctx context.Context, keys []string, ttl time.Duration) map[string]V
	Delete(ctx context.Context, key string)
	Len() int
	Stats() Stats
}

// Stats counts store reads.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Entry is a stored payload with its insertion time.
type Entry[V any] struct {
	Value      V         `json:"value"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry[V]) Fresh(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.InsertedAt) < ttl
}
