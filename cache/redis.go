package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared across processes. Entries carry their insertion
// time so the ttl is still checked at read time; MaxAge only bounds memory.
type Redis[V any] struct {
	client redis.UniversalClient
	prefix string
	maxAge time.Duration

	clockMu sync.RWMutex
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewRedis wraps client. Keys are namespaced with prefix; maxAge is the
// server-side expiry applied on Put (0 keeps entries until read-time expiry).
func NewRedis[V any](client redis.UniversalClient, prefix string, maxAge time.Duration) *Redis[V] {
	return &Redis[V]{
		client: client,
		prefix: prefix,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Safe to call while the store is in use.
func (r *Redis[V]) SetClock(now func() time.Time) {
	r.clockMu.Lock()
	r.now = now
	r.clockMu.Unlock()
}

func (r *Redis[V]) clock() time.Time {
	r.clockMu.RLock()
	now := r.now
	r.clockMu.RUnlock()
	return now()
}

func (r *Redis[V]) key(key string) string {
	return r.prefix + key
}

// Get returns the value when it is younger than ttl. Redis errors are
// reported as misses.
func (r *Redis[V]) Get(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	var zero V
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("cache get failed", slog.String("key", key), slog.Any("error", err))
		}
		r.misses.Add(1)
		return zero, false
	}
	return r.decode(ctx, key, data, ttl)
}

func (r *Redis[V]) decode(ctx context.Context, key string, data []byte, ttl time.Duration) (V, bool) {
	var zero V
	var entry Entry[V]
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Debug("cache entry undecodable", slog.String("key", key), slog.Any("error", err))
		r.Delete(ctx, key)
		r.misses.Add(1)
		return zero, false
	}
	if !entry.Fresh(r.clock(), ttl) {
		r.Delete(ctx, key)
		r.evictions.Add(1)
		r.misses.Add(1)
		return zero, false
	}
	r.hits.Add(1)
	return entry.Value, true
}

// Put overwrites key and stamps the current time.
func (r *Redis[V]) Put(ctx context.Context, key string, value V) {
	data, err := json.Marshal(Entry[V]{Value: value, InsertedAt: r.clock()})
	if err != nil {
		slog.Debug("cache entry unencodable", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := r.client.Set(ctx, r.key(key), data, r.maxAge).Err(); err != nil {
		slog.Debug("cache put failed", slog.String("key", key), slog.Any("error", err))
	}
}

// GetMany checks all keys with one MGET.
func (r *Redis[V]) GetMany(ctx context.Context, keys []string, ttl time.Duration) map[string]V {
	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.key(key)
	}
	values, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		slog.Debug("cache mget failed", slog.Int("keys", len(keys)), slog.Any("error", err))
		r.misses.Add(int64(len(keys)))
		return out
	}

	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			r.misses.Add(1)
			continue
		}
		if v, ok := r.decode(ctx, keys[i], []byte(s), ttl); ok {
			out[keys[i]] = v
		}
	}
	return out
}

// Delete removes key.
func (r *Redis[V]) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		slog.Debug("cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Len counts keys under the prefix.
func (r *Redis[V]) Len() int {
	ctx := context.Background()
	count := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		slog.Debug("cache scan failed", slog.Any("error", err))
	}
	return count
}

// Stats returns read counters observed by this process.
func (r *Redis[V]) Stats() Stats {
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
	}
}

var _ Store[int] = (*Redis[int])(nil)
