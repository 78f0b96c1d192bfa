package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Table is a thread-safe, size-bounded table whose entries each carry their
// own expiry.
//
// Key features:
//   - Size-bounded (evicts least recently used when full)
//   - Per-entry expiry (zero expiresAt means no expiry)
//   - Lazy eviction: an expired entry is removed by the read that finds it
//   - Injectable clock for deterministic tests
type Table[K comparable, V any] struct {
	cache *lru.Cache[K, *entry[V]]
	now   func() time.Time

	// wmu serializes writes so an expiry eviction only removes the entry
	// it observed, never one stored after it.
	wmu sync.Mutex

	mu      sync.Mutex
	hits    uint64
	misses  uint64
	expired uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewTable creates a table holding at most size entries. A nil clock means
// time.Now.
func NewTable[K comparable, V any](size int, now func() time.Time) (*Table[K, V], error) {
	if now == nil {
		now = time.Now
	}

	cache, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}

	return &Table[K, V]{cache: cache, now: now}, nil
}

// Get returns the live value for key. An expired entry is removed and
// reported as absent.
func (t *Table[K, V]) Get(key K) (V, bool) {
	var zero V

	e, ok := t.cache.Get(key)
	if !ok {
		t.count(&t.misses)
		return zero, false
	}

	if e.expiredAt(t.now()) {
		t.removeIfSame(key, e)
		t.count(&t.misses)
		t.count(&t.expired)
		return zero, false
	}

	t.count(&t.hits)
	return e.value, true
}

// Set stores value under key until expiresAt.
func (t *Table[K, V]) Set(key K, value V, expiresAt time.Time) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.cache.Add(key, &entry[V]{value: value, expiresAt: expiresAt}) {
		t.count(&t.evicted)
	}
}

// Delete removes key and reports whether it was present.
func (t *Table[K, V]) Delete(key K) bool {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	return t.cache.Remove(key)
}

// removeIfSame removes key only while it still maps to e.
func (t *Table[K, V]) removeIfSame(key K, e *entry[V]) bool {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if cur, ok := t.cache.Peek(key); ok && cur == e {
		return t.cache.Remove(key)
	}
	return false
}

// Range calls fn for every live entry, oldest first, without touching
// recency. Iteration stops when fn returns false.
func (t *Table[K, V]) Range(fn func(key K, value V) bool) {
	now := t.now()
	for _, key := range t.cache.Keys() {
		e, ok := t.cache.Peek(key)
		if !ok || e.expiredAt(now) {
			continue
		}
		if !fn(key, e.value) {
			return
		}
	}
}

// CleanupExpired removes all expired entries.
//
// This is O(n) and is meant to run on a timer.
//
// Returns:
//   - Number of entries removed
func (t *Table[K, V]) CleanupExpired() int {
	now := t.now()
	removed := 0

	for _, key := range t.cache.Keys() {
		if e, ok := t.cache.Peek(key); ok && e.expiredAt(now) {
			if t.removeIfSame(key, e) {
				removed++
			}
		}
	}

	t.mu.Lock()
	t.expired += uint64(removed)
	t.mu.Unlock()

	return removed
}

// Len returns the number of stored entries, expired ones included.
func (t *Table[K, V]) Len() int {
	return t.cache.Len()
}

// Clear removes all entries.
func (t *Table[K, V]) Clear() {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.cache.Purge()
}

// Stats returns table statistics for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Expired uint64  `json:"expired"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current table statistics. Evicted counts capacity
// evictions only; expiry removals are reported under Expired.
func (t *Table[K, V]) Stats() Stats {
	size := t.cache.Len()

	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.hits + t.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(t.hits) / float64(total)
	}

	return Stats{
		Hits:    t.hits,
		Misses:  t.misses,
		Expired: t.expired,
		Evicted: t.evicted,
		Size:    size,
		HitRate: hitRate,
	}
}

func (t *Table[K, V]) count(c *uint64) {
	t.mu.Lock()
	*c++
	t.mu.Unlock()
}
