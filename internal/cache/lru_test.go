package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTable_BasicOperations(t *testing.T) {
	table, err := NewTable[string, int](3, nil)
	require.NoError(t, err)

	table.Set("key1", 42, time.Time{})
	val, ok := table.Get("key1")
	require.True(t, ok)
	assert.Equal(t, 42, val)

	_, ok = table.Get("nonexistent")
	assert.False(t, ok)

	table.Set("key2", 100, time.Time{})
	table.Set("key3", 200, time.Time{})
	table.Set("key4", 300, time.Time{}) // evicts key1 (LRU)

	_, ok = table.Get("key1")
	assert.False(t, ok, "key1 should have been evicted")

	stats := table.Stats()
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, 3, stats.Size)

	assert.True(t, table.Delete("key4"))
	assert.False(t, table.Delete("key4"))
}

func TestTable_ExpiredReadEvicts(t *testing.T) {
	clock := newClock()
	table, err := NewTable[string, string](10, clock.Now)
	require.NoError(t, err)

	table.Set("a", "alive", clock.Now().Add(time.Minute))

	clock.Advance(59 * time.Second)
	val, ok := table.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alive", val)

	clock.Advance(time.Second)
	_, ok = table.Get("a")
	assert.False(t, ok, "entry is unreadable at its expiry instant")
	assert.Equal(t, 0, table.Len(), "expired read removes the entry")
	assert.Equal(t, uint64(1), table.Stats().Expired)
}

func TestTable_ExpiredReadKeepsConcurrentWrite(t *testing.T) {
	clock := newClock()
	var table *Table[string, string]
	var armed bool

	now := func() time.Time {
		if armed {
			armed = false
			// A writer stores a fresh value after the reader's lookup
			// but before its expiry check.
			table.Set("a", "fresh", clock.Now().Add(time.Hour))
		}
		return clock.Now()
	}

	var err error
	table, err = NewTable[string, string](10, now)
	require.NoError(t, err)

	table.Set("a", "stale", clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)

	armed = true
	_, ok := table.Get("a")
	assert.False(t, ok, "the read observed the expired entry")

	val, ok := table.Get("a")
	require.True(t, ok, "the concurrent write survives the expiry eviction")
	assert.Equal(t, "fresh", val)
}

func TestTable_RangeSkipsExpired(t *testing.T) {
	clock := newClock()
	table, err := NewTable[string, int](10, clock.Now)
	require.NoError(t, err)

	table.Set("short", 1, clock.Now().Add(time.Second))
	table.Set("long", 2, clock.Now().Add(time.Hour))
	table.Set("forever", 3, time.Time{})

	clock.Advance(2 * time.Second)

	seen := map[string]int{}
	table.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"long": 2, "forever": 3}, seen)

	count := 0
	table.Range(func(string, int) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestTable_CleanupExpired(t *testing.T) {
	clock := newClock()
	table, err := NewTable[int, int](100, clock.Now)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		table.Set(i, i, clock.Now().Add(time.Duration(i+1)*time.Minute))
	}

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 5, table.CleanupExpired())
	assert.Equal(t, 5, table.Len())
	assert.Equal(t, 0, table.CleanupExpired())
}

func TestTable_ConcurrentAccess(t *testing.T) {
	table, err := NewTable[int, int](64, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				table.Set(i%32, g, time.Time{})
				table.Get(i % 32)
				table.Range(func(int, int) bool { return true })
			}
		}(g)
	}
	wg.Wait()

	stats := table.Stats()
	assert.Equal(t, uint64(8*200), stats.Hits+stats.Misses)
}

func TestNewTable_InvalidSize(t *testing.T) {
	_, err := NewTable[string, int](0, nil)
	assert.Error(t, err)
}
