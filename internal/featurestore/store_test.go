package featurestore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (*Store, *clock, *metrics.Metrics) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New(prometheus.NewRegistry())

	s, err := New(Options{Now: c.Now, Metrics: m})
	require.NoError(t, err)
	return s, c, m
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "actor_id=A|sku_id=S1", Key{"sku_id": "S1", "actor_id": "A", "segment": ""}.String())
	assert.Equal(t, "", Key{"actor_id": ""}.String())
}

func TestUpdateThenGet(t *testing.T) {
	s, _, _ := newStore(t)

	v, err := s.Update(Key{"actor_id": "A"}, map[string]any{"ocs": 70}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	got, err := s.Get(Key{"actor_id": "A"}, "ocs")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ocs": 70}, got)
}

func TestUpdateMergesAndIncrementsVersion(t *testing.T) {
	s, _, _ := newStore(t)
	key := Key{"actor_id": "A", "sku_id": "S1"}

	_, err := s.Update(key, map[string]any{"ocs": 60, "conv": 0.1}, 0)
	require.NoError(t, err)
	v, err := s.Update(key, map[string]any{"ocs": 75}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ocs": 75, "conv": 0.1}, got)

	got, err = s.Get(key, "ocs", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ocs": 75}, got, "absent fields are omitted")
}

func TestUpdateRejectsEmptyKey(t *testing.T) {
	s, _, _ := newStore(t)

	_, err := s.Update(Key{"actor_id": ""}, map[string]any{"ocs": 1}, 0)
	assert.True(t, api.IsValidation(err))
}

func TestExpiredReadIsNotFoundAndEvicts(t *testing.T) {
	s, c, m := newStore(t)
	key := Key{"actor_id": "A"}

	_, err := s.Update(key, map[string]any{"ocs": 70}, time.Hour)
	require.NoError(t, err)

	c.Advance(59 * time.Minute)
	_, err = s.Get(key)
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = s.Get(key)
	assert.True(t, api.IsNotFound(err))
	assert.Equal(t, 0, s.Stats().TotalRecords, "expired record evicted on read")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeatureMisses))
}

func TestUpdateExtendsExpiry(t *testing.T) {
	s, c, _ := newStore(t)
	key := Key{"actor_id": "A"}

	_, err := s.Update(key, map[string]any{"ocs": 70}, time.Hour)
	require.NoError(t, err)
	c.Advance(50 * time.Minute)
	_, err = s.Update(key, map[string]any{"ocs": 71}, time.Hour)
	require.NoError(t, err)
	c.Advance(50 * time.Minute)

	got, err := s.Get(key, "ocs")
	require.NoError(t, err)
	assert.Equal(t, 71, got["ocs"])
}

func TestUpdateAfterExpiryStartsFresh(t *testing.T) {
	s, c, _ := newStore(t)
	key := Key{"actor_id": "A"}

	_, err := s.Update(key, map[string]any{"ocs": 70, "old": true}, time.Minute)
	require.NoError(t, err)
	c.Advance(2 * time.Minute)

	v, err := s.Update(key, map[string]any{"ocs": 40}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ocs": 40}, got)
	assert.Empty(t, s.Versions(key, 10))
}

func TestVersionsBoundedNewestFirst(t *testing.T) {
	s, _, _ := newStore(t)
	key := Key{"actor_id": "A"}

	for i := 1; i <= 15; i++ {
		_, err := s.Update(key, map[string]any{"ocs": i}, 0)
		require.NoError(t, err)
	}

	all := s.Versions(key, 100)
	require.Len(t, all, DefaultMaxVersions)
	assert.Equal(t, 14, all[0].Version)
	assert.Equal(t, 14, all[0].Features["ocs"])
	assert.Equal(t, 5, all[len(all)-1].Version)

	assert.Len(t, s.Versions(key, 0), DefaultVersions)
}

func TestScanMatchesPartialKey(t *testing.T) {
	s, c, _ := newStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Update(Key{"actor_id": "A", "sku_id": fmt.Sprintf("S%d", i)}, map[string]any{"n": i}, 0)
		require.NoError(t, err)
	}
	_, err := s.Update(Key{"actor_id": "B", "sku_id": "S0"}, map[string]any{"n": 9}, 0)
	require.NoError(t, err)
	_, err = s.Update(Key{"actor_id": "A", "sku_id": "short"}, map[string]any{"n": 10}, time.Second)
	require.NoError(t, err)

	c.Advance(time.Minute)

	assert.Len(t, s.Scan(Key{"actor_id": "A"}, 0), 5, "expired records are skipped")
	assert.Len(t, s.Scan(Key{"actor_id": "A"}, 2), 2)
	assert.Len(t, s.Scan(Key{"sku_id": "S0"}, 0), 2)
	assert.Len(t, s.Scan(Key{}, 0), 6)
	assert.Empty(t, s.Scan(Key{"actor_id": "C"}, 0))
}

func TestDelete(t *testing.T) {
	s, _, _ := newStore(t)
	key := Key{"actor_id": "A"}

	_, err := s.Update(key, map[string]any{"ocs": 1}, 0)
	require.NoError(t, err)

	assert.True(t, s.Delete(key))
	assert.False(t, s.Delete(key))
	_, err = s.Get(key)
	assert.True(t, api.IsNotFound(err))
}

func TestExpireOld(t *testing.T) {
	var mu sync.Mutex
	var emitted []string
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s, err := New(Options{
		Now:     c.Now,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Events: events.EmitterFunc(func(eventType string, _ map[string]any) {
			mu.Lock()
			emitted = append(emitted, eventType)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ttl := time.Minute
		if i%2 == 0 {
			ttl = time.Hour
		}
		_, err := s.Update(Key{"actor_id": fmt.Sprint(i)}, map[string]any{"ocs": i}, ttl)
		require.NoError(t, err)
	}

	c.Advance(2 * time.Minute)
	stats := s.Stats()
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 2, stats.ActiveRecords)
	assert.Equal(t, 2, stats.ExpiredRecords)

	assert.Equal(t, 2, s.ExpireOld())
	assert.Equal(t, 0, s.ExpireOld())
	assert.Equal(t, 2, s.Stats().TotalRecords)
	assert.Contains(t, emitted, events.FeatureExpired)
}

func TestOCS(t *testing.T) {
	s, _, _ := newStore(t)

	assert.Equal(t, DefaultOCS, s.OCS("nobody"))

	_, err := s.Update(Key{"actor_id": "A"}, map[string]any{"ocs": 82.5}, 0)
	require.NoError(t, err)
	assert.Equal(t, 82.5, s.OCS("A"))
}

func TestConcurrentUpdatesSameKey(t *testing.T) {
	s, _, _ := newStore(t)
	key := Key{"actor_id": "A"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(key, map[string]any{fmt.Sprintf("f%d", i): i}, 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := s.Record(key)
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Version)
	assert.Len(t, rec.Features, 50)
}

func TestExpiredReadDoesNotDropConcurrentUpdate(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	var s *Store
	var armed bool
	var fresh int

	now := func() time.Time {
		if armed {
			armed = false
			v, err := s.Update(Key{"actor_id": "A"}, map[string]any{"ocs": 80}, time.Hour)
			require.NoError(t, err)
			fresh = v
		}
		return c.Now()
	}

	var err error
	s, err = New(Options{Now: now, Metrics: metrics.New(prometheus.NewRegistry())})
	require.NoError(t, err)

	_, err = s.Update(Key{"actor_id": "A"}, map[string]any{"ocs": 70}, time.Minute)
	require.NoError(t, err)
	c.Advance(2 * time.Minute)

	armed = true
	_, err = s.Get(Key{"actor_id": "A"})
	assert.True(t, api.IsNotFound(err))
	assert.Equal(t, 1, fresh, "update after expiry starts at version 1")

	got, err := s.Get(Key{"actor_id": "A"}, "ocs")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ocs": 80}, got)
}

func TestMaxRecordsEvictsLeastRecentlyUsedBeforeExpiry(t *testing.T) {
	s, err := New(Options{MaxRecords: 2, Metrics: metrics.New(prometheus.NewRegistry())})
	require.NoError(t, err)

	for _, id := range []string{"A", "B"} {
		_, err := s.Update(Key{"actor_id": id}, map[string]any{"ocs": 60}, time.Hour)
		require.NoError(t, err)
	}
	_, err = s.Get(Key{"actor_id": "A"}) // B is now least recently used
	require.NoError(t, err)

	_, err = s.Update(Key{"actor_id": "C"}, map[string]any{"ocs": 60}, time.Hour)
	require.NoError(t, err)

	_, err = s.Get(Key{"actor_id": "B"})
	assert.True(t, api.IsNotFound(err), "live record evicted by the size bound")
	_, err = s.Get(Key{"actor_id": "A"})
	assert.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalRecords)
	assert.Equal(t, uint64(1), st.Table.Evicted)
}
