// Package featurestore holds the versioned, TTL-bounded decision context
// that policies read before suggesting an action.
package featurestore

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/cache"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/metrics"
)

const (
	DefaultTTL         = 7 * 24 * time.Hour
	DefaultMaxVersions = 10
	DefaultMaxRecords  = 100_000
	DefaultScanLimit   = 100
	DefaultVersions    = 5
	DefaultOCS         = 50.0

	lockStripes = 256
)

// Record is a snapshot of one feature record.
type Record struct {
	Key       string         `json:"key"`
	Dims      Key            `json:"dims"`
	Features  map[string]any `json:"features"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (r Record) clone() Record {
	r.Dims = r.Dims.clean()
	features := make(map[string]any, len(r.Features))
	for k, v := range r.Features {
		features[k] = v
	}
	r.Features = features
	return r
}

// slot is the immutable value stored per key: the live record plus its
// prior versions, oldest first.
type slot struct {
	record  Record
	history []Record
}

// Options configures a Store.
type Options struct {
	// MaxRecords bounds the table. Past it the least recently used record
	// is evicted even when its TTL has not run out; readers then see it as
	// missing, exactly like an expired record.
	MaxRecords  int
	MaxVersions int
	DefaultTTL  time.Duration
	Now         func() time.Time
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
	Events      events.Emitter
}

// DefaultOptions returns the standard store configuration.
func DefaultOptions() Options {
	return Options{
		MaxRecords:  DefaultMaxRecords,
		MaxVersions: DefaultMaxVersions,
		DefaultTTL:  DefaultTTL,
	}
}

// Store is an in-memory feature store with per-record TTL and a bounded
// version history per key.
//
// Writers for the same key are serialized through a striped lock; readers
// see immutable snapshots and never block writers of other keys.
type Store struct {
	table       *cache.Table[string, *slot]
	locks       [lockStripes]sync.Mutex
	maxVersions int
	defaultTTL  time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	events      events.Emitter
}

// New creates a Store. Zero option fields take their defaults.
func New(opts Options) (*Store, error) {
	def := DefaultOptions()
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = def.MaxRecords
	}
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = def.MaxVersions
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = def.DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	table, err := cache.NewTable[string, *slot](opts.MaxRecords, opts.Now)
	if err != nil {
		return nil, err
	}

	return &Store{
		table:       table,
		maxVersions: opts.MaxVersions,
		defaultTTL:  opts.DefaultTTL,
		now:         opts.Now,
		log:         opts.Logger.WithField("component", "featurestore"),
		metrics:     metrics.OrDiscard(opts.Metrics),
		events:      events.OrNop(opts.Events),
	}, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Update merges features into the record for key, extends its expiry by ttl
// (the store default when ttl <= 0) and returns the new version. A record
// that has expired is replaced by a fresh one at version 1.
func (s *Store) Update(key Key, features map[string]any, ttl time.Duration) (int, error) {
	id := key.String()
	if id == "" {
		return 0, &api.ValidationError{Field: "key", Message: "at least one non-empty dimension is required"}
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	next := &slot{}

	if prev, ok := s.table.Get(id); ok {
		next.record = prev.record.clone()
		next.record.Version++

		next.history = append(next.history, prev.history...)
		next.history = append(next.history, prev.record)
		if len(next.history) > s.maxVersions {
			next.history = next.history[len(next.history)-s.maxVersions:]
		}
	} else {
		next.record = Record{
			Key:       id,
			Dims:      key.clean(),
			Features:  make(map[string]any, len(features)),
			Version:   1,
			CreatedAt: now,
		}
	}

	for name, v := range features {
		next.record.Features[name] = v
	}
	next.record.UpdatedAt = now
	next.record.ExpiresAt = now.Add(ttl)

	s.table.Set(id, next, next.record.ExpiresAt)

	s.metrics.FeatureUpdates.Inc()
	s.metrics.FeatureRecords.Set(float64(s.table.Len()))
	s.events.Emit(events.FeatureUpdated, map[string]any{
		"key":     id,
		"version": next.record.Version,
	})

	return next.record.Version, nil
}

// Get returns the named fields of a live record, or all of its features
// when no fields are given. Requested fields the record lacks are omitted.
// A missing or expired record yields a NotFoundError; an expired record is
// evicted by the read.
func (s *Store) Get(key Key, fields ...string) (map[string]any, error) {
	id := key.String()

	sl, ok := s.table.Get(id)
	if !ok {
		s.metrics.FeatureMisses.Inc()
		return nil, api.NotFound("feature", id)
	}
	s.metrics.FeatureHits.Inc()

	if len(fields) == 0 {
		return sl.record.clone().Features, nil
	}

	out := make(map[string]any, len(fields))
	for _, name := range fields {
		if v, present := sl.record.Features[name]; present {
			out[name] = v
		}
	}
	return out, nil
}

// Record returns a snapshot of the live record for key.
func (s *Store) Record(key Key) (Record, error) {
	id := key.String()
	sl, ok := s.table.Get(id)
	if !ok {
		return Record{}, api.NotFound("feature", id)
	}
	return sl.record.clone(), nil
}

// OCS returns the actor's trust score, or DefaultOCS when none is stored.
func (s *Store) OCS(actorID string) float64 {
	got, err := s.Get(Key{"actor_id": actorID}, "ocs")
	if err != nil {
		return DefaultOCS
	}
	if v, ok := api.ToFloat(got["ocs"]); ok {
		return v
	}
	return DefaultOCS
}

// Scan returns live records whose dimensions include every dimension of
// partial, in no particular order, capped at limit (DefaultScanLimit when
// limit <= 0).
func (s *Store) Scan(partial Key, limit int) []Record {
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	var out []Record
	s.table.Range(func(_ string, sl *slot) bool {
		if sl.record.Dims.matches(partial) {
			out = append(out, sl.record.clone())
		}
		return len(out) < limit
	})
	return out
}

// Delete removes the record for key and reports whether it existed.
func (s *Store) Delete(key Key) bool {
	id := key.String()

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	deleted := s.table.Delete(id)
	s.metrics.FeatureRecords.Set(float64(s.table.Len()))
	return deleted
}

// Versions returns up to limit prior versions of key, newest first.
func (s *Store) Versions(key Key, limit int) []Record {
	if limit <= 0 {
		limit = DefaultVersions
	}

	sl, ok := s.table.Get(key.String())
	if !ok {
		return nil
	}

	out := make([]Record, 0, limit)
	for i := len(sl.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, sl.history[i].clone())
	}
	return out
}

// ExpireOld removes every expired record and returns how many were removed.
func (s *Store) ExpireOld() int {
	removed := s.table.CleanupExpired()

	s.metrics.FeatureExpired.Add(float64(removed))
	s.metrics.FeatureRecords.Set(float64(s.table.Len()))

	if removed > 0 {
		s.log.WithField("removed", removed).Debug("expired feature records")
		s.events.Emit(events.FeatureExpired, map[string]any{"count": removed})
	}
	return removed
}

// Stats summarizes the store.
type Stats struct {
	TotalRecords     int         `json:"total_records"`
	ActiveRecords    int         `json:"active_records"`
	ExpiredRecords   int         `json:"expired_records"`
	VersionHistories int         `json:"version_histories"`
	Table            cache.Stats `json:"table"`
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	st := Stats{TotalRecords: s.table.Len()}

	s.table.Range(func(_ string, sl *slot) bool {
		st.ActiveRecords++
		if len(sl.history) > 0 {
			st.VersionHistories++
		}
		return true
	})

	st.ExpiredRecords = st.TotalRecords - st.ActiveRecords
	if st.ExpiredRecords < 0 {
		st.ExpiredRecords = 0
	}
	st.Table = s.table.Stats()
	return st
}
