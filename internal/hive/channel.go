// Package hive moves signed artifacts between decision nodes.
package hive

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Topic prefix under which apex routes are published.
const RoutesTopic = "hive/routes/apex"

// ErrThrottled is returned when a publish exceeds the channel's rate limit.
var ErrThrottled = errors.New("hive: publish throttled")

// ErrClosed is returned by a channel after Close.
var ErrClosed = errors.New("hive: channel closed")

// Artifact is one document broadcast to peers. Only the latest artifact per
// topic is retained.
type Artifact struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Filter selects artifacts.
type Filter struct {
	// Topics are path.Match patterns, e.g. "hive/routes/apex/*". Empty
	// matches every topic.
	Topics []string
	// Where maps a gjson path on the payload to its required string value.
	Where map[string]string
	// Limit caps the result. Zero means no cap.
	Limit int
}

// Match reports whether a passes the filter.
func (f Filter) Match(a Artifact) bool {
	if !topicMatches(f.Topics, a.Topic) {
		return false
	}

	for p, want := range f.Where {
		if gjson.GetBytes(a.Payload, p).String() != want {
			return false
		}
	}
	return true
}

// apply filters artifacts, orders them newest first and applies the limit.
func (f Filter) apply(artifacts []Artifact) []Artifact {
	out := artifacts[:0]
	for _, a := range artifacts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Channel is the network distribution collaborator.
type Channel interface {
	// PublishArtifact stores a and notifies watchers.
	PublishArtifact(ctx context.Context, a Artifact) error
	// FetchArtifacts returns stored artifacts matching f, newest first.
	FetchArtifacts(ctx context.Context, f Filter) ([]Artifact, error)
	// Watch calls fn for each artifact published after the call that
	// matches f. It blocks until ctx is done.
	Watch(ctx context.Context, f Filter, fn func(Artifact)) error
	Close() error
}

// MemoryChannel is an in-process Channel. Watch handlers run synchronously
// on the publishing goroutine.
type MemoryChannel struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	watchers  map[int]watcher
	nextID    int
	closed    bool
}

type watcher struct {
	filter Filter
	fn     func(Artifact)
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		artifacts: make(map[string]Artifact),
		watchers:  make(map[int]watcher),
	}
}

func (m *MemoryChannel) PublishArtifact(_ context.Context, a Artifact) error {
	if a.PublishedAt.IsZero() {
		a.PublishedAt = time.Now().UTC()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.artifacts[a.Topic] = a
	var notify []func(Artifact)
	for _, w := range m.watchers {
		if w.filter.Match(a) {
			notify = append(notify, w.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(a)
	}
	return nil
}

func (m *MemoryChannel) FetchArtifacts(_ context.Context, f Filter) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		out = append(out, a)
	}
	return f.apply(out), nil
}

func (m *MemoryChannel) Watch(ctx context.Context, f Filter, fn func(Artifact)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = watcher{filter: f, fn: fn}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return ctx.Err()
}

// Len returns the number of stored artifacts.
func (m *MemoryChannel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.artifacts)
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.watchers = make(map[int]watcher)
	return nil
}
