package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/internal/worker"
)

// DefaultHistoryCap bounds the in-memory event history.
const DefaultHistoryCap = 10000

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

var ErrStopped = errors.New("events: dispatcher stopped")

// Event is the envelope delivered to handlers and sinks.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

// Handler reacts to a delivered event.
type Handler func(ctx context.Context, ev Event)

// Sink persists or forwards events outside the process.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	QueueSize  int // Default: 1024
	Workers    int // Default: 4
	HistoryCap int // Default: 10000

	// RatePerSec limits deliveries per second. Zero disables the limit.
	RatePerSec float64
	Burst      int

	Sinks []Sink

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Dispatcher validates, records and fans out events. Delivery to handlers
// and sinks happens on a worker pool so Emit never blocks the caller.
type Dispatcher struct {
	cfg     DispatcherConfig
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	pool    *worker.Pool

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	sinks    []Sink
	history  []Event // ring once full; head is the oldest entry
	head     int
	nextID   int
	stopped  bool
}

type handlerEntry struct {
	id int
	fn Handler
}

// DispatcherStats summarises dispatcher activity.
type DispatcherStats struct {
	History  int          `json:"history"`
	Handlers int          `json:"handlers"`
	Sinks    []string     `json:"sinks"`
	Queue    worker.Stats `json:"queue"`
}

// NewDispatcher creates a dispatcher. Call Start before emitting.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	d := &Dispatcher{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "events"),
		metrics:  metrics.OrDiscard(cfg.Metrics),
		handlers: make(map[string][]handlerEntry),
		sinks:    append([]Sink(nil), cfg.Sinks...),
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	d.pool = worker.NewPool(worker.Config{
		Name:      "events",
		QueueSize: cfg.QueueSize,
		Workers:   cfg.Workers,
		Limiter:   limiter,
		OnDrop:    d.metrics.EventsDropped.Inc,
		OnDepth: func(n int) {
			d.metrics.EventQueueDepth.Set(float64(n))
		},
		Logger: cfg.Logger,
	})
	return d
}

// Start launches delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.Start(ctx)
}

// Stop delivers queued events and stops the workers. Events emitted after
// Stop are recorded in history but not delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.pool.Stop()
}

// On registers h for eventType, or for all types with Wildcard. The
// returned function removes the registration.
func (d *Dispatcher) On(eventType string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], handlerEntry{id: id, fn: h})

	return func() { d.off(eventType, id) }
}

func (d *Dispatcher) off(eventType string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hs := d.handlers[eventType]
	for i, e := range hs {
		if e.id == id {
			d.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(d.handlers[eventType]) == 0 {
		delete(d.handlers, eventType)
	}
}

// AddSink attaches s to every subsequent delivery.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Publish validates and records an event and queues its delivery.
func (d *Dispatcher) Publish(eventType string, payload map[string]any) (Event, error) {
	if err := Validate(eventType, payload); err != nil {
		d.metrics.EventsInvalid.Inc()
		return Event{}, err
	}

	ev := Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: d.cfg.Now().UTC(),
		Payload:   clonePayload(payload),
	}

	d.mu.Lock()
	d.record(ev)
	stopped := d.stopped
	d.mu.Unlock()

	d.metrics.EventsEmitted.WithLabelValues(eventType).Inc()

	if stopped || !d.pool.Submit(func(ctx context.Context) error {
		d.deliver(ctx, ev)
		return nil
	}) {
		return ev, ErrStopped
	}
	return ev, nil
}

// record appends ev to history, overwriting the oldest entry at capacity.
// Callers hold d.mu.
func (d *Dispatcher) record(ev Event) {
	if len(d.history) < d.cfg.HistoryCap {
		d.history = append(d.history, ev)
		return
	}
	d.history[d.head] = ev
	d.head = (d.head + 1) % len(d.history)
}

// Emit implements Emitter. Invalid events are logged and dropped.
func (d *Dispatcher) Emit(eventType string, payload map[string]any) {
	if _, err := d.Publish(eventType, payload); err != nil && !errors.Is(err, ErrStopped) {
		d.log.WithError(err).WithField("type", eventType).Debug("event rejected")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[ev.Type])+len(d.handlers[Wildcard]))
	for _, e := range d.handlers[ev.Type] {
		handlers = append(handlers, e.fn)
	}
	for _, e := range d.handlers[Wildcard] {
		handlers = append(handlers, e.fn)
	}
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.callHandler(ctx, h, ev)
	}

	for _, s := range sinks {
		if err := s.Write(ctx, ev); err != nil {
			d.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			d.log.WithError(err).WithFields(logrus.Fields{
				"sink":     s.Name(),
				"event_id": ev.ID,
				"type":     ev.Type,
			}).Warn("sink write failed")
		}
	}
}

func (d *Dispatcher) callHandler(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("type", ev.Type).WithError(fmt.Errorf("panic: %v", r)).Error("event handler panicked")
		}
	}()
	h(ctx, ev)
}

// History returns up to limit recent events, oldest first. An empty
// eventType matches every type; limit <= 0 returns everything retained.
func (d *Dispatcher) History(eventType string, limit int) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Event
	n := len(d.history)
	for i := n - 1; i >= 0; i-- {
		ev := d.history[(d.head+i)%n]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, hs := range d.handlers {
		n += len(hs)
	}
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return DispatcherStats{
		History:  len(d.history),
		Handlers: n,
		Sinks:    names,
		Queue:    d.pool.Stats(),
	}
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
