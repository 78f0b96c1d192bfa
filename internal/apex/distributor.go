// Package apex promotes proven policy parameters into signed routes,
// distributes them to peer nodes and adopts peer routes only after shadow
// evaluation shows lift.
package apex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/hive"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/internal/policy"
	"github.com/fractal-lba/policyhive/internal/worker"
	"github.com/fractal-lba/policyhive/pkg/otel"
)

const tracerName = "policyhive/apex"

const (
	DefaultMinProvenSamples = 100
	DefaultMinLift          = 0.08
	DefaultTopK             = 20
	DefaultShadowSamples    = 10
	DefaultShadowWindow     = 100
)

// DefaultSubscription matches every apex route topic.
const DefaultSubscription = hive.RoutesTopic + "/*"

// Load statuses reported by HotLoad.
const (
	StatusCollecting = "collecting"
	StatusLoaded     = "loaded"
	StatusRejected   = "rejected"
)

// Rejection reasons used in metrics.
const (
	rejectSignature = "signature_mismatch"
	rejectLift      = "insufficient_lift"
)

// PolicySource is the policy registry as seen by the distributor.
type PolicySource interface {
	AllMetrics() []policy.Metrics
	LoadApex(name string, params api.Params)
}

// Candidate is a policy proven enough to publish.
type Candidate struct {
	RouteID    string             `json:"route_id"`
	PolicyName string             `json:"policy_name"`
	Params     api.Params         `json:"params"`
	Lift       float64            `json:"lift"`
	ProvenOn   int64              `json:"proven_on"`
	AvgReward  float64            `json:"avg_reward"`
	Scope      map[string]string  `json:"scope,omitempty"`
	Guardrails map[string]float64 `json:"guardrails,omitempty"`
}

// PublishResult lists the routes created by Publish.
type PublishResult struct {
	Published int     `json:"published"`
	Routes    []Route `json:"routes"`
}

// LoadResult is the outcome of HotLoad.
type LoadResult struct {
	RouteID       string  `json:"route_id"`
	Status        string  `json:"status"`
	Lift          float64 `json:"lift"`
	SamplesNeeded int     `json:"samples_needed,omitempty"`
}

// SyncResult summarizes one pull from the hive channel.
type SyncResult struct {
	Fetched    int `json:"fetched"`
	Loaded     int `json:"loaded"`
	Collecting int `json:"collecting"`
	Rejected   int `json:"rejected"`
}

// ShadowResult is one paired observation of a route's parameters against
// the live baseline.
type ShadowResult struct {
	Reward         float64   `json:"reward"`
	BaselineReward float64   `json:"baseline_reward"`
	At             time.Time `json:"ts"`
}

// RouteSummary is the listing form of a route.
type RouteSummary struct {
	RouteID  string            `json:"route_id"`
	Scope    map[string]string `json:"scope"`
	ProvenOn int64             `json:"proven_on"`
	Version  int               `json:"version"`
}

// Stats counts routes and subscriptions.
type Stats struct {
	TotalRoutes       int `json:"total_routes"`
	ShadowEvaluations int `json:"shadow_evaluations"`
	Subscriptions     int `json:"subscriptions"`
}

// Options configures a Distributor.
type Options struct {
	Policies PolicySource
	// Channel distributes routes. Nil keeps routes local.
	Channel hive.Channel
	// SigningKey is the shared HMAC key for route signatures.
	SigningKey []byte

	MinProvenSamples int64
	MinLift          float64
	TopK             int
	ShadowSamples    int
	ShadowWindow     int

	// Scope and Guardrails are applied to candidates that carry none.
	Scope      map[string]string
	Guardrails map[string]float64

	// Publisher runs channel publishes. Nil starts a private pool that
	// Close stops.
	Publisher *worker.Pool

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Events  events.Emitter
}

func (o *Options) setDefaults() {
	if o.MinProvenSamples <= 0 {
		o.MinProvenSamples = DefaultMinProvenSamples
	}
	if o.MinLift == 0 {
		o.MinLift = DefaultMinLift
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.ShadowSamples <= 0 {
		o.ShadowSamples = DefaultShadowSamples
	}
	if o.ShadowWindow <= 0 {
		o.ShadowWindow = DefaultShadowWindow
	}
	if o.Scope == nil {
		o.Scope = map[string]string{"segment": "all", "geo": "all"}
	}
	if o.Guardrails == nil {
		o.Guardrails = map[string]float64{"min_margin": 0.25}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Distributor owns the local route table and shadow evaluations.
type Distributor struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	events  events.Emitter

	pool    *worker.Pool
	ownPool bool

	mu            sync.RWMutex
	routes        map[string]Route
	versions      map[string]int
	subscriptions []string

	shadowMu sync.Mutex
	shadow   map[string][]ShadowResult
}

// New creates a Distributor.
func New(opts Options) (*Distributor, error) {
	if opts.Policies == nil {
		return nil, &api.ValidationError{Field: "policies", Message: "policy source is required"}
	}
	if len(opts.SigningKey) == 0 {
		return nil, &api.ValidationError{Field: "signing_key", Message: "route signing key is required"}
	}
	opts.setDefaults()

	d := &Distributor{
		opts:     opts,
		log:      opts.Logger.WithField("component", "apex"),
		metrics:  metrics.OrDiscard(opts.Metrics),
		events:   events.OrNop(opts.Events),
		pool:     opts.Publisher,
		routes:   make(map[string]Route),
		versions: make(map[string]int),
		shadow:   make(map[string][]ShadowResult),
	}

	if d.pool == nil {
		d.pool = worker.NewPool(worker.Config{
			Name:      "apex-publish",
			QueueSize: 256,
			Workers:   2,
			OnDrop:    func() { d.metrics.RoutePublishFailures.Inc() },
			Logger:    opts.Logger,
		})
		d.pool.Start(context.Background())
		d.ownPool = true
	}

	return d, nil
}

// Close stops the private publish pool after pending publishes run.
func (d *Distributor) Close() {
	if d.ownPool {
		d.pool.Stop()
	}
}

// FindTop returns up to topK policies with enough samples whose average
// reward reaches minLift, best first. Zero arguments take the configured
// defaults.
func (d *Distributor) FindTop(topK int, minLift float64) []Candidate {
	if topK <= 0 {
		topK = d.opts.TopK
	}
	if minLift == 0 {
		minLift = d.opts.MinLift
	}

	var out []Candidate
	for _, m := range d.opts.Policies.AllMetrics() {
		if m.Samples < d.opts.MinProvenSamples || !Routable(m.Name) {
			continue
		}
		// lift is measured against a zero baseline
		lift := m.AvgReward
		if lift < minLift {
			continue
		}
		out = append(out, Candidate{
			RouteID:    RouteID(m.Name),
			PolicyName: m.Name,
			Params:     m.Params,
			Lift:       round4(lift),
			ProvenOn:   m.Samples,
			AvgReward:  round4(m.AvgReward),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Lift != out[j].Lift {
			return out[i].Lift > out[j].Lift
		}
		return out[i].RouteID < out[j].RouteID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// CreateRoute signs and stores a new version of a route.
func (d *Distributor) CreateRoute(routeID string, scope map[string]string, params api.Params, guardrails map[string]float64, provenOn int64) (Route, error) {
	if err := checkRouteID(routeID); err != nil {
		return Route{}, err
	}
	if IsShadow(routeID) {
		return Route{}, &api.ValidationError{Field: "route_id", Message: "route id may not use the shadow prefix"}
	}
	if scope == nil {
		scope = d.opts.Scope
	}
	if guardrails == nil {
		guardrails = d.opts.Guardrails
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	route := Route{
		ID:         routeID,
		Scope:      cloneStrings(scope),
		Policy:     params.Clone(),
		Guardrails: cloneFloats(guardrails),
		ProvenOn:   provenOn,
		Version:    d.versions[routeID] + 1,
		CreatedAt:  d.opts.Now().UTC(),
	}
	if err := route.Sign(d.opts.SigningKey); err != nil {
		return Route{}, fmt.Errorf("sign route %s: %w", routeID, err)
	}

	d.versions[routeID] = route.Version
	d.routes[routeID] = route
	return route.Clone(), nil
}

// Publish creates a route for every candidate, or for FindTop's result when
// candidates is nil, and queues each for distribution. Distribution
// failures are counted and logged, never returned.
func (d *Distributor) Publish(ctx context.Context, candidates []Candidate) PublishResult {
	_, span := otel.StartSpan(ctx, tracerName, "apex.publish")
	defer span.End()

	if candidates == nil {
		candidates = d.FindTop(0, 0)
	}

	result := PublishResult{Routes: make([]Route, 0, len(candidates))}
	for _, c := range candidates {
		routeID := c.RouteID
		if routeID == "" {
			routeID = RouteID(c.PolicyName)
		}
		if c.PolicyName != "" && !Routable(c.PolicyName) {
			d.log.WithField("policy", c.PolicyName).Warn("skipping route: policy name contains '_'")
			continue
		}

		route, err := d.CreateRoute(routeID, c.Scope, c.Params, c.Guardrails, c.ProvenOn)
		if err != nil {
			otel.RecordError(span, err, "create route")
			d.log.WithError(err).WithField("route_id", routeID).Warn("skipping route")
			continue
		}

		d.distribute(route)
		d.events.Emit(events.RoutePublished, map[string]any{
			"route_id":  route.ID,
			"version":   route.Version,
			"proven_on": route.ProvenOn,
		})
		result.Routes = append(result.Routes, route)
	}

	result.Published = len(result.Routes)
	span.SetAttributes(otel.AttrRouteStatus.String("published"))
	return result
}

func (d *Distributor) distribute(route Route) {
	if d.opts.Channel == nil {
		return
	}

	d.pool.Submit(func(ctx context.Context) error {
		payload, err := json.Marshal(route)
		if err != nil {
			return d.publishFailed(route, err)
		}

		err = d.opts.Channel.PublishArtifact(ctx, hive.Artifact{
			ID:          route.ID + ":v" + strconv.Itoa(route.Version),
			Topic:       hive.RoutesTopic + "/" + route.ID,
			Payload:     payload,
			PublishedAt: d.opts.Now().UTC(),
		})
		if err != nil {
			return d.publishFailed(route, err)
		}

		d.metrics.RoutesPublished.Inc()
		return nil
	})
}

// publishFailed records a failed distribution. The nil return keeps the
// failure out of the pool's error path, which would log it a second time.
func (d *Distributor) publishFailed(route Route, err error) error {
	d.metrics.RoutePublishFailures.Inc()
	d.log.WithError(err).WithFields(logrus.Fields{
		"route_id": route.ID,
		"version":  route.Version,
	}).Warn("route publish failed")
	return nil
}

// Subscribe adds topic patterns to pull routes from. No patterns means
// every apex route.
func (d *Distributor) Subscribe(patterns ...string) []string {
	if len(patterns) == 0 {
		patterns = []string{DefaultSubscription}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range patterns {
		if !contains(d.subscriptions, p) {
			d.subscriptions = append(d.subscriptions, p)
		}
	}
	return append([]string(nil), d.subscriptions...)
}

func (d *Distributor) subscriptionFilter() (hive.Filter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.subscriptions) == 0 {
		return hive.Filter{}, false
	}
	return hive.Filter{Topics: append([]string(nil), d.subscriptions...)}, true
}

// Sync pulls subscribed routes from the channel and hot-loads each.
// Individual refusals are counted, not returned.
func (d *Distributor) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	filter, ok := d.subscriptionFilter()
	if d.opts.Channel == nil || !ok {
		return res, nil
	}

	artifacts, err := d.opts.Channel.FetchArtifacts(ctx, filter)
	if err != nil {
		return res, fmt.Errorf("fetch routes: %w", err)
	}

	res.Fetched = len(artifacts)
	for _, a := range artifacts {
		switch d.loadArtifact(ctx, a) {
		case StatusLoaded:
			res.Loaded++
		case StatusCollecting:
			res.Collecting++
		default:
			res.Rejected++
		}
	}
	return res, nil
}

// Watch hot-loads subscribed routes as peers publish them until ctx is
// done.
func (d *Distributor) Watch(ctx context.Context) error {
	filter, ok := d.subscriptionFilter()
	if d.opts.Channel == nil || !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return d.opts.Channel.Watch(ctx, filter, func(a hive.Artifact) {
		d.loadArtifact(ctx, a)
	})
}

func (d *Distributor) loadArtifact(ctx context.Context, a hive.Artifact) string {
	var route Route
	if err := json.Unmarshal(a.Payload, &route); err != nil {
		d.log.WithError(err).WithField("artifact", a.ID).Warn("undecodable route artifact")
		return StatusRejected
	}
	res, err := d.HotLoad(ctx, route)
	if err != nil && res.Status == "" {
		return StatusRejected
	}
	return res.Status
}

// HotLoad verifies a route and adopts its parameters once shadow
// evaluation shows enough lift. Until then the route is held as a shadow
// entry and a CapacityError reports what is missing.
func (d *Distributor) HotLoad(ctx context.Context, route Route) (LoadResult, error) {
	_, span := otel.StartSpan(ctx, tracerName, "apex.hot_load")
	defer span.End()

	res, err := d.hotLoad(route)
	span.SetAttributes(otel.RouteAttributes(route.ID, route.Version, res.Status, res.Lift)...)
	switch res.Status {
	case StatusCollecting:
		otel.AddEvent(span, "shadow.collecting", otel.AttrShadowNeeded.Int(res.SamplesNeeded))
	case StatusLoaded:
		otel.AddEvent(span, "route.promoted", otel.AttrLift.Float64(res.Lift))
	}
	if err != nil && !api.IsCapacity(err) {
		otel.RecordError(span, err, "hot load refused")
	}
	return res, err
}

func (d *Distributor) hotLoad(route Route) (LoadResult, error) {
	if err := checkRouteID(route.ID); err != nil {
		return LoadResult{}, err
	}
	if IsShadow(route.ID) {
		return LoadResult{}, &api.ValidationError{Field: "route_id", Message: "shadow routes cannot be loaded"}
	}

	if err := route.Verify(d.opts.SigningKey); err != nil {
		d.reject(route, rejectSignature, 0)
		return LoadResult{RouteID: route.ID, Status: StatusRejected},
			api.Conflict(api.ReasonSignatureMismatch, "route %s: %v", route.ID, err)
	}

	shadow := d.ShadowResults(route.ID)
	if len(shadow) < d.opts.ShadowSamples {
		return d.startShadow(route, len(shadow))
	}

	var reward, baseline float64
	for _, s := range shadow {
		reward += s.Reward
		baseline += s.BaselineReward
	}
	reward /= float64(len(shadow))
	baseline /= float64(len(shadow))

	lift := 0.0
	if baseline != 0 {
		lift = (reward - baseline) / baseline
	}

	if lift < d.opts.MinLift {
		d.reject(route, rejectLift, lift)
		return LoadResult{RouteID: route.ID, Status: StatusRejected, Lift: round4(lift)},
			&api.CapacityError{
				Reason:  api.ReasonInsufficientLift,
				Message: fmt.Sprintf("route %s shadow lift below threshold", route.ID),
				Have:    lift,
				Need:    d.opts.MinLift,
			}
	}

	d.opts.Policies.LoadApex(PolicyName(route.ID), route.Policy)

	d.mu.Lock()
	d.routes[route.ID] = route.Clone()
	delete(d.routes, ShadowPrefix+route.ID)
	if route.Version > d.versions[route.ID] {
		d.versions[route.ID] = route.Version
	}
	d.mu.Unlock()

	d.metrics.RoutesLoaded.Inc()
	d.events.Emit(events.RouteLoaded, map[string]any{
		"route_id": route.ID,
		"version":  route.Version,
		"lift":     round4(lift),
	})
	d.log.WithFields(logrus.Fields{
		"route_id": route.ID,
		"policy":   PolicyName(route.ID),
		"version":  route.Version,
		"lift":     round4(lift),
	}).Info("hot-loaded route")

	return LoadResult{RouteID: route.ID, Status: StatusLoaded, Lift: round4(lift)}, nil
}

func (d *Distributor) startShadow(route Route, have int) (LoadResult, error) {
	d.mu.Lock()
	_, existed := d.routes[ShadowPrefix+route.ID]
	d.routes[ShadowPrefix+route.ID] = route.Clone()
	d.mu.Unlock()

	if !existed {
		d.events.Emit(events.RouteShadowStarted, map[string]any{
			"route_id": route.ID,
			"version":  route.Version,
		})
		d.log.WithField("route_id", route.ID).Info("started shadow evaluation")
	}

	need := d.opts.ShadowSamples - have
	return LoadResult{RouteID: route.ID, Status: StatusCollecting, SamplesNeeded: need},
		&api.CapacityError{
			Reason:  api.ReasonInsufficientShadowSamples,
			Message: fmt.Sprintf("route %s needs %d more shadow samples", route.ID, need),
			Have:    float64(have),
			Need:    float64(d.opts.ShadowSamples),
		}
}

func (d *Distributor) reject(route Route, reason string, lift float64) {
	d.metrics.RoutesRejected.WithLabelValues(reason).Inc()
	d.events.Emit(events.RouteRejected, map[string]any{
		"route_id": route.ID,
		"reason":   reason,
		"lift":     round4(lift),
	})
	d.log.WithFields(logrus.Fields{
		"route_id": route.ID,
		"reason":   reason,
	}).Warn("refused route")
}

// RecordShadowResult appends a shadow observation for a route. Only the
// most recent ShadowWindow observations are kept.
func (d *Distributor) RecordShadowResult(routeID string, reward, baselineReward float64) {
	d.shadowMu.Lock()
	defer d.shadowMu.Unlock()

	results := append(d.shadow[routeID], ShadowResult{
		Reward:         reward,
		BaselineReward: baselineReward,
		At:             d.opts.Now().UTC(),
	})
	if len(results) > d.opts.ShadowWindow {
		results = append([]ShadowResult(nil), results[len(results)-d.opts.ShadowWindow:]...)
	}
	d.shadow[routeID] = results
}

// ShadowResults returns a copy of a route's shadow observations.
func (d *Distributor) ShadowResults(routeID string) []ShadowResult {
	d.shadowMu.Lock()
	defer d.shadowMu.Unlock()
	return append([]ShadowResult(nil), d.shadow[routeID]...)
}

// GetRoute returns a stored route. Shadow entries are addressed with the
// shadow prefix.
func (d *Distributor) GetRoute(routeID string) (Route, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	route, ok := d.routes[routeID]
	if !ok {
		return Route{}, api.NotFound("route", routeID)
	}
	return route.Clone(), nil
}

// ListRoutes returns production routes sorted by id.
func (d *Distributor) ListRoutes() []RouteSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]RouteSummary, 0, len(d.routes))
	for id, r := range d.routes {
		if IsShadow(id) {
			continue
		}
		out = append(out, RouteSummary{RouteID: r.ID, Scope: r.Scope, ProvenOn: r.ProvenOn, Version: r.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Stats counts production routes, shadow evaluations and subscriptions.
func (d *Distributor) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Stats{Subscriptions: len(d.subscriptions)}
	for id := range d.routes {
		if IsShadow(id) {
			st.ShadowEvaluations++
		} else {
			st.TotalRoutes++
		}
	}
	return st
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloats(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
