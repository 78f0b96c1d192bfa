package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/pkg/otel"
)

const tracerName = "policyhive/policy"

// Options configures policies created by a Registry.
type Options struct {
	LearningRate    float64
	ExplorationRate float64
	HistoryCap      int

	// Seed makes exploration draws reproducible. Zero seeds from runtime
	// randomness.
	Seed uint64

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Events  events.Emitter
}

// DefaultOptions returns the standard learning configuration.
func DefaultOptions() Options {
	return Options{
		LearningRate:    DefaultLearningRate,
		ExplorationRate: DefaultExplorationRate,
		HistoryCap:      DefaultHistoryCap,
	}
}

// withDefaults fills unset fields. ExplorationRate is taken as given, zero
// disables exploration.
func (o Options) withDefaults() Options {
	if o.LearningRate <= 0 {
		o.LearningRate = DefaultLearningRate
	}
	if o.ExplorationRate < 0 {
		o.ExplorationRate = DefaultExplorationRate
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = DefaultHistoryCap
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func (o Options) newRand(name string) *rand.Rand {
	if o.Seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewPCG(o.Seed, h.Sum64()))
}

// Registry owns every live policy by name. Lookups never fail: an unknown
// name gets a generic policy on first reference.
type Registry struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	events  events.Emitter

	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry creates a registry preloaded with the built-in pricing,
// placement, tranching and connector policies.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()

	r := &Registry{
		opts:     opts,
		log:      opts.Logger.WithField("component", "policy"),
		metrics:  metrics.OrDiscard(opts.Metrics),
		events:   events.OrNop(opts.Events),
		policies: make(map[string]*Policy),
	}

	for name, kind := range map[string]Kind{
		PricingPolicy:   KindPricing,
		PlacementPolicy: KindPlacement,
		TranchePolicy:   KindTranching,
		ConnectorPolicy: KindConnector,
	} {
		r.policies[name] = New(name, kind, nil, opts)
	}

	return r
}

// Get returns the policy registered under name, creating a generic policy
// with no parameters on first miss.
func (r *Registry) Get(name string) *Policy {
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[name]; ok {
		return p
	}
	p = New(name, KindGeneric, api.Params{}, r.opts)
	r.policies[name] = p
	r.log.WithField("policy", name).Debug("created generic policy")
	return p
}

// Register creates a policy of the given kind under name. An existing
// policy with that name is returned unchanged.
func (r *Registry) Register(name string, kind Kind, params api.Params) (*Policy, error) {
	if name == "" {
		return nil, &api.ValidationError{Field: "name", Message: "policy name is required"}
	}
	if !kind.Valid() {
		return nil, &api.ValidationError{Field: "kind", Message: "unknown policy kind " + string(kind)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[name]; ok {
		return p, nil
	}
	p := New(name, kind, params, r.opts)
	r.policies[name] = p
	return p, nil
}

// Names returns all registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Suggest asks the named policy for an action.
func (r *Registry) Suggest(ctx context.Context, name string, state api.State) api.Action {
	p := r.Get(name)

	_, span := otel.StartSpan(ctx, tracerName, "policy.suggest", otel.PolicyAttributes(name, string(p.Kind()))...)
	defer span.End()

	action := p.Suggest(state)
	span.SetAttributes(otel.DecisionAttributes(string(action.Mode), action.Name)...)

	r.metrics.Suggestions.WithLabelValues(name, string(action.Mode)).Inc()
	if action.Name == ActionReject {
		r.metrics.Rejections.WithLabelValues(name, action.Text("reason")).Inc()
	}

	r.events.Emit(events.PolicySuggested, map[string]any{
		"policy": name,
		"mode":   string(action.Mode),
		"action": action.Name,
	})

	return action
}

// SuggestStrict is Suggest but surfaces a rejection action as an error
// carrying the rejection reason: a CapacityError when the risk pool is too
// small, a StateConflictError otherwise.
func (r *Registry) SuggestStrict(ctx context.Context, name string, state api.State) (api.Action, error) {
	action := r.Suggest(ctx, name, state)
	if action.Name != ActionReject {
		return action, nil
	}

	reason := action.Text("reason")
	if reason == api.ReasonInsufficientPool {
		return action, &api.CapacityError{
			Reason:  reason,
			Message: fmt.Sprintf("%s: risk pool cannot cover the allocation", name),
			Have:    action.Float("available", 0),
			Need:    action.Float("coverage", 0),
		}
	}
	return action, api.Conflict(reason, "%s rejected the candidate", name)
}

// Learn reports the reward observed for an action of the named policy.
func (r *Registry) Learn(ctx context.Context, name string, state api.State, action api.Action, reward float64, meta map[string]any) {
	p := r.Get(name)

	_, span := otel.StartSpan(ctx, tracerName, "policy.learn", otel.PolicyAttributes(name, string(p.Kind()))...)
	defer span.End()
	span.SetAttributes(otel.AttrReward.Float64(reward))

	p.Learn(state, action, reward, meta)

	r.metrics.Learns.WithLabelValues(name).Inc()
	r.metrics.LastReward.WithLabelValues(name).Set(reward)

	r.events.Emit(events.PolicyLearned, map[string]any{
		"policy": name,
		"mode":   string(action.Mode),
		"reward": reward,
	})
}

// LoadApex hot-loads parameters into the named policy.
func (r *Registry) LoadApex(name string, params api.Params) {
	r.Get(name).LoadApex(params)
	r.log.WithFields(logrus.Fields{"policy": name, "params": len(params)}).Info("loaded route parameters")
}

// LoadRoutes hot-loads a batch of parameter sets keyed by policy name.
func (r *Registry) LoadRoutes(routes map[string]api.Params) {
	for name, params := range routes {
		r.LoadApex(name, params)
	}
}

// RecordConnectorOutcome feeds a connector trial into the named connector
// policy.
func (r *Registry) RecordConnectorOutcome(name, pdl, connector string, success bool, latencyMs float64) error {
	return r.Get(name).RecordConnectorOutcome(pdl, connector, success, latencyMs)
}

// AllMetrics returns a snapshot of every policy, sorted by name.
func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	policies := make([]*Policy, 0, len(r.policies))
	for _, p := range r.policies {
		policies = append(policies, p)
	}
	r.mu.RUnlock()

	out := make([]Metrics, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
