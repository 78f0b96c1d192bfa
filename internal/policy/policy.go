package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/pkg/canonical"
)

const (
	DefaultLearningRate    = 0.01
	DefaultExplorationRate = 0.10
	DefaultHistoryCap      = 10_000

	// explore scales each parameter by a factor in [1-perturbation, 1+perturbation]
	perturbation = 0.2
)

// Sample is one (state, action, reward) observation.
type Sample struct {
	State  api.State      `json:"state"`
	Action api.Action     `json:"action"`
	Reward float64        `json:"reward"`
	Meta   map[string]any `json:"meta,omitempty"`
	At     time.Time      `json:"at"`
}

// Metrics is a snapshot of a policy's parameters and reward statistics.
type Metrics struct {
	Name             string     `json:"name"`
	Kind             Kind       `json:"kind"`
	Params           api.Params `json:"params"`
	ParamsHash       string     `json:"params_hash"`
	HistorySize      int        `json:"history_size"`
	TotalSuggestions int64      `json:"total_suggestions"`
	Samples          int64      `json:"samples"`
	TotalReward      float64    `json:"total_reward"`
	AvgReward        float64    `json:"avg_reward"`
	BestReward       float64    `json:"best_reward"`
	WorstReward      float64    `json:"worst_reward"`
	LastLoadedAt     time.Time  `json:"last_loaded_at,omitempty"`
}

// Policy is a single decision unit. Params change only through Learn and
// LoadApex, both under the policy's lock.
type Policy struct {
	name     string
	strategy strategy

	learningRate    float64
	explorationRate float64
	historyCap      int
	now             func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	params       api.Params
	history      []Sample
	suggestions  int64
	samples      int64
	totalReward  float64
	bestReward   float64
	worstReward  float64
	lastLoadedAt time.Time
}

// New creates a policy of the given kind. Nil params means the kind's
// defaults.
func New(name string, kind Kind, params api.Params, opts Options) *Policy {
	opts = opts.withDefaults()
	if !kind.Valid() {
		kind = KindGeneric
	}
	if params == nil {
		params = DefaultParams(kind)
	}

	return &Policy{
		name:            name,
		strategy:        newStrategy(kind),
		learningRate:    opts.LearningRate,
		explorationRate: opts.ExplorationRate,
		historyCap:      opts.HistoryCap,
		now:             opts.Now,
		rng:             opts.newRand(name),
		params:          params.Clone(),
	}
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Kind returns the policy kind.
func (p *Policy) Kind() Kind { return p.strategy.kind() }

// Params returns a copy of the current parameters.
func (p *Policy) Params() api.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params.Clone()
}

// Suggest returns an action for state. With probability equal to the
// exploration rate it returns a perturbed copy of the parameters labeled
// explore; otherwise the kind's exploit action on the current parameters.
func (p *Policy) Suggest(state api.State) api.Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suggestions++

	if p.rng.Float64() < p.explorationRate {
		return p.exploreLocked()
	}
	return p.exploitLocked(state)
}

// Exploit returns the exploit action without an exploration draw.
func (p *Policy) Exploit(state api.State) api.Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suggestions++
	return p.exploitLocked(state)
}

// Explore returns a perturbed action without an exploration draw.
func (p *Policy) Explore() api.Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suggestions++
	return p.exploreLocked()
}

func (p *Policy) exploitLocked(state api.State) api.Action {
	params := p.params.Clone()
	name, fields := p.strategy.exploit(state, params, p.rng)

	return api.Action{
		Policy: p.name,
		Kind:   string(p.strategy.kind()),
		Mode:   api.ModeExploit,
		Name:   name,
		Params: params,
		Fields: fields,
		At:     p.now(),
	}
}

func (p *Policy) exploreLocked() api.Action {
	perturbed := make(api.Params, len(p.params))
	for k, v := range p.params {
		perturbed[k] = v * (1 + (p.rng.Float64()*2-1)*perturbation)
	}

	return api.Action{
		Policy: p.name,
		Kind:   string(p.strategy.kind()),
		Mode:   api.ModeExplore,
		Name:   ActionExplore,
		Params: perturbed,
		At:     p.now(),
	}
}

// Learn records the outcome of action and nudges every parameter present
// in both the policy and the action: toward the action's value when reward
// beats the running average, away from it otherwise.
func (p *Policy) Learn(state api.State, action api.Action, reward float64, meta map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, Sample{
		State:  state,
		Action: action,
		Reward: reward,
		Meta:   meta,
		At:     p.now(),
	})
	if len(p.history) > p.historyCap {
		p.history = p.history[len(p.history)-p.historyCap:]
	}

	p.samples++
	p.totalReward += reward
	if p.samples == 1 {
		p.bestReward, p.worstReward = reward, reward
	} else {
		p.bestReward = max(p.bestReward, reward)
		p.worstReward = min(p.worstReward, reward)
	}

	avg := p.totalReward / float64(p.samples)
	direction := -1.0
	if reward > avg {
		direction = 1.0
	}

	for k, v := range action.Params {
		current, ok := p.params[k]
		if !ok {
			continue
		}
		p.params[k] = current + (v-current)*p.learningRate*direction
	}
}

// LoadApex overwrites parameters with the route's values. Names the policy
// did not have before are added.
func (p *Policy) LoadApex(params api.Params) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, v := range params {
		p.params[k] = v
	}
	p.lastLoadedAt = p.now()
}

// RecordConnectorOutcome feeds a connector trial into the UCB statistics.
// It fails for policies that are not connector selectors.
func (p *Policy) RecordConnectorOutcome(pdl, connector string, success bool, latencyMs float64) error {
	cs, ok := p.strategy.(*connectorStats)
	if !ok {
		return &api.ValidationError{
			Field:   "policy",
			Message: fmt.Sprintf("%s is a %s policy, not a connector selector", p.name, p.strategy.kind()),
		}
	}
	if connector == "" {
		return &api.ValidationError{Field: "connector", Message: "connector is required"}
	}

	cs.record(pdl, connector, success, latencyMs)
	return nil
}

// ConnectorStats returns the UCB statistics keyed by "pdl:connector", or
// nil for other kinds.
func (p *Policy) ConnectorStats() map[string]ConnectorStat {
	if cs, ok := p.strategy.(*connectorStats); ok {
		return cs.snapshot()
	}
	return nil
}

// History returns up to limit of the most recent samples, oldest first.
func (p *Policy) History(limit int) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if limit > 0 && len(p.history) > limit {
		start = len(p.history) - limit
	}
	out := make([]Sample, len(p.history)-start)
	copy(out, p.history[start:])
	return out
}

// Metrics returns a snapshot of the policy.
func (p *Policy) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.samples > 0 {
		avg = p.totalReward / float64(p.samples)
	}

	hash, _ := hashParams(p.params)

	return Metrics{
		Name:             p.name,
		Kind:             p.strategy.kind(),
		Params:           p.params.Clone(),
		ParamsHash:       hash,
		HistorySize:      len(p.history),
		TotalSuggestions: p.suggestions,
		Samples:          p.samples,
		TotalReward:      p.totalReward,
		AvgReward:        avg,
		BestReward:       p.bestReward,
		WorstReward:      p.worstReward,
		LastLoadedAt:     p.lastLoadedAt,
	}
}

// hashParams computes a stable hash of the parameters for lineage tracking.
func hashParams(params api.Params) (string, error) {
	record := make(map[string]any, len(params))
	for k, v := range params {
		record[k] = v
	}

	b, err := canonical.JSONBytes(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params for hashing: %w", err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
