// Package exploration reserves a bounded slice of decision volume for live
// experiments and promotes or kills them from their accumulated outcomes.
package exploration

import (
	"context"
	"math"
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

const tracerName = "policyhive/exploration"

// Type is the kind of capability an experiment trials.
type Type string

const (
	TypePDL       Type = "pdl"
	TypeConnector Type = "connector"
	TypeBundle    Type = "bundle"
	TypePricing   Type = "pricing"
)

// Valid reports whether t is a known experiment type.
func (t Type) Valid() bool {
	switch t {
	case TypePDL, TypeConnector, TypeBundle, TypePricing:
		return true
	}
	return false
}

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusActive     Status = "active"
	StatusGraduated  Status = "graduated"
	StatusKilled     Status = "killed"
)

// Terminal reports whether no further samples are accepted.
func (s Status) Terminal() bool {
	return s == StatusGraduated || s == StatusKilled
}

// Experiment is a snapshot of one experiment's ledger.
type Experiment struct {
	ID              string         `json:"id"`
	Type            Type           `json:"type"`
	Config          map[string]any `json:"config,omitempty"`
	Status          Status         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	Samples         int64          `json:"samples"`
	Successes       int64          `json:"successes"`
	TotalReward     float64        `json:"total_reward"`
	BaselineSamples int64          `json:"baseline_samples"`
	BaselineReward  float64        `json:"baseline_reward"`
	Lift            float64        `json:"lift"`
	FinalLift       float64        `json:"final_lift,omitempty"`
	GraduatedAt     time.Time      `json:"graduated_at,omitempty"`
	KilledAt        time.Time      `json:"killed_at,omitempty"`
	KillReason      string         `json:"kill_reason,omitempty"`
}

// SuccessRate returns successes over samples, or 0 before any sample.
func (e Experiment) SuccessRate() float64 {
	if e.Samples == 0 {
		return 0
	}
	return float64(e.Successes) / float64(e.Samples)
}

// Check is the outcome of a graduation check after a recorded sample.
type Check struct {
	Status              Status  `json:"status"`
	Samples             int64   `json:"samples"`
	Lift                float64 `json:"lift"`
	SamplesToGraduation int64   `json:"samples_to_graduation"`
}

// Thresholds configure the exploration budget and graduation rules.
type Thresholds struct {
	MinExplorationPct    float64 `yaml:"min_exploration_pct"`
	MaxExplorationPct    float64 `yaml:"max_exploration_pct"`
	GraduationThreshold  float64 `yaml:"graduation_threshold"`
	GraduationConfidence float64 `yaml:"graduation_confidence"`
	MinSamples           int64   `yaml:"min_samples"`
	KillThreshold        float64 `yaml:"kill_threshold"`
	KillSamples          int64   `yaml:"kill_samples"`
	// MinLiveExperiments below which the budget ceiling is used as the
	// exploration rate.
	MinLiveExperiments int `yaml:"min_live_experiments"`
}

// DefaultThresholds returns the standard budget and graduation rules.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinExplorationPct:    0.03,
		MaxExplorationPct:    0.07,
		GraduationThreshold:  0.08,
		GraduationConfidence: 0.90,
		MinSamples:           50,
		KillThreshold:        -0.05,
		KillSamples:          20,
		MinLiveExperiments:   3,
	}
}

// Options configures a Governor.
type Options struct {
	Thresholds Thresholds
	Seed       uint64
	Now        func() time.Time
	Logger     logrus.FieldLogger
	Metrics    *metrics.Metrics
	Events     events.Emitter
}

type entry struct {
	mu  sync.Mutex
	exp Experiment
}

// Governor tracks experiments and the global exploration budget.
type Governor struct {
	cfg     Thresholds
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	events  events.Emitter

	mu          sync.RWMutex
	experiments map[string]*entry

	volMu             sync.Mutex
	rng               *rand.Rand
	totalVolume       int64
	explorationVolume int64
}

// NewGovernor creates a Governor. A zero Thresholds means the defaults.
func NewGovernor(opts Options) *Governor {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	if opts.Seed != 0 {
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	}

	return &Governor{
		cfg:         opts.Thresholds,
		now:         opts.Now,
		log:         opts.Logger.WithField("component", "exploration"),
		metrics:     metrics.OrDiscard(opts.Metrics),
		events:      events.OrNop(opts.Events),
		experiments: make(map[string]*entry),
		rng:         rng,
	}
}

// Thresholds returns the governor's configuration.
func (g *Governor) Thresholds() Thresholds { return g.cfg }

// ShouldExplore reports whether this decision should be an exploration
// sample. Every call counts toward total volume and every granted call
// toward exploration volume.
func (g *Governor) ShouldExplore(decisionCtx map[string]any) bool {
	ok, _ := g.Reserve(decisionCtx)
	return ok
}

// Reserve is ShouldExplore with the refusal reason: a CapacityError when
// the exploration ratio has reached the budget ceiling. A lost coin flip is
// (false, nil).
func (g *Governor) Reserve(_ map[string]any) (bool, error) {
	live := g.liveCount()

	g.volMu.Lock()
	defer g.volMu.Unlock()

	ratio := 0.0
	if g.totalVolume > 0 {
		ratio = float64(g.explorationVolume) / float64(g.totalVolume)
	}
	g.totalVolume++

	if ratio >= g.cfg.MaxExplorationPct {
		g.observeLocked("budget_exhausted")
		return false, &api.CapacityError{
			Reason: api.ReasonBudgetExhausted,
			Have:   ratio,
			Need:   g.cfg.MaxExplorationPct,
		}
	}

	rate := (g.cfg.MinExplorationPct + g.cfg.MaxExplorationPct) / 2
	if live < g.cfg.MinLiveExperiments {
		rate = g.cfg.MaxExplorationPct
	}

	if g.rng.Float64() >= rate {
		g.observeLocked("denied")
		return false, nil
	}

	g.explorationVolume++
	g.observeLocked("granted")
	return true, nil
}

func (g *Governor) observeLocked(outcome string) {
	g.metrics.ExploreDecisions.WithLabelValues(outcome).Inc()
	if g.totalVolume > 0 {
		g.metrics.ExplorationRatio.Set(float64(g.explorationVolume) / float64(g.totalVolume))
	}
}

// liveCount counts experiments that still accept samples.
func (g *Governor) liveCount() int {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.experiments))
	for _, e := range g.experiments {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	live := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.exp.Status.Terminal() {
			live++
		}
		e.mu.Unlock()
	}
	return live
}

// StartExperiment opens a new experiment in the collecting state.
func (g *Governor) StartExperiment(id string, typ Type, config map[string]any) (Experiment, error) {
	if id == "" {
		return Experiment{}, &api.ValidationError{Field: "id", Message: "experiment id is required"}
	}
	if !typ.Valid() {
		return Experiment{}, &api.ValidationError{Field: "type", Message: "unknown experiment type " + string(typ)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.experiments[id]; exists {
		return Experiment{}, api.Conflict(api.ReasonDuplicateID, "experiment %s already exists", id)
	}

	exp := Experiment{
		ID:        id,
		Type:      typ,
		Config:    config,
		Status:    StatusCollecting,
		StartedAt: g.now(),
	}
	g.experiments[id] = &entry{exp: exp}

	g.metrics.ExperimentTransitions.WithLabelValues(string(typ), string(StatusCollecting)).Inc()
	g.events.Emit(events.ExperimentStarted, map[string]any{"experiment_id": id, "type": string(typ)})
	g.log.WithFields(logrus.Fields{"experiment": id, "type": typ}).Info("experiment started")

	return exp, nil
}

func (g *Governor) lookup(id string) (*entry, error) {
	g.mu.RLock()
	e, ok := g.experiments[id]
	g.mu.RUnlock()
	if !ok {
		return nil, api.NotFound("experiment", id)
	}
	return e, nil
}

// RecordExploration adds one sample to the experiment's ledger and runs the
// graduation check. baseline is the reward the live strategy would have
// earned, when known.
func (g *Governor) RecordExploration(ctx context.Context, id string, success bool, reward float64, baseline *float64) (Check, error) {
	e, err := g.lookup(id)
	if err != nil {
		return Check{}, err
	}

	_, span := otel.StartSpan(ctx, tracerName, "exploration.record")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status.Terminal() {
		err := api.Conflict(api.ReasonTerminalExperiment, "experiment %s is %s", id, e.exp.Status)
		otel.RecordError(span, err, "")
		return Check{}, err
	}

	e.exp.Samples++
	if success {
		e.exp.Successes++
	}
	e.exp.TotalReward += reward
	if baseline != nil {
		e.exp.BaselineSamples++
		e.exp.BaselineReward += *baseline
	}

	check := g.checkLocked(&e.exp)
	span.SetAttributes(otel.ExperimentAttributes(id, string(e.exp.Type), string(check.Status))...)
	return check, nil
}

// lift is the normalized reward delta against the baseline, or the success
// rate above a coin flip when no baseline is tracked.
func lift(exp *Experiment) float64 {
	if exp.BaselineSamples == 0 {
		return exp.SuccessRate() - 0.5
	}
	expAvg := exp.TotalReward / float64(exp.Samples)
	baseAvg := exp.BaselineReward / float64(exp.BaselineSamples)
	if baseAvg == 0 {
		return 0
	}
	return (expAvg - baseAvg) / baseAvg
}

// checkLocked applies the kill and graduation rules. Success rate stands in
// for statistical confidence here; it is not a significance test.
func (g *Governor) checkLocked(exp *Experiment) Check {
	if exp.Samples < g.cfg.KillSamples {
		return Check{Status: exp.Status, Samples: exp.Samples, SamplesToGraduation: g.cfg.MinSamples - exp.Samples}
	}

	l := lift(exp)
	exp.Lift = l

	switch {
	case l < g.cfg.KillThreshold:
		exp.Status = StatusKilled
		exp.KilledAt = g.now()
		exp.FinalLift = l
		exp.KillReason = "lift_below_threshold"
		g.transitioned(exp)
	case exp.Samples >= g.cfg.MinSamples && l >= g.cfg.GraduationThreshold && exp.SuccessRate() >= g.cfg.GraduationConfidence:
		exp.Status = StatusGraduated
		exp.GraduatedAt = g.now()
		exp.FinalLift = l
		g.transitioned(exp)
	default:
		if exp.Status != StatusActive {
			exp.Status = StatusActive
			g.transitioned(exp)
		}
	}

	remaining := g.cfg.MinSamples - exp.Samples
	if remaining < 0 || exp.Status.Terminal() {
		remaining = 0
	}

	return Check{
		Status:              exp.Status,
		Samples:             exp.Samples,
		Lift:                math.Round(l*1e4) / 1e4,
		SamplesToGraduation: remaining,
	}
}

func (g *Governor) transitioned(exp *Experiment) {
	g.metrics.ExperimentTransitions.WithLabelValues(string(exp.Type), string(exp.Status)).Inc()

	fields := logrus.Fields{
		"experiment": exp.ID,
		"status":     exp.Status,
		"samples":    exp.Samples,
		"lift":       exp.Lift,
	}

	switch exp.Status {
	case StatusGraduated:
		g.log.WithFields(fields).Info("experiment graduated")
		g.events.Emit(events.ExperimentGraduated, map[string]any{
			"experiment_id": exp.ID,
			"lift":          exp.FinalLift,
			"success_rate":  exp.SuccessRate(),
		})
	case StatusKilled:
		g.log.WithFields(fields).WithField("reason", exp.KillReason).Info("experiment killed")
		g.events.Emit(events.ExperimentKilled, map[string]any{
			"experiment_id": exp.ID,
			"lift":          exp.FinalLift,
			"reason":        exp.KillReason,
		})
	default:
		g.log.WithFields(fields).Debug("experiment status changed")
	}
}

// GraduateExperiment promotes an experiment by operator action.
func (g *Governor) GraduateExperiment(id string) (Experiment, error) {
	e, err := g.lookup(id)
	if err != nil {
		return Experiment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status.Terminal() {
		return Experiment{}, api.Conflict(api.ReasonTerminalExperiment, "experiment %s is already %s", id, e.exp.Status)
	}

	e.exp.Status = StatusGraduated
	e.exp.GraduatedAt = g.now()
	e.exp.FinalLift = e.exp.Lift
	g.transitioned(&e.exp)

	return e.exp, nil
}

// KillExperiment stops an experiment by operator action.
func (g *Governor) KillExperiment(id, reason string) (Experiment, error) {
	if reason == "" {
		reason = "manual"
	}

	e, err := g.lookup(id)
	if err != nil {
		return Experiment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status.Terminal() {
		return Experiment{}, api.Conflict(api.ReasonTerminalExperiment, "experiment %s is already %s", id, e.exp.Status)
	}

	e.exp.Status = StatusKilled
	e.exp.KilledAt = g.now()
	e.exp.KillReason = reason
	e.exp.FinalLift = e.exp.Lift
	g.transitioned(&e.exp)

	return e.exp, nil
}

// GetExperiment returns a snapshot of one experiment.
func (g *Governor) GetExperiment(id string) (Experiment, error) {
	e, err := g.lookup(id)
	if err != nil {
		return Experiment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exp, nil
}

// ListExperiments returns experiments sorted by start time, filtered by
// status when one is given.
func (g *Governor) ListExperiments(status Status) []Experiment {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.experiments))
	for _, e := range g.experiments {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	out := make([]Experiment, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		exp := e.exp
		e.mu.Unlock()

		if status == "" || exp.Status == status {
			out = append(out, exp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats summarizes experiments and budget use.
type Stats struct {
	TotalExperiments  int     `json:"total_experiments"`
	Collecting        int     `json:"collecting"`
	Active            int     `json:"active"`
	Graduated         int     `json:"graduated"`
	Killed            int     `json:"killed"`
	TotalVolume       int64   `json:"total_volume"`
	ExplorationVolume int64   `json:"exploration_volume"`
	ExplorationRate   float64 `json:"exploration_rate"`
	BudgetMin         float64 `json:"budget_min"`
	BudgetMax         float64 `json:"budget_max"`
}

// Stats returns current exploration statistics.
func (g *Governor) Stats() Stats {
	st := Stats{BudgetMin: g.cfg.MinExplorationPct, BudgetMax: g.cfg.MaxExplorationPct}

	for _, exp := range g.ListExperiments("") {
		st.TotalExperiments++
		switch exp.Status {
		case StatusCollecting:
			st.Collecting++
		case StatusActive:
			st.Active++
		case StatusGraduated:
			st.Graduated++
		case StatusKilled:
			st.Killed++
		}
	}

	g.volMu.Lock()
	st.TotalVolume = g.totalVolume
	st.ExplorationVolume = g.explorationVolume
	g.volMu.Unlock()

	if st.TotalVolume > 0 {
		st.ExplorationRate = math.Round(float64(st.ExplorationVolume)/float64(st.TotalVolume)*1e4) / 1e4
	}
	return st
}
