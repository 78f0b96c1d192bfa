// Package revsplit chooses a revenue split for each transaction with one
// Thompson-sampling bandit per business segment.
package revsplit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/cache"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/pkg/otel"
)

const tracerName = "policyhive/revsplit"

// Business segments. Anything else is folded into SegmentDefault.
const (
	SegmentFreelance  = "freelance"
	SegmentEnterprise = "enterprise"
	SegmentCreator    = "creator"
	SegmentRetail     = "retail"
	SegmentDefault    = "default"
)

// Segments lists every segment with a bandit bank.
var Segments = []string{SegmentFreelance, SegmentEnterprise, SegmentCreator, SegmentRetail, SegmentDefault}

const (
	DefaultHistoryCap  = 10000
	DefaultPlatformMin = 0.02
	DefaultPoolMin     = 0.05
)

// Outcome labels used in metrics.
const (
	outcomeCompleted  = "completed"
	outcomeIncomplete = "incomplete"
	outcomeRejected   = "rejected"
)

// Shares is how a transaction amount is divided. Values are either
// fractions of the amount or currency amounts depending on context.
type Shares struct {
	Platform float64 `json:"platform" yaml:"platform"`
	User     float64 `json:"user" yaml:"user"`
	Pool     float64 `json:"pool" yaml:"pool"`
	Partner  float64 `json:"partner" yaml:"partner"`
}

// Sum returns the total of all four shares.
func (s Shares) Sum() float64 {
	return s.Platform + s.User + s.Pool + s.Partner
}

// SplitPolicy is one arm of every segment's bandit.
type SplitPolicy struct {
	Name   string `json:"name" yaml:"name"`
	Shares Shares `json:"shares" yaml:"shares"`
}

// DefaultCatalogue returns the standard split policies.
func DefaultCatalogue() []SplitPolicy {
	return []SplitPolicy{
		{Name: "premium", Shares: Shares{Platform: 0.04, User: 0.75, Pool: 0.08, Partner: 0.03}},
		{Name: "standard", Shares: Shares{Platform: 0.06, User: 0.70, Pool: 0.10, Partner: 0.05}},
		{Name: "aggressive", Shares: Shares{Platform: 0.08, User: 0.68, Pool: 0.10, Partner: 0.05}},
		{Name: "growth", Shares: Shares{Platform: 0.10, User: 0.65, Pool: 0.12, Partner: 0.05}},
	}
}

// Floors are the compliance minimums as fractions of the amount.
type Floors struct {
	PlatformMin float64 `yaml:"platform_min"`
	PoolMin     float64 `yaml:"pool_min"`
}

// Split is a recommended allocation for one transaction.
type Split struct {
	ID                 string    `json:"split_id"`
	Amount             float64   `json:"amount"`
	Segment            string    `json:"segment"`
	Policy             string    `json:"policy"`
	Amounts            Shares    `json:"splits"`
	Percentages        Shares    `json:"percentages"`
	ComplianceAdjusted bool      `json:"compliance_adjusted"`
	CreatedAt          time.Time `json:"created_at"`
}

// OutcomeResult reports the reward folded into a bandit arm.
type OutcomeResult struct {
	SplitID string  `json:"split_id"`
	Segment string  `json:"segment"`
	Policy  string  `json:"policy"`
	Reward  float64 `json:"reward"`
}

// ArmStats is a snapshot of one bandit arm.
type ArmStats struct {
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
	Mean        float64 `json:"mean"`
	Pulls       int64   `json:"pulls"`
	TotalReward float64 `json:"total_reward"`
	AvgReward   float64 `json:"avg_reward"`
}

// Recommendation is the arm with the highest posterior mean in a segment.
type Recommendation struct {
	Policy     string  `json:"policy"`
	Confidence float64 `json:"confidence"`
	Pulls      int64   `json:"pulls"`
}

// Stats summarizes recent splits.
type Stats struct {
	TotalSplits     int                       `json:"total_splits"`
	BySegment       map[string]int            `json:"by_segment"`
	ByPolicy        map[string]int            `json:"by_policy"`
	Recommendations map[string]Recommendation `json:"recommendations"`
	Policies        []string                  `json:"policies_available"`
}

// Options configures an Optimizer.
type Options struct {
	// Catalogue defaults to DefaultCatalogue.
	Catalogue []SplitPolicy
	// Floors defaults to 2% platform and 5% pool.
	Floors     *Floors
	HistoryCap int

	// Seed makes Thompson draws reproducible. Zero seeds from runtime
	// randomness.
	Seed uint64

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Events  events.Emitter
}

type arm struct {
	alpha       float64
	beta        float64
	pulls       int64
	totalReward float64
}

func (a *arm) stats() ArmStats {
	st := ArmStats{
		Alpha:       a.alpha,
		Beta:        a.beta,
		Mean:        round(a.alpha/(a.alpha+a.beta), 4),
		Pulls:       a.pulls,
		TotalReward: round(a.totalReward, 2),
	}
	if a.pulls > 0 {
		st.AvgReward = round(a.totalReward/float64(a.pulls), 4)
	}
	return st
}

// bank holds one segment's arms. Arms are indexed in catalogue order.
type bank struct {
	mu   sync.Mutex
	arms []*arm
	src  rand.Source
}

// Optimizer picks split policies per segment and learns from outcomes.
type Optimizer struct {
	catalogue []SplitPolicy
	index     map[string]int
	floors    Floors
	now       func() time.Time
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	events    events.Emitter

	banks   map[string]*bank
	history *cache.Table[string, Split]
}

// New creates an Optimizer with every arm at Beta(1, 1).
func New(opts Options) (*Optimizer, error) {
	if len(opts.Catalogue) == 0 {
		opts.Catalogue = DefaultCatalogue()
	}
	if opts.Floors == nil {
		opts.Floors = &Floors{PlatformMin: DefaultPlatformMin, PoolMin: DefaultPoolMin}
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	f := *opts.Floors
	if f.PlatformMin < 0 || f.PoolMin < 0 || f.PlatformMin+f.PoolMin > 1 {
		return nil, &api.ValidationError{Field: "floors", Message: "floors must be non-negative and sum to at most 1"}
	}

	index := make(map[string]int, len(opts.Catalogue))
	for i, p := range opts.Catalogue {
		if err := validatePolicy(p, f); err != nil {
			return nil, err
		}
		if _, dup := index[p.Name]; dup {
			return nil, &api.ValidationError{Field: "catalogue", Message: "duplicate split policy " + p.Name}
		}
		index[p.Name] = i
	}

	history, err := cache.NewTable[string, Split](opts.HistoryCap, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("create split history: %w", err)
	}

	o := &Optimizer{
		catalogue: opts.Catalogue,
		index:     index,
		floors:    *opts.Floors,
		now:       opts.Now,
		log:       opts.Logger.WithField("component", "revsplit"),
		metrics:   metrics.OrDiscard(opts.Metrics),
		events:    events.OrNop(opts.Events),
		banks:     make(map[string]*bank, len(Segments)),
		history:   history,
	}

	for _, segment := range Segments {
		b := &bank{arms: make([]*arm, len(opts.Catalogue)), src: newSource(opts.Seed, segment)}
		for i := range b.arms {
			b.arms[i] = &arm{alpha: 1, beta: 1}
		}
		o.banks[segment] = b
	}

	return o, nil
}

// validatePolicy rejects policies whose platform and pool shares, raised to
// the compliance floors, leave a negative user share once the partner is
// paid.
func validatePolicy(p SplitPolicy, floors Floors) error {
	if p.Name == "" {
		return &api.ValidationError{Field: "catalogue.name", Message: "split policy name is required"}
	}
	s := p.Shares
	if s.Platform < 0 || s.User < 0 || s.Pool < 0 || s.Partner < 0 {
		return &api.ValidationError{Field: "catalogue." + p.Name, Message: "shares must be non-negative"}
	}
	if math.Max(s.Platform, floors.PlatformMin)+math.Max(s.Pool, floors.PoolMin)+s.Partner > 1 {
		return &api.ValidationError{Field: "catalogue." + p.Name, Message: "platform and pool shares at their floors plus the partner share exceed the amount"}
	}
	return nil
}

func newSource(seed uint64, segment string) rand.Source {
	if seed == 0 {
		return rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	h := fnv.New64a()
	h.Write([]byte(segment))
	return rand.NewPCG(seed, h.Sum64())
}

// normalizeSegment maps unknown segments to SegmentDefault.
func normalizeSegment(segment string) string {
	for _, s := range Segments {
		if s == segment {
			return s
		}
	}
	return SegmentDefault
}

// Policies returns the catalogue policy names in order.
func (o *Optimizer) Policies() []string {
	names := make([]string, len(o.catalogue))
	for i, p := range o.catalogue {
		names[i] = p.Name
	}
	return names
}

// GetOptimalSplit selects a split policy for the segment and allocates
// amount with it. A non-empty forcePolicy bypasses sampling.
func (o *Optimizer) GetOptimalSplit(ctx context.Context, amount float64, segment, forcePolicy string) (Split, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Split{}, &api.ValidationError{Field: "amount", Message: "amount must be a positive number"}
	}
	segment = normalizeSegment(segment)

	idx := -1
	if forcePolicy != "" {
		i, ok := o.index[forcePolicy]
		if !ok {
			return Split{}, &api.ValidationError{Field: "force_policy", Message: "unknown split policy " + forcePolicy}
		}
		idx = i
	}

	_, span := otel.StartSpan(ctx, tracerName, "revsplit.select")
	defer span.End()

	b := o.banks[segment]
	b.mu.Lock()
	if idx < 0 {
		idx = b.sample()
	}
	b.mu.Unlock()

	policy := o.catalogue[idx]
	span.SetAttributes(otel.SplitAttributes(segment, policy.Name)...)

	split := o.allocate(amount, segment, policy)
	o.history.Set(split.ID, split, time.Time{})

	o.metrics.BanditPulls.WithLabelValues(segment, policy.Name).Inc()
	o.events.Emit(events.SplitSelected, map[string]any{
		"split_id": split.ID,
		"segment":  segment,
		"policy":   policy.Name,
		"amount":   amount,
	})

	o.log.WithFields(logrus.Fields{
		"split_id": split.ID,
		"segment":  segment,
		"policy":   policy.Name,
	}).Debug("selected split")

	return split, nil
}

// sample draws from every arm's Beta posterior and returns the index of the
// highest draw. Caller holds b.mu.
func (b *bank) sample() int {
	best, bestDraw := 0, math.Inf(-1)
	for i, a := range b.arms {
		draw := distuv.Beta{Alpha: a.alpha, Beta: a.beta, Src: b.src}.Rand()
		if draw > bestDraw {
			best, bestDraw = i, draw
		}
	}
	return best
}

// allocate applies the policy's shares and compliance floors. The user
// share absorbs floor top-ups and rounding so the amounts sum to amount.
func (o *Optimizer) allocate(amount float64, segment string, policy SplitPolicy) Split {
	pct := policy.Shares

	platform := round(amount*pct.Platform, 2)
	pool := round(amount*pct.Pool, 2)
	partner := round(amount*pct.Partner, 2)

	adjusted := false
	if minPlatform := round(amount*o.floors.PlatformMin, 2); platform < minPlatform {
		platform = minPlatform
		adjusted = true
	}
	if minPool := round(amount*o.floors.PoolMin, 2); pool < minPool {
		pool = minPool
		adjusted = true
	}

	user := round(amount-platform-pool-partner, 2)

	return Split{
		ID:                 "split_" + segment + "_" + policy.Name + "_" + uuid.NewString(),
		Amount:             amount,
		Segment:            segment,
		Policy:             policy.Name,
		Amounts:            Shares{Platform: platform, User: user, Pool: pool, Partner: partner},
		Percentages:        pct,
		ComplianceAdjusted: adjusted,
		CreatedAt:          o.now().UTC(),
	}
}

// Reward scores a transaction outcome in [-1, 1]. A completed transaction
// earns the platform take net of risk plus a tenth of the LTV change,
// normalized by a tenth of the amount.
func Reward(split Split, accepted, completed bool, ltvDelta, riskCost float64) float64 {
	switch {
	case accepted && completed:
		base := split.Amounts.Platform - riskCost + ltvDelta*0.1
		return clamp(base/(split.Amount*0.1), -1, 1)
	case accepted:
		return -0.5
	default:
		return -1
	}
}

// RecordOutcome attributes a transaction outcome to the arm that produced
// the split.
func (o *Optimizer) RecordOutcome(ctx context.Context, splitID string, accepted, completed bool, ltvDelta, riskCost float64) (OutcomeResult, error) {
	split, ok := o.history.Get(splitID)
	if !ok {
		return OutcomeResult{}, api.NotFound("split", splitID)
	}

	_, span := otel.StartSpan(ctx, tracerName, "revsplit.outcome", otel.SplitAttributes(split.Segment, split.Policy)...)
	defer span.End()

	reward := Reward(split, accepted, completed, ltvDelta, riskCost)
	span.SetAttributes(otel.AttrReward.Float64(reward))

	b := o.banks[split.Segment]
	b.mu.Lock()
	a := b.arms[o.index[split.Policy]]
	a.pulls++
	a.totalReward += reward
	success := clamp((reward+1)/2, 0, 1)
	a.alpha += success
	a.beta += 1 - success
	b.mu.Unlock()

	outcome := outcomeRejected
	switch {
	case accepted && completed:
		outcome = outcomeCompleted
	case accepted:
		outcome = outcomeIncomplete
	}
	o.metrics.SplitOutcomes.WithLabelValues(split.Segment, outcome).Inc()
	o.metrics.SplitReward.WithLabelValues(split.Segment).Observe(reward)

	result := OutcomeResult{
		SplitID: splitID,
		Segment: split.Segment,
		Policy:  split.Policy,
		Reward:  round(reward, 4),
	}
	o.events.Emit(events.SplitOutcome, map[string]any{
		"split_id": splitID,
		"segment":  split.Segment,
		"policy":   split.Policy,
		"outcome":  outcome,
		"reward":   result.Reward,
	})

	return result, nil
}

// GetSplit returns a split still held in history.
func (o *Optimizer) GetSplit(splitID string) (Split, error) {
	split, ok := o.history.Get(splitID)
	if !ok {
		return Split{}, api.NotFound("split", splitID)
	}
	return split, nil
}

// SegmentStats returns arm snapshots keyed by segment then policy. A known
// segment limits the result to that segment.
func (o *Optimizer) SegmentStats(segment string) map[string]map[string]ArmStats {
	segments := Segments
	if _, ok := o.banks[segment]; ok {
		segments = []string{segment}
	}

	out := make(map[string]map[string]ArmStats, len(segments))
	for _, s := range segments {
		out[s] = o.bankStats(s)
	}
	return out
}

func (o *Optimizer) bankStats(segment string) map[string]ArmStats {
	b := o.banks[segment]
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]ArmStats, len(b.arms))
	for i, a := range b.arms {
		out[o.catalogue[i].Name] = a.stats()
	}
	return out
}

// Recommendations returns the arm with the highest posterior mean in each
// segment. Ties go to the earlier catalogue entry.
func (o *Optimizer) Recommendations() map[string]Recommendation {
	out := make(map[string]Recommendation, len(Segments))
	for _, segment := range Segments {
		b := o.banks[segment]
		b.mu.Lock()
		var rec Recommendation
		best := -1.0
		for i, a := range b.arms {
			st := a.stats()
			if st.Mean > best {
				best = st.Mean
				rec = Recommendation{Policy: o.catalogue[i].Name, Confidence: st.Mean, Pulls: st.Pulls}
			}
		}
		b.mu.Unlock()
		out[segment] = rec
	}
	return out
}

// Stats counts the splits still held in history.
func (o *Optimizer) Stats() Stats {
	st := Stats{
		BySegment:       make(map[string]int),
		ByPolicy:        make(map[string]int),
		Recommendations: o.Recommendations(),
		Policies:        o.Policies(),
	}
	o.history.Range(func(_ string, split Split) bool {
		st.TotalSplits++
		st.BySegment[split.Segment]++
		st.ByPolicy[split.Policy]++
		return true
	})
	return st
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
