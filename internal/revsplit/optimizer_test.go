package revsplit

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/metrics"
)

func newOptimizer(t *testing.T, opts Options) *Optimizer {
	t.Helper()
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func sum(s Shares) float64 {
	return math.Round(s.Sum()*100) / 100
}

func TestSplitAmountsSumToAmount(t *testing.T) {
	o := newOptimizer(t, Options{})
	ctx := context.Background()

	amounts := []float64{0.01, 1, 9.99, 100, 333.33, 1234.57, 50000}
	for _, segment := range Segments {
		for _, policy := range o.Policies() {
			for _, amount := range amounts {
				split, err := o.GetOptimalSplit(ctx, amount, segment, policy)
				require.NoError(t, err)
				assert.InDelta(t, amount, sum(split.Amounts), 0.005, "%s/%s/%v", segment, policy, amount)
				assert.Equal(t, policy, split.Policy)
				assert.Equal(t, segment, split.Segment)
			}
		}
	}
}

func TestStandardSplitAmounts(t *testing.T) {
	o := newOptimizer(t, Options{})

	split, err := o.GetOptimalSplit(context.Background(), 1000, SegmentFreelance, "standard")
	require.NoError(t, err)

	assert.Equal(t, Shares{Platform: 60, User: 790, Pool: 100, Partner: 50}, split.Amounts)
	assert.Equal(t, 0.06, split.Percentages.Platform)
	assert.False(t, split.ComplianceAdjusted)
	assert.Contains(t, split.ID, "split_freelance_standard_")
}

func TestComplianceFloorsTakeFromUser(t *testing.T) {
	o := newOptimizer(t, Options{Catalogue: []SplitPolicy{
		{Name: "thin", Shares: Shares{Platform: 0.01, User: 0.90, Pool: 0.02, Partner: 0.01}},
	}})

	split, err := o.GetOptimalSplit(context.Background(), 1000, SegmentRetail, "")
	require.NoError(t, err)

	assert.Equal(t, 20.0, split.Amounts.Platform)
	assert.Equal(t, 50.0, split.Amounts.Pool)
	assert.Equal(t, 10.0, split.Amounts.Partner)
	assert.Equal(t, 920.0, split.Amounts.User)
	assert.True(t, split.ComplianceAdjusted)
}

func TestUnknownSegmentFallsBackToDefault(t *testing.T) {
	o := newOptimizer(t, Options{})

	split, err := o.GetOptimalSplit(context.Background(), 100, "space-tourism", "")
	require.NoError(t, err)
	assert.Equal(t, SegmentDefault, split.Segment)
}

func TestGetOptimalSplitValidation(t *testing.T) {
	o := newOptimizer(t, Options{})
	ctx := context.Background()

	_, err := o.GetOptimalSplit(ctx, 100, SegmentRetail, "charity")
	assert.True(t, api.IsValidation(err))

	_, err = o.GetOptimalSplit(ctx, 0, SegmentRetail, "")
	assert.True(t, api.IsValidation(err))

	_, err = o.GetOptimalSplit(ctx, math.NaN(), SegmentRetail, "")
	assert.True(t, api.IsValidation(err))
}

func TestNewRejectsBadCatalogue(t *testing.T) {
	tests := []struct {
		name      string
		catalogue []SplitPolicy
	}{
		{"empty name", []SplitPolicy{{Shares: Shares{Platform: 0.1}}}},
		{"negative", []SplitPolicy{{Name: "x", Shares: Shares{Platform: -0.1}}}},
		{"overcommitted", []SplitPolicy{{Name: "x", Shares: Shares{Platform: 0.5, Pool: 0.4, Partner: 0.2}}}},
		{"duplicate", []SplitPolicy{{Name: "x"}, {Name: "x"}}},
		// 0.02 + 0.05 floors + 0.95 partner leaves the user negative
		{"overcommitted at floors", []SplitPolicy{{Name: "x", Shares: Shares{Partner: 0.95, User: 0.05}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Catalogue: tt.catalogue})
			assert.True(t, api.IsValidation(err))
		})
	}
}

func TestNewValidatesFloors(t *testing.T) {
	_, err := New(Options{Floors: &Floors{PlatformMin: 0.6, PoolMin: 0.5}})
	assert.True(t, api.IsValidation(err))

	_, err = New(Options{Floors: &Floors{PlatformMin: -0.1}})
	assert.True(t, api.IsValidation(err))

	o, err := New(Options{
		Catalogue: []SplitPolicy{{Name: "edge", Shares: Shares{Partner: 0.9}}},
	})
	require.NoError(t, err)
	split, err := o.GetOptimalSplit(context.Background(), 100, SegmentRetail, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, split.Amounts.User, 0.0)
	assert.InDelta(t, 100.0, split.Amounts.Sum(), 0.01)
}

func TestReward(t *testing.T) {
	split := Split{Amount: 1000, Amounts: Shares{Platform: 60}}

	tests := []struct {
		name      string
		accepted  bool
		completed bool
		ltv       float64
		risk      float64
		want      float64
	}{
		{"completed", true, true, 0, 0, 0.6},
		{"with ltv", true, true, 100, 0, 0.7},
		{"with risk", true, true, 0, 30, 0.3},
		{"clamped high", true, true, 1000, 0, 1},
		{"clamped low", true, true, 0, 500, -1},
		{"incomplete", true, false, 100, 0, -0.5},
		{"rejected", false, false, 100, 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Reward(split, tt.accepted, tt.completed, tt.ltv, tt.risk), 1e-9)
		})
	}
}

func TestRecordOutcomeUpdatesArm(t *testing.T) {
	o := newOptimizer(t, Options{})
	ctx := context.Background()

	split, err := o.GetOptimalSplit(ctx, 1000, SegmentEnterprise, "standard")
	require.NoError(t, err)

	res, err := o.RecordOutcome(ctx, split.ID, true, true, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.6, res.Reward)
	assert.Equal(t, "standard", res.Policy)

	st := o.SegmentStats(SegmentEnterprise)[SegmentEnterprise]["standard"]
	assert.InDelta(t, 1.8, st.Alpha, 1e-9)
	assert.InDelta(t, 1.2, st.Beta, 1e-9)
	assert.Equal(t, int64(1), st.Pulls)

	// rejection only grows beta
	_, err = o.RecordOutcome(ctx, split.ID, false, false, 0, 0)
	require.NoError(t, err)
	st = o.SegmentStats(SegmentEnterprise)[SegmentEnterprise]["standard"]
	assert.InDelta(t, 1.8, st.Alpha, 1e-9)
	assert.InDelta(t, 2.2, st.Beta, 1e-9)
	assert.InDelta(t, -0.2, st.AvgReward, 1e-9)

	// other segments are untouched
	other := o.SegmentStats(SegmentRetail)[SegmentRetail]["standard"]
	assert.Equal(t, 1.0, other.Alpha)
	assert.Equal(t, 1.0, other.Beta)
}

func TestArmParametersStayAtLeastOne(t *testing.T) {
	o := newOptimizer(t, Options{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		split, err := o.GetOptimalSplit(ctx, 250, SegmentCreator, "")
		require.NoError(t, err)
		_, err = o.RecordOutcome(ctx, split.ID, i%3 != 0, i%2 == 0, float64(i), float64(i%7))
		require.NoError(t, err)
	}

	for _, st := range o.SegmentStats(SegmentCreator)[SegmentCreator] {
		assert.GreaterOrEqual(t, st.Alpha, 1.0)
		assert.GreaterOrEqual(t, st.Beta, 1.0)
	}
}

func TestRecordOutcomeUnknownSplit(t *testing.T) {
	o := newOptimizer(t, Options{})

	_, err := o.RecordOutcome(context.Background(), "split_nope", true, true, 0, 0)
	assert.True(t, api.IsNotFound(err))
}

func TestThompsonSamplingConvergesOnWinner(t *testing.T) {
	o := newOptimizer(t, Options{})
	ctx := context.Background()

	// growth always completes at full reward, everything else is rejected
	for i := 0; i < 100; i++ {
		for _, policy := range o.Policies() {
			split, err := o.GetOptimalSplit(ctx, 100, SegmentRetail, policy)
			require.NoError(t, err)
			_, err = o.RecordOutcome(ctx, split.ID, policy == "growth", policy == "growth", 0, 0)
			require.NoError(t, err)
		}
	}

	chosen := 0
	for i := 0; i < 100; i++ {
		split, err := o.GetOptimalSplit(ctx, 100, SegmentRetail, "")
		require.NoError(t, err)
		if split.Policy == "growth" {
			chosen++
		}
	}
	assert.GreaterOrEqual(t, chosen, 99)

	recs := o.Recommendations()
	assert.Equal(t, "growth", recs[SegmentRetail].Policy)
	assert.Equal(t, int64(100), recs[SegmentRetail].Pulls)
	// untouched segments tie on the prior and pick the first catalogue entry
	assert.Equal(t, "premium", recs[SegmentFreelance].Policy)
	assert.Equal(t, 0.5, recs[SegmentFreelance].Confidence)
}

func TestHistoryIsBounded(t *testing.T) {
	o := newOptimizer(t, Options{HistoryCap: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		split, err := o.GetOptimalSplit(ctx, 100, SegmentRetail, "premium")
		require.NoError(t, err)
		ids = append(ids, split.ID)
	}

	st := o.Stats()
	assert.Equal(t, 3, st.TotalSplits)
	assert.Equal(t, 3, st.BySegment[SegmentRetail])
	assert.Equal(t, 3, st.ByPolicy["premium"])
	assert.Equal(t, []string{"premium", "standard", "aggressive", "growth"}, st.Policies)

	_, err := o.GetSplit(ids[0])
	assert.True(t, api.IsNotFound(err))
	_, err = o.GetSplit(ids[4])
	assert.NoError(t, err)
}

func TestMetricsAndEvents(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var seen []string
	o := newOptimizer(t, Options{
		Metrics: m,
		Events:  events.EmitterFunc(func(eventType string, _ map[string]any) { seen = append(seen, eventType) }),
	})
	ctx := context.Background()

	split, err := o.GetOptimalSplit(ctx, 100, SegmentRetail, "growth")
	require.NoError(t, err)
	_, err = o.RecordOutcome(ctx, split.ID, true, false, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BanditPulls.WithLabelValues(SegmentRetail, "growth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SplitOutcomes.WithLabelValues(SegmentRetail, "incomplete")))
	assert.Equal(t, []string{events.SplitSelected, events.SplitOutcome}, seen)
}
