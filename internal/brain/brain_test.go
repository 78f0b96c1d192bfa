package brain

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/policyhive/internal/apex"
	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/config"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/exploration"
	"github.com/fractal-lba/policyhive/internal/featurestore"
	"github.com/fractal-lba/policyhive/internal/hive"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/internal/policy"
)

func testConfig(nodeID string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.Apex.SigningKey = "shared-secret"
	cfg.Apex.MinProvenSamples = 5
	cfg.Scheduler.Enabled = false
	cfg.Events.LogSink = false
	cfg.Events.RatePerSec = 0
	cfg.Policy.Seed = 7
	cfg.RevSplit.Seed = 7
	return cfg
}

func newBrain(t *testing.T, cfg *config.Config, ch hive.Channel) *Brain {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	b, err := New(context.Background(), Options{
		Config:  cfg,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Channel: ch,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewRequiresSigningKey(t *testing.T) {
	cfg := testConfig("n1")
	cfg.Apex.SigningKey = ""

	_, err := New(context.Background(), Options{Config: cfg})
	assert.True(t, api.IsValidation(err))
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig("n1")
	cfg.Hive.Backend = "redis"
	cfg.Hive.RedisAddr = "127.0.0.1:1"

	_, err := New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	assert.True(t, api.IsStateConflict(b.Start(ctx)))
}

func TestEventsRefreshFeatures(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	require.NoError(t, b.Start(context.Background()))

	_, err := b.Emit("ocs.updated", map[string]any{"actor_id": "A", "ocs": 72.0, "delta": 4.0})
	require.NoError(t, err)
	_, err = b.Emit("connector.health", map[string]any{"connector_id": "stripe", "fail_rate": 0.02})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.OCS("A") == 72.0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		f, err := b.GetFeatures(featurestore.Key{"connector_id": "stripe"}, "fail_rate")
		return err == nil && f["fail_rate"] == 0.02
	}, time.Second, 5*time.Millisecond)

	_, err = b.Emit("ocs.updated", map[string]any{"actor_id": "A"})
	assert.True(t, api.IsValidation(err))
	assert.Equal(t, featurestore.DefaultOCS, b.OCS("unknown"))
}

func TestFeatureAdministration(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	key := featurestore.Key{"actor_id": "A", "sku_id": "S1"}

	v, err := b.UpdateFeatures(key, map[string]any{"margin": 0.3}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.Len(t, b.ScanFeatures(featurestore.Key{"actor_id": "A"}, 10), 1)
	assert.True(t, b.DeleteFeatures(key))
	_, err = b.GetFeatures(key)
	assert.True(t, api.IsNotFound(err))
}

func TestDecisionAndExperimentFlow(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	ctx := context.Background()

	state := api.State{"base_price": 100.0, "ocs": 70.0}
	action := b.Suggest(ctx, policy.PricingPolicy, state)
	assert.Equal(t, policy.PricingPolicy, action.Policy)
	b.Learn(ctx, policy.PricingPolicy, state, action, 0.4, nil)

	_, err := b.StartExperiment("exp-1", exploration.TypePricing, nil)
	require.NoError(t, err)
	_, err = b.RecordExploration(ctx, "exp-1", true, 1.0, nil)
	require.NoError(t, err)
	_, err = b.KillExperiment("exp-1", "manual")
	require.NoError(t, err)
	assert.Len(t, b.ListExperiments(exploration.StatusKilled), 1)

	b.ShouldExplore(map[string]any{"policy": policy.PricingPolicy})
	assert.Equal(t, int64(1), b.Stats().Exploration.TotalVolume)

	assert.Len(t, b.EventHistory(events.PolicyLearned, 0), 1)
}

func TestRevenueSplitFlow(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	ctx := context.Background()

	split, err := b.GetOptimalSplit(ctx, 1000, "retail", "standard")
	require.NoError(t, err)
	assert.Equal(t, "standard", split.Policy)

	res, err := b.RecordSplitOutcome(ctx, split.ID, true, true, 0, 0)
	require.NoError(t, err)
	assert.Greater(t, res.Reward, 0.0)

	_, err = b.RecordSplitOutcome(ctx, "split_missing", true, true, 0, 0)
	assert.True(t, api.IsNotFound(err))
	assert.Len(t, b.EventHistory(events.SplitSelected, 0), 1)
}

func TestRoutesFlowBetweenNodes(t *testing.T) {
	ch := hive.NewMemoryChannel()
	origin := newBrain(t, testConfig("origin"), ch)
	peer := newBrain(t, testConfig("peer"), ch)
	ctx := context.Background()

	state := api.State{"base_price": 100.0}
	for i := 0; i < 6; i++ {
		action := origin.Suggest(ctx, policy.PricingPolicy, state)
		origin.Learn(ctx, policy.PricingPolicy, state, action, 0.25, nil)
	}

	top := origin.FindTopRoutes(0, 0)
	require.NotEmpty(t, top)
	assert.Equal(t, apex.RouteID(policy.PricingPolicy), top[0].RouteID)

	res := origin.PublishRoutes(ctx, nil)
	require.GreaterOrEqual(t, res.Published, 1)
	require.Eventually(t, func() bool { return ch.Len() >= 1 }, time.Second, 5*time.Millisecond)

	sync, err := peer.SyncRoutes(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sync.Collecting, 1)
	assert.Empty(t, peer.ListRoutes(), "shadow entries are not listed")
}

func TestRunJob(t *testing.T) {
	b := newBrain(t, testConfig("n1"), nil)
	ctx := context.Background()

	require.NoError(t, b.RunJob(ctx, JobExpireFeatures))
	require.NoError(t, b.RunJob(ctx, JobSyncRoutes))
	require.NoError(t, b.RunJob(ctx, JobPublishRoutes))
	assert.True(t, api.IsNotFound(b.RunJob(ctx, "missing")))

	stats := b.Stats()
	assert.Equal(t, "n1", stats.NodeID)
	assert.Len(t, stats.Jobs, 3)
}

func TestEventJournal(t *testing.T) {
	cfg := testConfig("n1")
	cfg.Events.JournalDir = t.TempDir()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	logger, _ := logtest.NewNullLogger()
	b, err := New(context.Background(), Options{
		Config:  cfg,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Now:     func() time.Time { return at },
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	_, err = b.Emit("bundle.attach", map[string]any{"coi_id": "c1", "bundle_skus": []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	got, err := events.Replay(events.JournalPath(cfg.Events.JournalDir, at))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bundle.attach", got[0].Type)
}
