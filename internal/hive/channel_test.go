package hive

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/policyhive/internal/metrics"
)

func artifact(topic, segment string, at time.Time) Artifact {
	payload, _ := json.Marshal(map[string]any{
		"route_id": topic,
		"scope":    map[string]string{"segment": segment, "geo": "all"},
	})
	return Artifact{ID: topic + ":v1", Topic: topic, Payload: payload, PublishedAt: at}
}

func TestFilterMatch(t *testing.T) {
	a := artifact(RoutesTopic+"/pricing_oaa", "smb", time.Now())

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"wildcard", Filter{Topics: []string{RoutesTopic + "/*"}}, true},
		{"exact", Filter{Topics: []string{RoutesTopic + "/pricing_oaa"}}, true},
		{"other topic", Filter{Topics: []string{"hive/routes/shadow/*"}}, false},
		{"scope match", Filter{Where: map[string]string{"scope.segment": "smb"}}, true},
		{"scope mismatch", Filter{Where: map[string]string{"scope.segment": "enterprise"}}, false},
		{"missing path", Filter{Where: map[string]string{"scope.region": "eu"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(a))
		})
	}
}

func TestMemoryChannelKeepsLatestPerTopic(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ch.PublishArtifact(ctx, artifact(RoutesTopic+"/a", "smb", base)))
	require.NoError(t, ch.PublishArtifact(ctx, artifact(RoutesTopic+"/b", "smb", base.Add(time.Minute))))
	updated := artifact(RoutesTopic+"/a", "enterprise", base.Add(2*time.Minute))
	updated.ID = "a:v2"
	require.NoError(t, ch.PublishArtifact(ctx, updated))

	assert.Equal(t, 2, ch.Len())

	got, err := ch.FetchArtifacts(ctx, Filter{Topics: []string{RoutesTopic + "/*"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:v2", got[0].ID, "newest first")

	got, err = ch.FetchArtifacts(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = ch.FetchArtifacts(ctx, Filter{Where: map[string]string{"scope.segment": "smb"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RoutesTopic+"/b", got[0].Topic)
}

func TestMemoryChannelWatch(t *testing.T) {
	ch := NewMemoryChannel()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- ch.Watch(ctx, Filter{Topics: []string{RoutesTopic + "/*"}}, func(a Artifact) {
			mu.Lock()
			got = append(got, a.Topic)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		ch.mu.RLock()
		defer ch.mu.RUnlock()
		return len(ch.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.PublishArtifact(context.Background(), artifact(RoutesTopic+"/a", "smb", time.Time{})))
	require.NoError(t, ch.PublishArtifact(context.Background(), artifact("hive/other/x", "smb", time.Time{})))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{RoutesTopic + "/a"}, got)
}

func TestMemoryChannelClosed(t *testing.T) {
	ch := NewMemoryChannel()
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.PublishArtifact(context.Background(), Artifact{Topic: "x"}), ErrClosed)
	_, err := ch.FetchArtifacts(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
}

func TestNewRedisChannelFailsWithoutServer(t *testing.T) {
	_, err := NewRedisChannel(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisChannelDefaults(t *testing.T) {
	r := NewRedisChannelWithClient(unreachableClient(), RedisConfig{})
	defer r.Close()

	assert.Equal(t, DefaultPubSubChannel, r.cfg.PubSubChannel)
	assert.Equal(t, DefaultStoreKey, r.cfg.StoreKey)
	assert.Nil(t, r.limiter)
}

func TestRedisChannelThrottlesPublish(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRedisChannelWithClient(unreachableClient(), RedisConfig{
		PublishRate:  0.001,
		PublishBurst: 1,
		Metrics:      m,
	})
	defer r.Close()
	ctx := context.Background()

	// the first publish uses the only token and fails on the network
	err := r.PublishArtifact(ctx, artifact(RoutesTopic+"/a", "smb", time.Time{}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrThrottled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HiveMessages.WithLabelValues("publish", "error")))

	err = r.PublishArtifact(ctx, artifact(RoutesTopic+"/a", "smb", time.Time{}))
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HiveThrottled))
}
