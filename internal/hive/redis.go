package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/policyhive/internal/metrics"
)

const (
	DefaultPubSubChannel = "hive:routes:apex"
	DefaultStoreKey      = "hive:artifacts"
)

// RedisConfig configures a RedisChannel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// PubSubChannel carries live notifications. Default: hive:routes:apex
	PubSubChannel string
	// StoreKey is the hash holding the latest artifact per topic.
	// Default: hive:artifacts
	StoreKey string

	// PublishRate limits publishes per second. Zero disables the limit.
	PublishRate  float64
	PublishBurst int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// RedisChannel stores artifacts in a Redis hash and announces them over
// Redis pub/sub.
type RedisChannel struct {
	client  *redis.Client
	cfg     RedisConfig
	limiter *rate.Limiter
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(cfg RedisConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisChannelWithClient(client, cfg), nil
}

// NewRedisChannelWithClient wraps an existing client. Connection settings
// in cfg are ignored.
func NewRedisChannelWithClient(client *redis.Client, cfg RedisConfig) *RedisChannel {
	if cfg.PubSubChannel == "" {
		cfg.PubSubChannel = DefaultPubSubChannel
	}
	if cfg.StoreKey == "" {
		cfg.StoreKey = DefaultStoreKey
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}

	return &RedisChannel{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		log:     cfg.Logger.WithField("component", "hive"),
		metrics: metrics.OrDiscard(cfg.Metrics),
	}
}

func (r *RedisChannel) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.HiveMessages.WithLabelValues(op, result).Inc()
}

// PublishArtifact writes the artifact to the store hash and publishes it in
// one transaction.
func (r *RedisChannel) PublishArtifact(ctx context.Context, a Artifact) error {
	if r.limiter != nil && !r.limiter.Allow() {
		r.metrics.HiveThrottled.Inc()
		return ErrThrottled
	}
	if a.PublishedAt.IsZero() {
		a.PublishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.cfg.StoreKey, a.Topic, data)
		pipe.Publish(ctx, r.cfg.PubSubChannel, data)
		return nil
	})
	r.observe("publish", err)
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// FetchArtifacts reads the store hash. Topics are screened on the raw JSON
// before an artifact is decoded.
func (r *RedisChannel) FetchArtifacts(ctx context.Context, f Filter) ([]Artifact, error) {
	raw, err := r.client.HGetAll(ctx, r.cfg.StoreKey).Result()
	r.observe("fetch", err)
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}

	out := make([]Artifact, 0, len(raw))
	for field, data := range raw {
		if !topicMatches(f.Topics, gjson.Get(data, "topic").String()) {
			continue
		}
		var a Artifact
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			r.log.WithError(err).WithField("topic", field).Warn("skipping undecodable artifact")
			continue
		}
		out = append(out, a)
	}
	return f.apply(out), nil
}

// Watch subscribes to the pub/sub channel until ctx is done.
func (r *RedisChannel) Watch(ctx context.Context, f Filter, fn func(Artifact)) error {
	sub := r.client.Subscribe(ctx, r.cfg.PubSubChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		r.observe("watch", err)
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a Artifact
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				r.observe("watch", err)
				continue
			}
			r.observe("watch", nil)
			if f.Match(a) {
				fn(a)
			}
		}
	}
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}

func topicMatches(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, topic); err == nil && ok {
			return true
		}
	}
	return false
}
