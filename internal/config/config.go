// Package config loads service configuration from defaults, an optional
// YAML file and POLICYHIVE_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/policyhive/internal/apex"
	"github.com/fractal-lba/policyhive/internal/api"
	"github.com/fractal-lba/policyhive/internal/events"
	"github.com/fractal-lba/policyhive/internal/exploration"
	"github.com/fractal-lba/policyhive/internal/featurestore"
	"github.com/fractal-lba/policyhive/internal/hive"
	"github.com/fractal-lba/policyhive/internal/policy"
	"github.com/fractal-lba/policyhive/internal/revsplit"
	"github.com/fractal-lba/policyhive/internal/worker"
)

const envPrefix = "POLICYHIVE_"

type Config struct {
	NodeID       string                 `yaml:"node_id"`
	FeatureStore FeatureStoreConfig     `yaml:"feature_store"`
	Policy       PolicyConfig           `yaml:"policy"`
	Exploration  exploration.Thresholds `yaml:"exploration"`
	RevSplit     RevSplitConfig         `yaml:"revsplit"`
	Apex         ApexConfig             `yaml:"apex"`
	Events       EventsConfig           `yaml:"events"`
	Hive         HiveConfig             `yaml:"hive"`
	Scheduler    SchedulerConfig        `yaml:"scheduler"`
	Telemetry    TelemetryConfig        `yaml:"telemetry"`
	Log          LogConfig              `yaml:"log"`
	Server       ServerConfig           `yaml:"server"`
}

type FeatureStoreConfig struct {
	MaxRecords  int           `yaml:"max_records"`
	MaxVersions int           `yaml:"max_versions"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
}

type PolicyConfig struct {
	LearningRate    float64 `yaml:"learning_rate"`
	ExplorationRate float64 `yaml:"exploration_rate"`
	HistoryCap      int     `yaml:"history_cap"`
	Seed            uint64  `yaml:"seed"`
}

type RevSplitConfig struct {
	Catalogue   []revsplit.SplitPolicy `yaml:"catalogue"`
	PlatformMin float64                `yaml:"platform_min"`
	PoolMin     float64                `yaml:"pool_min"`
	HistoryCap  int                    `yaml:"history_cap"`
	Seed        uint64                 `yaml:"seed"`
}

type ApexConfig struct {
	// SigningKey is the shared HMAC key for route signatures.
	SigningKey       string             `yaml:"signing_key"`
	MinProvenSamples int64              `yaml:"min_proven_samples"`
	MinLift          float64            `yaml:"min_lift"`
	TopK             int                `yaml:"top_k"`
	ShadowSamples    int                `yaml:"shadow_samples"`
	ShadowWindow     int                `yaml:"shadow_window"`
	Scope            map[string]string  `yaml:"scope"`
	Guardrails       map[string]float64 `yaml:"guardrails"`
	Subscriptions    []string           `yaml:"subscriptions"`
}

type EventsConfig struct {
	QueueSize  int     `yaml:"queue_size"`
	Workers    int     `yaml:"workers"`
	HistoryCap int     `yaml:"history_cap"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	LogSink    bool    `yaml:"log_sink"`

	// PostgresURL enables the Postgres event ledger when set.
	PostgresURL string `yaml:"postgres_url"`

	// ForwardToHive shares network-relevant events on the hive channel.
	ForwardToHive bool `yaml:"forward_to_hive"`

	// JournalDir enables the local JSON-lines event journal when set.
	JournalDir string `yaml:"journal_dir"`
}

type HiveConfig struct {
	// Backend is "memory" or "redis".
	Backend       string  `yaml:"backend"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
	PubSubChannel string  `yaml:"pubsub_channel"`
	StoreKey      string  `yaml:"store_key"`
	PublishRate   float64 `yaml:"publish_rate"`
	PublishBurst  int     `yaml:"publish_burst"`
}

type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ExpireSpec  string `yaml:"expire_spec"`
	PublishSpec string `yaml:"publish_spec"`
	SyncSpec    string `yaml:"sync_spec"`
}

type TelemetryConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ServiceName       string  `yaml:"service_name"`
	Environment       string  `yaml:"environment"`
	CollectorEndpoint string  `yaml:"collector_endpoint"`
	CollectorInsecure bool    `yaml:"collector_insecure"`
	SamplingRate      float64 `yaml:"sampling_rate"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	MetricsUser     string        `yaml:"metrics_user"`
	MetricsPass     string        `yaml:"metrics_pass"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		NodeID: "policyhive-local",
		FeatureStore: FeatureStoreConfig{
			MaxRecords:  featurestore.DefaultMaxRecords,
			MaxVersions: featurestore.DefaultMaxVersions,
			DefaultTTL:  featurestore.DefaultTTL,
		},
		Policy: PolicyConfig{
			LearningRate:    policy.DefaultLearningRate,
			ExplorationRate: policy.DefaultExplorationRate,
			HistoryCap:      policy.DefaultHistoryCap,
		},
		Exploration: exploration.DefaultThresholds(),
		RevSplit: RevSplitConfig{
			Catalogue:   revsplit.DefaultCatalogue(),
			PlatformMin: revsplit.DefaultPlatformMin,
			PoolMin:     revsplit.DefaultPoolMin,
			HistoryCap:  revsplit.DefaultHistoryCap,
		},
		Apex: ApexConfig{
			MinProvenSamples: apex.DefaultMinProvenSamples,
			MinLift:          apex.DefaultMinLift,
			TopK:             apex.DefaultTopK,
			ShadowSamples:    apex.DefaultShadowSamples,
			ShadowWindow:     apex.DefaultShadowWindow,
			Scope:            map[string]string{"segment": "all", "geo": "all"},
			Guardrails:       map[string]float64{"min_margin": 0.25},
			Subscriptions:    []string{apex.DefaultSubscription},
		},
		Events: EventsConfig{
			QueueSize:  worker.DefaultQueueSize,
			Workers:    worker.DefaultWorkers,
			HistoryCap: events.DefaultHistoryCap,
			RatePerSec: 1000,
			Burst:      100,
			LogSink:    true,
		},
		Hive: HiveConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			PubSubChannel: hive.DefaultPubSubChannel,
			StoreKey:      hive.DefaultStoreKey,
			PublishRate:   10,
			PublishBurst:  20,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			ExpireSpec:  "@every 5m",
			PublishSpec: "@every 15m",
			SyncSpec:    "@every 1m",
		},
		Telemetry: TelemetryConfig{
			ServiceName:       "policyhive",
			Environment:       "production",
			CollectorEndpoint: "localhost:4317",
			CollectorInsecure: true,
			SamplingRate:      1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)

	c.FeatureStore.MaxRecords = getEnvInt("FEATURE_MAX_RECORDS", c.FeatureStore.MaxRecords)
	c.FeatureStore.DefaultTTL = getEnvDuration("FEATURE_TTL", c.FeatureStore.DefaultTTL)

	c.Policy.LearningRate = getEnvFloat("LEARNING_RATE", c.Policy.LearningRate)
	c.Policy.ExplorationRate = getEnvFloat("EXPLORATION_RATE", c.Policy.ExplorationRate)

	c.Apex.SigningKey = getEnv("APEX_SIGNING_KEY", c.Apex.SigningKey)
	c.Apex.MinLift = getEnvFloat("APEX_MIN_LIFT", c.Apex.MinLift)
	c.Apex.ShadowSamples = getEnvInt("APEX_SHADOW_SAMPLES", c.Apex.ShadowSamples)

	c.Events.PostgresURL = getEnv("EVENTS_POSTGRES_URL", c.Events.PostgresURL)
	c.Events.RatePerSec = getEnvFloat("EVENTS_RATE", c.Events.RatePerSec)
	c.Events.JournalDir = getEnv("EVENTS_JOURNAL_DIR", c.Events.JournalDir)

	c.Hive.Backend = getEnv("HIVE_BACKEND", c.Hive.Backend)
	c.Hive.RedisAddr = getEnv("REDIS_ADDR", c.Hive.RedisAddr)
	c.Hive.RedisPassword = getEnv("REDIS_PASSWORD", c.Hive.RedisPassword)
	c.Hive.RedisDB = getEnvInt("REDIS_DB", c.Hive.RedisDB)

	c.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)

	c.Telemetry.Enabled = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.CollectorEndpoint = getEnv("OTEL_ENDPOINT", c.Telemetry.CollectorEndpoint)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.MetricsUser = getEnv("METRICS_USER", c.Server.MetricsUser)
	c.Server.MetricsPass = getEnv("METRICS_PASS", c.Server.MetricsPass)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return invalid("node_id", "must not be empty")
	case c.FeatureStore.MaxRecords <= 0:
		return invalid("feature_store.max_records", "must be positive")
	case c.FeatureStore.DefaultTTL <= 0:
		return invalid("feature_store.default_ttl", "must be positive")
	case c.Policy.LearningRate <= 0 || c.Policy.LearningRate > 1:
		return invalid("policy.learning_rate", "must be in (0, 1]")
	case c.Policy.ExplorationRate < 0 || c.Policy.ExplorationRate > 1:
		return invalid("policy.exploration_rate", "must be in [0, 1]")
	case c.Exploration.MinExplorationPct < 0 || c.Exploration.MinExplorationPct > c.Exploration.MaxExplorationPct:
		return invalid("exploration.min_exploration_pct", "must be between 0 and max_exploration_pct")
	case c.Exploration.MaxExplorationPct > 1:
		return invalid("exploration.max_exploration_pct", "must be at most 1")
	case len(c.RevSplit.Catalogue) == 0:
		return invalid("revsplit.catalogue", "must list at least one policy")
	case c.RevSplit.PlatformMin < 0 || c.RevSplit.PoolMin < 0 || c.RevSplit.PlatformMin+c.RevSplit.PoolMin > 1:
		return invalid("revsplit.floors", "must be non-negative and sum to at most 1")
	case c.Apex.MinLift < 0:
		return invalid("apex.min_lift", "must not be negative")
	case c.Apex.ShadowSamples <= 0:
		return invalid("apex.shadow_samples", "must be positive")
	case c.Hive.Backend != "memory" && c.Hive.Backend != "redis":
		return invalid("hive.backend", fmt.Sprintf("unknown backend %q", c.Hive.Backend))
	case c.Hive.Backend == "redis" && c.Hive.RedisAddr == "":
		return invalid("hive.redis_addr", "required for the redis backend")
	case c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1:
		return invalid("telemetry.sampling_rate", "must be in [0, 1]")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return invalid("server.port", "must be a valid TCP port")
	}
	return nil
}

// RequireSigningKey fails when no route signing key is configured.
func (c *Config) RequireSigningKey() error {
	if c.Apex.SigningKey == "" {
		return invalid("apex.signing_key", "set apex.signing_key or "+envPrefix+"APEX_SIGNING_KEY")
	}
	return nil
}

func invalid(field, msg string) error {
	return &api.ValidationError{Field: field, Message: msg}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
