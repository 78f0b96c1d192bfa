package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/policyhive/internal/api"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policyhive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7*24*time.Hour, cfg.FeatureStore.DefaultTTL)
	assert.Len(t, cfg.RevSplit.Catalogue, 4)
	assert.Equal(t, "memory", cfg.Hive.Backend)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
node_id: node-eu-1
feature_store:
  default_ttl: 48h
exploration:
  max_exploration_pct: 0.05
revsplit:
  catalogue:
    - name: flat
      shares: {platform: 0.05, user: 0.80, pool: 0.10, partner: 0.05}
apex:
  signing_key: secret
  min_lift: 0.1
hive:
  backend: redis
  redis_addr: redis:6379
scheduler:
  publish_spec: "@hourly"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-eu-1", cfg.NodeID)
	assert.Equal(t, 48*time.Hour, cfg.FeatureStore.DefaultTTL)
	assert.Equal(t, 0.05, cfg.Exploration.MaxExplorationPct)
	assert.Equal(t, 0.03, cfg.Exploration.MinExplorationPct, "unset fields keep defaults")
	require.Len(t, cfg.RevSplit.Catalogue, 1)
	assert.Equal(t, 0.80, cfg.RevSplit.Catalogue[0].Shares.User)
	assert.Equal(t, 0.1, cfg.Apex.MinLift)
	assert.Equal(t, "redis:6379", cfg.Hive.RedisAddr)
	assert.Equal(t, "@hourly", cfg.Scheduler.PublishSpec)
	assert.Equal(t, "@every 5m", cfg.Scheduler.ExpireSpec)
	assert.NoError(t, cfg.RequireSigningKey())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "apex:\n  min_lift: 0.1\n")
	t.Setenv("POLICYHIVE_APEX_MIN_LIFT", "0.2")
	t.Setenv("POLICYHIVE_FEATURE_TTL", "1h")
	t.Setenv("POLICYHIVE_SCHEDULER_ENABLED", "false")
	t.Setenv("POLICYHIVE_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.2, cfg.Apex.MinLift)
	assert.Equal(t, time.Hour, cfg.FeatureStore.DefaultTTL)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port, "unparseable values fall back")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "node_id: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty node", func(c *Config) { c.NodeID = "" }, "node_id"},
		{"ttl", func(c *Config) { c.FeatureStore.DefaultTTL = 0 }, "feature_store.default_ttl"},
		{"learning rate", func(c *Config) { c.Policy.LearningRate = 0 }, "policy.learning_rate"},
		{"exploration rate", func(c *Config) { c.Policy.ExplorationRate = 1.5 }, "policy.exploration_rate"},
		{"budget order", func(c *Config) { c.Exploration.MinExplorationPct = 0.5 }, "exploration.min_exploration_pct"},
		{"empty catalogue", func(c *Config) { c.RevSplit.Catalogue = nil }, "revsplit.catalogue"},
		{"floors", func(c *Config) { c.RevSplit.PlatformMin = 0.9; c.RevSplit.PoolMin = 0.2 }, "revsplit.floors"},
		{"shadow samples", func(c *Config) { c.Apex.ShadowSamples = 0 }, "apex.shadow_samples"},
		{"hive backend", func(c *Config) { c.Hive.Backend = "kafka" }, "hive.backend"},
		{"redis addr", func(c *Config) { c.Hive.Backend = "redis"; c.Hive.RedisAddr = "" }, "hive.redis_addr"},
		{"sampling", func(c *Config) { c.Telemetry.SamplingRate = 2 }, "telemetry.sampling_rate"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ve *api.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRequireSigningKey(t *testing.T) {
	cfg := Default()
	assert.True(t, api.IsValidation(cfg.RequireSigningKey()))
}
