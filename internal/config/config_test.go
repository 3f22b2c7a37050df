package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/router"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "offline", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 16, cfg.Index.M)
	assert.Equal(t, 100, cfg.Index.CheckpointEvery)
	assert.Equal(t, 10000, cfg.Index.MaxPending)
	assert.Equal(t, 0.85, cfg.Router.CacheHitThreshold)
	assert.Equal(t, 0.95, cfg.Router.MergeThreshold)
	assert.Equal(t, 0.30, cfg.Router.ComplexityThreshold)
	assert.Equal(t, 10, cfg.Migration.BatchSize)
	assert.NotEmpty(t, cfg.Pricing)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Embedding, cfg.Embedding)
	assert.Equal(t, Default().Router, cfg.Router)
	assert.Equal(t, "claude-opus-4-6", cfg.RouterOptions().Tiers[router.TierDeep])
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedding:
  dimensions: 128
router:
  cache_hit_threshold: 0.8
  tiers:
    fast: my-fast-model
index:
  tick_interval_seconds: 2
logging:
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Embedding.Dimensions)
	assert.Equal(t, "offline", cfg.Embedding.Provider)
	assert.Equal(t, 0.8, cfg.Router.CacheHitThreshold)
	assert.Equal(t, 0.95, cfg.Router.MergeThreshold)
	assert.Equal(t, "my-fast-model", cfg.Router.Tiers.Fast)
	assert.Equal(t, "claude-opus-4-6", cfg.Router.Tiers.Deep)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 2*time.Second, cfg.IndexOptions("memory/").TickInterval)
}

func TestLoad_PricingKeysWithDots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  gpt-4.5-preview:
    input_per_mtoken: 75
    output_per_mtoken: 150
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Pricing, "gpt-4.5-preview")
	assert.Equal(t, 75.0, cfg.Pricing["gpt-4.5-preview"].InputPerMToken)
	assert.Equal(t, 150.0, cfg.Pricing["gpt-4.5-preview"].OutputPerMToken)
	// defaults with dotted ids survive alongside the file's entries
	assert.Equal(t, 2.0, cfg.Pricing["gpt-4.1"].InputPerMToken)
	assert.Equal(t, 2.50, cfg.Pricing["gpt-4o"].InputPerMToken)
	assert.Equal(t, 75.0, cfg.PricingTable().For("gpt-4.5-preview-2025").InputPerMToken)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_EMBEDDING_DIMENSIONS", "64")
	t.Setenv("ENGRAM_LOGGING_LEVEL", "debug")
	t.Setenv("ENGRAM_MIGRATION_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Embedding.Dimensions)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Migration.Enabled)
}

func TestLoad_ExpandsAPIKey(t *testing.T) {
	t.Setenv("MY_EMBED_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedding:
  provider: openai
  api_key: ${MY_EMBED_KEY}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test", cfg.EmbeddingOptions().APIKey)
}

func TestLoad_InvalidFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding:\n  provider: openai\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }, "embedding.dimensions"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "llama" }, "unknown embedding.provider"},
		{"threshold above one", func(c *Config) { c.Router.CacheHitThreshold = 1.5 }, "router.cache_hit_threshold"},
		{"merge below hit", func(c *Config) { c.Router.MergeThreshold = 0.5 }, "must not be below"},
		{"missing deep tier", func(c *Config) { c.Router.Tiers.Deep = "" }, "router.tiers"},
		{"m of one", func(c *Config) { c.Index.M = 1 }, "index.m"},
		{"negative batch", func(c *Config) { c.Index.BatchSize = -1 }, "must not be negative"},
		{"bad window", func(c *Config) { c.Maintenance.Window.EndHour = 24 }, "0-23"},
		{"bad zone", func(c *Config) { c.Maintenance.Window.TimeZone = "Mars/Base" }, "time_zone"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "engram.yaml")
	require.NoError(t, WriteDefault(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = WriteDefault(path, false)
	assert.ErrorIs(t, err, ErrConfigExists)
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Index, cfg.Index)
	assert.Equal(t, Default().Maintenance, cfg.Maintenance)
	assert.Equal(t, Default().Pricing["gpt-4o"], cfg.Pricing["gpt-4o"])
}

func TestRouterOptions_OmitsEmptyTransformTier(t *testing.T) {
	cfg := Default()
	cfg.Router.Tiers.Transform = ""
	tiers := cfg.RouterOptions().Tiers
	assert.Len(t, tiers, 2)
	_, ok := tiers[router.TierTransform]
	assert.False(t, ok)
}
