// Package config loads engram's configuration from YAML and ENGRAM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"engram/internal/datadir"
	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/ledger"
	"engram/internal/maintenance"
	"engram/internal/router"
)

// EnvPrefix prefixes every environment override, e.g.
// ENGRAM_EMBEDDING_PROVIDER for embedding.provider.
const EnvPrefix = "ENGRAM"

var ErrConfigExists = errors.New("config: file already exists")

// Config is the full engram configuration.
type Config struct {
	DataDir     string                         `mapstructure:"data_dir" yaml:"data_dir"`
	Database    DatabaseConfig                 `mapstructure:"database" yaml:"database"`
	Embedding   EmbeddingConfig                `mapstructure:"embedding" yaml:"embedding"`
	Index       IndexConfig                    `mapstructure:"index" yaml:"index"`
	Router      RouterConfig                   `mapstructure:"router" yaml:"router"`
	Pricing     map[string]ledger.ModelPricing `mapstructure:"pricing" yaml:"pricing"`
	Migration   MigrationConfig                `mapstructure:"migration" yaml:"migration"`
	Maintenance maintenance.Config             `mapstructure:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig                  `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig locates the segment store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // default {data_dir}/data/engram.db
}

// EmbeddingConfig selects the embedder variant.
type EmbeddingConfig struct {
	Provider          string  `mapstructure:"provider" yaml:"provider"` // "offline" or "openai"
	Dimensions        int     `mapstructure:"dimensions" yaml:"dimensions"`
	APIKey            string  `mapstructure:"api_key" yaml:"api_key,omitempty"` // supports ${ENV_VAR} expansion
	Model             string  `mapstructure:"model" yaml:"model,omitempty"`
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	BatchSize         int     `mapstructure:"batch_size" yaml:"batch_size"`
	MaxAttempts       int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	CacheSize         int64   `mapstructure:"cache_size" yaml:"cache_size"`
}

// IndexConfig tunes every progressive index.
type IndexConfig struct {
	M                   int `mapstructure:"m" yaml:"m"`
	EfConstruction      int `mapstructure:"ef_construction" yaml:"ef_construction"`
	EfSearch            int `mapstructure:"ef_search" yaml:"ef_search"`
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds" yaml:"tick_interval_seconds"`
	BatchSize           int `mapstructure:"batch_size" yaml:"batch_size"`
	CheckpointEvery     int `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	MaxPending          int `mapstructure:"max_pending" yaml:"max_pending"`
}

// RouterConfig holds the tier table and decision thresholds.
type RouterConfig struct {
	Tiers               TierModels `mapstructure:"tiers" yaml:"tiers"`
	CacheHitThreshold   float64    `mapstructure:"cache_hit_threshold" yaml:"cache_hit_threshold"`
	MergeThreshold      float64    `mapstructure:"merge_threshold" yaml:"merge_threshold"`
	ComplexityThreshold float64    `mapstructure:"complexity_threshold" yaml:"complexity_threshold"`
}

// TierModels names the model behind each tier. Transform may be empty when
// no cheap transform path exists.
type TierModels struct {
	Transform string `mapstructure:"transform" yaml:"transform"`
	Fast      string `mapstructure:"fast" yaml:"fast"`
	Deep      string `mapstructure:"deep" yaml:"deep"`
}

// MigrationConfig controls the first-run notes import.
type MigrationConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Name      string `mapstructure:"name" yaml:"name"`
	Source    string `mapstructure:"source" yaml:"source"` // default {data_dir}/MEMORY.md
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Default returns the stock configuration.
func Default() *Config {
	rc := router.DefaultConfig()
	pricing := make(map[string]ledger.ModelPricing, len(ledger.DefaultPricing))
	for k, v := range ledger.DefaultPricing {
		pricing[k] = v
	}
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:          embedding.ProviderOffline,
			Dimensions:        384,
			Model:             "text-embedding-3-small",
			TimeoutSeconds:    30,
			BatchSize:         10,
			MaxAttempts:       3,
			InitialBackoffMS:  500,
			RequestsPerSecond: 0,
			CacheSize:         10000,
		},
		Index: IndexConfig{
			M:                   16,
			EfConstruction:      200,
			EfSearch:            64,
			TickIntervalSeconds: 5,
			BatchSize:           10,
			CheckpointEvery:     100,
			MaxPending:          10000,
		},
		Router: RouterConfig{
			Tiers: TierModels{
				Transform: rc.Tiers[router.TierTransform],
				Fast:      rc.Tiers[router.TierFast],
				Deep:      rc.Tiers[router.TierDeep],
			},
			CacheHitThreshold:   rc.CacheHitThreshold,
			MergeThreshold:      rc.MergeThreshold,
			ComplexityThreshold: rc.ComplexityThreshold,
		},
		Pricing: pricing,
		Migration: MigrationConfig{
			Enabled:   true,
			Name:      "memory-md",
			BatchSize: 10,
		},
		Maintenance: maintenance.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// keyDelimiter separates nested viper keys. Model ids such as "gpt-4.1"
// contain dots, so the default "." delimiter would split pricing keys.
const keyDelimiter = "::"

// setDefaults registers every leaf of Default with v so that environment
// overrides apply to keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("database::path", d.Database.Path)

	v.SetDefault("embedding::provider", d.Embedding.Provider)
	v.SetDefault("embedding::dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding::api_key", d.Embedding.APIKey)
	v.SetDefault("embedding::model", d.Embedding.Model)
	v.SetDefault("embedding::base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding::timeout_seconds", d.Embedding.TimeoutSeconds)
	v.SetDefault("embedding::batch_size", d.Embedding.BatchSize)
	v.SetDefault("embedding::max_attempts", d.Embedding.MaxAttempts)
	v.SetDefault("embedding::initial_backoff_ms", d.Embedding.InitialBackoffMS)
	v.SetDefault("embedding::requests_per_second", d.Embedding.RequestsPerSecond)
	v.SetDefault("embedding::cache_size", d.Embedding.CacheSize)

	v.SetDefault("index::m", d.Index.M)
	v.SetDefault("index::ef_construction", d.Index.EfConstruction)
	v.SetDefault("index::ef_search", d.Index.EfSearch)
	v.SetDefault("index::tick_interval_seconds", d.Index.TickIntervalSeconds)
	v.SetDefault("index::batch_size", d.Index.BatchSize)
	v.SetDefault("index::checkpoint_every", d.Index.CheckpointEvery)
	v.SetDefault("index::max_pending", d.Index.MaxPending)

	v.SetDefault("router::tiers::transform", d.Router.Tiers.Transform)
	v.SetDefault("router::tiers::fast", d.Router.Tiers.Fast)
	v.SetDefault("router::tiers::deep", d.Router.Tiers.Deep)
	v.SetDefault("router::cache_hit_threshold", d.Router.CacheHitThreshold)
	v.SetDefault("router::merge_threshold", d.Router.MergeThreshold)
	v.SetDefault("router::complexity_threshold", d.Router.ComplexityThreshold)

	pricing := make(map[string]any, len(d.Pricing))
	for model, p := range d.Pricing {
		pricing[model] = map[string]any{
			"input_per_mtoken":  p.InputPerMToken,
			"output_per_mtoken": p.OutputPerMToken,
		}
	}
	v.SetDefault("pricing", pricing)

	v.SetDefault("migration::enabled", d.Migration.Enabled)
	v.SetDefault("migration::name", d.Migration.Name)
	v.SetDefault("migration::source", d.Migration.Source)
	v.SetDefault("migration::batch_size", d.Migration.BatchSize)

	v.SetDefault("maintenance::enabled", d.Maintenance.Enabled)
	v.SetDefault("maintenance::schedule", d.Maintenance.Schedule)
	v.SetDefault("maintenance::window::start_hour", d.Maintenance.Window.StartHour)
	v.SetDefault("maintenance::window::end_hour", d.Maintenance.Window.EndHour)
	v.SetDefault("maintenance::window::time_zone", d.Maintenance.Window.TimeZone)

	v.SetDefault("logging::level", d.Logging.Level)
	v.SetDefault("logging::format", d.Logging.Format)
}

// Load reads configuration from path (when it exists) and the environment,
// then validates it. A missing file yields the defaults plus any
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.expandPaths()
	cfg.Embedding.APIKey = os.ExpandEnv(cfg.Embedding.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() {
	c.DataDir = datadir.ExpandHome(os.ExpandEnv(c.DataDir))
	c.Database.Path = datadir.ExpandHome(os.ExpandEnv(c.Database.Path))
	c.Migration.Source = datadir.ExpandHome(os.ExpandEnv(c.Migration.Source))
}

// Validate checks the configuration for errors that would make engine
// construction fail.
func (c *Config) Validate() error {
	var errs []error

	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive (got %d)", c.Embedding.Dimensions))
	}
	switch c.Embedding.Provider {
	case embedding.ProviderOffline:
	case embedding.ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			errs = append(errs, fmt.Errorf("embedding.api_key is required for provider %q", c.Embedding.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider))
	}

	for name, v := range map[string]float64{
		"router.cache_hit_threshold":  c.Router.CacheHitThreshold,
		"router.merge_threshold":      c.Router.MergeThreshold,
		"router.complexity_threshold": c.Router.ComplexityThreshold,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1] (got %g)", name, v))
		}
	}
	if c.Router.MergeThreshold < c.Router.CacheHitThreshold {
		errs = append(errs, fmt.Errorf("router.merge_threshold (%g) must not be below router.cache_hit_threshold (%g)",
			c.Router.MergeThreshold, c.Router.CacheHitThreshold))
	}
	if c.Router.Tiers.Fast == "" || c.Router.Tiers.Deep == "" {
		errs = append(errs, errors.New("router.tiers.fast and router.tiers.deep must name a model"))
	}

	if c.Index.M < 0 || c.Index.M == 1 {
		errs = append(errs, fmt.Errorf("index.m must be at least 2 (got %d)", c.Index.M))
	}
	if c.Index.TickIntervalSeconds < 0 || c.Index.BatchSize < 0 || c.Index.CheckpointEvery < 0 || c.Index.MaxPending < 0 {
		errs = append(errs, errors.New("index settings must not be negative"))
	}

	if c.Migration.Enabled && c.Migration.Name == "" {
		errs = append(errs, errors.New("migration.name is required when migration is enabled"))
	}

	if c.Maintenance.Window.StartHour < 0 || c.Maintenance.Window.StartHour > 23 ||
		c.Maintenance.Window.EndHour < 0 || c.Maintenance.Window.EndHour > 23 {
		errs = append(errs, errors.New("maintenance.window hours must be within 0-23"))
	}
	if c.Maintenance.Window.TimeZone != "" {
		if _, err := time.LoadLocation(c.Maintenance.Window.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("invalid maintenance.window.time_zone %q: %w", c.Maintenance.Window.TimeZone, err))
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid logging.level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return Default().Save(path)
}

// EmbeddingOptions converts to the embedding factory's configuration.
func (c *Config) EmbeddingOptions() embedding.Config {
	e := c.Embedding
	return embedding.Config{
		Provider:          e.Provider,
		Dimensions:        e.Dimensions,
		APIKey:            e.APIKey,
		Model:             e.Model,
		BaseURL:           e.BaseURL,
		Timeout:           time.Duration(e.TimeoutSeconds) * time.Second,
		BatchSize:         e.BatchSize,
		MaxAttempts:       e.MaxAttempts,
		InitialBackoff:    time.Duration(e.InitialBackoffMS) * time.Millisecond,
		RequestsPerSecond: e.RequestsPerSecond,
		CacheSize:         e.CacheSize,
	}
}

// IndexOptions returns progressive index options for the namespace prefix.
func (c *Config) IndexOptions(prefix string) index.Options {
	i := c.Index
	return index.Options{
		Prefix: prefix,
		Graph: index.GraphConfig{
			M:              i.M,
			EfConstruction: i.EfConstruction,
			EfSearch:       i.EfSearch,
		},
		TickInterval:    time.Duration(i.TickIntervalSeconds) * time.Second,
		BatchSize:       i.BatchSize,
		CheckpointEvery: i.CheckpointEvery,
		MaxPending:      i.MaxPending,
	}
}

// RouterOptions converts to the router's configuration.
func (c *Config) RouterOptions() router.Config {
	tiers := map[router.Tier]string{
		router.TierFast: c.Router.Tiers.Fast,
		router.TierDeep: c.Router.Tiers.Deep,
	}
	if c.Router.Tiers.Transform != "" {
		tiers[router.TierTransform] = c.Router.Tiers.Transform
	}
	return router.Config{
		Tiers:               tiers,
		CacheHitThreshold:   c.Router.CacheHitThreshold,
		MergeThreshold:      c.Router.MergeThreshold,
		ComplexityThreshold: c.Router.ComplexityThreshold,
	}
}

// PricingTable returns the configured pricing, falling back to the default
// table when none is configured.
func (c *Config) PricingTable() ledger.Pricing {
	if len(c.Pricing) == 0 {
		return ledger.DefaultPricing
	}
	return ledger.Pricing(c.Pricing)
}
