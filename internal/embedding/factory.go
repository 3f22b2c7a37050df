package embedding

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Provider names accepted by New.
const (
	ProviderOffline = "offline"
	ProviderOpenAI  = "openai"
)

// Config selects and tunes the embedder variant.
type Config struct {
	Provider          string
	Dimensions        int
	APIKey            string
	Model             string
	BaseURL           string
	Timeout           time.Duration
	BatchSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	RequestsPerSecond float64
	CacheSize         int64 // 0 disables the cache
}

// New constructs the configured embedder. Configuration problems (unknown
// provider, missing credentials) are returned here, never at call time.
func New(cfg Config, logger zerolog.Logger) (Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, &EmbeddingError{Op: "configure", Err: fmt.Errorf("%w: dimensions must be positive", ErrDimensionMismatch)}
	}

	var e Embedder
	switch cfg.Provider {
	case ProviderOffline, "":
		e = NewHashEmbedder(cfg.Dimensions)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, &EmbeddingError{Op: "configure", Err: ErrMissingAPIKey}
		}
		provider := NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimensions, cfg.Timeout)
		e = NewNetworkEmbedder(provider, NetworkConfig{
			Dimensions:        cfg.Dimensions,
			BatchSize:         cfg.BatchSize,
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    cfg.InitialBackoff,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, logger)
	default:
		return nil, &EmbeddingError{Op: "configure", Err: fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)}
	}

	if cfg.CacheSize > 0 {
		cached, err := NewCached(e, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return e, nil
}
