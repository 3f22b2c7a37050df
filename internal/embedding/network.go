package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"engram/internal/observability"
)

// Compile-time interface check.
var _ Embedder = (*NetworkEmbedder)(nil)

// Provider is the remote side of the network embedder: one request embeds a
// slice of texts.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// NetworkConfig tunes the network embedder.
type NetworkConfig struct {
	Dimensions        int
	BatchSize         int           // texts per provider call (default 10)
	MaxAttempts       int           // attempts per call including the first (default 3)
	InitialBackoff    time.Duration // first retry delay (default 500ms)
	MaxBackoff        time.Duration // cap on retry delay (default 5s)
	RequestsPerSecond float64       // 0 disables pacing
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// NetworkEmbedder delegates to a Provider. Transient provider failures are
// retried with exponential backoff; batches are split to BatchSize texts.
type NetworkEmbedder struct {
	provider Provider
	cfg      NetworkConfig
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewNetworkEmbedder wraps provider.
func NewNetworkEmbedder(provider Provider, cfg NetworkConfig, logger zerolog.Logger) *NetworkEmbedder {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &NetworkEmbedder{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "embedding").Str("provider", provider.Name()).Logger(),
	}
}

func (n *NetworkEmbedder) Name() string    { return n.provider.Name() }
func (n *NetworkEmbedder) Dimensions() int { return n.cfg.Dimensions }

// Embed implements Embedder.
func (n *NetworkEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := n.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder.
func (n *NetworkEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += n.cfg.BatchSize {
		end := min(start+n.cfg.BatchSize, len(texts))
		vecs, err := n.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, &EmbeddingError{Op: "embed", Err: err}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (n *NetworkEmbedder) embedChunk(ctx context.Context, chunk []string) (vecs [][]float32, err error) {
	ctx, span := observability.StartClientSpan(ctx, "embedding.provider", n.provider.Name())
	span.SetAttributes(attribute.Int("embedding.batch_size", len(chunk)))
	defer func() { observability.End(span, err) }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialBackoff
	b.MaxInterval = n.cfg.MaxBackoff

	op := func() ([][]float32, error) {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		vecs, err := n.provider.Embed(ctx, chunk)
		if err != nil {
			var pe *ProviderError
			if errors.As(err, &pe) && !pe.Retryable {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return vecs, nil
	}

	vecs, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			n.logger.Warn().Err(err).Dur("retry_in", wait).Msg("embedding request failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	if len(vecs) != len(chunk) {
		return nil, fmt.Errorf("%w: sent %d texts, got %d vectors", ErrEmptyBatch, len(chunk), len(vecs))
	}
	for _, v := range vecs {
		if len(v) != n.cfg.Dimensions {
			return nil, fmt.Errorf("%w: provider returned %d, configured %d", ErrDimensionMismatch, len(v), n.cfg.Dimensions)
		}
	}
	return vecs, nil
}
