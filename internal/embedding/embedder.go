// Package embedding turns text into fixed-dimension vectors.
//
// Two interchangeable variants exist: a network embedder that delegates to a
// remote Provider with bounded retries, and a deterministic offline embedder
// based on locality-sensitive hashing. The variant is chosen once at
// construction; nothing falls back from one to the other implicitly.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Embedder converts text into vectors of a fixed dimension.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length.
	Dimensions() int

	// Name identifies the embedder, e.g. "lsh" or "openai:text-embedding-3-small".
	Name() string
}

var (
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
	ErrEmptyBatch        = errors.New("embedding: provider returned wrong number of vectors")
	ErrMissingAPIKey     = errors.New("embedding: network provider requires an api key")
	ErrUnknownProvider   = errors.New("embedding: unknown provider")
)

// EmbeddingError wraps a failed embedding operation.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding.%s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ProviderError is a failure reported by a remote embedding provider.
// Retryable errors are transient (timeouts, rate limits, 5xx).
type ProviderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider: %v", e.Err)
	}
	return fmt.Sprintf("provider: status %d: %v", e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CheckDimensions verifies that e produces vectors of length dim. A mismatch
// is a configuration error.
func CheckDimensions(e Embedder, dim int) error {
	if e.Dimensions() != dim {
		return &EmbeddingError{
			Op:  "configure",
			Err: fmt.Errorf("%w: %s produces %d, store expects %d", ErrDimensionMismatch, e.Name(), e.Dimensions(), dim),
		}
	}
	return nil
}
