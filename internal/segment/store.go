package segment

import (
	"context"
	"iter"
)

// Store is durable keyed segment storage. Writes are visible to subsequent
// reads and scans as soon as they return.
type Store interface {
	// Write creates a segment. Write-once namespaces reject existing keys
	// with ErrDuplicateKey; in mutable namespaces an existing key is updated
	// in place with its embedding preserved.
	Write(ctx context.Context, seg Segment) error

	// Read returns one segment or ErrNotFound. A corrupt record is an error.
	Read(ctx context.Context, key string) (Segment, error)

	// Update replaces content and metadata of an existing segment in a
	// mutable namespace, keeping its key and embedding.
	Update(ctx context.Context, key, content string, meta Metadata) error

	// Scan yields segments whose key starts with prefix in key order.
	// Iteration is lazy and restartable; corrupt records are skipped and
	// logged. A non-nil error ends the sequence.
	Scan(ctx context.Context, prefix string) iter.Seq2[Segment, error]

	// Count returns how many keys start with prefix.
	Count(ctx context.Context, prefix string) (int, error)

	// SaveGraph and LoadGraph persist an index checkpoint artifact by name.
	// LoadGraph returns nil data when none exists.
	SaveGraph(ctx context.Context, name string, data []byte) error
	LoadGraph(ctx context.Context, name string) ([]byte, error)

	// Checkpoint flushes buffered state to the main database file.
	Checkpoint(ctx context.Context) error

	// Dimension is the embedding length every embedded segment must have.
	Dimension() int

	Close() error
}
