// Package migration imports an existing free-text notes file into the
// memory store once.
//
// Completion is recorded as a marker segment; a present marker skips the
// run entirely. Note ids are derived from content, so an interrupted run
// that is repeated does not duplicate what it already imported.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"engram/internal/memory"
	"engram/internal/segment"
)

// DefaultBatchSize is how many entries are embedded per call.
const DefaultBatchSize = 10

// noteNamespace seeds content-addressed note ids.
var noteNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("engram:memory"))

// NoteID returns the id a migrated note with text gets.
func NoteID(text string) string {
	return uuid.NewSHA1(noteNamespace, []byte(text)).String()
}

// Importer receives migrated notes. *memory.Store implements it.
type Importer interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Import(ctx context.Context, n memory.Note, vec []float32) error
}

// Markers persists completion markers.
type Markers interface {
	Read(ctx context.Context, key string) (segment.Segment, error)
	Write(ctx context.Context, seg segment.Segment) error
}

// Result summarizes one migration run.
type Result struct {
	Name          string    `json:"name"`
	Source        string    `json:"source"`
	AlreadyDone   bool      `json:"already_done"`
	SourceMissing bool      `json:"source_missing"`
	Entries       int       `json:"entries"`
	Imported      int       `json:"imported"`
	Duplicates    int       `json:"duplicates"`
	FailedBatches int       `json:"failed_batches"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// Migrator runs named one-time migrations.
type Migrator struct {
	notes     Importer
	markers   Markers
	batchSize int
	logger    zerolog.Logger
}

// New creates a Migrator. batchSize <= 0 uses DefaultBatchSize.
func New(notes Importer, markers Markers, batchSize int, logger zerolog.Logger) *Migrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Migrator{
		notes:     notes,
		markers:   markers,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "migration").Logger(),
	}
}

// Done reports whether the migration called name has completed.
func (m *Migrator) Done(ctx context.Context, name string) (bool, error) {
	_, err := m.markers.Read(ctx, segment.MarkerKey(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, segment.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Run imports the notes file at path unless migration name already ran. A
// missing source is not an error and leaves no marker, so a later run with
// the file present still imports it. A batch whose embedding fails is
// logged and skipped.
func (m *Migrator) Run(ctx context.Context, name, path string) (Result, error) {
	res := Result{Name: name, Source: path}
	logger := m.logger.With().Str("migration", name).Str("source", path).Logger()

	marker, err := m.markers.Read(ctx, segment.MarkerKey(name))
	if err == nil {
		res.AlreadyDone = true
		if mm := marker.Meta.Marker; mm != nil {
			res.CompletedAt = mm.CompletedAt
			res.Imported = mm.Count
		}
		logger.Debug().Msg("migration already completed, skipping")
		return res, nil
	}
	if !errors.Is(err, segment.ErrNotFound) {
		return res, fmt.Errorf("migration %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		res.SourceMissing = true
		logger.Info().Msg("no notes to migrate")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("migration %s: read source: %w", name, err)
	}

	entries := ParseNotes(string(data))
	res.Entries = len(entries)
	logger.Info().Int("entries", len(entries)).Msg("migrating notes")

	for start := 0; start < len(entries); start += m.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch := entries[start:min(start+m.batchSize, len(entries))]
		if err := m.importBatch(ctx, batch, path, &res); err != nil {
			var skip *batchError
			if errors.As(err, &skip) {
				res.FailedBatches++
				logger.Warn().Err(skip.Err).Int("offset", start).Int("size", len(batch)).Msg("skipping batch that failed to embed")
				continue
			}
			return res, fmt.Errorf("migration %s: %w", name, err)
		}
	}

	res.CompletedAt = time.Now().UTC()
	err = m.markers.Write(ctx, segment.Segment{
		Key:     segment.MarkerKey(name),
		Content: path,
		Meta: segment.Metadata{
			Kind: segment.KindMarker,
			Marker: &segment.MarkerMeta{
				Name:        name,
				CompletedAt: res.CompletedAt,
				Count:       res.Imported + res.Duplicates,
			},
		},
	})
	if err != nil && !errors.Is(err, segment.ErrDuplicateKey) {
		return res, fmt.Errorf("migration %s: write marker: %w", name, err)
	}

	logger.Info().
		Int("imported", res.Imported).
		Int("duplicates", res.Duplicates).
		Int("failed_batches", res.FailedBatches).
		Msg("migration complete")
	return res, nil
}

// batchError marks an embedding failure that only costs its batch.
type batchError struct{ Err error }

func (e *batchError) Error() string { return e.Err.Error() }
func (e *batchError) Unwrap() error { return e.Err }

func (m *Migrator) importBatch(ctx context.Context, batch []Entry, source string, res *Result) error {
	texts := make([]string, len(batch))
	for i, e := range batch {
		texts[i] = e.Text
	}
	vecs, err := m.notes.EmbedBatch(ctx, texts)
	if err != nil {
		return &batchError{Err: err}
	}
	if len(vecs) != len(batch) {
		return &batchError{Err: fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))}
	}

	for i, e := range batch {
		err := m.notes.Import(ctx, memory.Note{
			ID:     NoteID(e.Text),
			Text:   e.Text,
			Tags:   e.Tags,
			Source: source,
		}, vecs[i])
		switch {
		case errors.Is(err, segment.ErrDuplicateKey):
			res.Duplicates++
		case err != nil:
			return err
		default:
			res.Imported++
		}
	}
	return nil
}
