package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/memory"
	"engram/internal/semantic"
	"engram/internal/segment"
)

const testDim = 64

type fixture struct {
	db    *segment.SQLite
	notes *memory.Store
	idx   *index.Progressive
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := segment.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "engram.db"), testDim, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := embedding.NewHashEmbedder(testDim)
	idx := index.NewProgressive(db, index.Options{Prefix: segment.NamespaceMemory}, zerolog.Nop())
	sessIdx := index.NewProgressive(db, index.Options{Prefix: segment.NamespaceSession}, zerolog.Nop())
	notes := memory.New(
		semantic.New(db, emb, idx, zerolog.Nop()),
		semantic.New(db, emb, sessIdx, zerolog.Nop()),
		zerolog.Nop(),
	)
	return fixture{db: db, notes: notes, idx: idx}
}

func writeNotes(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "MEMORY.md")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestRun_ImportsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := writeNotes(t,
		"# Auth", "",
		"- authentication using JWT",
		"- JWT token refresh",
		"", "# Data", "",
		"- database schema design",
	)
	m := New(f.notes, f.db, 0, zerolog.Nop())

	res, err := m.Run(ctx, "memory-md", path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, 3, res.Imported)
	assert.False(t, res.AlreadyDone)
	assert.Equal(t, 3, f.idx.Pending())

	done, err := m.Done(ctx, "memory-md")
	require.NoError(t, err)
	assert.True(t, done)

	again, err := m.Run(ctx, "memory-md", path)
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
	assert.Equal(t, 3, again.Imported)

	n, err := f.notes.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	note, err := f.notes.Get(ctx, NoteID("JWT token refresh"))
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, note.Tags)
	assert.Equal(t, path, note.Source)
}

func TestRun_MissingSourceLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := New(f.notes, f.db, 0, zerolog.Nop())

	res, err := m.Run(ctx, "memory-md", filepath.Join(t.TempDir(), "absent.md"))
	require.NoError(t, err)
	assert.True(t, res.SourceMissing)

	done, err := m.Done(ctx, "memory-md")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRun_ResumesInterruptedImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := writeNotes(t, "- first note", "- second note", "- third note")

	vecs, err := f.notes.EmbedBatch(ctx, []string{"first note"})
	require.NoError(t, err)
	require.NoError(t, f.notes.Import(ctx, memory.Note{ID: NoteID("first note"), Text: "first note"}, vecs[0]))

	res, err := New(f.notes, f.db, 0, zerolog.Nop()).Run(ctx, "memory-md", path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Duplicates)

	n, err := f.notes.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// flakyImporter fails to embed the batch containing a poisoned text.
type flakyImporter struct {
	poison   string
	imported []memory.Note
	emb      embedding.Embedder
}

func (f *flakyImporter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == f.poison {
			return nil, errors.New("provider timeout")
		}
	}
	return f.emb.EmbedBatch(ctx, texts)
}

func (f *flakyImporter) Import(_ context.Context, n memory.Note, _ []float32) error {
	f.imported = append(f.imported, n)
	return nil
}

type memMarkers struct{ segs map[string]segment.Segment }

func (m *memMarkers) Read(_ context.Context, key string) (segment.Segment, error) {
	s, ok := m.segs[key]
	if !ok {
		return segment.Segment{}, segment.ErrNotFound
	}
	return s, nil
}

func (m *memMarkers) Write(_ context.Context, seg segment.Segment) error {
	m.segs[seg.Key] = seg
	return nil
}

func TestRun_SkipsFailedBatch(t *testing.T) {
	lines := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		lines = append(lines, "- note "+string(rune('a'+i)))
	}
	path := writeNotes(t, lines...)

	imp := &flakyImporter{poison: "note m", emb: embedding.NewHashEmbedder(testDim)}
	markers := &memMarkers{segs: map[string]segment.Segment{}}
	res, err := New(imp, markers, 10, zerolog.Nop()).Run(context.Background(), "memory-md", path)
	require.NoError(t, err)

	// "note m" is entry 12, in the second batch of ten
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 15, res.Imported)
	assert.Len(t, imp.imported, 15)

	marker, ok := markers.segs[segment.MarkerKey("memory-md")]
	require.True(t, ok)
	assert.Equal(t, 15, marker.Meta.Marker.Count)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	path := writeNotes(t, "- a note")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(f.notes, f.db, 0, zerolog.Nop()).Run(ctx, "memory-md", path)
	assert.Error(t, err)

	done, err := New(f.notes, f.db, 0, zerolog.Nop()).Done(context.Background(), "memory-md")
	require.NoError(t, err)
	assert.False(t, done)
}
