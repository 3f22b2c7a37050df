package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/semantic"
	"engram/internal/segment"
)

const testDim = 384

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := segment.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "engram.db"), testDim, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := embedding.NewHashEmbedder(testDim)
	space := func(prefix string) *semantic.Space {
		idx := index.NewProgressive(db, index.Options{Prefix: prefix}, zerolog.Nop())
		return semantic.New(db, emb, idx, zerolog.Nop())
	}
	return New(space(segment.NamespaceMemory), space(segment.NamespaceSession), zerolog.Nop())
}

func TestAdd_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Add(ctx, "x", []string{"t"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "x", n.Text)
	assert.Equal(t, []string{"t"}, n.Tags)
	assert.Equal(t, id, n.ID)
	assert.False(t, n.CreatedAt.IsZero())

	// full keys are accepted too
	n, err = s.Get(ctx, NoteKey(id))
	require.NoError(t, err)
	assert.Equal(t, "x", n.Text)
}

func TestAdd_EmptyText(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyText)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAdd_TextWithoutLettersOrDigits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Add(ctx, "???", nil)
	assert.ErrorIs(t, err, ErrNoSearchableText)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, s.notes.Index().Pending())
}

func TestImport_ZeroVectorStoredUnindexed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	note := Note{ID: "punct", Text: "---", Source: "notes.md"}
	require.NoError(t, s.Import(ctx, note, make([]float32, testDim)))

	got, err := s.Get(ctx, "punct")
	require.NoError(t, err)
	assert.Equal(t, "---", got.Text)
	assert.Zero(t, s.notes.Index().Pending())
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, segment.ErrNotFound)
}

func TestSearch_JWTNotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	jwt1, err := s.Add(ctx, "authentication using JWT", []string{"auth"})
	require.NoError(t, err)
	_, err = s.Add(ctx, "database schema design", []string{"db"})
	require.NoError(t, err)
	jwt2, err := s.Add(ctx, "JWT token refresh", []string{"auth"})
	require.NoError(t, err)

	res, err := s.Search(ctx, "JWT authentication", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.ElementsMatch(t, []string{jwt1, jwt2}, []string{res[0].Note.ID, res[1].Note.ID})
	assert.GreaterOrEqual(t, res[0].Score, res[1].Score)
}

func TestImport_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	vecs, err := s.EmbedBatch(ctx, []string{"imported note"})
	require.NoError(t, err)

	note := Note{ID: "fixed-id", Text: "imported note", Tags: []string{"legacy"}, Source: "notes.md"}
	require.NoError(t, s.Import(ctx, note, vecs[0]))
	assert.ErrorIs(t, s.Import(ctx, note, vecs[0]), segment.ErrDuplicateKey)

	got, err := s.Get(ctx, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "notes.md", got.Source)
	assert.Equal(t, []string{"legacy"}, got.Tags)
}

func TestSessions_HistoryOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 1; i <= 12; i++ {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		turn, err := s.AppendTurn(ctx, "sess1", role, fmt.Sprintf("message number %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, turn.Number)
	}
	_, err := s.AppendTurn(ctx, "other", RoleUser, "unrelated")
	require.NoError(t, err)

	hist, err := s.History(ctx, "sess1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 12)
	for i, turn := range hist {
		assert.Equal(t, i+1, turn.Number)
		assert.Equal(t, "sess1", turn.SessionID)
	}
	assert.Equal(t, RoleAssistant, hist[1].Role)

	last, err := s.History(ctx, "sess1", 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, 10, last[0].Number)
	assert.Equal(t, 12, last[2].Number)
}

func TestSessions_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, "busy", RoleUser, fmt.Sprintf("parallel %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	hist, err := s.History(ctx, "busy", 0)
	require.NoError(t, err)
	require.Len(t, hist, 8)
	for i, turn := range hist {
		assert.Equal(t, i+1, turn.Number)
	}
}

func TestSessions_SearchWithinSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendTurn(ctx, "a", RoleUser, "how do I rotate JWT signing keys")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "a", RoleAssistant, "use a key set with overlapping validity")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "b", RoleUser, "how do I rotate JWT signing keys")
	require.NoError(t, err)

	res, err := s.SearchSession(ctx, "a", "rotate JWT keys", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 1, res[0].Turn.Number)
	for _, m := range res {
		assert.Equal(t, "a", m.Turn.SessionID)
	}
}

func TestSessions_InvalidID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendTurn(ctx, "bad/id", RoleUser, "hi")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
	_, err = s.History(ctx, "", 0)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}
