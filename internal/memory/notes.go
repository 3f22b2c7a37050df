// Package memory stores free-text notes and conversation turns and makes
// both searchable by meaning.
//
// Notes live under memory/<uuid>; turns under session/<id>/turn/<n>.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"engram/internal/keylock"
	"engram/internal/semantic"
	"engram/internal/segment"
	"engram/internal/vecmath"
)

var (
	ErrEmptyText        = errors.New("memory: empty text")
	ErrNoSearchableText = errors.New("memory: text has nothing to embed")
	ErrInvalidSessionID = errors.New("memory: invalid session id")
)

// Note is a stored free-text memory.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NoteMatch is a note returned by Search.
type NoteMatch struct {
	Note  Note    `json:"note"`
	Score float64 `json:"score"`
	Via   string  `json:"via"`
}

// Store manages notes and session turns.
type Store struct {
	notes    *semantic.Space
	turns    *semantic.Space
	sessions *keylock.Map
	logger   zerolog.Logger
}

// New creates a Store over a memory/ space and a session/ space.
func New(notes, turns *semantic.Space, logger zerolog.Logger) *Store {
	return &Store{
		notes:    notes,
		turns:    turns,
		sessions: keylock.New(),
		logger:   logger.With().Str("component", "memory").Logger(),
	}
}

// NoteKey returns the segment key of a note id.
func NoteKey(id string) string { return segment.NamespaceMemory + id }

// Add stores text with tags and returns the new note's id.
func (s *Store) Add(ctx context.Context, text string, tags []string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	vec, err := s.notes.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("add memory: %w", err)
	}
	// a zero vector would score 0 against every query
	if vecmath.Norm(vec) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoSearchableText, text)
	}
	id := uuid.NewString()
	err = s.notes.Put(ctx, segment.Segment{
		Key:       NoteKey(id),
		Embedding: vec,
		Meta:      noteMeta(tags, ""),
		Content:   text,
	})
	if err != nil {
		return "", fmt.Errorf("add memory: %w", err)
	}
	s.logger.Debug().Str("id", id).Strs("tags", tags).Msg("memory added")
	return id, nil
}

// Import stores a note with a caller-chosen id and a precomputed embedding.
// A zero embedding is dropped, leaving the note stored but unindexed.
// Re-importing the same id fails with segment.ErrDuplicateKey.
func (s *Store) Import(ctx context.Context, n Note, vec []float32) error {
	if n.ID == "" {
		return fmt.Errorf("import memory: %w", segment.ErrEmptyKey)
	}
	if vecmath.Norm(vec) == 0 {
		vec = nil
	}
	return s.notes.Put(ctx, segment.Segment{
		Key:       NoteKey(n.ID),
		Embedding: vec,
		Meta:      noteMeta(n.Tags, n.Source),
		Content:   n.Text,
	})
}

// Get returns a note by id.
func (s *Store) Get(ctx context.Context, id string) (Note, error) {
	seg, err := s.notes.Get(ctx, NoteKey(strings.TrimPrefix(id, segment.NamespaceMemory)))
	if err != nil {
		return Note{}, err
	}
	return noteFromSegment(seg), nil
}

// Search returns the k notes closest in meaning to query.
func (s *Store) Search(ctx context.Context, query string, k int) ([]NoteMatch, error) {
	matches, err := s.notes.Search(ctx, query, k, semantic.Filter{})
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	out := make([]NoteMatch, len(matches))
	for i, m := range matches {
		out[i] = NoteMatch{Note: noteFromSegment(m.Segment), Score: m.Score, Via: m.Via}
	}
	return out, nil
}

// Count returns the number of stored notes.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.notes.Count(ctx, segment.NamespaceMemory)
}

// EmbedBatch embeds texts with the notes embedder.
func (s *Store) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.notes.EmbedBatch(ctx, texts)
}

func noteMeta(tags []string, source string) segment.Metadata {
	return segment.Metadata{
		Kind:   segment.KindMemory,
		Memory: &segment.MemoryMeta{Tags: tags, Source: source},
	}
}

func noteFromSegment(seg segment.Segment) Note {
	n := Note{
		ID:        strings.TrimPrefix(seg.Key, segment.NamespaceMemory),
		Text:      seg.Content,
		CreatedAt: seg.CreatedAt,
	}
	if m := seg.Meta.Memory; m != nil {
		n.Tags = m.Tags
		n.Source = m.Source
	}
	return n
}
