// Package semantic binds one segment namespace to an embedder and a
// progressive index. Writes are durable immediately and reach the graph
// later; searches use the graph once it has caught up and an exact scan of
// the namespace until then.
package semantic

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/observability"
	"engram/internal/segment"
	"engram/internal/vecmath"
)

// Search paths reported in Match.Via.
const (
	ViaGraph = "graph"
	ViaScan  = "scan"
)

// graphOverfetch multiplies k when a predicate may discard graph hits.
const graphOverfetch = 8

// Match is one search result.
type Match struct {
	Segment segment.Segment
	Score   float64 // cosine similarity, 1.0 = identical direction
	Via     string
}

// Filter narrows a search. Prefix must lie inside the space's namespace;
// a narrower prefix is always answered by scanning that key range. Where,
// when set, drops segments it returns false for.
type Filter struct {
	Prefix string
	Where  func(segment.Segment) bool
}

func (f Filter) keep(seg segment.Segment) bool {
	return f.Where == nil || f.Where(seg)
}

// Space is a searchable namespace.
type Space struct {
	prefix   string
	store    segment.Store
	embedder embedding.Embedder
	idx      *index.Progressive
	logger   zerolog.Logger
}

// New creates a space over the namespace covered by idx.
func New(store segment.Store, embedder embedding.Embedder, idx *index.Progressive, logger zerolog.Logger) *Space {
	return &Space{
		prefix:   idx.Prefix(),
		store:    store,
		embedder: embedder,
		idx:      idx,
		logger:   logger.With().Str("component", "semantic").Str("namespace", idx.Prefix()).Logger(),
	}
}

// Prefix returns the namespace.
func (s *Space) Prefix() string { return s.prefix }

// Index returns the progressive index backing the space.
func (s *Space) Index() *index.Progressive { return s.idx }

// Embed embeds text with the space's embedder.
func (s *Space) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// EmbedBatch embeds texts with the space's embedder.
func (s *Space) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.embedder.EmbedBatch(ctx, texts)
}

// Add embeds content and stores it under key.
func (s *Space) Add(ctx context.Context, key, content string, meta segment.Metadata) (segment.Segment, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return segment.Segment{}, err
	}
	seg := segment.Segment{Key: key, Embedding: vec, Meta: meta, Content: content}
	if err := s.Put(ctx, seg); err != nil {
		return segment.Segment{}, err
	}
	return seg, nil
}

// Put writes seg and defers its graph insertion. A write error leaves
// nothing behind. Once the segment is durable, an indexing problem is only
// logged: the next reconcile re-enqueues it.
func (s *Space) Put(ctx context.Context, seg segment.Segment) error {
	if !strings.HasPrefix(seg.Key, s.prefix) {
		return fmt.Errorf("semantic: key %q outside namespace %q", seg.Key, s.prefix)
	}
	if err := s.store.Write(ctx, seg); err != nil {
		return err
	}
	if !seg.Embedded() {
		return nil
	}
	if err := s.idx.InsertDeferred(ctx, s.idx.ID(seg.Key), seg.Embedding); err != nil {
		s.logger.Warn().Err(err).Str("key", seg.Key).Msg("segment stored but not indexed")
	}
	return nil
}

// Get reads one segment.
func (s *Space) Get(ctx context.Context, key string) (segment.Segment, error) {
	return s.store.Read(ctx, key)
}

// Update replaces content and metadata in place. Only mutable namespaces
// accept it.
func (s *Space) Update(ctx context.Context, key, content string, meta segment.Metadata) error {
	return s.store.Update(ctx, key, content, meta)
}

// Scan yields the segments under prefix in key order.
func (s *Space) Scan(ctx context.Context, prefix string) iter.Seq2[segment.Segment, error] {
	return s.store.Scan(ctx, prefix)
}

// Count returns the number of segments under prefix.
func (s *Space) Count(ctx context.Context, prefix string) (int, error) {
	return s.store.Count(ctx, prefix)
}

// Search embeds query and returns up to k matches by descending score.
func (s *Space) Search(ctx context.Context, query string, k int, f Filter) ([]Match, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.SearchVector(ctx, vec, k, f)
}

// SearchVector returns up to k matches for vec by descending score. Equal
// scores are ordered by ascending key on both search paths.
func (s *Space) SearchVector(ctx context.Context, vec []float32, k int, f Filter) (matches []Match, err error) {
	if k <= 0 {
		return nil, nil
	}
	if dim := s.store.Dimension(); len(vec) != dim {
		return nil, fmt.Errorf("semantic search: %w: query has %d, store has %d",
			segment.ErrDimensionMismatch, len(vec), dim)
	}
	if f.Prefix == "" {
		f.Prefix = s.prefix
	}
	if !strings.HasPrefix(f.Prefix, s.prefix) {
		return nil, fmt.Errorf("semantic: filter prefix %q outside namespace %q", f.Prefix, s.prefix)
	}

	via := ViaScan
	if f.Prefix == s.prefix && s.idx.IsComplete() {
		via = ViaGraph
	}

	ctx, span := observability.StartSpan(ctx, "semantic.search",
		attribute.String("engram.namespace", s.prefix),
		attribute.String("engram.via", via),
		attribute.Int("engram.k", k),
	)
	defer func() {
		span.SetAttributes(attribute.Int("engram.matches", len(matches)))
		observability.End(span, err)
	}()

	if via == ViaGraph {
		return s.searchGraph(ctx, vec, k, f)
	}
	return s.searchScan(ctx, vec, k, f)
}

func (s *Space) searchGraph(ctx context.Context, vec []float32, k int, f Filter) ([]Match, error) {
	fetch := k
	if f.Where != nil {
		fetch = k * graphOverfetch
	}

	hits := s.idx.Search(ctx, vec, fetch)
	out := make([]Match, 0, min(k, len(hits)))
	for _, h := range hits {
		key := s.idx.Key(h.ID)
		seg, err := s.store.Read(ctx, key)
		if err != nil {
			if errors.Is(err, segment.ErrNotFound) || errors.Is(err, segment.ErrCorrupt) {
				s.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable graph hit")
				continue
			}
			return nil, err
		}
		if !f.keep(seg) {
			continue
		}
		out = append(out, Match{Segment: seg, Score: vecmath.Cosine(vec, seg.Embedding), Via: ViaGraph})
	}

	// rescore against stored vectors so both paths agree on equal inputs
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *Space) searchScan(ctx context.Context, vec []float32, k int, f Filter) ([]Match, error) {
	top := &matchHeap{}
	for seg, err := range s.store.Scan(ctx, f.Prefix) {
		if err != nil {
			return nil, err
		}
		if !seg.Embedded() || !f.keep(seg) {
			continue
		}
		m := Match{Segment: seg, Score: vecmath.Cosine(vec, seg.Embedding), Via: ViaScan}
		if top.Len() < k {
			heap.Push(top, m)
			continue
		}
		if better(m, top.items[0]) {
			top.items[0] = m
			heap.Fix(top, 0)
		}
	}

	out := top.items
	sortMatches(out)
	return out, nil
}

// better orders matches by descending score, then ascending key.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Segment.Key < b.Segment.Key
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool { return better(ms[i], ms[j]) })
}

// matchHeap keeps the worst retained match on top.
type matchHeap struct{ items []Match }

func (h *matchHeap) Len() int           { return len(h.items) }
func (h *matchHeap) Less(i, j int) bool { return better(h.items[j], h.items[i]) }
func (h *matchHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *matchHeap) Push(x any)         { h.items = append(h.items, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
