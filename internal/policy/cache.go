// Package policy is the learned routing cache: prompt patterns mapped to the
// tier and model that served them, with a running success rate.
//
// Entries live under policy/<uuid> with the pattern as content. Lookups are
// similarity searches over the patterns. Feedback either merges into the
// closest entry in place or creates a new one.
package policy

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
)

var ErrEmptyPattern = errors.New("policy: empty pattern")

// Entry is one learned routing policy.
type Entry struct {
	Key         string    `json:"key"`
	Pattern     string    `json:"pattern"`
	Tier        int       `json:"tier"`
	Model       string    `json:"model"`
	Complexity  float64   `json:"complexity"`
	SuccessRate float64   `json:"success_rate"`
	UsageCount  uint64    `json:"usage_count"`
	LastUsed    time.Time `json:"last_used"`
	Reason      string    `json:"reason,omitempty"`
}

// Match is the closest entry to a prompt.
type Match struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
	Via        string  `json:"via"`
}

// Feedback reports how a routing choice worked out for a pattern.
type Feedback struct {
	Pattern    string
	Tier       int
	Model      string
	Success    bool
	Complexity float64 // stored only when a new entry is created
	Reason     string
}

// Cache stores and finds policy entries.
type Cache struct {
	space    *semantic.Space
	patterns *keylock.Map
	entries  *keylock.Map
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Cache over a policy/ space.
func New(space *semantic.Space, logger zerolog.Logger) *Cache {
	return &Cache{
		space:    space,
		patterns: keylock.New(),
		entries:  keylock.New(),
		logger:   logger.With().Str("component", "policy").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Lookup returns the entry closest to prompt, or nil when the cache is
// empty.
func (c *Cache) Lookup(ctx context.Context, prompt string) (*Match, error) {
	vec, err := c.space.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("policy lookup: %w", err)
	}
	return c.lookupVector(ctx, vec)
}

func (c *Cache) lookupVector(ctx context.Context, vec []float32) (*Match, error) {
	matches, err := c.space.SearchVector(ctx, vec, 1, semantic.Filter{})
	if err != nil {
		return nil, fmt.Errorf("policy lookup: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	m := matches[0]
	return &Match{Entry: entryFromSegment(m.Segment), Similarity: m.Score, Via: m.Via}, nil
}

// Get reads one entry by key.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	seg, err := c.space.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	return entryFromSegment(seg), nil
}

// Count returns the number of entries.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.space.Count(ctx, segment.NamespacePolicy)
}

// Record applies feedback. When an entry is more similar than
// mergeThreshold it is updated in place: the success rate becomes the
// usage-weighted average including this outcome and the usage count grows
// by one. A success also moves the entry to the reported tier and model.
// Otherwise a new entry is created with a usage count of one. The second
// return value reports whether an entry was created.
//
// Feedback for the same pattern, and updates of the same entry, are
// serialized.
func (c *Cache) Record(ctx context.Context, fb Feedback, mergeThreshold float64) (Entry, bool, error) {
	pattern := strings.TrimSpace(fb.Pattern)
	if pattern == "" {
		return Entry{}, false, ErrEmptyPattern
	}

	unlockPattern := c.patterns.Lock(strings.ToLower(pattern))
	defer unlockPattern()

	vec, err := c.space.Embed(ctx, pattern)
	if err != nil {
		return Entry{}, false, fmt.Errorf("policy record: %w", err)
	}
	m, err := c.lookupVector(ctx, vec)
	if err != nil {
		return Entry{}, false, err
	}

	if m != nil && m.Similarity > mergeThreshold {
		e, err := c.merge(ctx, m.Entry.Key, fb)
		return e, false, err
	}

	e, err := c.create(ctx, pattern, vec, fb)
	return e, true, err
}

func (c *Cache) merge(ctx context.Context, key string, fb Feedback) (Entry, error) {
	unlock := c.entries.Lock(key)
	defer unlock()

	// re-read under the entry lock so concurrent merges never lose a count
	e, err := c.Get(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("policy merge: %w", err)
	}

	outcome := 0.0
	if fb.Success {
		outcome = 1.0
	}
	prior := float64(e.UsageCount)
	e.SuccessRate = clamp01((e.SuccessRate*prior + outcome) / (prior + 1))
	e.UsageCount++
	e.LastUsed = c.now()
	if fb.Success {
		if fb.Tier != 0 {
			e.Tier = fb.Tier
		}
		if fb.Model != "" {
			e.Model = fb.Model
		}
	}
	if fb.Reason != "" {
		e.Reason = fb.Reason
	}

	if err := c.space.Update(ctx, e.Key, e.Pattern, entryMeta(e)); err != nil {
		return Entry{}, fmt.Errorf("policy merge: %w", err)
	}
	c.logger.Debug().
		Str("key", e.Key).
		Uint64("usage_count", e.UsageCount).
		Float64("success_rate", e.SuccessRate).
		Int("tier", e.Tier).
		Msg("policy updated")
	return e, nil
}

func (c *Cache) create(ctx context.Context, pattern string, vec []float32, fb Feedback) (Entry, error) {
	e := Entry{
		Key:        segment.NamespacePolicy + uuid.NewString(),
		Pattern:    pattern,
		Tier:       fb.Tier,
		Model:      fb.Model,
		Complexity: fb.Complexity,
		UsageCount: 1,
		LastUsed:   c.now(),
		Reason:     fb.Reason,
	}
	if fb.Success {
		e.SuccessRate = 1
	}

	err := c.space.Put(ctx, segment.Segment{
		Key:       e.Key,
		Embedding: vec,
		Meta:      entryMeta(e),
		Content:   pattern,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("policy create: %w", err)
	}
	c.logger.Debug().Str("key", e.Key).Str("pattern", pattern).Int("tier", e.Tier).Msg("policy created")
	return e, nil
}

func entryMeta(e Entry) segment.Metadata {
	return segment.Metadata{
		Kind: segment.KindPolicy,
		Policy: &segment.PolicyMeta{
			Tier:        e.Tier,
			Model:       e.Model,
			Complexity:  e.Complexity,
			SuccessRate: e.SuccessRate,
			UsageCount:  e.UsageCount,
			LastUsed:    e.LastUsed,
			Reason:      e.Reason,
		},
	}
}

func entryFromSegment(seg segment.Segment) Entry {
	e := Entry{Key: seg.Key, Pattern: seg.Content}
	if p := seg.Meta.Policy; p != nil {
		e.Tier = p.Tier
		e.Model = p.Model
		e.Complexity = p.Complexity
		e.SuccessRate = p.SuccessRate
		e.UsageCount = p.UsageCount
		e.LastUsed = p.LastUsed
		e.Reason = p.Reason
	}
	return e
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
