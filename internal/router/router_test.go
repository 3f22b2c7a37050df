package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/ledger"
	"engram/internal/policy"
	"engram/internal/semantic"
	"engram/internal/segment"
)

type fakePolicies struct {
	match   *policy.Match
	err     error
	lookups int
	records []policy.Feedback
}

func (f *fakePolicies) Lookup(_ context.Context, _ string) (*policy.Match, error) {
	f.lookups++
	return f.match, f.err
}

func (f *fakePolicies) Record(_ context.Context, fb policy.Feedback, _ float64) (policy.Entry, bool, error) {
	f.records = append(f.records, fb)
	return policy.Entry{Pattern: fb.Pattern, Tier: fb.Tier, Model: fb.Model, UsageCount: 1}, true, nil
}

type fakeLedger struct {
	models []string
	err    error
}

func (f *fakeLedger) Record(_ context.Context, model string, u ledger.Usage) (ledger.Record, error) {
	if f.err != nil {
		return ledger.Record{}, f.err
	}
	f.models = append(f.models, model)
	return ledger.Record{Model: model, InputTokens: u.InputTokens}, nil
}

func newTestRouter(t *testing.T, p PolicyCache, l CostLedger) *Router {
	t.Helper()
	r, err := New(DefaultConfig(), p, l, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestTierForScore_Boundary(t *testing.T) {
	assert.Equal(t, TierFast, TierForScore(0.29, 0.30))
	assert.Equal(t, TierDeep, TierForScore(0.30, 0.30))
	assert.Equal(t, TierDeep, TierForScore(1.0, 0.30))
	assert.Equal(t, TierFast, TierForScore(0, 0.30))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoTiers)
	var rerr *RoutingError
	assert.True(t, errors.As(err, &rerr))

	_, err = New(Config{Tiers: map[Tier]string{TierFast: "a"}}, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoTiers)

	_, err = New(Config{Tiers: map[Tier]string{TierFast: "a", TierDeep: "b", 7: "c"}}, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRoute_CheapTransformShortCircuits(t *testing.T) {
	p := &fakePolicies{match: &policy.Match{Entry: policy.Entry{Tier: 3}, Similarity: 0.99}}
	r := newTestRouter(t, p, nil)

	hard := "First explain why the design fails, then refactor it.\n```go\nfunc main() {}\n```"
	d, err := r.Route(context.Background(), hard, Context{CheapTransform: true})
	require.NoError(t, err)
	assert.Equal(t, TierTransform, d.Tier)
	assert.Equal(t, ReasonTransform, d.Reason)
	assert.Zero(t, p.lookups)
}

func TestRoute_CheapTransformWithoutTierOne(t *testing.T) {
	r, err := New(Config{Tiers: map[Tier]string{TierFast: "a", TierDeep: "b"}}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = r.Route(context.Background(), "x", Context{CheapTransform: true})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRoute_PolicyHitAboveThreshold(t *testing.T) {
	p := &fakePolicies{match: &policy.Match{
		Entry:      policy.Entry{Key: "policy/1", Pattern: "implement auth", Tier: 2, Model: "custom-model", Complexity: 0.4},
		Similarity: 0.9,
	}}
	r := newTestRouter(t, p, nil)

	d, err := r.Route(context.Background(), "implement authentication", Context{})
	require.NoError(t, err)
	assert.True(t, d.CacheHit)
	assert.Equal(t, TierFast, d.Tier)
	assert.Equal(t, "custom-model", d.Model)
	assert.Equal(t, "policy/1", d.PolicyKey)
	assert.True(t, strings.HasPrefix(d.Reason, ReasonCacheHit))
}

func TestRoute_PolicyAtThresholdIsMiss(t *testing.T) {
	p := &fakePolicies{match: &policy.Match{Entry: policy.Entry{Tier: 3}, Similarity: 0.85}}
	r := newTestRouter(t, p, nil)

	d, err := r.Route(context.Background(), "hello there", Context{})
	require.NoError(t, err)
	assert.False(t, d.CacheHit)
	assert.Equal(t, TierFast, d.Tier)
	assert.True(t, strings.HasPrefix(d.Reason, ReasonHeuristic))
}

func TestRoute_LookupErrorFallsBackToHeuristic(t *testing.T) {
	p := &fakePolicies{err: errors.New("embedder down")}
	r := newTestRouter(t, p, nil)

	d, err := r.Route(context.Background(), "hello there", Context{})
	require.NoError(t, err)
	assert.Equal(t, TierFast, d.Tier)
	assert.Equal(t, 1, p.lookups)
}

func TestRoute_Heuristic(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	d, err := r.Route(context.Background(), "rename this variable", Context{})
	require.NoError(t, err)
	assert.Equal(t, TierFast, d.Tier)
	assert.Equal(t, "claude-sonnet-4-6", d.Model)

	d, err = r.Route(context.Background(), "Explain why this fails:\n```go\npanic(nil)\n```", Context{})
	require.NoError(t, err)
	assert.Equal(t, TierDeep, d.Tier)
	assert.Equal(t, "claude-opus-4-6", d.Model)
	assert.GreaterOrEqual(t, d.ComplexityScore, 0.30)
}

func TestUpdatePolicy(t *testing.T) {
	p := &fakePolicies{}
	r := newTestRouter(t, p, nil)

	e, created, err := r.UpdatePolicy(context.Background(), "implement auth", TierFast, true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, e.Tier)
	require.Len(t, p.records, 1)
	assert.Equal(t, "claude-sonnet-4-6", p.records[0].Model)
	assert.True(t, p.records[0].Success)

	_, _, err = r.UpdatePolicy(context.Background(), "x", Tier(9), true)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRecordCost(t *testing.T) {
	l := &fakeLedger{}
	r := newTestRouter(t, nil, l)

	rec, err := r.RecordCost(context.Background(), "m", ledger.Usage{InputTokens: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.InputTokens)
	assert.Equal(t, []string{"m"}, l.models)

	l.err = errors.New("disk full")
	_, err = r.RecordCost(context.Background(), "m", ledger.Usage{})
	assert.EqualError(t, err, "disk full")
}

func TestFeedbackThenRoute_UsesPolicyCache(t *testing.T) {
	ctx := context.Background()
	db, err := segment.NewSQLite(ctx, filepath.Join(t.TempDir(), "engram.db"), 384, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := index.NewProgressive(db, index.Options{Prefix: segment.NamespacePolicy}, zerolog.Nop())
	cache := policy.New(semantic.New(db, embedding.NewHashEmbedder(384), idx, zerolog.Nop()), zerolog.Nop())
	r := newTestRouter(t, cache, ledger.New(db, nil, zerolog.Nop()))

	_, _, err = r.UpdatePolicy(ctx, "implement auth", TierFast, true)
	require.NoError(t, err)

	d, err := r.Route(ctx, "implement auth", Context{})
	require.NoError(t, err)
	assert.Equal(t, TierFast, d.Tier)
	assert.True(t, d.CacheHit)
	assert.Contains(t, d.Reason, ReasonCacheHit)

	// still a hit once the graph has caught up
	_, err = idx.Drain(ctx)
	require.NoError(t, err)
	d, err = r.Route(ctx, "implement auth", Context{})
	require.NoError(t, err)
	assert.True(t, d.CacheHit)
	assert.Equal(t, TierFast, d.Tier)
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"1": TierTransform, "fast": TierFast, "3": TierDeep, "deep": TierDeep} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTier("4")
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = ParseTier("unknown")
	assert.ErrorIs(t, err, ErrUnknownTier)
}
