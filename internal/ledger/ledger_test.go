package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/segment"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := segment.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "engram.db"), 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, zerolog.Nop())
}

func ptr[T any](v T) *T { return &v }

func TestRecord_CountIsMonotonic(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	for i := 1; i <= 25; i++ {
		_, err := l.Record(ctx, "claude-sonnet-4-6", Usage{InputTokens: 100, OutputTokens: 50, Latency: time.Millisecond})
		require.NoError(t, err)

		st, err := l.Stats(ctx, "claude-sonnet-4-6", 0)
		require.NoError(t, err)
		assert.Equal(t, i, st.TotalCalls)
	}
}

func TestRecord_ComputesCostFromPricing(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Record(context.Background(), "claude-sonnet-4-6", Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	require.NoError(t, err)
	assert.InDelta(t, 3.0+1.5, r.Cost, 1e-9)
	assert.Contains(t, r.Key, segment.NamespaceCost)
}

func TestRecord_ExplicitCostWins(t *testing.T) {
	l := newTestLedger(t)
	r, err := l.Record(context.Background(), "claude-opus-4-6", Usage{InputTokens: 1000, Cost: ptr(0.0)})
	require.NoError(t, err)
	assert.Zero(t, r.Cost)
}

func TestRecord_EmptyModel(t *testing.T) {
	_, err := newTestLedger(t).Record(context.Background(), " ", Usage{})
	assert.ErrorIs(t, err, ErrEmptyModel)
}

func TestStats_FiltersAndAggregates(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	l.now = func() time.Time { return clock }

	// an old record outside the window
	_, err := l.Record(ctx, "m", Usage{Latency: time.Hour, Cost: ptr(100.0)})
	require.NoError(t, err)

	clock = base.Add(2 * time.Hour)
	for i := 1; i <= 20; i++ {
		_, err := l.Record(ctx, "m", Usage{
			InputTokens:  10,
			OutputTokens: 5,
			Latency:      time.Duration(i) * time.Millisecond,
			Cost:         ptr(0.5),
			Success:      ptr(i%4 != 0),
		})
		require.NoError(t, err)
		clock = clock.Add(time.Second)
	}
	_, err = l.Record(ctx, "other", Usage{Latency: time.Second, Cost: ptr(1.0)})
	require.NoError(t, err)

	st, err := l.Stats(ctx, "m", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 20, st.TotalCalls)
	assert.InDelta(t, 10.0, st.TotalCost, 1e-9)
	assert.Equal(t, int64(200), st.InputTokens)
	assert.Equal(t, int64(100), st.OutputTokens)
	assert.Equal(t, 19*time.Millisecond, st.P95Latency)
	assert.Equal(t, 10500*time.Microsecond, st.AvgLatency)
	assert.Equal(t, 20, st.SuccessTracked)
	assert.InDelta(t, 0.75, st.SuccessRate, 1e-9)

	all, err := l.Stats(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 22, all.TotalCalls)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, Stats{Model: "x"}, Aggregate("x", 0, nil))

	one := Aggregate("", 0, []Record{{Latency: 7 * time.Millisecond}})
	assert.Equal(t, 7*time.Millisecond, one.P95Latency)
	assert.Zero(t, one.SuccessTracked)
	assert.Zero(t, one.SuccessRate)

	var recs []Record
	for _, ms := range []int{50, 10, 40, 20, 30} {
		recs = append(recs, Record{Latency: time.Duration(ms) * time.Millisecond})
	}
	// ceil(0.95*5)-1 = 4
	assert.Equal(t, 50*time.Millisecond, Aggregate("", 0, recs).P95Latency)
}

func TestPricing_LongestPrefix(t *testing.T) {
	p := DefaultPricing
	assert.Equal(t, 0.15, p.For("gpt-4o-mini-2024-07-18").InputPerMToken)
	assert.Equal(t, 2.50, p.For("gpt-4o-2024-08-06").InputPerMToken)
	assert.Equal(t, 30.0, p.For("gpt-4-0613").InputPerMToken)
	assert.Equal(t, 2.0, p.For("gpt-4.1-2025-04-14").InputPerMToken)
	assert.Equal(t, 0.40, p.For("gpt-4.1-mini").InputPerMToken)
	assert.Equal(t, 3.0, p.For("claude-sonnet-4-6").InputPerMToken)
	assert.Equal(t, ModelPricing{}, p.For("llama3"))
	assert.Equal(t, ModelPricing{}, p.For(""))
	assert.Zero(t, p.Cost("llama3", 1000, 1000))
}
