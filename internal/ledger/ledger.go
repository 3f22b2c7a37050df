// Package ledger records model usage and aggregates it.
//
// Records are append-only segments under cost/, keyed by timestamp so a
// prefix scan returns them in time order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"engram/internal/segment"
)

var ErrEmptyModel = errors.New("ledger: empty model")

// keyAttempts bounds retries on a key collision with another writer.
const keyAttempts = 3

// Usage describes one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	Cost         *float64 // computed from pricing when nil
	Success      *bool    // nil when the caller does not track outcomes
}

// Record is one stored usage record.
type Record struct {
	Key          string        `json:"key"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	Success      *bool         `json:"success,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Stats aggregates records for one model, or all models, over a window.
type Stats struct {
	Model          string        `json:"model,omitempty"`
	Window         time.Duration `json:"window,omitempty"`
	TotalCalls     int           `json:"total_calls"`
	TotalCost      float64       `json:"total_cost"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	AvgLatency     time.Duration `json:"avg_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	SuccessTracked int           `json:"success_tracked"`
	SuccessRate    float64       `json:"success_rate"` // over tracked calls only
}

// Ledger appends and aggregates usage records.
type Ledger struct {
	store   segment.Store
	pricing Pricing
	seq     atomic.Uint64
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Ledger. A nil pricing table uses DefaultPricing.
func New(store segment.Store, pricing Pricing, logger zerolog.Logger) *Ledger {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Ledger{
		store:   store,
		pricing: pricing,
		logger:  logger.With().Str("component", "ledger").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one usage record. Storage errors are returned, never
// swallowed.
func (l *Ledger) Record(ctx context.Context, model string, u Usage) (Record, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Record{}, ErrEmptyModel
	}

	r := Record{
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Latency:      u.Latency,
		Success:      u.Success,
		RecordedAt:   l.now(),
	}
	if u.Cost != nil {
		r.Cost = *u.Cost
	} else {
		r.Cost = l.pricing.Cost(model, u.InputTokens, u.OutputTokens)
	}

	meta := segment.Metadata{
		Kind: segment.KindCost,
		Cost: &segment.CostMeta{
			Model:        r.Model,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			Cost:         r.Cost,
			Latency:      r.Latency,
			Success:      r.Success,
			RecordedAt:   r.RecordedAt,
		},
	}

	var err error
	for attempt := 0; attempt < keyAttempts; attempt++ {
		r.Key = fmt.Sprintf("%s%020d-%06d", segment.NamespaceCost, r.RecordedAt.UnixNano(), l.seq.Add(1)%1_000_000)
		err = l.store.Write(ctx, segment.Segment{Key: r.Key, Meta: meta, Content: model, CreatedAt: r.RecordedAt})
		if !errors.Is(err, segment.ErrDuplicateKey) {
			break
		}
	}
	if err != nil {
		return Record{}, fmt.Errorf("record cost: %w", err)
	}

	l.logger.Debug().
		Str("model", model).
		Float64("cost", r.Cost).
		Dur("latency", r.Latency).
		Msg("cost recorded")
	return r, nil
}

// Records returns records for model (all models when empty) recorded within
// window before now (all time when zero), oldest first.
func (l *Ledger) Records(ctx context.Context, model string, window time.Duration) ([]Record, error) {
	var since time.Time
	if window > 0 {
		since = l.now().Add(-window)
	}

	var out []Record
	for seg, err := range l.store.Scan(ctx, segment.NamespaceCost) {
		if err != nil {
			return nil, fmt.Errorf("read costs: %w", err)
		}
		c := seg.Meta.Cost
		if c == nil {
			continue
		}
		if model != "" && c.Model != model {
			continue
		}
		if !since.IsZero() && c.RecordedAt.Before(since) {
			continue
		}
		out = append(out, Record{
			Key:          seg.Key,
			Model:        c.Model,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			Cost:         c.Cost,
			Latency:      c.Latency,
			Success:      c.Success,
			RecordedAt:   c.RecordedAt,
		})
	}
	return out, nil
}

// Stats aggregates records for model (all models when empty) within window
// (all time when zero).
func (l *Ledger) Stats(ctx context.Context, model string, window time.Duration) (Stats, error) {
	records, err := l.Records(ctx, model, window)
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(model, window, records), nil
}

// Aggregate computes Stats over records. The p95 latency is the value at
// index ceil(0.95*n)-1 of the ascending latencies.
func Aggregate(model string, window time.Duration, records []Record) Stats {
	s := Stats{Model: model, Window: window, TotalCalls: len(records)}
	if len(records) == 0 {
		return s
	}

	latencies := make([]time.Duration, 0, len(records))
	var totalLatency time.Duration
	successes := 0
	for _, r := range records {
		s.TotalCost += r.Cost
		s.InputTokens += int64(r.InputTokens)
		s.OutputTokens += int64(r.OutputTokens)
		totalLatency += r.Latency
		latencies = append(latencies, r.Latency)
		if r.Success != nil {
			s.SuccessTracked++
			if *r.Success {
				successes++
			}
		}
	}

	slices.Sort(latencies)
	s.AvgLatency = totalLatency / time.Duration(len(records))
	s.P95Latency = latencies[int(math.Ceil(0.95*float64(len(latencies))))-1]
	if s.SuccessTracked > 0 {
		s.SuccessRate = float64(successes) / float64(s.SuccessTracked)
	}
	return s
}
