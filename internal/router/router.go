// Package router picks an execution tier for each prompt and learns from
// feedback.
//
// Route evaluates, in order: the cheap-transform capability flag (tier 1),
// the policy cache (reuse a learned tier when a stored pattern is similar
// enough), and a heuristic complexity score thresholded into tier 2 or 3.
package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"engram/internal/ledger"
	"engram/internal/observability"
	"engram/internal/policy"
)

// Tier is a model execution path.
type Tier int

const (
	TierTransform Tier = 1 // near-zero cost transform
	TierFast      Tier = 2 // fast, cheap model
	TierDeep      Tier = 3 // slow, capable model
)

// String returns a human-readable name for the tier.
func (t Tier) String() string {
	switch t {
	case TierTransform:
		return "transform"
	case TierFast:
		return "fast"
	case TierDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool { return t >= TierTransform && t <= TierDeep }

// ParseTier accepts a tier by number ("2") or by name ("fast").
func ParseTier(s string) (Tier, error) {
	for _, t := range []Tier{TierTransform, TierFast, TierDeep} {
		if s == t.String() || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Config holds the tier table and decision thresholds.
type Config struct {
	// Tiers maps each tier to its model id.
	Tiers map[Tier]string

	// CacheHitThreshold is the similarity a policy match must exceed to be
	// reused.
	CacheHitThreshold float64

	// MergeThreshold is the similarity above which feedback updates an
	// existing policy instead of creating one. Kept above
	// CacheHitThreshold so distinct patterns are not merged.
	MergeThreshold float64

	// ComplexityThreshold is the lowest score routed to TierDeep.
	ComplexityThreshold float64
}

// DefaultConfig returns the stock tier table and thresholds.
func DefaultConfig() Config {
	return Config{
		Tiers: map[Tier]string{
			TierTransform: "claude-haiku-4-5",
			TierFast:      "claude-sonnet-4-6",
			TierDeep:      "claude-opus-4-6",
		},
		CacheHitThreshold:   0.85,
		MergeThreshold:      0.95,
		ComplexityThreshold: 0.30,
	}
}

// Context carries per-request capabilities.
type Context struct {
	// CheapTransform is set when the request can be served by a
	// deterministic transform without a model call.
	CheapTransform bool
}

// Decision is the outcome of Route.
type Decision struct {
	Tier            Tier     `json:"tier"`
	Model           string   `json:"model"`
	Reason          string   `json:"reason"`
	ComplexityScore float64  `json:"complexity_score"`
	Reasons         []string `json:"reasons,omitempty"`
	CacheHit        bool     `json:"cache_hit"`
	Similarity      float64  `json:"similarity,omitempty"`
	PolicyKey       string   `json:"policy_key,omitempty"`
}

// Reason prefixes, stable for callers matching on them.
const (
	ReasonTransform = "cheap transform available"
	ReasonCacheHit  = "policy cache hit"
	ReasonHeuristic = "complexity heuristic"
)

// PolicyCache is the learned policy store the router consults.
type PolicyCache interface {
	Lookup(ctx context.Context, prompt string) (*policy.Match, error)
	Record(ctx context.Context, fb policy.Feedback, mergeThreshold float64) (policy.Entry, bool, error)
}

// CostLedger receives usage records.
type CostLedger interface {
	Record(ctx context.Context, model string, u ledger.Usage) (ledger.Record, error)
}

// Router makes routing decisions. It holds no per-request state.
type Router struct {
	cfg      Config
	policies PolicyCache
	costs    CostLedger
	analyzer *ComplexityAnalyzer
	logger   zerolog.Logger
}

// New validates cfg and creates a Router.
func New(cfg Config, policies PolicyCache, costs CostLedger, logger zerolog.Logger) (*Router, error) {
	if len(cfg.Tiers) == 0 {
		return nil, &RoutingError{Op: "configure", Err: ErrNoTiers}
	}
	for _, t := range []Tier{TierFast, TierDeep} {
		if cfg.Tiers[t] == "" {
			return nil, &RoutingError{Op: "configure", Err: fmt.Errorf("%w: no model for tier %d (%s)", ErrNoTiers, t, t)}
		}
	}
	for t := range cfg.Tiers {
		if !t.Valid() {
			return nil, &RoutingError{Op: "configure", Err: fmt.Errorf("%w: %d", ErrUnknownTier, t)}
		}
	}
	return &Router{
		cfg:      cfg,
		policies: policies,
		costs:    costs,
		analyzer: NewComplexityAnalyzer(),
		logger:   logger.With().Str("component", "router").Logger(),
	}, nil
}

// Config returns the router's configuration.
func (r *Router) Config() Config { return r.cfg }

// TierForScore maps a complexity score to TierFast or TierDeep. The
// threshold itself routes to TierDeep.
func TierForScore(score, threshold float64) Tier {
	if score >= threshold {
		return TierDeep
	}
	return TierFast
}

// Route decides the tier for prompt.
func (r *Router) Route(ctx context.Context, prompt string, rc Context) (d Decision, err error) {
	ctx, span := observability.StartSpan(ctx, "router.route", attribute.Bool("engram.cheap_transform", rc.CheapTransform))
	defer func() {
		span.SetAttributes(
			attribute.Int("engram.tier", int(d.Tier)),
			attribute.Bool("engram.cache_hit", d.CacheHit),
		)
		observability.End(span, err)
	}()

	if rc.CheapTransform {
		model, ok := r.cfg.Tiers[TierTransform]
		if !ok {
			return Decision{}, &RoutingError{Op: "route", Err: fmt.Errorf("%w: tier 1 not configured", ErrUnknownTier)}
		}
		d = Decision{Tier: TierTransform, Model: model, Reason: ReasonTransform}
		r.logDecision(d)
		return d, nil
	}

	if hit, ok := r.fromPolicy(ctx, prompt); ok {
		r.logDecision(hit)
		return hit, nil
	}

	cs := r.analyzer.Analyze(prompt)
	tier := TierForScore(cs.Score, r.cfg.ComplexityThreshold)
	d = Decision{
		Tier:            tier,
		Model:           r.cfg.Tiers[tier],
		Reason:          fmt.Sprintf("%s: score %.2f vs threshold %.2f", ReasonHeuristic, cs.Score, r.cfg.ComplexityThreshold),
		ComplexityScore: cs.Score,
		Reasons:         cs.Reasons,
	}
	r.logDecision(d)
	return d, nil
}

// fromPolicy returns a decision reused from the policy cache. A failed
// lookup degrades to the heuristic path.
func (r *Router) fromPolicy(ctx context.Context, prompt string) (Decision, bool) {
	if r.policies == nil {
		return Decision{}, false
	}
	m, err := r.policies.Lookup(ctx, prompt)
	if err != nil {
		r.logger.Warn().Err(err).Msg("policy lookup failed, using heuristics")
		return Decision{}, false
	}
	if m == nil || m.Similarity <= r.cfg.CacheHitThreshold {
		return Decision{}, false
	}

	tier := Tier(m.Entry.Tier)
	model := m.Entry.Model
	if !tier.Valid() {
		r.logger.Warn().Str("policy", m.Entry.Key).Int("tier", m.Entry.Tier).Msg("ignoring policy with invalid tier")
		return Decision{}, false
	}
	if model == "" {
		model = r.cfg.Tiers[tier]
	}
	return Decision{
		Tier:            tier,
		Model:           model,
		Reason:          fmt.Sprintf("%s: %q (similarity %.3f)", ReasonCacheHit, m.Entry.Pattern, m.Similarity),
		ComplexityScore: m.Entry.Complexity,
		CacheHit:        true,
		Similarity:      m.Similarity,
		PolicyKey:       m.Entry.Key,
	}, true
}

func (r *Router) logDecision(d Decision) {
	r.logger.Debug().
		Int("tier", int(d.Tier)).
		Str("model", d.Model).
		Bool("cache_hit", d.CacheHit).
		Float64("complexity", d.ComplexityScore).
		Msg(d.Reason)
}

// UpdatePolicy records the outcome of serving pattern at tier. A policy
// more similar than MergeThreshold is updated in place; otherwise a new one
// is created with the pattern's complexity score.
func (r *Router) UpdatePolicy(ctx context.Context, pattern string, tier Tier, success bool) (policy.Entry, bool, error) {
	if r.policies == nil {
		return policy.Entry{}, false, &RoutingError{Op: "update_policy", Err: fmt.Errorf("no policy cache configured")}
	}
	model, ok := r.cfg.Tiers[tier]
	if !ok {
		return policy.Entry{}, false, &RoutingError{Op: "update_policy", Err: fmt.Errorf("%w: %d", ErrUnknownTier, tier)}
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	cs := r.analyzer.Analyze(pattern)
	return r.policies.Record(ctx, policy.Feedback{
		Pattern:    pattern,
		Tier:       int(tier),
		Model:      model,
		Success:    success,
		Complexity: cs.Score,
		Reason:     fmt.Sprintf("feedback: %s at tier %d", outcome, tier),
	}, r.cfg.MergeThreshold)
}

// RecordCost appends a usage record. Storage errors are returned.
func (r *Router) RecordCost(ctx context.Context, model string, u ledger.Usage) (ledger.Record, error) {
	if r.costs == nil {
		return ledger.Record{}, &RoutingError{Op: "record_cost", Err: fmt.Errorf("no cost ledger configured")}
	}
	return r.costs.Record(ctx, model, u)
}

// Tiers returns the configured tiers in ascending order.
func (r *Router) Tiers() []Tier {
	out := make([]Tier, 0, len(r.cfg.Tiers))
	for t := range r.cfg.Tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
