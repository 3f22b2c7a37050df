package ledger

import "strings"

// ModelPricing holds per-token costs for a model.
type ModelPricing struct {
	InputPerMToken  float64 `mapstructure:"input_per_mtoken" yaml:"input_per_mtoken"`
	OutputPerMToken float64 `mapstructure:"output_per_mtoken" yaml:"output_per_mtoken"`
}

// Pricing maps model id prefixes to prices.
type Pricing map[string]ModelPricing

// DefaultPricing covers the models the default tier table uses.
var DefaultPricing = Pricing{
	"claude-opus-4":     {InputPerMToken: 15.0, OutputPerMToken: 75.0},
	"claude-sonnet-4":   {InputPerMToken: 3.0, OutputPerMToken: 15.0},
	"claude-haiku-4":    {InputPerMToken: 0.80, OutputPerMToken: 4.0},
	"claude-3-5-sonnet": {InputPerMToken: 3.0, OutputPerMToken: 15.0},
	"claude-3-5-haiku":  {InputPerMToken: 0.80, OutputPerMToken: 4.0},
	"claude-3-haiku":    {InputPerMToken: 0.25, OutputPerMToken: 1.25},
	"gpt-4.1-mini":      {InputPerMToken: 0.40, OutputPerMToken: 1.60},
	"gpt-4.1":           {InputPerMToken: 2.00, OutputPerMToken: 8.0},
	"gpt-4o-mini":       {InputPerMToken: 0.15, OutputPerMToken: 0.60},
	"gpt-4o":            {InputPerMToken: 2.50, OutputPerMToken: 10.0},
	"gpt-4":             {InputPerMToken: 30.0, OutputPerMToken: 60.0},
}

// For returns the pricing of model. An exact entry wins, then the longest
// matching prefix, so "gpt-4o-mini-2024" never prices as "gpt-4". Unknown
// models cost nothing.
func (p Pricing) For(model string) ModelPricing {
	if model == "" {
		return ModelPricing{}
	}
	if mp, ok := p[model]; ok {
		return mp
	}
	best, bestLen := ModelPricing{}, 0
	for prefix, mp := range p {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best, bestLen = mp, len(prefix)
		}
	}
	return best
}

// Cost returns the cost of one call.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	mp := p.For(model)
	return float64(inputTokens)/1_000_000.0*mp.InputPerMToken +
		float64(outputTokens)/1_000_000.0*mp.OutputPerMToken
}
