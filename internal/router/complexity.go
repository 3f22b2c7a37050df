package router

import (
	"regexp"
	"strings"
	"unicode"
)

// Complexity weights. The score is their clamped sum.
const (
	TokenWeight     = 0.35
	TokenCap        = 400 // tokens at which the length factor saturates
	CodeBlockBonus  = 0.25
	ReasoningBonus  = 0.20
	MultiStepBonus  = 0.20
	multiStepNeeded = 2
)

// ComplexityScore is the heuristic difficulty of a prompt.
type ComplexityScore struct {
	// Score is in [0, 1]. Higher = more complex.
	Score float64 `json:"score"`

	// Reasons records which factors contributed.
	Reasons []string `json:"reasons,omitempty"`
}

var numeralRe = regexp.MustCompile(`\b\d+\b`)

// ComplexityAnalyzer scores prompts without calling a model.
type ComplexityAnalyzer struct {
	reasoningKeywords []string
	sequencingWords   []string
}

// NewComplexityAnalyzer creates an analyzer with the default keyword tables.
func NewComplexityAnalyzer() *ComplexityAnalyzer {
	return &ComplexityAnalyzer{
		reasoningKeywords: []string{
			"why", "explain", "analyze", "analyse", "prove", "reason",
			"compare", "trade-off", "tradeoff", "evaluate", "architecture",
			"design", "debug", "optimize", "refactor", "derive",
		},
		sequencingWords: []string{
			"first", "then", "next", "after that", "afterwards",
			"finally", "second", "third", "lastly", "step",
		},
	}
}

// Analyze scores prompt.
func (ca *ComplexityAnalyzer) Analyze(prompt string) ComplexityScore {
	var score float64
	var reasons []string

	// Factor 1: length, linear up to the cap
	if tokens := CountTokens(prompt); tokens > 0 {
		score += min(float64(tokens)/TokenCap, 1) * TokenWeight
		if tokens >= TokenCap {
			reasons = append(reasons, "very long prompt")
		}
	}

	// Factor 2: fenced code
	if strings.Contains(prompt, "```") {
		score += CodeBlockBonus
		reasons = append(reasons, "contains code block")
	}

	lower := strings.ToLower(prompt)
	words := wordSet(lower)

	// Factor 3: reasoning vocabulary
	for _, kw := range ca.reasoningKeywords {
		if containsTerm(lower, words, kw) {
			score += ReasoningBonus
			reasons = append(reasons, "mentions "+kw)
			break
		}
	}

	// Factor 4: multi-step structure
	steps := 0
	for _, w := range ca.sequencingWords {
		if containsTerm(lower, words, w) {
			steps++
		}
	}
	if steps >= multiStepNeeded || len(numeralRe.FindAllString(prompt, -1)) >= multiStepNeeded {
		score += MultiStepBonus
		reasons = append(reasons, "multi-step request")
	}

	return ComplexityScore{Score: clamp01(score), Reasons: reasons}
}

// CountTokens estimates a token count by splitting on whitespace.
func CountTokens(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				count++
				inWord = false
			}
		} else {
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}

func wordSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		set[w] = true
	}
	return set
}

// containsTerm matches single words as whole words and phrases as
// substrings.
func containsTerm(lower string, words map[string]bool, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(lower, term)
	}
	return words[term]
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
