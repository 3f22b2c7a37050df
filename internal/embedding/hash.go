package embedding

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"engram/internal/vecmath"
)

// Compile-time interface check.
var _ Embedder = (*HashEmbedder)(nil)

// Shingle weights. Whole words dominate; character trigrams add tolerance to
// inflection and typos; word bigrams add a little order sensitivity.
const (
	wordWeight    = 1.0
	bigramWeight  = 0.5
	trigramWeight = 0.35
)

// HashEmbedder is the deterministic offline embedder. Each shingle of the
// input is hashed and projected onto dim random hyperplanes whose signs are
// derived from the hash, the per-dimension contributions are summed, and the
// result is normalized. Identical text always yields a bit-identical vector.
type HashEmbedder struct {
	dim  int
	seed uint64
}

// NewHashEmbedder creates an offline embedder producing dim-length vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim, seed: 0x9e3779b97f4a7c15}
}

func (h *HashEmbedder) Name() string    { return "lsh" }
func (h *HashEmbedder) Dimensions() int { return h.dim }

// Embed implements Embedder. It never fails.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}

// EmbedBatch implements Embedder.
func (h *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	acc := make([]float64, h.dim)
	for _, s := range shingles(text) {
		h.project(acc, xxhash.Sum64String(s.text), s.weight)
	}

	v := make([]float32, h.dim)
	for i, x := range acc {
		v[i] = float32(x)
	}
	return vecmath.Normalize(v)
}

// project adds ±w to every dimension. The sign for dimension d is bit d of a
// splitmix64 stream seeded by the shingle hash, i.e. the shingle's side of
// the d-th random hyperplane.
func (h *HashEmbedder) project(acc []float64, feature uint64, w float64) {
	state := feature ^ h.seed
	var bits uint64
	for d := range acc {
		if d%64 == 0 {
			bits = splitmix64(&state)
		}
		if bits&1 == 1 {
			acc[d] += w
		} else {
			acc[d] -= w
		}
		bits >>= 1
	}
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

type shingle struct {
	text   string
	weight float64
}

// shingles splits text into overlapping shingles: words, adjacent word
// pairs, and boundary-marked character trigrams of each word.
func shingles(text string) []shingle {
	words := tokenize(text)
	out := make([]shingle, 0, len(words)*6)
	for i, w := range words {
		out = append(out, shingle{text: "w:" + w, weight: wordWeight})
		if i > 0 {
			out = append(out, shingle{text: "b:" + words[i-1] + " " + w, weight: bigramWeight})
		}
		padded := []rune("^" + w + "$")
		for j := 0; j+3 <= len(padded); j++ {
			out = append(out, shingle{text: "c:" + string(padded[j:j+3]), weight: trigramWeight})
		}
	}
	return out
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	var words []string
	var word strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words = append(words, word.String())
	}
	return words
}
