// Package vecmath holds the small amount of vector arithmetic shared by the
// index, the embedders and the brute-force search path.
package vecmath

import "math"

// Dot returns the dot product of a and b. Accumulation is done in float64 so
// that graph and brute-force paths agree on scores for identical inputs.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

// Normalize scales v to unit length in place and returns it. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched
// lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	s := Dot(a, b) / (na * nb)
	// clamp rounding drift
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return s
}

// Distance converts cosine similarity to a distance: 0 for identical
// direction, 2 for opposite.
func Distance(a, b []float32) float64 {
	return 1 - Cosine(a, b)
}

// Clone returns a copy of v.
func Clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
