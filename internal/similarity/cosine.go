// Package similarity classifies a prompt embedding against existing prompts.
//
// DESIGN: Classification is a pure function of the best similarity score:
//   - SAME:  score >= Same threshold   (reuse the matched prompt)
//   - FORK:  Fork <= score < Same      (child of the matched prompt)
//   - NEW:   score < Fork              (new root prompt)
//
// Boundaries belong to the higher tier. Degenerate vectors score 0, never NaN.
package similarity

import "math"

// Cosine returns the cosine similarity of a and b clamped to [0, 1].
// Mismatched lengths, empty vectors and zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return Clamp(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Clamp maps s into [0, 1]; NaN becomes 0.
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// IsZero reports whether v has zero magnitude.
func IsZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// Normalize scales v to unit length in place and returns it.
// Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
