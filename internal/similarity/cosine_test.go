package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/suite"
)

type CosineSuite struct {
	suite.Suite
}

func TestCosineSuite(t *testing.T) {
	suite.Run(t, new(CosineSuite))
}

func (s *CosineSuite) TestCases() {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"different lengths", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			got := Cosine(tt.a, tt.b)
			s.InDelta(tt.expected, got, 1e-6)
			s.False(math.IsNaN(got))
		})
	}
}

func (s *CosineSuite) TestPartialOverlap() {
	got := Cosine([]float32{1, 1, 0}, []float32{1, 0, 0})
	s.InDelta(1/math.Sqrt2, got, 1e-6)
}

func (s *CosineSuite) TestClamp() {
	s.Equal(0.0, Clamp(math.NaN()))
	s.Equal(0.0, Clamp(-0.2))
	s.Equal(1.0, Clamp(1.0000001))
	s.Equal(0.5, Clamp(0.5))
}

func (s *CosineSuite) TestNormalize() {
	v := Normalize([]float32{3, 4})
	s.InDelta(0.6, v[0], 1e-6)
	s.InDelta(0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	s.Equal([]float32{0, 0}, zero)
	s.True(IsZero(zero))
}
