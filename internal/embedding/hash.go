package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/compresr/prompt-gateway/internal/similarity"
)

// HashEmbedder is a deterministic, offline embedder based on feature hashing
// of word unigrams and bigrams. Identical texts map to identical unit vectors
// and texts sharing most words score high cosine similarity.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hashing embedder with the given dimensionality.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Name implements Embedder.
func (h *HashEmbedder) Name() string { return "hash" }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dimensions)
	words := tokenize(text)
	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	return similarity.Normalize(vec), nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '{' && r != '}'
	})
}
