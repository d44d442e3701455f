package similarity

import (
	"context"
	"fmt"

	"github.com/compresr/prompt-gateway/internal/store"
)

// Tier is the outcome of classifying a prompt.
type Tier string

const (
	TierSame Tier = "SAME"
	TierFork Tier = "FORK"
	TierNew  Tier = "NEW"
)

// Default thresholds.
const (
	DefaultSameThreshold = 0.95
	DefaultForkThreshold = 0.70
	DefaultTopK          = 1
)

// Thresholds holds the classification cut-offs.
type Thresholds struct {
	Same float64 `yaml:"same_threshold"`
	Fork float64 `yaml:"fork_threshold"`
}

// DefaultThresholds returns the standard 0.95 / 0.70 policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Same: DefaultSameThreshold, Fork: DefaultForkThreshold}
}

// Validate checks 0 < Fork <= Same <= 1.
func (t Thresholds) Validate() error {
	if t.Fork <= 0 || t.Fork > 1 {
		return fmt.Errorf("similarity.fork_threshold must be in (0, 1], got %f", t.Fork)
	}
	if t.Same < t.Fork || t.Same > 1 {
		return fmt.Errorf("similarity.same_threshold must be in [fork_threshold, 1], got %f", t.Same)
	}
	return nil
}

// Tier maps a similarity score to a tier.
func (t Thresholds) Tier(score float64) Tier {
	switch {
	case score >= t.Same:
		return TierSame
	case score >= t.Fork:
		return TierFork
	default:
		return TierNew
	}
}

// Result is a transient classification outcome.
type Result struct {
	MatchID    *string `json:"match_id,omitempty"`
	Similarity float64 `json:"similarity"`
	Tier       Tier    `json:"tier"`
}

// ClassificationError wraps a vector index failure.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Classifier ranks a candidate vector against the vector index.
type Classifier struct {
	index      store.VectorIndex
	thresholds Thresholds
	topK       int
}

// NewClassifier creates a classifier. topK < 1 falls back to DefaultTopK.
func NewClassifier(index store.VectorIndex, thresholds Thresholds, topK int) *Classifier {
	if topK < 1 {
		topK = DefaultTopK
	}
	return &Classifier{index: index, thresholds: thresholds, topK: topK}
}

// Thresholds returns the active thresholds.
func (c *Classifier) Thresholds() Thresholds { return c.thresholds }

// Classify finds the best existing match for vector and applies the threshold policy.
func (c *Classifier) Classify(ctx context.Context, vector []float32) (Result, error) {
	if IsZero(vector) {
		return Result{Similarity: 0, Tier: TierNew}, nil
	}

	neighbors, err := c.index.Nearest(ctx, vector, c.topK)
	if err != nil {
		return Result{}, &ClassificationError{Err: err}
	}

	best, ok := Best(neighbors)
	if !ok {
		return Result{Similarity: 0, Tier: TierNew}, nil
	}

	id := best.PromptID
	return Result{
		MatchID:    &id,
		Similarity: best.Similarity,
		Tier:       c.thresholds.Tier(best.Similarity),
	}, nil
}

// Best picks the highest-similarity neighbour; on an exact tie the most
// recently created one wins. Scores are clamped before comparison.
func Best(neighbors []store.Neighbor) (store.Neighbor, bool) {
	var best store.Neighbor
	found := false
	for _, n := range neighbors {
		if n.PromptID == "" {
			continue
		}
		n.Similarity = Clamp(n.Similarity)
		if !found ||
			n.Similarity > best.Similarity ||
			(n.Similarity == best.Similarity && n.CreatedAt.After(best.CreatedAt)) {
			best = n
			found = true
		}
	}
	return best, found
}
