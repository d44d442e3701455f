// Package lineage creates and links Prompt records from classification results.
//
// DESIGN: One entry point, Apply, maps a tier to a store operation:
//   - SAME: increment the matched prompt's usage counter
//   - FORK: create a child (version = parent.version + 1) and a variant crossref
//   - NEW:  create a root prompt at version 1
//
// Parents always predate children, so lineage chains are acyclic by construction.
// WalkToRoot still guards against a corrupted store.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
)

var (
	// ErrSelfLink is returned when a link operation would connect a prompt to itself.
	ErrSelfLink = errors.New("lineage: source and target prompt must differ")
	// ErrCycle is returned when a parent chain revisits a prompt.
	ErrCycle = errors.New("lineage: cycle in parent chain")
	// ErrMissingMatch is returned for SAME/FORK results without a matched prompt.
	ErrMissingMatch = errors.New("lineage: classification has no matched prompt")
)

// Capture is the new prompt text and vector being linked.
type Capture struct {
	Content   string
	Embedding []float32
	Provider  string
	Model     string
}

// Outcome describes what Apply did.
type Outcome struct {
	PromptID string
	Tier     similarity.Tier
	Created  *store.Prompt // nil on SAME
}

// Manager applies classification outcomes to the prompt store.
type Manager struct {
	store store.PromptStore
	now   func() time.Time
}

// NewManager creates a lineage manager backed by s.
func NewManager(s store.PromptStore) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Apply links or creates the prompt for a classified capture.
func (m *Manager) Apply(ctx context.Context, res similarity.Result, c Capture) (Outcome, error) {
	switch res.Tier {
	case similarity.TierSame:
		if res.MatchID == nil {
			return Outcome{}, ErrMissingMatch
		}
		count, err := m.store.IncrementUsage(ctx, *res.MatchID)
		if err != nil {
			return Outcome{}, fmt.Errorf("increment usage of %s: %w", *res.MatchID, err)
		}
		log.Debug().Str("prompt_id", *res.MatchID).Int64("usage_count", count).Msg("lineage: same prompt")
		return Outcome{PromptID: *res.MatchID, Tier: res.Tier}, nil

	case similarity.TierFork:
		if res.MatchID == nil {
			return Outcome{}, ErrMissingMatch
		}
		child, err := m.Fork(ctx, *res.MatchID, c, res.Similarity)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{PromptID: child.ID, Tier: res.Tier, Created: child}, nil

	case similarity.TierNew:
		root, err := m.CreateRoot(ctx, c)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{PromptID: root.ID, Tier: res.Tier, Created: root}, nil
	}
	return Outcome{}, fmt.Errorf("lineage: unknown tier %q", res.Tier)
}

// CreateRoot stores a new root prompt at version 1.
func (m *Manager) CreateRoot(ctx context.Context, c Capture) (*store.Prompt, error) {
	p := m.newPrompt(c)
	p.Version = 1
	if err := m.store.CreatePrompt(ctx, p); err != nil {
		return nil, fmt.Errorf("create root prompt: %w", err)
	}
	log.Debug().Str("prompt_id", p.ID).Msg("lineage: new root prompt")
	return p, nil
}

// Fork stores a child of parentID and records a variant crossref to it.
func (m *Manager) Fork(ctx context.Context, parentID string, c Capture, score float64) (*store.Prompt, error) {
	parent, err := m.store.GetPrompt(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", parentID, err)
	}

	child := m.newPrompt(c)
	if err := checkLink(child.ID, parent.ID); err != nil {
		return nil, err
	}
	pid := parent.ID
	child.ParentID = &pid
	child.Version = parent.Version + 1

	if err := m.store.CreatePrompt(ctx, child); err != nil {
		return nil, fmt.Errorf("create forked prompt: %w", err)
	}
	if err := m.Link(ctx, child.ID, parent.ID, store.RelationshipVariant, score); err != nil {
		// The child row exists; a missing crossref only loses the score annotation.
		log.Warn().Err(err).Str("prompt_id", child.ID).Msg("lineage: crossref not recorded")
	}
	log.Debug().
		Str("prompt_id", child.ID).
		Str("parent_id", parent.ID).
		Int("version", child.Version).
		Float64("similarity", score).
		Msg("lineage: forked prompt")
	return child, nil
}

// Link records a relationship between two distinct prompts.
func (m *Manager) Link(ctx context.Context, sourceID, targetID, relationship string, score float64) error {
	if err := checkLink(sourceID, targetID); err != nil {
		return err
	}
	return m.store.CreateCrossref(ctx, &store.Crossref{
		ID:           uuid.New().String(),
		SourceID:     sourceID,
		TargetID:     targetID,
		Relationship: relationship,
		Similarity:   score,
		CreatedAt:    m.now(),
	})
}

// WalkToRoot returns the chain from id up to its root, starting with id itself.
func (m *Manager) WalkToRoot(ctx context.Context, id string) ([]*store.Prompt, error) {
	var chain []*store.Prompt
	seen := make(map[string]bool)
	next := id
	for {
		if seen[next] {
			return chain, fmt.Errorf("%w at %s", ErrCycle, next)
		}
		seen[next] = true

		p, err := m.store.GetPrompt(ctx, next)
		if err != nil {
			return chain, fmt.Errorf("load prompt %s: %w", next, err)
		}
		chain = append(chain, p)
		if p.ParentID == nil {
			return chain, nil
		}
		next = *p.ParentID
	}
}

// Root returns the root ancestor of id.
func (m *Manager) Root(ctx context.Context, id string) (*store.Prompt, error) {
	chain, err := m.WalkToRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// Depth returns the number of parent hops from id to its root (root = 0).
func (m *Manager) Depth(ctx context.Context, id string) (int, error) {
	chain, err := m.WalkToRoot(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(chain) - 1, nil
}

func (m *Manager) newPrompt(c Capture) *store.Prompt {
	now := m.now()
	emb := make([]float32, len(c.Embedding))
	copy(emb, c.Embedding)
	return &store.Prompt{
		ID:         uuid.New().String(),
		Content:    c.Content,
		Embedding:  emb,
		Active:     true,
		UsageCount: 1,
		Provider:   c.Provider,
		Model:      c.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func checkLink(sourceID, targetID string) error {
	if sourceID == "" || targetID == "" || sourceID == targetID {
		return fmt.Errorf("%w: %q -> %q", ErrSelfLink, sourceID, targetID)
	}
	return nil
}
