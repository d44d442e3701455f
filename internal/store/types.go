// Package store defines the persistence contract for captured prompts.
//
// DESIGN: The capture pipeline talks to three narrow interfaces:
//   - UsageStore:  one PromptUsage per intercepted call (create pending, update on finalize)
//   - PromptStore: Prompt rows created by the lineage manager, usage counters, crossrefs
//   - VectorIndex: nearest-neighbour lookup over Prompt embeddings
//
// Backends live in subpackages (sqlite, postgres, remote). None of them holds a
// global lock across calls; concurrent near-duplicate captures may both create roots.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a prompt or usage record does not exist.
var ErrNotFound = errors.New("store: not found")

// =============================================================================
// PROMPT
// =============================================================================

// Prompt is a distinct prompt text together with its embedding and lineage.
type Prompt struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	ParentID   *string   `json:"parent_id,omitempty"`
	Version    int       `json:"version"`
	Active     bool      `json:"active"`
	UsageCount int64     `json:"usage_count"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsRoot reports whether the prompt has no parent.
func (p *Prompt) IsRoot() bool {
	return p.ParentID == nil
}

// Crossref links two prompts, e.g. a fork to the prompt it was derived from.
type Crossref struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	Relationship string    `json:"relationship"`
	Similarity   float64   `json:"similarity"`
	CreatedAt    time.Time `json:"created_at"`
}

// RelationshipVariant marks a fork of a similar parent prompt.
const RelationshipVariant = "variant"

// Neighbor is one ranked result of a nearest-neighbour query.
type Neighbor struct {
	PromptID   string    `json:"prompt_id"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// INTERFACES
// =============================================================================

// UsageStore persists PromptUsage records.
type UsageStore interface {
	CreateUsage(ctx context.Context, u *PromptUsage) error
	UpdateUsage(ctx context.Context, u *PromptUsage) error
}

// PromptStore persists Prompt rows and their relationships.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *Prompt) error
	GetPrompt(ctx context.Context, id string) (*Prompt, error)
	IncrementUsage(ctx context.Context, id string) (int64, error)
	CreateCrossref(ctx context.Context, c *Crossref) error
}

// VectorIndex answers nearest-neighbour queries over prompt embeddings.
// Results are ordered by descending similarity.
type VectorIndex interface {
	Nearest(ctx context.Context, vector []float32, k int) ([]Neighbor, error)
}

// Backend is a complete persistence service.
type Backend interface {
	UsageStore
	PromptStore
	VectorIndex
	Close() error
}
