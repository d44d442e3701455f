package lineage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
	"github.com/compresr/prompt-gateway/internal/store/sqlite"
)

func setup(t *testing.T) (*Manager, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "lineage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s), s
}

func strPtr(s string) *string { return &s }

func TestApply_NewCreatesRoot(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	out, err := m.Apply(ctx, similarity.Result{Tier: similarity.TierNew}, Capture{Content: "hello", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.NotNil(t, out.Created)
	assert.Equal(t, 1, out.Created.Version)
	assert.Nil(t, out.Created.ParentID)

	got, err := s.GetPrompt(ctx, out.PromptID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.True(t, got.IsRoot())
}

func TestApply_ForkCreatesChildAtNextVersion(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	parent, err := m.CreateRoot(ctx, Capture{Content: "Summarize this", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Equal(t, 1, parent.Version)

	res := similarity.Result{MatchID: strPtr(parent.ID), Similarity: 0.80, Tier: similarity.DefaultThresholds().Tier(0.80)}
	require.Equal(t, similarity.TierFork, res.Tier)

	out, err := m.Apply(ctx, res, Capture{Content: "Summarize this briefly", Embedding: []float32{0.8, 0.6}})
	require.NoError(t, err)
	require.NotNil(t, out.Created)
	require.NotNil(t, out.Created.ParentID)
	assert.Equal(t, parent.ID, *out.Created.ParentID)
	assert.Equal(t, 2, out.Created.Version)
	assert.Equal(t, "Summarize this briefly", out.Created.Content)
	assert.Equal(t, []float32{0.8, 0.6}, out.Created.Embedding)

	refs, err := s.Crossrefs(ctx, out.PromptID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, parent.ID, refs[0].TargetID)
	assert.Equal(t, store.RelationshipVariant, refs[0].Relationship)
}

func TestApply_SameIncrementsUsage(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	p, err := m.CreateRoot(ctx, Capture{Content: "x", Embedding: []float32{1}})
	require.NoError(t, err)

	out, err := m.Apply(ctx, similarity.Result{MatchID: strPtr(p.ID), Similarity: 0.99, Tier: similarity.TierSame}, Capture{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, out.PromptID)
	assert.Nil(t, out.Created)

	got, err := s.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)

	n, err := s.CountPrompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApply_MissingMatch(t *testing.T) {
	m, _ := setup(t)
	_, err := m.Apply(context.Background(), similarity.Result{Tier: similarity.TierFork}, Capture{})
	assert.ErrorIs(t, err, ErrMissingMatch)
	_, err = m.Apply(context.Background(), similarity.Result{Tier: similarity.TierSame}, Capture{})
	assert.ErrorIs(t, err, ErrMissingMatch)
}

func TestLink_RejectsSelfLink(t *testing.T) {
	m, _ := setup(t)
	err := m.Link(context.Background(), "a", "a", store.RelationshipVariant, 1)
	assert.ErrorIs(t, err, ErrSelfLink)
}

func TestWalkToRootAndDepth(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	root, err := m.CreateRoot(ctx, Capture{Content: "v1", Embedding: []float32{1}})
	require.NoError(t, err)
	v2, err := m.Fork(ctx, root.ID, Capture{Content: "v2", Embedding: []float32{1}}, 0.8)
	require.NoError(t, err)
	v3, err := m.Fork(ctx, v2.ID, Capture{Content: "v3", Embedding: []float32{1}}, 0.75)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	chain, err := m.WalkToRoot(ctx, v3.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{v3.ID, v2.ID, root.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	// Parents strictly predate children and no prompt repeats.
	seen := map[string]bool{}
	for i, p := range chain {
		assert.False(t, seen[p.ID])
		seen[p.ID] = true
		if i+1 < len(chain) {
			assert.False(t, p.CreatedAt.Before(chain[i+1].CreatedAt))
		}
	}

	depth, err := m.Depth(ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	depth, err = m.Depth(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	r, err := m.Root(ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, r.ID)
}

type cyclicStore struct{ store.PromptStore }

func (cyclicStore) GetPrompt(_ context.Context, id string) (*store.Prompt, error) {
	next := map[string]string{"a": "b", "b": "a"}[id]
	return &store.Prompt{ID: id, ParentID: &next, CreatedAt: time.Now()}, nil
}

func TestWalkToRoot_DetectsCycle(t *testing.T) {
	m := NewManager(cyclicStore{})
	_, err := m.WalkToRoot(context.Background(), "a")
	assert.ErrorIs(t, err, ErrCycle)
}
