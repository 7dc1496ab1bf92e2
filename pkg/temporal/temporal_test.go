package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/resolver"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

const graphID = "user:kendra"

func seedNodes(t *testing.T, st store.TemporalStore, names ...string) {
	t.Helper()
	mut := &store.Mutation{}
	for _, name := range names {
		mut.Nodes = append(mut.Nodes, &types.Node{
			UUID:    "n-" + name,
			GraphID: graphID,
			Name:    name,
		})
	}
	require.NoError(t, st.Commit(context.Background(), mut))
}

func activeEdge(uuid, source, target, relation, fact string, validAt *time.Time) *types.Edge {
	return &types.Edge{
		UUID:         uuid,
		GraphID:      graphID,
		SourceNodeID: "n-" + source,
		TargetNodeID: "n-" + target,
		Name:         relation,
		Fact:         fact,
		CreatedAt:    time.Now().Add(-time.Hour).UTC(),
		ValidAt:      validAt,
	}
}

func newEdgeOps(edges []*types.Edge, explicit ...bool) *resolver.Ops {
	ops := &resolver.Ops{Edges: edges}
	for i := range edges {
		ref := resolver.NewEdgeRef{Index: i}
		if i < len(explicit) {
			ref.ExplicitValidAt = explicit[i]
		}
		ops.NewEdges = append(ops.NewEdges, ref)
	}
	return ops
}

func TestInvalidateMarksContradictedEdges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	oldValid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := activeEdge("e-old", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", &oldValid)
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{old}}))

	mock := &extract.MockExtractor{
		DetectFunc: extract.KeywordContradictionDetector("adidas"),
	}
	engine := NewEngine(st, mock, nil)

	newValid := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	incoming := activeEdge("e-new", "kendra", "puma", "LIKES", "Kendra likes Puma shoes now", &newValid)
	incoming.CreatedAt = time.Now().UTC()

	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{incoming}, true))
	require.NoError(t, err)

	require.Len(t, invalidated, 1)
	stale := invalidated[0]
	assert.Equal(t, "e-old", stale.UUID)
	require.NotNil(t, stale.InvalidAt)
	assert.Equal(t, newValid, *stale.InvalidAt, "invalid_at is the new fact's valid time")
	require.NotNil(t, stale.ExpiredAt)

	// The stored edge itself is untouched; the coordinator commits the copy.
	fromStore, err := st.GetEdge(ctx, "e-old")
	require.NoError(t, err)
	assert.Nil(t, fromStore.InvalidAt)
}

func TestInvalidateClampsInvalidAtToOldValidAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	// The old fact became true after the new fact's valid time. The window
	// must not invert.
	oldValid := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := activeEdge("e-old", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", &oldValid)
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{old}}))

	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: extract.KeywordContradictionDetector("adidas"),
	}, nil)

	newValid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	incoming := activeEdge("e-new", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", &newValid)

	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{incoming}, true))
	require.NoError(t, err)

	require.Len(t, invalidated, 1)
	assert.Equal(t, oldValid, *invalidated[0].InvalidAt)
	assert.NoError(t, invalidated[0].Validate())
}

func TestInvalidateSkipsOutOfRangeDetectorIndices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	oldValid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := activeEdge("e-old", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", &oldValid)
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{old}}))

	// A misbehaving detector can return indices outside the candidate list.
	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			return []int{-1, 5, 0}, nil
		},
	}, nil)

	newValid := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	incoming := activeEdge("e-new", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", &newValid)

	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{incoming}, true))
	require.NoError(t, err)

	require.Len(t, invalidated, 1, "stray indices are dropped, valid ones still apply")
	assert.Equal(t, "e-old", invalidated[0].UUID)
}

func TestInvalidateSkipsAlreadyExpiredEdges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	valid := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	invalid := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	expired := activeEdge("e-expired", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", &valid)
	expired.InvalidAt = &invalid
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{expired}}))

	detectCalls := 0
	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			detectCalls++
			return nil, nil
		},
	}, nil)

	incoming := activeEdge("e-new", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", nil)
	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{incoming}, false))
	require.NoError(t, err)

	assert.Empty(t, invalidated)
	assert.Equal(t, 0, detectCalls, "expired edges never reach the detector")
}

func TestInvalidateNoContradictionsLeavesEverythingAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "paris")

	old := activeEdge("e-old", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", nil)
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{old}}))

	engine := NewEngine(st, &extract.MockExtractor{}, nil)

	incoming := activeEdge("e-new", "kendra", "paris", "LIVES_IN", "Kendra lives in Paris", nil)
	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{incoming}, false))
	require.NoError(t, err)
	assert.Empty(t, invalidated)
}

func TestInvalidateDeduplicatesAcrossNewEdges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma", "nike")

	old := activeEdge("e-old", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", nil)
	require.NoError(t, st.Commit(ctx, &store.Mutation{Edges: []*types.Edge{old}}))

	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: extract.KeywordContradictionDetector("adidas"),
	}, nil)

	// Two new edges both contradict the same old fact.
	a := activeEdge("e-a", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", nil)
	b := activeEdge("e-b", "kendra", "nike", "LIKES", "Kendra likes Nike shoes", nil)

	invalidated, err := engine.Invalidate(ctx, graphID, newEdgeOps([]*types.Edge{a, b}, false, false))
	require.NoError(t, err)
	assert.Len(t, invalidated, 1, "the same old edge is invalidated once")
}

func TestIntraEpisodeExplicitTimestampWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			// Everything contradicts everything inside this episode.
			indices := make([]int, len(existing))
			for i := range existing {
				indices[i] = i
			}
			return indices, nil
		},
	}, nil)

	dated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := activeEdge("e-a", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", nil)
	b := activeEdge("e-b", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", &dated)

	ops := newEdgeOps([]*types.Edge{a, b}, false, true)
	_, err := engine.Invalidate(ctx, graphID, ops)
	require.NoError(t, err)

	assert.NotNil(t, a.InvalidAt, "the undated fact loses")
	assert.NotNil(t, a.ExpiredAt)
	assert.Nil(t, b.InvalidAt, "the explicitly dated fact survives")
}

func TestIntraEpisodeAmbiguousContradictionKeepsBoth(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas", "puma")

	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			indices := make([]int, len(existing))
			for i := range existing {
				indices[i] = i
			}
			return indices, nil
		},
	}, nil)

	a := activeEdge("e-a", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", nil)
	b := activeEdge("e-b", "kendra", "puma", "LIKES", "Kendra likes Puma shoes", nil)

	ops := newEdgeOps([]*types.Edge{a, b}, false, false)
	_, err := engine.Invalidate(ctx, graphID, ops)
	require.NoError(t, err)

	assert.Nil(t, a.InvalidAt)
	assert.Nil(t, b.InvalidAt)
}

func TestIntraEpisodeDifferentRelationsDoNotConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedNodes(t, st, "kendra", "adidas")

	detectCalls := 0
	engine := NewEngine(st, &extract.MockExtractor{
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			detectCalls++
			return []int{0}, nil
		},
	}, nil)

	dated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := activeEdge("e-a", "kendra", "adidas", "LIKES", "Kendra likes Adidas shoes", nil)
	b := activeEdge("e-b", "kendra", "adidas", "WORKS_AT", "Kendra works at Adidas", &dated)

	ops := newEdgeOps([]*types.Edge{a, b}, false, true)
	_, err := engine.Invalidate(ctx, graphID, ops)
	require.NoError(t, err)

	assert.Nil(t, a.InvalidAt)
	assert.Nil(t, b.InvalidAt)
}
