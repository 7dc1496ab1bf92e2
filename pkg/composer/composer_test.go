package composer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemo/pkg/crossencoder"
	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/search"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

const graphID = "user:kendra"

const emptyBlock = `FACTS and ENTITIES represent relevant context to the current conversation.

# These are the most relevant facts and their valid date ranges
# format: FACT (Date range: from - to)
<FACTS>
</FACTS>

# These are the most relevant entities
# ENTITY_NAME: entity summary
<ENTITIES>
</ENTITIES>
`

func newTestComposer(t *testing.T) (*Composer, store.TemporalStore, embedder.Client) {
	t.Helper()
	st := store.NewMemoryStore()
	emb := embedder.NewMockClient(128)
	searcher := search.NewSearcher(st, emb, crossencoder.NewEmbeddingRerankerClient(emb), nil)
	return New(searcher), st, emb
}

// seedConversationGraph commits Kendra's shoe preferences: an active Puma
// fact and an Adidas fact invalidated mid-2024.
func seedConversationGraph(t *testing.T, st store.TemporalStore, emb embedder.Client) {
	t.Helper()
	ctx := context.Background()

	mkNode := func(uuid, name, summary string) *types.Node {
		vec, err := emb.EmbedSingle(ctx, name)
		require.NoError(t, err)
		return &types.Node{
			UUID: uuid, GraphID: graphID, Name: name,
			Summary: summary, NameEmbedding: vec,
		}
	}
	mkEdge := func(uuid, source, target, relation, fact string) *types.Edge {
		vec, err := emb.EmbedSingle(ctx, fact)
		require.NoError(t, err)
		valid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		return &types.Edge{
			UUID: uuid, GraphID: graphID,
			SourceNodeID: source, TargetNodeID: target,
			Name: relation, Fact: fact, FactEmbedding: vec,
			ValidAt: &valid, Episodes: []string{"ep-1"},
		}
	}

	adidas := mkEdge("e-adidas", "n-kendra", "n-adidas", "LIKES", "Kendra loves Adidas shoes")
	invalid := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	adidas.InvalidAt = &invalid
	adidas.ExpiredAt = &invalid

	require.NoError(t, st.Commit(ctx, &store.Mutation{
		Nodes: []*types.Node{
			mkNode("n-kendra", "Kendra", "A runner who cares about her shoes"),
			mkNode("n-puma", "Puma", "A sportswear brand"),
			mkNode("n-adidas", "Adidas", "A sportswear brand"),
		},
		Edges: []*types.Edge{
			adidas,
			mkEdge("e-puma", "n-kendra", "n-puma", "LIKES", "Kendra prefers Puma shoes"),
		},
	}))
}

func TestComposeRendersFactsAndEntities(t *testing.T) {
	c, st, emb := newTestComposer(t)
	seedConversationGraph(t, st, emb)

	messages := []types.Message{
		{Role: "kendra", RoleType: "user", Content: "what shoes should I buy"},
		{Role: "assistant", RoleType: "assistant", Content: "which brands does Kendra prefer"},
	}

	block, err := c.Compose(context.Background(), graphID, messages, Options{})
	require.NoError(t, err)

	assert.Contains(t, block, "  - Kendra prefers Puma shoes (2024-01-01 00:00:00 - present)\n")
	assert.NotContains(t, block, "Adidas shoes", "expired facts stay out of the block")
	assert.Contains(t, block, "  - Kendra: A runner who cares about her shoes\n")

	factSection := block[strings.Index(block, "<FACTS>"):strings.Index(block, "</FACTS>")]
	entitySection := block[strings.Index(block, "<ENTITIES>"):strings.Index(block, "</ENTITIES>")]
	assert.NotEmpty(t, factSection)
	assert.NotEmpty(t, entitySection)
	assert.True(t, strings.Index(block, "<FACTS>") < strings.Index(block, "<ENTITIES>"))
}

func TestComposeEmptyMessagesYieldsEmptyBlock(t *testing.T) {
	c, st, emb := newTestComposer(t)
	seedConversationGraph(t, st, emb)

	block, err := c.Compose(context.Background(), graphID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, emptyBlock, block)

	block, err = c.Compose(context.Background(), graphID, []types.Message{
		{Role: "user", Content: "   "},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, emptyBlock, block)
}

func TestComposeEmptyGraphYieldsEmptyBlock(t *testing.T) {
	c, _, _ := newTestComposer(t)

	block, err := c.Compose(context.Background(), graphID, []types.Message{
		{Role: "user", Content: "hello there"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, emptyBlock, block)
}

func TestComposeRequiresGraphID(t *testing.T) {
	c, _, _ := newTestComposer(t)

	_, err := c.Compose(context.Background(), "", []types.Message{
		{Role: "user", Content: "hello"},
	}, Options{})
	assert.ErrorIs(t, err, types.ErrEmptyGraphID)
}

func TestBuildQueryUsesTrailingWindow(t *testing.T) {
	messages := []types.Message{
		{Content: "one"},
		{Content: "two"},
		{Content: "three"},
		{Content: "  "},
		{Content: "five"},
	}

	assert.Equal(t, "three\nfive", buildQuery(messages, 3))
	assert.Equal(t, "one\ntwo\nthree\nfive", buildQuery(messages, 10))
	assert.Equal(t, "", buildQuery(nil, 4))
}

func TestDateRange(t *testing.T) {
	valid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	invalid := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		edge *types.Edge
		want string
	}{
		{name: "active edge", edge: &types.Edge{ValidAt: &valid}, want: "2024-01-01 00:00:00 - present"},
		{name: "invalidated edge", edge: &types.Edge{ValidAt: &valid, InvalidAt: &invalid}, want: "2024-01-01 00:00:00 - 2024-06-01 12:30:00"},
		{name: "unknown start", edge: &types.Edge{InvalidAt: &invalid}, want: "unknown - 2024-06-01 12:30:00"},
		{name: "no dates", edge: &types.Edge{}, want: "unknown - present"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dateRange(tt.edge))
		})
	}
}

func TestComposeMinRatingFiltersFacts(t *testing.T) {
	c, st, emb := newTestComposer(t)
	seedConversationGraph(t, st, emb)

	ctx := context.Background()
	low := 0.1
	vec, err := emb.EmbedSingle(ctx, "Kendra dislikes Puma shoes lately")
	require.NoError(t, err)
	valid := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Commit(ctx, &store.Mutation{
		Edges: []*types.Edge{{
			UUID: "e-low", GraphID: graphID,
			SourceNodeID: "n-kendra", TargetNodeID: "n-puma",
			Name: "DISLIKES", Fact: "Kendra dislikes Puma shoes lately",
			FactEmbedding: vec, ValidAt: &valid, Rating: &low,
			Episodes: []string{"ep-2"},
		}},
	}))

	minRating := 0.5
	block, err := c.Compose(ctx, graphID, []types.Message{
		{Role: "user", Content: "Kendra Puma shoes"},
	}, Options{MinRating: &minRating})
	require.NoError(t, err)

	assert.Contains(t, block, "Kendra prefers Puma shoes")
	assert.NotContains(t, block, "dislikes Puma")
}
