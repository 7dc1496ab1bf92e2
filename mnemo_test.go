package mnemo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ingest"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/rating"
	"github.com/soundprediction/mnemo/pkg/search"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

const testGraph = "user:kendra"

// brandExtractor yields a Kendra-LIKES-<brand> edge for episodes that
// mention a known brand.
func brandExtractor() *extract.MockExtractor {
	return &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			content := strings.ToLower(req.Content)
			for _, brand := range []string{"Puma", "Adidas"} {
				if !strings.Contains(content, strings.ToLower(brand)) {
					continue
				}
				return &extract.Result{
					Entities: []extract.CandidateEntity{
						{Name: "Kendra"},
						{Name: brand, TypeHint: "Brand"},
					},
					Edges: []extract.CandidateEdge{{
						SourceName: "Kendra", TargetName: brand,
						Relation: "LIKES",
						Fact:     "Kendra likes " + brand + " shoes",
					}},
				}, nil
			}
			return &extract.Result{}, nil
		},
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{Extractor: brandExtractor()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func ingestOne(t *testing.T, client *Client, content string) *types.Episode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	episode, err := client.AddEpisode(ctx, testGraph, ingest.EpisodeInput{
		Type: types.EpisodeMessage, Content: content, Role: "kendra", RoleType: "user",
	})
	require.NoError(t, err)
	require.NoError(t, client.WaitForIngestion(ctx))

	episode, err = client.EpisodeStatus(ctx, episode.UUID)
	require.NoError(t, err)
	return episode
}

func TestIngestAndSearch(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	episode := ingestOne(t, client, "kendra: I bought Puma sneakers")
	assert.True(t, episode.Processed)
	require.Len(t, episode.EntityIDs, 2)
	require.Len(t, episode.EdgeIDs, 1)

	results, err := client.Search(ctx, testGraph, "what shoes does Kendra like", search.Config{})
	require.NoError(t, err)
	require.NotEmpty(t, results.Edges)
	assert.Equal(t, "Kendra likes Puma shoes", results.Edges[0].Edge.Fact)

	edge, err := client.GetEdge(ctx, episode.EdgeIDs[0])
	require.NoError(t, err)
	assert.Contains(t, edge.Episodes, episode.UUID)

	node, err := client.GetNode(ctx, edge.SourceNodeID)
	require.NoError(t, err)
	assert.Equal(t, "Kendra", node.Name)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	client := newTestClient(t)

	first := ingestOne(t, client, "kendra: I bought Puma sneakers")
	second := ingestOne(t, client, "kendra: I bought Puma sneakers")
	assert.Equal(t, first.UUID, second.UUID)

	episodes, _, err := client.ListEpisodes(context.Background(), testGraph, store.Page{})
	require.NoError(t, err)
	assert.Len(t, episodes, 1)
}

func TestDeleteEdgeNeverCascades(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	episode := ingestOne(t, client, "kendra: I bought Puma sneakers")
	require.Len(t, episode.EdgeIDs, 1)

	require.NoError(t, client.DeleteEdge(ctx, episode.EdgeIDs[0]))

	_, err := client.GetEdge(ctx, episode.EdgeIDs[0])
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, nodeID := range episode.EntityIDs {
		_, err := client.GetNode(ctx, nodeID)
		assert.NoError(t, err, "endpoint nodes survive edge deletion")
	}

	assert.ErrorIs(t, client.DeleteEdge(ctx, episode.EdgeIDs[0]), store.ErrNotFound)
}

func TestDeleteEpisodeCascades(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	pumaEp := ingestOne(t, client, "kendra: I bought Puma sneakers")
	adidasEp := ingestOne(t, client, "kendra: my old Adidas pair is worn out")
	require.Len(t, pumaEp.EdgeIDs, 1)

	pumaEdge, err := client.GetEdge(ctx, pumaEp.EdgeIDs[0])
	require.NoError(t, err)

	require.NoError(t, client.DeleteEpisode(ctx, pumaEp.UUID))

	_, err = client.GetEpisode(ctx, pumaEp.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The edge was solely supported by the deleted episode.
	_, err = client.GetEdge(ctx, pumaEdge.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The Puma node was solely attached to it, with no surviving edges.
	_, err = client.GetNode(ctx, pumaEdge.TargetNodeID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Kendra is shared with the Adidas episode and only gets trimmed.
	kendra, err := client.GetNode(ctx, pumaEdge.SourceNodeID)
	require.NoError(t, err)
	assert.NotContains(t, kendra.Episodes, pumaEp.UUID)
	assert.Contains(t, kendra.Episodes, adidasEp.UUID)
}

func TestDeleteNodeIsUnsupported(t *testing.T) {
	client := newTestClient(t)

	err := client.DeleteNode(context.Background(), "any-node")
	assert.ErrorIs(t, err, ErrNodeDeletionUnsupported)
	assert.ErrorIs(t, err, store.ErrUnsupported)
}

func TestOntologyManagement(t *testing.T) {
	client := newTestClient(t)

	assert.Nil(t, client.Ontology())

	version, err := client.SetOntology(
		[]ontology.EntityTypeSchema{{Name: "Brand"}},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	version, err = client.SetOntology(
		[]ontology.EntityTypeSchema{{Name: "Brand"}, {Name: "City"}},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	active := client.Ontology()
	require.NotNil(t, active)

	_, err = client.SetOntology(
		[]ontology.EntityTypeSchema{{Name: "Brand"}, {Name: "Brand"}},
		nil,
	)
	assert.Error(t, err)
	assert.Equal(t, 2, client.Ontology().Version)
}

func TestOntologyClassifiedIngestion(t *testing.T) {
	extractor := &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			return &extract.Result{
				Entities: []extract.CandidateEntity{
					{Name: "Kendra", TypeHint: "User"},
					{Name: "Green Leaf Cafe", TypeHint: "Restaurant"},
				},
				Edges: []extract.CandidateEdge{{
					SourceName: "Kendra", TargetName: "Green Leaf Cafe",
					Relation: "RESTAURANT_VISIT",
					Fact:     "Kendra visited Green Leaf Cafe",
				}},
			}, nil
		},
	}
	client, err := New(Options{Extractor: extractor})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.SetOntology(
		[]ontology.EntityTypeSchema{{Name: "User"}, {Name: "Restaurant"}},
		[]ontology.EdgeTypeSchema{{
			Name:          "RESTAURANT_VISIT",
			SourceTargets: []ontology.TypePair{{Source: "User", Target: "Restaurant"}},
		}},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = client.AddEpisode(ctx, "group:g2", ingest.EpisodeInput{
		Type: types.EpisodeText, Content: "Let's go to Green Leaf Cafe",
	})
	require.NoError(t, err)
	require.NoError(t, client.WaitForIngestion(ctx))

	nodes, err := client.Search(ctx, "group:g2", "Green Leaf Cafe", search.Config{
		Scope:   search.ScopeNodes,
		Filters: search.Filters{NodeLabels: []string{"Restaurant"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, nodes.Nodes)
	assert.Equal(t, "Green Leaf Cafe", nodes.Nodes[0].Node.Name)

	edges, err := client.Search(ctx, "group:g2", "Kendra visited Green Leaf Cafe", search.Config{
		Filters: search.Filters{EdgeTypes: []string{"RESTAURANT_VISIT"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, edges.Edges)

	edge := edges.Edges[0].Edge
	source, err := client.GetNode(ctx, edge.SourceNodeID)
	require.NoError(t, err)
	target, err := client.GetNode(ctx, edge.TargetNodeID)
	require.NoError(t, err)
	assert.Equal(t, "User", source.EntityType)
	assert.Equal(t, "Restaurant", target.EntityType)
}

func TestRatingPolicyLifecycle(t *testing.T) {
	client := newTestClient(t)

	_, ok := client.RatingPolicy()
	assert.False(t, ok)

	policy := rating.Policy{
		Instruction:   "rate shoe facts",
		HighExample:   "Kendra only wears Puma",
		MediumExample: "Kendra shops for sportswear",
		LowExample:    "it rained on Tuesday",
	}
	require.NoError(t, client.SetRatingPolicy(policy))

	got, ok := client.RatingPolicy()
	require.True(t, ok)
	assert.Equal(t, policy, got)

	episode := ingestOne(t, client, "kendra: I bought Puma sneakers")
	edge, err := client.GetEdge(context.Background(), episode.EdgeIDs[0])
	require.NoError(t, err)
	require.NotNil(t, edge.Rating)
	assert.GreaterOrEqual(t, *edge.Rating, 0.0)
	assert.LessOrEqual(t, *edge.Rating, 1.0)

	client.ClearRatingPolicy()
	_, ok = client.RatingPolicy()
	assert.False(t, ok)

	assert.Error(t, client.SetRatingPolicy(rating.Policy{}))
}

func TestCloseStopsIngestion(t *testing.T) {
	client, err := New(Options{Extractor: brandExtractor()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.AddEpisode(context.Background(), testGraph, ingest.EpisodeInput{
		Type: types.EpisodeMessage, Content: "kendra: hello",
	})
	assert.ErrorIs(t, err, ingest.ErrClosed)
}
