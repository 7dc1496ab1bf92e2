package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/resolver"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/temporal"
	"github.com/soundprediction/mnemo/pkg/types"
)

func fastRetry() *extract.RetryConfig {
	return &extract.RetryConfig{
		MaxRetries:        1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1.0,
	}
}

func newCoordinator(t *testing.T, st store.TemporalStore, ex extract.Extractor, cfg Config) *Coordinator {
	t.Helper()
	emb := embedder.NewMockClient(64)
	res := resolver.New(st, emb, resolver.DefaultConfig(), nil)
	eng := temporal.NewEngine(st, ex, nil)
	if cfg.Retry == nil {
		cfg.Retry = fastRetry()
	}
	c := New(st, res, eng, ex, ontology.NewRegistry(), cfg, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitAll(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

// shoesExtractor extracts a like/prefer relationship from the Kendra shoe
// conversation and flags brand facts as contradicting each other.
func shoesExtractor() *extract.MockExtractor {
	return &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			lower := strings.ToLower(req.Content)
			switch {
			case strings.Contains(lower, "adidas"):
				return &extract.Result{
					Entities: []extract.CandidateEntity{{Name: "Kendra"}, {Name: "Adidas"}},
					Edges: []extract.CandidateEdge{{
						SourceName: "Kendra", TargetName: "Adidas",
						Relation: "LIKES", Fact: "Kendra loves Adidas shoes",
					}},
				}, nil
			case strings.Contains(lower, "puma"):
				return &extract.Result{
					Entities: []extract.CandidateEntity{{Name: "Kendra"}, {Name: "Puma"}},
					Edges: []extract.CandidateEdge{{
						SourceName: "Kendra", TargetName: "Puma",
						Relation: "LIKES", Fact: "Kendra prefers Puma shoes",
					}},
				}, nil
			}
			return &extract.Result{}, nil
		},
		DetectFunc: func(ctx context.Context, newFact string, existing []string) ([]int, error) {
			// A new shoe preference supersedes prior shoe preferences.
			var indices []int
			for i, fact := range existing {
				if strings.Contains(strings.ToLower(fact), "shoes") &&
					!strings.EqualFold(fact, newFact) {
					indices = append(indices, i)
				}
			}
			return indices, nil
		},
	}
}

func TestAddEpisodeReturnsDetachedRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	graphID := types.UserGraphID("kendra")

	ep, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "I love Adidas"})
	require.NoError(t, err)
	waitAll(t, c)

	// The caller's record was copied before a worker could touch the
	// queued one; it still shows the submission-time state.
	assert.Equal(t, types.EpisodeQueued, ep.State)
	assert.False(t, ep.Processed)

	// Mutating it does not reach the stored record either.
	ep.State = types.EpisodeFailed
	ep.EntityIDs = append(ep.EntityIDs, "bogus")
	status, err := c.Status(ctx, ep.UUID)
	require.NoError(t, err)
	assert.True(t, status.Processed)
	assert.Equal(t, types.EpisodeProcessed, status.State)
	assert.NotContains(t, status.EntityIDs, "bogus")
}

func TestAddEpisodeProcessesAndCommits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	graphID := types.UserGraphID("kendra")

	ep, err := c.AddEpisode(ctx, graphID, EpisodeInput{
		Type:    types.EpisodeMessage,
		Content: "I love my new Adidas shoes",
	})
	require.NoError(t, err)
	assert.False(t, ep.Processed)
	assert.Equal(t, types.EpisodeQueued, ep.State)

	waitAll(t, c)

	done, err := c.Status(ctx, ep.UUID)
	require.NoError(t, err)
	assert.True(t, done.Processed)
	assert.Equal(t, types.EpisodeProcessed, done.State)
	assert.Len(t, done.EntityIDs, 2)
	assert.Len(t, done.EdgeIDs, 1)

	nodes, _, err := st.ListNodes(ctx, graphID, store.Page{})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	edges, _, err := st.ListEdges(ctx, graphID, store.Page{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "Kendra loves Adidas shoes", edges[0].Fact)
	assert.Contains(t, edges[0].Episodes, ep.UUID)
}

func TestPreferenceChangeInvalidatesOldFact(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	graphID := types.UserGraphID("kendra")

	_, err := c.AddEpisode(ctx, graphID, EpisodeInput{
		Type:    types.EpisodeMessage,
		Content: "I love my new Adidas shoes",
	})
	require.NoError(t, err)
	_, err = c.AddEpisode(ctx, graphID, EpisodeInput{
		Type:    types.EpisodeMessage,
		Content: "Actually I switched to Puma, they fit better",
	})
	require.NoError(t, err)

	waitAll(t, c)

	edges, _, err := st.ListEdges(ctx, graphID, store.Page{})
	require.NoError(t, err)
	require.Len(t, edges, 2, "superseded facts are kept, not deleted")

	byFact := make(map[string]*types.Edge)
	for _, e := range edges {
		byFact[e.Fact] = e
	}
	adidas := byFact["Kendra loves Adidas shoes"]
	puma := byFact["Kendra prefers Puma shoes"]
	require.NotNil(t, adidas)
	require.NotNil(t, puma)

	assert.NotNil(t, adidas.InvalidAt, "the old preference is invalidated")
	assert.NotNil(t, adidas.ExpiredAt)
	assert.Nil(t, puma.InvalidAt, "the current preference stays active")

	// Both episodes share the same resolved Kendra node.
	assert.Equal(t, adidas.SourceNodeID, puma.SourceNodeID)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	graphID := types.UserGraphID("kendra")

	first, err := c.AddEpisode(ctx, graphID, EpisodeInput{
		Type:    types.EpisodeMessage,
		Content: "I love my new Adidas shoes",
	})
	require.NoError(t, err)
	waitAll(t, c)

	second, err := c.AddEpisode(ctx, graphID, EpisodeInput{
		Type:    types.EpisodeMessage,
		Content: "I love my new Adidas shoes",
	})
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
	assert.True(t, second.Processed, "the prior processed record is returned")

	waitAll(t, c)
	episodes, _, err := st.ListEpisodes(ctx, graphID, store.Page{})
	require.NoError(t, err)
	assert.Len(t, episodes, 1)
}

func TestDedupCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{DisableDedup: true})
	graphID := types.UserGraphID("kendra")

	first, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "I love Adidas"})
	require.NoError(t, err)
	second, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "I love Adidas"})
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)
}

func TestSameGraphEpisodesRunInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	var mu sync.Mutex
	var order []string
	ex := &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			mu.Lock()
			order = append(order, req.Content)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return &extract.Result{}, nil
		},
	}
	c := newCoordinator(t, st, ex, Config{Workers: 8})
	graphID := types.UserGraphID("kendra")

	var want []string
	for i := 0; i < 6; i++ {
		content := fmt.Sprintf("message number %d", i)
		want = append(want, content)
		_, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: content})
		require.NoError(t, err)
	}
	waitAll(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order, "episodes of one graph extract strictly in submission order")
}

func TestDifferentGraphsRunIndependently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, &extract.MockExtractor{}, Config{Workers: 4})

	for i := 0; i < 3; i++ {
		graphID := types.UserGraphID(fmt.Sprintf("user-%d", i))
		_, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "hello from " + graphID})
		require.NoError(t, err)
	}
	waitAll(t, c)

	for i := 0; i < 3; i++ {
		graphID := types.UserGraphID(fmt.Sprintf("user-%d", i))
		episodes, _, err := st.ListEpisodes(ctx, graphID, store.Page{})
		require.NoError(t, err)
		require.Len(t, episodes, 1)
		assert.True(t, episodes[0].Processed)
	}
}

func TestFailedEpisodeDoesNotStallTheQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	ex := &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			if strings.Contains(req.Content, "poison") {
				return nil, extract.ErrRefusal
			}
			return &extract.Result{}, nil
		},
	}
	c := newCoordinator(t, st, ex, Config{})
	graphID := types.UserGraphID("kendra")

	bad, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "poison message"})
	require.NoError(t, err)
	good, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "healthy message"})
	require.NoError(t, err)

	waitAll(t, c)

	badStatus, err := c.Status(ctx, bad.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.EpisodeFailed, badStatus.State)
	assert.False(t, badStatus.Processed)
	assert.NotEmpty(t, badStatus.Error)

	goodStatus, err := c.Status(ctx, good.UUID)
	require.NoError(t, err)
	assert.True(t, goodStatus.Processed, "the queue keeps moving after a failure")
}

func TestRetryableExtractionFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	calls := 0
	ex := &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			calls++
			if calls == 1 {
				return nil, &extract.RateLimitError{Message: "429"}
			}
			return &extract.Result{}, nil
		},
	}
	c := newCoordinator(t, st, ex, Config{})
	graphID := types.UserGraphID("kendra")

	ep, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "retry me"})
	require.NoError(t, err)
	waitAll(t, c)

	status, err := c.Status(ctx, ep.UUID)
	require.NoError(t, err)
	assert.True(t, status.Processed)
	assert.Equal(t, 2, calls)
}

func TestAddEpisodeBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, &extract.MockExtractor{}, Config{})
	graphID := types.UserGraphID("kendra")

	inputs := []EpisodeInput{
		{Content: "batch message one"},
		{Content: "batch message two"},
		{Content: "batch message three"},
	}
	episodes, err := c.AddEpisodeBatch(ctx, graphID, inputs)
	require.NoError(t, err)
	require.Len(t, episodes, 3)

	waitAll(t, c)

	for _, ep := range episodes {
		status, err := c.Status(ctx, ep.UUID)
		require.NoError(t, err)
		assert.True(t, status.Processed)
	}
}

func TestAddEpisodeBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, store.NewMemoryStore(), &extract.MockExtractor{}, Config{})

	inputs := make([]EpisodeInput, MaxBatchSize+1)
	for i := range inputs {
		inputs[i] = EpisodeInput{Content: fmt.Sprintf("message %d", i)}
	}
	_, err := c.AddEpisodeBatch(ctx, types.UserGraphID("kendra"), inputs)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestPriorContextIsPassedToExtraction(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	var mu sync.Mutex
	var lastPrior []string
	ex := &extract.MockExtractor{
		ExtractFunc: func(ctx context.Context, req extract.Request) (*extract.Result, error) {
			mu.Lock()
			lastPrior = req.PriorContext
			mu.Unlock()
			return &extract.Result{}, nil
		},
	}
	c := newCoordinator(t, st, ex, Config{PriorContext: 2})
	graphID := types.UserGraphID("kendra")

	for i := 0; i < 4; i++ {
		_, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}
	waitAll(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"turn 1", "turn 2"}, lastPrior,
		"the most recent processed episodes arrive oldest first, capped")
}

func TestRatedEdgesCarryScores(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	c.SetRater(staticRater(0.9))
	graphID := types.UserGraphID("kendra")

	_, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "I love Adidas shoes"})
	require.NoError(t, err)
	waitAll(t, c)

	edges, _, err := st.ListEdges(ctx, graphID, store.Page{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NotNil(t, edges[0].Rating)
	assert.InDelta(t, 0.9, *edges[0].Rating, 1e-9)
}

func TestRaterFailureLeavesEdgeUnrated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newCoordinator(t, st, shoesExtractor(), Config{})
	c.SetRater(raterFunc(func(ctx context.Context, fact string) (float64, error) {
		return 0, errors.New("rating backend down")
	}))
	graphID := types.UserGraphID("kendra")

	ep, err := c.AddEpisode(ctx, graphID, EpisodeInput{Content: "I love Adidas shoes"})
	require.NoError(t, err)
	waitAll(t, c)

	status, err := c.Status(ctx, ep.UUID)
	require.NoError(t, err)
	assert.True(t, status.Processed, "rating failures never fail the episode")

	edges, _, err := st.ListEdges(ctx, graphID, store.Page{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Nil(t, edges[0].Rating)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, store.NewMemoryStore(), &extract.MockExtractor{}, Config{})
	require.NoError(t, c.Close())

	_, err := c.AddEpisode(ctx, types.UserGraphID("kendra"), EpisodeInput{Content: "too late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmptyGraphIDRejected(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, store.NewMemoryStore(), &extract.MockExtractor{}, Config{})

	_, err := c.AddEpisode(ctx, "", EpisodeInput{Content: "hello"})
	assert.ErrorIs(t, err, types.ErrEmptyGraphID)
}

type raterFunc func(ctx context.Context, fact string) (float64, error)

func (f raterFunc) RateEdge(ctx context.Context, fact string) (float64, error) {
	return f(ctx, fact)
}

func staticRater(score float64) raterFunc {
	return func(ctx context.Context, fact string) (float64, error) {
		return score, nil
	}
}
