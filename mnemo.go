package mnemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soundprediction/mnemo/pkg/composer"
	"github.com/soundprediction/mnemo/pkg/crossencoder"
	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ingest"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/rating"
	"github.com/soundprediction/mnemo/pkg/resolver"
	"github.com/soundprediction/mnemo/pkg/search"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/temporal"
	"github.com/soundprediction/mnemo/pkg/types"
)

// ErrNodeDeletionUnsupported is returned by DeleteNode. Deleting a node by
// id has no defined cascade semantics yet; delete the episodes that
// support it instead.
var ErrNodeDeletionUnsupported = fmt.Errorf("%w: node deletion by id", store.ErrUnsupported)

// Options configures a Client. Zero-value fields get working defaults: an
// in-memory store, the deterministic mock embedder and extractor, and an
// embedding-based cross-encoder.
type Options struct {
	// Store is the temporal store. Defaults to an in-memory store.
	// Wrapped with the transient-error retry policy either way.
	Store store.TemporalStore

	// Embedder computes name and fact embeddings.
	Embedder embedder.Client

	// Extractor is the injected language-understanding capability.
	Extractor extract.Extractor

	// CrossEncoder reranks and rates facts. Defaults to the
	// embedding-based reranker over Embedder.
	CrossEncoder crossencoder.Client

	// Resolver tunes candidate matching.
	Resolver resolver.Config

	// Ingestion tunes the pipeline.
	Ingestion ingest.Config

	// StoreRetry tunes the storage retry wrapper.
	StoreRetry *store.RetryConfig

	Logger *slog.Logger
}

// Client is the façade over the memory store: episode ingestion, hybrid
// search, context composition, ontology management and record access.
type Client struct {
	store        store.TemporalStore
	embedder     embedder.Client
	crossEncoder crossencoder.Client
	registry     *ontology.Registry
	searcher     *search.Searcher
	composer     *composer.Composer
	coordinator  *ingest.Coordinator
	logger       *slog.Logger

	mu    sync.Mutex
	rater *rating.Rater
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	st = store.NewRetryingStore(st, opts.StoreRetry)

	emb := opts.Embedder
	if emb == nil {
		emb = embedder.NewMockClient(384)
	}

	ex := opts.Extractor
	if ex == nil {
		ex = &extract.MockExtractor{}
	}

	ce := opts.CrossEncoder
	if ce == nil {
		ce = crossencoder.NewEmbeddingRerankerClient(emb)
	}

	registry := ontology.NewRegistry()
	res := resolver.New(st, emb, opts.Resolver, logger)
	eng := temporal.NewEngine(st, ex, logger)
	coord := ingest.New(st, res, eng, ex, registry, opts.Ingestion, logger)
	searcher := search.NewSearcher(st, emb, ce, logger)

	return &Client{
		store:        st,
		embedder:     emb,
		crossEncoder: ce,
		registry:     registry,
		searcher:     searcher,
		composer:     composer.New(searcher),
		coordinator:  coord,
		logger:       logger,
	}, nil
}

// AddEpisode submits one episode for a graph. Processing is asynchronous;
// the returned record has Processed=false until the pipeline commits.
// Byte-identical resubmission returns the prior record.
func (c *Client) AddEpisode(ctx context.Context, graphID string, input ingest.EpisodeInput) (*types.Episode, error) {
	return c.coordinator.AddEpisode(ctx, graphID, input)
}

// AddEpisodeBatch submits up to ingest.MaxBatchSize episodes processed
// concurrently, without the per-graph ordering guarantee.
func (c *Client) AddEpisodeBatch(ctx context.Context, graphID string, inputs []ingest.EpisodeInput) ([]*types.Episode, error) {
	return c.coordinator.AddEpisodeBatch(ctx, graphID, inputs)
}

// EpisodeStatus returns the episode record by id, including the failure
// reason when processing gave up.
func (c *Client) EpisodeStatus(ctx context.Context, episodeID string) (*types.Episode, error) {
	return c.coordinator.Status(ctx, episodeID)
}

// WaitForIngestion blocks until all queued episodes finish or ctx ends.
func (c *Client) WaitForIngestion(ctx context.Context) error {
	return c.coordinator.Wait(ctx)
}

// Search runs a hybrid search over a graph.
func (c *Client) Search(ctx context.Context, graphID, query string, config search.Config) (*search.Results, error) {
	return c.searcher.Search(ctx, graphID, query, config)
}

// GetContext renders the memory context block for a session's recent
// messages against the user's graph.
func (c *Client) GetContext(ctx context.Context, graphID string, messages []types.Message, opts composer.Options) (string, error) {
	return c.composer.Compose(ctx, graphID, messages, opts)
}

// GetNode returns one node by id.
func (c *Client) GetNode(ctx context.Context, uuid string) (*types.Node, error) {
	return c.store.GetNode(ctx, uuid)
}

// GetEdge returns one edge by id. Invalidated edges remain retrievable.
func (c *Client) GetEdge(ctx context.Context, uuid string) (*types.Edge, error) {
	return c.store.GetEdge(ctx, uuid)
}

// GetEpisode returns one episode by id.
func (c *Client) GetEpisode(ctx context.Context, uuid string) (*types.Episode, error) {
	return c.store.GetEpisode(ctx, uuid)
}

// ListNodes pages through a graph's nodes.
func (c *Client) ListNodes(ctx context.Context, graphID string, page store.Page) ([]*types.Node, string, error) {
	if page.Limit <= 0 {
		page.Limit = store.DefaultPageLimit
	}
	return c.store.ListNodes(ctx, graphID, page)
}

// ListEdges pages through a graph's edges.
func (c *Client) ListEdges(ctx context.Context, graphID string, page store.Page) ([]*types.Edge, string, error) {
	if page.Limit <= 0 {
		page.Limit = store.DefaultPageLimit
	}
	return c.store.ListEdges(ctx, graphID, page)
}

// ListEpisodes pages through a graph's episodes.
func (c *Client) ListEpisodes(ctx context.Context, graphID string, page store.Page) ([]*types.Episode, string, error) {
	if page.Limit <= 0 {
		page.Limit = store.DefaultPageLimit
	}
	return c.store.ListEpisodes(ctx, graphID, page)
}

// DeleteEdge removes one edge. Never cascades to its endpoint nodes.
func (c *Client) DeleteEdge(ctx context.Context, uuid string) error {
	if _, err := c.store.GetEdge(ctx, uuid); err != nil {
		return err
	}
	return c.store.Commit(ctx, &store.Mutation{DeleteEdgeIDs: []string{uuid}})
}

// DeleteEpisode removes one episode and cascades to edges solely supported
// by it and nodes solely attached to it. Everything applies in one atomic
// commit.
func (c *Client) DeleteEpisode(ctx context.Context, uuid string) error {
	episode, err := c.store.GetEpisode(ctx, uuid)
	if err != nil {
		return err
	}

	mut := &store.Mutation{DeleteEpisodeIDs: []string{episode.UUID}}
	orphanedEdges := make(map[string]struct{})

	for _, edgeID := range episode.EdgeIDs {
		edge, err := c.store.GetEdge(ctx, edgeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if soleSupport(edge.Episodes, episode.UUID) {
			mut.DeleteEdgeIDs = append(mut.DeleteEdgeIDs, edge.UUID)
			orphanedEdges[edge.UUID] = struct{}{}
		} else {
			trimmed := *edge
			trimmed.Episodes = remove(edge.Episodes, episode.UUID)
			mut.Edges = append(mut.Edges, &trimmed)
		}
	}

	for _, nodeID := range episode.EntityIDs {
		node, err := c.store.GetNode(ctx, nodeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if !soleSupport(node.Episodes, episode.UUID) {
			trimmed := *node
			trimmed.Episodes = remove(node.Episodes, episode.UUID)
			mut.Nodes = append(mut.Nodes, &trimmed)
			continue
		}

		// Solely attached: only deletable if no edge outside this
		// cascade still touches it.
		touching, err := c.store.EdgesTouching(ctx, episode.GraphID, node.UUID)
		if err != nil {
			return err
		}
		attached := false
		for _, edge := range touching {
			if _, gone := orphanedEdges[edge.UUID]; !gone {
				attached = true
				break
			}
		}
		if attached {
			trimmed := *node
			trimmed.Episodes = remove(node.Episodes, episode.UUID)
			mut.Nodes = append(mut.Nodes, &trimmed)
		} else {
			mut.DeleteNodeIDs = append(mut.DeleteNodeIDs, node.UUID)
		}
	}

	return c.store.Commit(ctx, mut)
}

// DeleteNode reports that node deletion is unsupported.
func (c *Client) DeleteNode(ctx context.Context, uuid string) error {
	return ErrNodeDeletionUnsupported
}

// SetOntology replaces the active custom ontology wholesale and returns
// the new version. Invalid definitions are rejected before any change.
func (c *Client) SetOntology(entityTypes []ontology.EntityTypeSchema, edgeTypes []ontology.EdgeTypeSchema) (int, error) {
	return c.registry.Set(entityTypes, edgeTypes)
}

// Ontology returns the active ontology, nil when none is set.
func (c *Client) Ontology() *ontology.Ontology {
	return c.registry.Active()
}

// SetRatingPolicy activates fact rating for newly ingested edges.
func (c *Client) SetRatingPolicy(policy rating.Policy) error {
	rater, err := rating.NewRater(policy, c.crossEncoder)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rater = rater
	c.mu.Unlock()
	c.coordinator.SetRater(rater)
	return nil
}

// RatingPolicy returns the active policy, false when none is set.
func (c *Client) RatingPolicy() (rating.Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rater == nil {
		return rating.Policy{}, false
	}
	return c.rater.Policy(), true
}

// ClearRatingPolicy deactivates fact rating.
func (c *Client) ClearRatingPolicy() {
	c.mu.Lock()
	c.rater = nil
	c.mu.Unlock()
	c.coordinator.SetRater(nil)
}

// Close shuts down ingestion and releases the store and embedder.
func (c *Client) Close() error {
	var errs []error
	if err := c.coordinator.Close(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator close: %w", err))
	}
	if err := c.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("embedder close: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func soleSupport(episodes []string, episodeID string) bool {
	for _, id := range episodes {
		if id != episodeID {
			return false
		}
	}
	return true
}

func remove(items []string, drop string) []string {
	kept := make([]string, 0, len(items))
	for _, item := range items {
		if item != drop {
			kept = append(kept, item)
		}
	}
	return kept
}
