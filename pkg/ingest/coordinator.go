// Package ingest drives episodes through the extraction, resolution,
// invalidation and commit pipeline. Episodes of one graph are processed
// strictly in submission order; different graphs run in parallel up to the
// worker pool cap. Batch submissions trade the ordering guarantee for
// intra-batch parallelism.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/resolver"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/temporal"
	"github.com/soundprediction/mnemo/pkg/types"
)

const (
	// MaxBatchSize caps one batch submission.
	MaxBatchSize = 20

	defaultWorkers        = 8
	defaultExtractTimeout = 60 * time.Second
	defaultPriorContext   = 4
)

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d episodes", MaxBatchSize)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("ingestion coordinator is closed")

// Config tunes the coordinator.
type Config struct {
	// Workers bounds concurrent pipeline runs across all graphs.
	Workers int

	// ExtractTimeout bounds one extraction-capability call.
	ExtractTimeout time.Duration

	// PriorContext is how many recently processed episodes of the graph
	// are handed to extraction as grounding context.
	PriorContext int

	// Retry governs extraction retries. Nil uses defaults.
	Retry *extract.RetryConfig

	// DisableDedup turns off content-hash deduplication of resubmitted
	// episodes.
	DisableDedup bool
}

// EdgeRater scores a fact in [0, 1]. Wired in when a rating policy is
// active; new edges are rated before commit.
type EdgeRater interface {
	RateEdge(ctx context.Context, fact string) (float64, error)
}

// EpisodeInput is one episode submission.
type EpisodeInput struct {
	Type      types.EpisodeType
	Content   string
	Role      string
	RoleType  string
	Reference time.Time
}

// Coordinator owns the per-graph ingestion queues and the worker pool.
type Coordinator struct {
	store     store.TemporalStore
	resolver  *resolver.Resolver
	temporal  *temporal.Engine
	extractor extract.Extractor
	registry  *ontology.Registry
	logger    *slog.Logger
	config    Config

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*graphQueue
	rater  EdgeRater
	closed bool

	sem chan struct{}
	wg  sync.WaitGroup
}

type graphQueue struct {
	pending []*types.Episode
	running bool
}

// New creates a Coordinator. The extractor is wrapped with the bounded
// retry policy; pass an already-wrapped extractor only if Retry is set to a
// zero-attempt config.
func New(st store.TemporalStore, res *resolver.Resolver, eng *temporal.Engine, ex extract.Extractor, reg *ontology.Registry, config Config, logger *slog.Logger) *Coordinator {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.ExtractTimeout <= 0 {
		config.ExtractTimeout = defaultExtractTimeout
	}
	if config.PriorContext <= 0 {
		config.PriorContext = defaultPriorContext
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     st,
		resolver:  res,
		temporal:  eng,
		extractor: extract.NewRetryExtractor(ex, config.Retry),
		registry:  reg,
		logger:    logger,
		config:    config,
		baseCtx:   ctx,
		cancel:    cancel,
		queues:    make(map[string]*graphQueue),
		sem:       make(chan struct{}, config.Workers),
	}
}

// SetRater installs or clears the fact rater. Takes effect for episodes
// processed after the call.
func (c *Coordinator) SetRater(r EdgeRater) {
	c.mu.Lock()
	c.rater = r
	c.mu.Unlock()
}

// AddEpisode accepts one episode for a graph and queues it behind any
// in-flight episode of the same graph. The returned record has
// Processed=false until the pipeline commits it. Resubmitting
// byte-identical content returns the prior episode without queueing.
func (c *Coordinator) AddEpisode(ctx context.Context, graphID string, input EpisodeInput) (*types.Episode, error) {
	episode, existing, err := c.admit(ctx, graphID, input)
	if err != nil {
		return nil, err
	}
	if existing {
		return episode, nil
	}

	// Copy before enqueueing: once the record is on the queue a worker
	// may already be mutating it.
	snap := snapshot(episode)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := c.queues[graphID]
	if !ok {
		q = &graphQueue{}
		c.queues[graphID] = q
	}
	q.pending = append(q.pending, episode)
	if !q.running {
		q.running = true
		c.wg.Add(1)
		go c.drain(graphID, q)
	}
	c.mu.Unlock()

	return snap, nil
}

// snapshot copies a queued record so callers never alias the one the
// pipeline mutates.
func snapshot(ep *types.Episode) *types.Episode {
	out := *ep
	out.EntityIDs = append([]string(nil), ep.EntityIDs...)
	out.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
	return &out
}

// AddEpisodeBatch accepts up to MaxBatchSize episodes and processes them
// concurrently, bypassing the per-graph ordering lease. No claim is made
// about the relative temporal ordering of facts within the batch.
func (c *Coordinator) AddEpisodeBatch(ctx context.Context, graphID string, inputs []EpisodeInput) ([]*types.Episode, error) {
	if len(inputs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	episodes := make([]*types.Episode, 0, len(inputs))
	for _, input := range inputs {
		episode, existing, err := c.admit(ctx, graphID, input)
		if err != nil {
			return nil, err
		}
		if existing {
			episodes = append(episodes, episode)
			continue
		}
		episodes = append(episodes, snapshot(episode))

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.wg.Add(1)
		c.mu.Unlock()

		go func(ep *types.Episode) {
			defer c.wg.Done()
			c.sem <- struct{}{}
			defer func() { <-c.sem }()
			c.process(c.baseCtx, ep)
		}(episode)
	}
	return episodes, nil
}

// admit validates, deduplicates and durably records a queued episode.
func (c *Coordinator) admit(ctx context.Context, graphID string, input EpisodeInput) (*types.Episode, bool, error) {
	if graphID == "" {
		return nil, false, types.ErrEmptyGraphID
	}
	if input.Type == "" {
		input.Type = types.EpisodeText
	}

	hash := types.HashContent(graphID, input.Type, input.Content)
	if !c.config.DisableDedup {
		prior, err := c.store.GetEpisodeByHash(ctx, graphID, hash)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	episode := &types.Episode{
		UUID:        uuid.New().String(),
		GraphID:     graphID,
		Type:        input.Type,
		Content:     input.Content,
		Role:        input.Role,
		RoleType:    input.RoleType,
		Reference:   input.Reference,
		CreatedAt:   time.Now().UTC(),
		State:       types.EpisodeQueued,
		ContentHash: hash,
	}
	if err := episode.Validate(); err != nil {
		return nil, false, err
	}
	if err := c.store.Commit(ctx, &store.Mutation{Episodes: []*types.Episode{episode}}); err != nil {
		return nil, false, fmt.Errorf("failed to record queued episode: %w", err)
	}
	return episode, false, nil
}

// drain processes one graph's queue in FIFO order, one episode at a time.
// A failed episode is dequeued like a processed one so the queue never
// stalls.
func (c *Coordinator) drain(graphID string, q *graphQueue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.pending) == 0 || c.closed {
			q.running = false
			c.mu.Unlock()
			return
		}
		episode := q.pending[0]
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.sem <- struct{}{}
		c.process(c.baseCtx, episode)
		<-c.sem
	}
}

// process runs one episode through the pipeline state machine.
func (c *Coordinator) process(ctx context.Context, episode *types.Episode) {
	logger := c.logger.With("graph_id", episode.GraphID, "episode", episode.UUID)

	fail := func(stage types.EpisodeState, err error) {
		episode.State = types.EpisodeFailed
		episode.Processed = false
		episode.Error = err.Error()
		logger.Error("episode processing failed", "stage", string(stage), "error", err)
		if commitErr := c.store.Commit(ctx, &store.Mutation{Episodes: []*types.Episode{episode}}); commitErr != nil {
			logger.Error("failed to record episode failure", "error", commitErr)
		}
	}

	if err := ctx.Err(); err != nil {
		fail(types.EpisodeQueued, err)
		return
	}

	// extracting
	episode.State = types.EpisodeExtracting
	c.persistState(ctx, episode)

	prior, err := c.priorContext(ctx, episode)
	if err != nil {
		logger.Warn("failed to load prior episode context", "error", err)
	}

	var ont *ontology.Ontology
	if c.registry != nil {
		ont = c.registry.Active()
	}

	extractCtx, cancelExtract := context.WithTimeout(ctx, c.config.ExtractTimeout)
	result, err := c.extractor.Extract(extractCtx, extract.Request{
		Content:      episode.Content,
		Type:         episode.Type,
		PriorContext: prior,
		Reference:    episode.Reference,
		EntityTypes:  ont.EntityTypeNames(),
		EdgeTypes:    ont.EdgeTypeNames(),
	})
	cancelExtract()
	if err != nil {
		fail(types.EpisodeExtracting, err)
		return
	}
	if err := ctx.Err(); err != nil {
		fail(types.EpisodeExtracting, err)
		return
	}

	// resolving
	episode.State = types.EpisodeResolving
	c.persistState(ctx, episode)

	ops, err := c.resolver.Resolve(ctx, episode, result, ont)
	if err != nil {
		fail(types.EpisodeResolving, err)
		return
	}

	invalidated, err := c.temporal.Invalidate(ctx, episode.GraphID, ops)
	if err != nil {
		fail(types.EpisodeResolving, err)
		return
	}
	if err := ctx.Err(); err != nil {
		fail(types.EpisodeResolving, err)
		return
	}

	c.mu.Lock()
	rater := c.rater
	c.mu.Unlock()
	if rater != nil {
		for _, ref := range ops.NewEdges {
			edge := ops.Edges[ref.Index]
			score, rateErr := rater.RateEdge(ctx, edge.Fact)
			if rateErr != nil {
				logger.Warn("fact rating failed, leaving edge unrated", "edge", edge.UUID, "error", rateErr)
				continue
			}
			edge.Rating = &score
		}
	}

	// committing: past this point the commit runs to completion or rolls
	// back whole, never partially.
	episode.State = types.EpisodeCommitting
	c.persistState(ctx, episode)

	for _, node := range ops.Nodes {
		episode.EntityIDs = append(episode.EntityIDs, node.UUID)
	}
	for _, edge := range ops.Edges {
		episode.EdgeIDs = append(episode.EdgeIDs, edge.UUID)
	}

	episode.State = types.EpisodeProcessed
	episode.Processed = true
	episode.Error = ""

	mut := &store.Mutation{
		Nodes:    ops.Nodes,
		Edges:    append(ops.Edges, invalidated...),
		Episodes: []*types.Episode{episode},
	}
	if err := c.store.Commit(context.WithoutCancel(ctx), mut); err != nil {
		episode.EntityIDs = nil
		episode.EdgeIDs = nil
		fail(types.EpisodeCommitting, err)
		return
	}

	logger.Info("episode processed",
		"nodes", len(ops.Nodes),
		"edges", len(ops.Edges),
		"invalidated", len(invalidated))
}

// persistState records an intermediate state transition. Best effort; the
// authoritative processed/failed record is committed by the pipeline end.
func (c *Coordinator) persistState(ctx context.Context, episode *types.Episode) {
	if err := c.store.Commit(ctx, &store.Mutation{Episodes: []*types.Episode{episode}}); err != nil {
		c.logger.Debug("failed to persist episode state",
			"episode", episode.UUID,
			"state", string(episode.State),
			"error", err)
	}
}

// priorContext returns the content of the graph's most recently processed
// episodes, oldest first.
func (c *Coordinator) priorContext(ctx context.Context, episode *types.Episode) ([]string, error) {
	episodes, _, err := c.store.ListEpisodes(ctx, episode.GraphID, store.Page{Limit: 0})
	if err != nil {
		return nil, err
	}

	processed := episodes[:0]
	for _, ep := range episodes {
		if ep.Processed && ep.UUID != episode.UUID {
			processed = append(processed, ep)
		}
	}
	sort.Slice(processed, func(i, j int) bool {
		return processed[i].CreatedAt.Before(processed[j].CreatedAt)
	})
	if len(processed) > c.config.PriorContext {
		processed = processed[len(processed)-c.config.PriorContext:]
	}

	contents := make([]string, len(processed))
	for i, ep := range processed {
		contents[i] = ep.Content
	}
	return contents, nil
}

// Status returns the episode record by id, including failure reasons.
func (c *Coordinator) Status(ctx context.Context, episodeID string) (*types.Episode, error) {
	return c.store.GetEpisode(ctx, episodeID)
}

// Wait blocks until all queued and in-flight episodes finish or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting submissions, cancels in-flight work at the next
// stage boundary and waits for queues to settle.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
