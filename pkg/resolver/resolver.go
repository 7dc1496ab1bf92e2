// Package resolver maps extracted candidate entities and edges onto the
// existing graph, deciding per candidate whether to create a new record or
// merge into an existing one. It only reads the store and returns the
// operation set; the ingestion coordinator owns the commit.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/ontology"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity for a
	// candidate to merge into an existing node or edge.
	DefaultSimilarityThreshold = 0.8

	// DefaultEpsilon bounds the similarity band within which matches are
	// considered tied and recency decides.
	DefaultEpsilon = 0.01
)

// Config tunes the matching behavior.
type Config struct {
	SimilarityThreshold float64
	Epsilon             float64
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityThreshold,
		Epsilon:             DefaultEpsilon,
	}
}

// Ops is the resolved operation set for one episode. Nodes and Edges hold
// both fresh records and merged existing records; the store upserts by uuid.
type Ops struct {
	Nodes []*types.Node
	Edges []*types.Edge

	// NewEdges marks the edges this episode created, as opposed to
	// existing edges it merely touched. The invalidation engine only
	// considers new edges as contradiction sources.
	NewEdges []NewEdgeRef
}

// NewEdgeRef points at one freshly created edge in Ops.Edges.
type NewEdgeRef struct {
	Index int

	// ExplicitValidAt records whether the edge's valid_at came from an
	// extracted temporal hint rather than a default. Intra-episode
	// contradictions prefer the explicitly dated fact.
	ExplicitValidAt bool
}

// Resolver performs candidate-to-graph resolution.
type Resolver struct {
	store    store.TemporalStore
	embedder embedder.Client
	config   Config
	logger   *slog.Logger
}

// New creates a Resolver.
func New(st store.TemporalStore, emb embedder.Client, config Config, logger *slog.Logger) *Resolver {
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if config.Epsilon <= 0 {
		config.Epsilon = DefaultEpsilon
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, embedder: emb, config: config, logger: logger}
}

// Resolve maps one episode's extraction result onto the graph and returns
// the node/edge operations to commit. ont may be nil when no custom
// ontology is active.
func (r *Resolver) Resolve(ctx context.Context, episode *types.Episode, result *extract.Result, ont *ontology.Ontology) (*Ops, error) {
	existing, err := r.loadNodes(ctx, episode.GraphID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph nodes: %w", err)
	}

	ops := &Ops{}
	byName := make(map[string]*types.Node)

	for _, candidate := range result.Entities {
		node, err := r.resolveEntity(ctx, episode, candidate, existing, ont)
		if err != nil {
			return nil, err
		}
		if _, seen := byName[normalizeName(candidate.Name)]; !seen {
			ops.Nodes = append(ops.Nodes, node)
			byName[normalizeName(candidate.Name)] = node
		}
	}

	for _, candidate := range result.Edges {
		edge, created, err := r.resolveEdge(ctx, episode, candidate, byName, existing, ont, ops)
		if err != nil {
			return nil, err
		}
		if edge == nil {
			continue
		}
		ops.Edges = append(ops.Edges, edge)
		if created {
			ops.NewEdges = append(ops.NewEdges, NewEdgeRef{
				Index:           len(ops.Edges) - 1,
				ExplicitValidAt: candidate.ValidAt != nil,
			})
		}
	}

	return ops, nil
}

func (r *Resolver) resolveEntity(ctx context.Context, episode *types.Episode, candidate extract.CandidateEntity, existing []*types.Node, ont *ontology.Ontology) (*types.Node, error) {
	name := strings.TrimSpace(candidate.Name)
	if name == "" {
		return nil, types.ErrEmptyName
	}

	vec, err := r.embedder.EmbedSingle(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to embed entity name: %w", err)
	}

	if match := r.bestNodeMatch(name, vec, existing); match != nil {
		merged := *match
		if candidate.Summary != "" {
			merged.Summary = candidate.Summary
		}
		if merged.EntityType == "" && candidate.TypeHint != "" {
			merged.EntityType = candidate.TypeHint
			if ont != nil {
				merged.OntologyVersion = ont.Version
			}
		}
		merged.Mention(episode.UUID)
		merged.UpdatedAt = time.Now().UTC()
		return &merged, nil
	}

	now := time.Now().UTC()
	node := &types.Node{
		UUID:          uuid.New().String(),
		GraphID:       episode.GraphID,
		Name:          name,
		Summary:       candidate.Summary,
		NameEmbedding: vec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if candidate.TypeHint != "" {
		node.EntityType = candidate.TypeHint
		if ont != nil {
			node.OntologyVersion = ont.Version
		}
	}
	if ont != nil && node.EntityType != "" {
		if err := ont.ValidateEntityAttributes(node.EntityType, node.Attributes); err != nil {
			return nil, err
		}
	}
	node.Mention(episode.UUID)
	return node, nil
}

// bestNodeMatch returns the existing node the candidate should merge into,
// or nil to create a fresh node. Exact name matches win outright; otherwise
// the highest-similarity node above the threshold wins, with ties within
// epsilon going to the most recently created node.
func (r *Resolver) bestNodeMatch(name string, vec []float32, existing []*types.Node) *types.Node {
	normalized := normalizeName(name)

	var best *types.Node
	var bestScore float64

	for _, node := range existing {
		if normalizeName(node.Name) == normalized {
			return node
		}
		if len(node.NameEmbedding) == 0 {
			continue
		}
		score := embedder.CosineSimilarity(vec, node.NameEmbedding)
		if score < r.config.SimilarityThreshold {
			continue
		}
		switch {
		case best == nil, score > bestScore+r.config.Epsilon:
			best, bestScore = node, score
		case score >= bestScore-r.config.Epsilon && node.CreatedAt.After(best.CreatedAt):
			best, bestScore = node, score
		}
	}
	return best
}

func (r *Resolver) resolveEdge(ctx context.Context, episode *types.Episode, candidate extract.CandidateEdge, byName map[string]*types.Node, existing []*types.Node, ont *ontology.Ontology, ops *Ops) (*types.Edge, bool, error) {
	r.sanitizeWindow(episode.GraphID, &candidate)

	source, err := r.resolveEndpoint(ctx, episode, candidate.SourceName, byName, existing, ops)
	if err != nil {
		return nil, false, err
	}
	target, err := r.resolveEndpoint(ctx, episode, candidate.TargetName, byName, existing, ops)
	if err != nil {
		return nil, false, err
	}

	if ont != nil && !ont.AllowsPair(candidate.Relation, source.EntityType, target.EntityType) {
		r.logger.Warn("skipping edge violating ontology pair constraint",
			"graph_id", episode.GraphID,
			"relation", candidate.Relation,
			"source_type", source.EntityType,
			"target_type", target.EntityType)
		return nil, false, nil
	}

	factVec, err := r.embedder.EmbedSingle(ctx, candidate.Fact)
	if err != nil {
		return nil, false, fmt.Errorf("failed to embed fact: %w", err)
	}

	between, err := r.store.EdgesBetween(ctx, episode.GraphID, source.UUID, target.UUID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load edges between endpoints: %w", err)
	}
	if match := r.bestEdgeMatch(candidate, factVec, between); match != nil {
		merged := *match
		merged.Support(episode.UUID)
		if merged.ValidAt == nil && candidate.ValidAt != nil {
			merged.ValidAt = candidate.ValidAt
		}
		if merged.InvalidAt == nil && candidate.InvalidAt != nil {
			if merged.ValidAt != nil && candidate.InvalidAt.Before(*merged.ValidAt) {
				r.logger.Warn("dropping invalid_at hint preceding the edge's valid_at",
					"graph_id", episode.GraphID,
					"edge", merged.UUID,
					"invalid_at", *candidate.InvalidAt,
					"valid_at", *merged.ValidAt)
			} else {
				merged.InvalidAt = candidate.InvalidAt
			}
		}
		return &merged, false, nil
	}

	now := time.Now().UTC()
	edge := &types.Edge{
		UUID:          uuid.New().String(),
		GraphID:       episode.GraphID,
		SourceNodeID:  source.UUID,
		TargetNodeID:  target.UUID,
		Name:          candidate.Relation,
		Fact:          candidate.Fact,
		FactEmbedding: factVec,
		CreatedAt:     now,
		ValidAt:       candidate.ValidAt,
		InvalidAt:     candidate.InvalidAt,
	}
	if ont != nil && edge.Name != "" {
		if _, ok := ont.EdgeTypes[edge.Name]; ok {
			edge.OntologyVersion = ont.Version
		}
		if err := ont.ValidateEdgeAttributes(edge.Name, edge.Attributes); err != nil {
			return nil, false, err
		}
	}
	if edge.ValidAt == nil {
		if !episode.Reference.IsZero() {
			ref := episode.Reference
			edge.ValidAt = &ref
		} else {
			edge.ValidAt = &now
		}
	}
	// A lone invalid_at hint in the past can still undercut the defaulted
	// valid_at; collapse the window instead of committing an inverted one.
	if edge.InvalidAt != nil && edge.InvalidAt.Before(*edge.ValidAt) {
		edge.ValidAt = edge.InvalidAt
	}
	edge.Support(episode.UUID)
	return edge, true, nil
}

// sanitizeWindow repairs an inverted extracted validity window in place.
// Extractors occasionally emit the two timestamps swapped; committed as-is
// the pair would fail the store's integrity check and fail the episode.
func (r *Resolver) sanitizeWindow(graphID string, candidate *extract.CandidateEdge) {
	if candidate.ValidAt == nil || candidate.InvalidAt == nil {
		return
	}
	if !candidate.InvalidAt.Before(*candidate.ValidAt) {
		return
	}
	r.logger.Warn("swapping inverted validity window from extraction",
		"graph_id", graphID,
		"relation", candidate.Relation,
		"valid_at", *candidate.ValidAt,
		"invalid_at", *candidate.InvalidAt)
	candidate.ValidAt, candidate.InvalidAt = candidate.InvalidAt, candidate.ValidAt
}

// resolveEndpoint finds or creates the node an edge endpoint refers to.
// Names already resolved in this episode win, then exact matches among
// existing nodes; otherwise a bare node is created so the edge never
// dangles.
func (r *Resolver) resolveEndpoint(ctx context.Context, episode *types.Episode, name string, byName map[string]*types.Node, existing []*types.Node, ops *Ops) (*types.Node, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, types.ErrNoEndpoints
	}
	normalized := normalizeName(trimmed)

	if node, ok := byName[normalized]; ok {
		return node, nil
	}
	for _, node := range existing {
		if normalizeName(node.Name) == normalized {
			merged := *node
			merged.Mention(episode.UUID)
			byName[normalized] = &merged
			ops.Nodes = append(ops.Nodes, &merged)
			return &merged, nil
		}
	}

	vec, err := r.embedder.EmbedSingle(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to embed endpoint name: %w", err)
	}
	now := time.Now().UTC()
	node := &types.Node{
		UUID:          uuid.New().String(),
		GraphID:       episode.GraphID,
		Name:          trimmed,
		NameEmbedding: vec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	node.Mention(episode.UUID)
	byName[normalized] = node
	ops.Nodes = append(ops.Nodes, node)
	return node, nil
}

// bestEdgeMatch looks for an existing edge between the same endpoints that
// says the same thing. Same relation plus an exact fact match wins
// outright; otherwise highest fact similarity above the threshold, ties
// within epsilon going to the most recent edge.
func (r *Resolver) bestEdgeMatch(candidate extract.CandidateEdge, factVec []float32, between []*types.Edge) *types.Edge {
	var best *types.Edge
	var bestScore float64

	for _, edge := range between {
		if edge.Name != candidate.Relation {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(edge.Fact), strings.TrimSpace(candidate.Fact)) {
			return edge
		}
		if len(edge.FactEmbedding) == 0 {
			continue
		}
		score := embedder.CosineSimilarity(factVec, edge.FactEmbedding)
		if score < r.config.SimilarityThreshold {
			continue
		}
		switch {
		case best == nil, score > bestScore+r.config.Epsilon:
			best, bestScore = edge, score
		case score >= bestScore-r.config.Epsilon && edge.CreatedAt.After(best.CreatedAt):
			best, bestScore = edge, score
		}
	}
	return best
}

func (r *Resolver) loadNodes(ctx context.Context, graphID string) ([]*types.Node, error) {
	var all []*types.Node
	page := store.Page{Limit: store.DefaultPageLimit}
	for {
		nodes, cursor, err := r.store.ListNodes(ctx, graphID, page)
		if err != nil {
			return nil, err
		}
		all = append(all, nodes...)
		if cursor == "" {
			return all, nil
		}
		page.Cursor = cursor
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
