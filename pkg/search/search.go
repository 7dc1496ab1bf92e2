// Package search implements hybrid retrieval over a graph: a semantic pass
// (embedding cosine similarity) and a lexical pass (BM25) fused with
// Reciprocal Rank Fusion, plus optional rerankers for diversity, graph
// distance, mention count and cross-encoder relevance.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/mnemo/pkg/crossencoder"
	"github.com/soundprediction/mnemo/pkg/embedder"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

// Constants for search operations
const (
	RelevantSchemaLimit = 10
	DefaultMinScore     = 0.6
	DefaultMMRLambda    = 0.5
	MaxSearchDepth      = 3
	MaxQueryLength      = 128
	DefaultRankConstant = 60
	DefaultLimit        = 10
	DefaultTimeout      = 10 * time.Second
)

// Scope selects what a search returns.
type Scope string

const (
	ScopeNodes Scope = "nodes"
	ScopeEdges Scope = "edges"
)

// RerankerType selects the reranking strategy applied after fusion.
type RerankerType string

const (
	RRFRerankType             RerankerType = "rrf"
	MMRRerankType             RerankerType = "mmr"
	CrossEncoderRerankType    RerankerType = "cross_encoder"
	NodeDistanceRerankType    RerankerType = "node_distance"
	EpisodeMentionsRerankType RerankerType = "episode_mentions"
)

// Filters restricts the candidate set before ranking.
type Filters struct {
	// NodeLabels keeps only nodes whose entity type matches one of the
	// labels (OR-combined).
	NodeLabels []string `json:"node_labels,omitempty"`

	// EdgeTypes keeps only edges whose relation name matches one of the
	// types (OR-combined).
	EdgeTypes []string `json:"edge_types,omitempty"`

	// MinRating excludes edges carrying a fact rating below the
	// threshold. Unrated edges pass.
	MinRating *float64 `json:"min_rating,omitempty"`

	// IncludeExpired keeps invalidated and expired edges in the
	// candidate set.
	IncludeExpired bool `json:"include_expired,omitempty"`
}

// Config holds one search request's tuning.
type Config struct {
	Scope        Scope        `json:"scope"`
	Limit        int          `json:"limit"`
	Reranker     RerankerType `json:"reranker"`
	RankConstant int          `json:"rank_constant,omitempty"`

	// MMRLambda balances relevance against diversity for the mmr
	// reranker.
	MMRLambda float64 `json:"mmr_lambda,omitempty"`

	// CenterNodeID anchors the node_distance reranker.
	CenterNodeID string `json:"center_node_id,omitempty"`

	// MaxHops bounds the node_distance traversal.
	MaxHops int `json:"max_hops,omitempty"`

	Timeout time.Duration `json:"-"`
	Filters Filters       `json:"filters,omitempty"`
}

// NodeResult is one ranked node.
type NodeResult struct {
	Node  *types.Node `json:"node"`
	Score float64     `json:"score"`
}

// EdgeResult is one ranked edge.
type EdgeResult struct {
	Edge  *types.Edge `json:"edge"`
	Score float64     `json:"score"`
}

// Results holds one search's ranked output for the requested scope.
type Results struct {
	Nodes []NodeResult `json:"nodes,omitempty"`
	Edges []EdgeResult `json:"edges,omitempty"`
}

// Searcher runs hybrid searches against the store.
type Searcher struct {
	store        store.TemporalStore
	embedder     embedder.Client
	crossEncoder crossencoder.Client
	logger       *slog.Logger
}

// NewSearcher creates a Searcher. crossEncoder may be nil; the
// cross_encoder reranker then falls back to fused ordering.
func NewSearcher(st store.TemporalStore, emb embedder.Client, ce crossencoder.Client, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{store: st, embedder: emb, crossEncoder: ce, logger: logger}
}

// Search runs one hybrid search. A graph with no data yields empty
// results, not an error. On timeout the results gathered so far are
// returned.
func (s *Searcher) Search(ctx context.Context, graphID, query string, config Config) (*Results, error) {
	if graphID == "" {
		return nil, types.ErrEmptyGraphID
	}
	if config.Scope == "" {
		config.Scope = ScopeEdges
	}
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.Reranker == "" {
		config.Reranker = RRFRerankType
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	query = TruncateQuery(query)
	if strings.TrimSpace(query) == "" {
		return &Results{}, nil
	}

	switch config.Scope {
	case ScopeNodes:
		nodes, err := s.searchNodes(ctx, graphID, query, config)
		if err != nil {
			if partial(err) {
				s.logger.Warn("node search timed out, returning partial results", "graph_id", graphID)
				return &Results{Nodes: nodes}, nil
			}
			return nil, err
		}
		return &Results{Nodes: nodes}, nil
	case ScopeEdges:
		edges, err := s.searchEdges(ctx, graphID, query, config)
		if err != nil {
			if partial(err) {
				s.logger.Warn("edge search timed out, returning partial results", "graph_id", graphID)
				return &Results{Edges: edges}, nil
			}
			return nil, err
		}
		return &Results{Edges: edges}, nil
	default:
		return nil, fmt.Errorf("unknown search scope %q", config.Scope)
	}
}

func partial(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func (s *Searcher) searchNodes(ctx context.Context, graphID, query string, config Config) ([]NodeResult, error) {
	candidates, err := s.loadNodes(ctx, graphID)
	if err != nil {
		return nil, err
	}
	candidates = filterNodes(candidates, config.Filters)
	if len(candidates) == 0 {
		return []NodeResult{}, nil
	}

	queryVector, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	byUUID := make(map[string]*types.Node, len(candidates))
	texts := make(map[string]string, len(candidates))
	vectors := make(map[string][]float32, len(candidates))
	for _, node := range candidates {
		byUUID[node.UUID] = node
		texts[node.UUID] = strings.TrimSpace(node.Name + " " + node.Summary)
		vectors[node.UUID] = node.NameEmbedding
	}

	semantic := semanticRank(queryVector, vectors)
	lexical := LexicalRank(query, texts)

	rankConstant := config.RankConstant
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}
	fusedUUIDs, fusedScores := RRF([][]string{semantic, lexical}, rankConstant, 0)

	uuids, scores, err := s.rerankNodes(ctx, graphID, query, queryVector, fusedUUIDs, fusedScores, byUUID, vectors, texts, config)
	if err != nil {
		return nil, err
	}

	results := make([]NodeResult, 0, config.Limit)
	for i, uuid := range uuids {
		if len(results) >= config.Limit {
			break
		}
		results = append(results, NodeResult{Node: byUUID[uuid], Score: scores[i]})
	}
	return results, nil
}

func (s *Searcher) searchEdges(ctx context.Context, graphID, query string, config Config) ([]EdgeResult, error) {
	candidates, err := s.loadEdges(ctx, graphID)
	if err != nil {
		return nil, err
	}
	candidates = filterEdges(candidates, config.Filters)
	if len(candidates) == 0 {
		return []EdgeResult{}, nil
	}

	queryVector, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	byUUID := make(map[string]*types.Edge, len(candidates))
	texts := make(map[string]string, len(candidates))
	vectors := make(map[string][]float32, len(candidates))
	for _, edge := range candidates {
		byUUID[edge.UUID] = edge
		texts[edge.UUID] = edge.Fact
		vectors[edge.UUID] = edge.FactEmbedding
	}

	semantic := semanticRank(queryVector, vectors)
	lexical := LexicalRank(query, texts)

	rankConstant := config.RankConstant
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}
	fusedUUIDs, fusedScores := RRF([][]string{semantic, lexical}, rankConstant, 0)

	uuids, scores, err := s.rerankEdges(ctx, graphID, query, queryVector, fusedUUIDs, fusedScores, byUUID, vectors, texts, config)
	if err != nil {
		return nil, err
	}

	results := make([]EdgeResult, 0, config.Limit)
	for i, uuid := range uuids {
		if len(results) >= config.Limit {
			break
		}
		results = append(results, EdgeResult{Edge: byUUID[uuid], Score: scores[i]})
	}
	return results, nil
}

func (s *Searcher) rerankNodes(ctx context.Context, graphID, query string, queryVector []float32, fusedUUIDs []string, fusedScores []float64, byUUID map[string]*types.Node, vectors map[string][]float32, texts map[string]string, config Config) ([]string, []float64, error) {
	switch config.Reranker {
	case "", RRFRerankType:
		return fusedUUIDs, fusedScores, nil

	case MMRRerankType:
		candidates := make(map[string][]float32, len(fusedUUIDs))
		for _, uuid := range fusedUUIDs {
			if vec := vectors[uuid]; len(vec) > 0 {
				candidates[uuid] = vec
			}
		}
		uuids, scores := MaximalMarginalRelevance(queryVector, candidates, config.MMRLambda, -1)
		return uuids, scores, nil

	case NodeDistanceRerankType:
		if config.CenterNodeID == "" {
			return nil, nil, fmt.Errorf("node_distance reranker requires a center node id")
		}
		return s.nodeDistanceRerank(ctx, graphID, fusedUUIDs, fusedScores, config.CenterNodeID, config.MaxHops)

	case EpisodeMentionsRerankType:
		mentions := func(uuid string) int {
			return len(byUUID[uuid].Episodes)
		}
		uuids, scores := episodeMentionsRerank(fusedUUIDs, fusedScores, mentions)
		return uuids, scores, nil

	case CrossEncoderRerankType:
		return s.crossEncoderRerank(ctx, query, fusedUUIDs, fusedScores, texts)

	default:
		return nil, nil, fmt.Errorf("unknown reranker %q", config.Reranker)
	}
}

func (s *Searcher) rerankEdges(ctx context.Context, graphID, query string, queryVector []float32, fusedUUIDs []string, fusedScores []float64, byUUID map[string]*types.Edge, vectors map[string][]float32, texts map[string]string, config Config) ([]string, []float64, error) {
	switch config.Reranker {
	case "", RRFRerankType:
		return fusedUUIDs, fusedScores, nil

	case MMRRerankType:
		candidates := make(map[string][]float32, len(fusedUUIDs))
		for _, uuid := range fusedUUIDs {
			if vec := vectors[uuid]; len(vec) > 0 {
				candidates[uuid] = vec
			}
		}
		uuids, scores := MaximalMarginalRelevance(queryVector, candidates, config.MMRLambda, -1)
		return uuids, scores, nil

	case NodeDistanceRerankType:
		if config.CenterNodeID == "" {
			return nil, nil, fmt.Errorf("node_distance reranker requires a center node id")
		}
		// Rank an edge by its closest endpoint.
		distances, err := s.hopDistances(ctx, graphID, config.CenterNodeID, config.MaxHops)
		if err != nil {
			return nil, nil, err
		}
		return rankByDistance(fusedUUIDs, fusedScores, func(uuid string) (int, bool) {
			edge := byUUID[uuid]
			d1, ok1 := distances[edge.SourceNodeID]
			d2, ok2 := distances[edge.TargetNodeID]
			switch {
			case ok1 && ok2:
				if d2 < d1 {
					return d2, true
				}
				return d1, true
			case ok1:
				return d1, true
			case ok2:
				return d2, true
			}
			return 0, false
		})

	case EpisodeMentionsRerankType:
		mentions := func(uuid string) int {
			return len(byUUID[uuid].Episodes)
		}
		uuids, scores := episodeMentionsRerank(fusedUUIDs, fusedScores, mentions)
		return uuids, scores, nil

	case CrossEncoderRerankType:
		return s.crossEncoderRerank(ctx, query, fusedUUIDs, fusedScores, texts)

	default:
		return nil, nil, fmt.Errorf("unknown reranker %q", config.Reranker)
	}
}

func (s *Searcher) nodeDistanceRerank(ctx context.Context, graphID string, fusedUUIDs []string, fusedScores []float64, centerNodeID string, maxHops int) ([]string, []float64, error) {
	distances, err := s.hopDistances(ctx, graphID, centerNodeID, maxHops)
	if err != nil {
		return nil, nil, err
	}
	return rankByDistance(fusedUUIDs, fusedScores, func(uuid string) (int, bool) {
		d, ok := distances[uuid]
		return d, ok
	})
}

func (s *Searcher) crossEncoderRerank(ctx context.Context, query string, fusedUUIDs []string, fusedScores []float64, texts map[string]string) ([]string, []float64, error) {
	if s.crossEncoder == nil {
		return fusedUUIDs, fusedScores, nil
	}

	passages := make([]string, 0, len(fusedUUIDs))
	byPassage := make(map[string][]string)
	for _, uuid := range fusedUUIDs {
		text := texts[uuid]
		passages = append(passages, text)
		byPassage[text] = append(byPassage[text], uuid)
	}

	ranked, err := s.crossEncoder.Rank(ctx, query, passages)
	if err != nil {
		return nil, nil, fmt.Errorf("cross-encoder rerank failed: %w", err)
	}

	uuids := make([]string, 0, len(fusedUUIDs))
	scores := make([]float64, 0, len(fusedUUIDs))
	taken := make(map[string]struct{}, len(fusedUUIDs))
	for _, rp := range ranked {
		for _, uuid := range byPassage[rp.Passage] {
			if _, ok := taken[uuid]; ok {
				continue
			}
			taken[uuid] = struct{}{}
			uuids = append(uuids, uuid)
			scores = append(scores, rp.Score)
			break
		}
	}
	for i, uuid := range fusedUUIDs {
		if _, ok := taken[uuid]; !ok {
			taken[uuid] = struct{}{}
			uuids = append(uuids, uuid)
			scores = append(scores, fusedScores[i])
		}
	}
	return uuids, scores, nil
}

// hopDistances runs a bounded BFS over the graph's adjacency starting at
// the center node and returns hop counts for every reached node.
func (s *Searcher) hopDistances(ctx context.Context, graphID, centerNodeID string, maxHops int) (map[string]int, error) {
	if maxHops <= 0 {
		maxHops = MaxSearchDepth
	}

	distances := map[string]int{centerNodeID: 0}
	frontier := []string{centerNodeID}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, nodeUUID := range frontier {
			edges, err := s.store.EdgesTouching(ctx, graphID, nodeUUID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			for _, edge := range edges {
				for _, neighbor := range []string{edge.SourceNodeID, edge.TargetNodeID} {
					if _, seen := distances[neighbor]; !seen {
						distances[neighbor] = hop
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}
	return distances, nil
}

// semanticRank orders candidate uuids by cosine similarity to the query
// vector, best first. Candidates without an embedding are left out of the
// semantic list; the lexical pass still sees them.
func semanticRank(queryVector []float32, vectors map[string][]float32) []string {
	type scored struct {
		uuid  string
		score float64
	}
	ranked := make([]scored, 0, len(vectors))
	for uuid, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		ranked = append(ranked, scored{uuid: uuid, score: embedder.CosineSimilarity(queryVector, vec)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].uuid < ranked[j].uuid
	})

	uuids := make([]string, len(ranked))
	for i, r := range ranked {
		uuids[i] = r.uuid
	}
	return uuids
}

// TruncateQuery caps overlong queries at MaxQueryLength fields instead of
// rejecting.
func TruncateQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) <= MaxQueryLength {
		return query
	}
	return strings.Join(fields[:MaxQueryLength], " ")
}

func filterNodes(nodes []*types.Node, filters Filters) []*types.Node {
	if len(filters.NodeLabels) == 0 {
		return nodes
	}
	labels := make(map[string]struct{}, len(filters.NodeLabels))
	for _, label := range filters.NodeLabels {
		labels[label] = struct{}{}
	}
	kept := nodes[:0]
	for _, node := range nodes {
		if _, ok := labels[node.EntityType]; ok {
			kept = append(kept, node)
		}
	}
	return kept
}

func filterEdges(edges []*types.Edge, filters Filters) []*types.Edge {
	typeSet := make(map[string]struct{}, len(filters.EdgeTypes))
	for _, t := range filters.EdgeTypes {
		typeSet[t] = struct{}{}
	}

	kept := edges[:0]
	for _, edge := range edges {
		if !filters.IncludeExpired && (edge.InvalidAt != nil || edge.Expired()) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[edge.Name]; !ok {
				continue
			}
		}
		if filters.MinRating != nil && edge.Rating != nil && *edge.Rating < *filters.MinRating {
			continue
		}
		kept = append(kept, edge)
	}
	return kept
}

func (s *Searcher) loadNodes(ctx context.Context, graphID string) ([]*types.Node, error) {
	var all []*types.Node
	page := store.Page{Limit: store.DefaultPageLimit}
	for {
		nodes, cursor, err := s.store.ListNodes(ctx, graphID, page)
		if err != nil {
			return all, err
		}
		all = append(all, nodes...)
		if cursor == "" {
			return all, nil
		}
		page.Cursor = cursor
	}
}

func (s *Searcher) loadEdges(ctx context.Context, graphID string) ([]*types.Edge, error) {
	var all []*types.Edge
	page := store.Page{Limit: store.DefaultPageLimit}
	for {
		edges, cursor, err := s.store.ListEdges(ctx, graphID, page)
		if err != nil {
			return all, err
		}
		all = append(all, edges...)
		if cursor == "" {
			return all, nil
		}
		page.Cursor = cursor
	}
}
