// Package temporal implements fact invalidation: when a newly resolved edge
// contradicts existing facts in the same relation slot, the old edges are
// marked invalid as of the new fact's valid time. Superseded facts are
// never deleted.
package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/mnemo/pkg/extract"
	"github.com/soundprediction/mnemo/pkg/resolver"
	"github.com/soundprediction/mnemo/pkg/store"
	"github.com/soundprediction/mnemo/pkg/types"
)

// Engine determines which existing edges a batch of new edges contradicts.
// It never retries and never writes; the coordinator commits its output
// atomically together with the new edges.
type Engine struct {
	store     store.TemporalStore
	extractor extract.Extractor
	logger    *slog.Logger
}

// NewEngine creates an invalidation engine.
func NewEngine(st store.TemporalStore, ex extract.Extractor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, extractor: ex, logger: logger}
}

// Invalidate inspects each new edge in ops against the active edges sharing
// its relation slot and returns copies of the contradicted edges with
// invalid_at and expired_at populated. Intra-episode contradictions are
// resolved in place on ops.Edges.
func (e *Engine) Invalidate(ctx context.Context, graphID string, ops *resolver.Ops) ([]*types.Edge, error) {
	now := time.Now().UTC()
	var invalidated []*types.Edge
	seen := make(map[string]struct{})

	inOps := make(map[string]struct{}, len(ops.Edges))
	for _, edge := range ops.Edges {
		inOps[edge.UUID] = struct{}{}
	}

	for _, ref := range ops.NewEdges {
		newEdge := ops.Edges[ref.Index]

		candidates, err := e.slotEdges(ctx, graphID, newEdge, inOps)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		facts := make([]string, len(candidates))
		for i, c := range candidates {
			facts[i] = c.Fact
		}
		indices, err := e.extractor.DetectContradictions(ctx, newEdge.Fact, facts)
		if err != nil {
			return nil, fmt.Errorf("contradiction detection failed: %w", err)
		}

		for _, idx := range indices {
			if idx < 0 || idx >= len(candidates) {
				e.logger.Warn("contradiction detector returned out-of-range index",
					"graph_id", graphID,
					"index", idx,
					"candidates", len(candidates))
				continue
			}
			old := candidates[idx]
			if _, done := seen[old.UUID]; done {
				continue
			}
			seen[old.UUID] = struct{}{}

			stale := *old
			invalidAt := newEdge.CreatedAt
			if newEdge.ValidAt != nil {
				invalidAt = *newEdge.ValidAt
			}
			if stale.ValidAt != nil && invalidAt.Before(*stale.ValidAt) {
				// Keep invalid_at monotonic with respect to the old
				// fact's own validity window.
				invalidAt = *stale.ValidAt
			}
			stale.InvalidAt = &invalidAt
			expired := now
			stale.ExpiredAt = &expired
			invalidated = append(invalidated, &stale)

			e.logger.Debug("invalidated contradicted fact",
				"graph_id", graphID,
				"old_edge", old.UUID,
				"new_edge", newEdge.UUID,
				"invalid_at", invalidAt)
		}
	}

	e.reconcileIntraEpisode(ctx, graphID, ops, now)

	return invalidated, nil
}

// slotEdges returns the active existing edges in the same relation slot as
// the new edge: every live edge anchored on the new edge's subject node.
// The contradiction detector decides which of them the new fact actually
// supersedes, so the slot errs wide rather than narrow. Edges already part
// of this episode's operation set are excluded.
func (e *Engine) slotEdges(ctx context.Context, graphID string, newEdge *types.Edge, inOps map[string]struct{}) ([]*types.Edge, error) {
	touching, err := e.store.EdgesTouching(ctx, graphID, newEdge.SourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges touching source: %w", err)
	}

	var slot []*types.Edge
	for _, edge := range touching {
		if edge.UUID == newEdge.UUID {
			continue
		}
		if _, ok := inOps[edge.UUID]; ok {
			continue
		}
		if edge.InvalidAt != nil || edge.Expired() {
			continue
		}
		slot = append(slot, edge)
	}
	return slot, nil
}

// reconcileIntraEpisode handles two facts from one episode contradicting
// each other. The fact with the explicitly extracted timestamp wins; when
// neither or both are explicit the contradiction is logged as an anomaly
// and both facts are kept.
func (e *Engine) reconcileIntraEpisode(ctx context.Context, graphID string, ops *resolver.Ops, now time.Time) {
	for i := 0; i < len(ops.NewEdges); i++ {
		for j := i + 1; j < len(ops.NewEdges); j++ {
			a := ops.Edges[ops.NewEdges[i].Index]
			b := ops.Edges[ops.NewEdges[j].Index]
			if a.InvalidAt != nil || b.InvalidAt != nil {
				continue
			}
			if !sameSlot(a, b) {
				continue
			}

			abIdx, err := e.extractor.DetectContradictions(ctx, a.Fact, []string{b.Fact})
			if err != nil {
				continue
			}
			baIdx, err := e.extractor.DetectContradictions(ctx, b.Fact, []string{a.Fact})
			if err != nil {
				continue
			}
			if len(abIdx) == 0 || len(baIdx) == 0 {
				continue
			}

			aExplicit := ops.NewEdges[i].ExplicitValidAt
			bExplicit := ops.NewEdges[j].ExplicitValidAt
			switch {
			case aExplicit && !bExplicit:
				e.expire(b, a, now)
			case bExplicit && !aExplicit:
				e.expire(a, b, now)
			default:
				e.logger.Warn("mutually contradictory facts in one episode, keeping both",
					"graph_id", graphID,
					"edge_a", a.UUID,
					"edge_b", b.UUID)
			}
		}
	}
}

func (e *Engine) expire(loser, winner *types.Edge, now time.Time) {
	invalidAt := winner.CreatedAt
	if winner.ValidAt != nil {
		invalidAt = *winner.ValidAt
	}
	if loser.ValidAt != nil && invalidAt.Before(*loser.ValidAt) {
		invalidAt = *loser.ValidAt
	}
	loser.InvalidAt = &invalidAt
	expired := now
	loser.ExpiredAt = &expired
}

func sameSlot(a, b *types.Edge) bool {
	if a.Name != b.Name {
		return false
	}
	if a.SourceNodeID == b.SourceNodeID {
		return true
	}
	return a.SourceNodeID == b.TargetNodeID && a.TargetNodeID == b.SourceNodeID
}
