// Package store provides the temporal store: durable CRUD over nodes, edges
// and episodes keyed by uuid and queryable by graph id, with atomic
// multi-record commits. The store is the single source of truth; all writes
// flow through Commit so a partial ingestion can never leave a dangling edge.
package store

import (
	"context"

	"github.com/soundprediction/mnemo/pkg/types"
)

// Page controls range-query pagination. Cursor is the opaque value returned
// by the previous page; empty means start from the beginning.
type Page struct {
	Limit  int
	Cursor string
}

// Mutation is one atomic unit of graph change: all upserts and deletes apply
// together or not at all.
type Mutation struct {
	Nodes    []*types.Node
	Edges    []*types.Edge
	Episodes []*types.Episode

	DeleteNodeIDs    []string
	DeleteEdgeIDs    []string
	DeleteEpisodeIDs []string
}

// Empty reports whether the mutation carries no changes.
func (m *Mutation) Empty() bool {
	return len(m.Nodes) == 0 && len(m.Edges) == 0 && len(m.Episodes) == 0 &&
		len(m.DeleteNodeIDs) == 0 && len(m.DeleteEdgeIDs) == 0 && len(m.DeleteEpisodeIDs) == 0
}

// TemporalStore is the contract the rest of the system depends on.
//
// Reads against unknown ids return ErrNotFound. Transient I/O failures are
// reported as ErrUnavailable and may be retried; constraint violations at
// commit time are IntegrityError and indicate a resolver or coordinator bug.
type TemporalStore interface {
	GetNode(ctx context.Context, uuid string) (*types.Node, error)
	GetEdge(ctx context.Context, uuid string) (*types.Edge, error)
	GetEpisode(ctx context.Context, uuid string) (*types.Episode, error)

	// GetEpisodeByHash looks up an episode by content hash for idempotent
	// resubmission. Returns ErrNotFound when no episode matches.
	GetEpisodeByHash(ctx context.Context, graphID, hash string) (*types.Episode, error)

	ListNodes(ctx context.Context, graphID string, page Page) ([]*types.Node, string, error)
	ListEdges(ctx context.Context, graphID string, page Page) ([]*types.Edge, string, error)
	ListEpisodes(ctx context.Context, graphID string, page Page) ([]*types.Episode, string, error)

	// EdgesTouching returns all edges with the given node as either endpoint.
	EdgesTouching(ctx context.Context, graphID, nodeUUID string) ([]*types.Edge, error)

	// EdgesBetween returns edges connecting the two nodes in either direction.
	EdgesBetween(ctx context.Context, graphID, aUUID, bUUID string) ([]*types.Edge, error)

	// Commit applies the mutation atomically. Every upserted edge must have
	// both endpoints present in the store or in the same mutation; a
	// violation fails the whole commit with IntegrityError.
	Commit(ctx context.Context, mut *Mutation) error

	Close() error
}

// DefaultPageLimit is the page size used when a caller does not specify
// one.
const DefaultPageLimit = 500
