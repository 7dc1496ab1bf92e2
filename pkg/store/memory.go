package store

import (
	"context"
	"sort"
	"sync"

	"github.com/soundprediction/mnemo/pkg/types"
)

// MemoryStore is an in-process TemporalStore. It backs tests and small
// single-process deployments; the Badger store is the durable backend.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*types.Node
	edges    map[string]*types.Edge
	episodes map[string]*types.Episode

	// hashes maps graphID+"\x00"+contentHash to episode uuid.
	hashes map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*types.Node),
		edges:    make(map[string]*types.Edge),
		episodes: make(map[string]*types.Episode),
		hashes:   make(map[string]string),
	}
}

func (s *MemoryStore) GetNode(ctx context.Context, uuid string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNode(n), nil
}

func (s *MemoryStore) GetEdge(ctx context.Context, uuid string) (*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEdge(e), nil
}

func (s *MemoryStore) GetEpisode(ctx context.Context, uuid string) (*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEpisode(ep), nil
}

func (s *MemoryStore) GetEpisodeByHash(ctx context.Context, graphID, hash string) (*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uuid, ok := s.hashes[graphID+"\x00"+hash]
	if !ok {
		return nil, ErrNotFound
	}
	ep, ok := s.episodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEpisode(ep), nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, graphID string, page Page) ([]*types.Node, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uuids []string
	for uuid, n := range s.nodes {
		if n.GraphID == graphID {
			uuids = append(uuids, uuid)
		}
	}
	uuids = paginate(uuids, page)

	out := make([]*types.Node, 0, len(uuids))
	for _, uuid := range uuids {
		out = append(out, cloneNode(s.nodes[uuid]))
	}
	return out, nextCursor(uuids, page), nil
}

func (s *MemoryStore) ListEdges(ctx context.Context, graphID string, page Page) ([]*types.Edge, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uuids []string
	for uuid, e := range s.edges {
		if e.GraphID == graphID {
			uuids = append(uuids, uuid)
		}
	}
	uuids = paginate(uuids, page)

	out := make([]*types.Edge, 0, len(uuids))
	for _, uuid := range uuids {
		out = append(out, cloneEdge(s.edges[uuid]))
	}
	return out, nextCursor(uuids, page), nil
}

func (s *MemoryStore) ListEpisodes(ctx context.Context, graphID string, page Page) ([]*types.Episode, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uuids []string
	for uuid, ep := range s.episodes {
		if ep.GraphID == graphID {
			uuids = append(uuids, uuid)
		}
	}
	uuids = paginate(uuids, page)

	out := make([]*types.Episode, 0, len(uuids))
	for _, uuid := range uuids {
		out = append(out, cloneEpisode(s.episodes[uuid]))
	}
	return out, nextCursor(uuids, page), nil
}

func (s *MemoryStore) EdgesTouching(ctx context.Context, graphID, nodeUUID string) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Edge
	for _, e := range s.edges {
		if e.GraphID != graphID {
			continue
		}
		if e.SourceNodeID == nodeUUID || e.TargetNodeID == nodeUUID {
			out = append(out, cloneEdge(e))
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *MemoryStore) EdgesBetween(ctx context.Context, graphID, aUUID, bUUID string) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Edge
	for _, e := range s.edges {
		if e.GraphID != graphID {
			continue
		}
		if (e.SourceNodeID == aUUID && e.TargetNodeID == bUUID) ||
			(e.SourceNodeID == bUUID && e.TargetNodeID == aUUID) {
			out = append(out, cloneEdge(e))
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, mut *Mutation) error {
	if mut == nil || mut.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before touching any state so the commit is all-or-nothing.
	if err := checkMutation(mut, func(uuid string) bool {
		_, ok := s.nodes[uuid]
		return ok
	}); err != nil {
		return err
	}

	for _, n := range mut.Nodes {
		s.nodes[n.UUID] = cloneNode(n)
	}
	for _, e := range mut.Edges {
		s.edges[e.UUID] = cloneEdge(e)
	}
	for _, ep := range mut.Episodes {
		s.episodes[ep.UUID] = cloneEpisode(ep)
		if ep.ContentHash != "" {
			s.hashes[ep.GraphID+"\x00"+ep.ContentHash] = ep.UUID
		}
	}
	for _, uuid := range mut.DeleteEdgeIDs {
		delete(s.edges, uuid)
	}
	for _, uuid := range mut.DeleteNodeIDs {
		delete(s.nodes, uuid)
	}
	for _, uuid := range mut.DeleteEpisodeIDs {
		if ep, ok := s.episodes[uuid]; ok && ep.ContentHash != "" {
			delete(s.hashes, ep.GraphID+"\x00"+ep.ContentHash)
		}
		delete(s.episodes, uuid)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// checkMutation enforces referential integrity: upserted edges must point at
// nodes that exist in the store or arrive in the same mutation, and deletes
// must not orphan edges that survive the commit.
func checkMutation(mut *Mutation, nodeExists func(string) bool) error {
	incoming := make(map[string]bool, len(mut.Nodes))
	for _, n := range mut.Nodes {
		if err := n.Validate(); err != nil {
			return &IntegrityError{Kind: "node", UUID: n.UUID, Detail: err.Error()}
		}
		incoming[n.UUID] = true
	}
	deleted := make(map[string]bool, len(mut.DeleteNodeIDs))
	for _, uuid := range mut.DeleteNodeIDs {
		deleted[uuid] = true
	}

	resolvable := func(uuid string) bool {
		if deleted[uuid] {
			return false
		}
		return incoming[uuid] || nodeExists(uuid)
	}

	for _, e := range mut.Edges {
		if err := e.Validate(); err != nil {
			return &IntegrityError{Kind: "edge", UUID: e.UUID, Detail: err.Error()}
		}
		if !resolvable(e.SourceNodeID) {
			return &IntegrityError{Kind: "edge", UUID: e.UUID, Detail: "source node " + e.SourceNodeID + " does not exist"}
		}
		if !resolvable(e.TargetNodeID) {
			return &IntegrityError{Kind: "edge", UUID: e.UUID, Detail: "target node " + e.TargetNodeID + " does not exist"}
		}
	}
	for _, ep := range mut.Episodes {
		if err := ep.Validate(); err != nil {
			return &IntegrityError{Kind: "episode", UUID: ep.UUID, Detail: err.Error()}
		}
	}
	return nil
}

func paginate(uuids []string, page Page) []string {
	sort.Strings(uuids)
	start := 0
	if page.Cursor != "" {
		start = sort.SearchStrings(uuids, page.Cursor)
		// Cursor is the last uuid of the previous page, skip past it.
		if start < len(uuids) && uuids[start] == page.Cursor {
			start++
		}
	}
	uuids = uuids[start:]
	if page.Limit > 0 && len(uuids) > page.Limit {
		uuids = uuids[:page.Limit]
	}
	return uuids
}

func nextCursor(pageUUIDs []string, page Page) string {
	if page.Limit <= 0 || len(pageUUIDs) < page.Limit {
		return ""
	}
	return pageUUIDs[len(pageUUIDs)-1]
}

func sortEdges(edges []*types.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].UUID < edges[j].UUID })
}
