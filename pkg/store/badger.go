package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/soundprediction/mnemo/pkg/types"
)

// Key layout. Records live under a kind prefix keyed by uuid; per-graph
// index keys make range queries a prefix scan; adjacency keys make
// EdgesTouching a prefix scan instead of a full-graph filter.
//
//	n:<uuid>                      node record
//	e:<uuid>                      edge record
//	p:<uuid>                      episode record
//	gn:<graph>:<uuid>             graph -> node index
//	ge:<graph>:<uuid>             graph -> edge index
//	gp:<graph>:<uuid>             graph -> episode index
//	adj:<graph>:<node>:<edge>     node -> edge adjacency
//	h:<graph>:<hash>              content hash -> episode uuid
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerOptions configures the durable store.
type BadgerOptions struct {
	// Path is the data directory. Empty means in-memory Badger.
	Path   string
	Logger *slog.Logger
}

// NewBadgerStore opens (or creates) a Badger-backed temporal store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	bopts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Path, err)
	}
	return &BadgerStore{db: db, logger: opts.Logger}, nil
}

func nodeKey(uuid string) []byte    { return []byte("n:" + uuid) }
func edgeKey(uuid string) []byte    { return []byte("e:" + uuid) }
func episodeKey(uuid string) []byte { return []byte("p:" + uuid) }

func graphNodeKey(graphID, uuid string) []byte    { return []byte("gn:" + graphID + ":" + uuid) }
func graphEdgeKey(graphID, uuid string) []byte    { return []byte("ge:" + graphID + ":" + uuid) }
func graphEpisodeKey(graphID, uuid string) []byte { return []byte("gp:" + graphID + ":" + uuid) }

func adjKey(graphID, nodeUUID, edgeUUID string) []byte {
	return []byte("adj:" + graphID + ":" + nodeUUID + ":" + edgeUUID)
}

func hashKey(graphID, hash string) []byte { return []byte("h:" + graphID + ":" + hash) }

func (s *BadgerStore) GetNode(ctx context.Context, uuid string) (*types.Node, error) {
	var node types.Node
	if err := s.getJSON(nodeKey(uuid), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BadgerStore) GetEdge(ctx context.Context, uuid string) (*types.Edge, error) {
	var edge types.Edge
	if err := s.getJSON(edgeKey(uuid), &edge); err != nil {
		return nil, err
	}
	return &edge, nil
}

func (s *BadgerStore) GetEpisode(ctx context.Context, uuid string) (*types.Episode, error) {
	var ep types.Episode
	if err := s.getJSON(episodeKey(uuid), &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *BadgerStore) GetEpisodeByHash(ctx context.Context, graphID, hash string) (*types.Episode, error) {
	var uuid string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(graphID, hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			uuid = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, mapBadgerErr(err)
	}
	return s.GetEpisode(ctx, uuid)
}

func (s *BadgerStore) ListNodes(ctx context.Context, graphID string, page Page) ([]*types.Node, string, error) {
	uuids, cursor, err := s.scanIndex("gn:"+graphID+":", page)
	if err != nil {
		return nil, "", err
	}
	out := make([]*types.Node, 0, len(uuids))
	for _, uuid := range uuids {
		n, err := s.GetNode(ctx, uuid)
		if err != nil {
			return nil, "", err
		}
		out = append(out, n)
	}
	return out, cursor, nil
}

func (s *BadgerStore) ListEdges(ctx context.Context, graphID string, page Page) ([]*types.Edge, string, error) {
	uuids, cursor, err := s.scanIndex("ge:"+graphID+":", page)
	if err != nil {
		return nil, "", err
	}
	out := make([]*types.Edge, 0, len(uuids))
	for _, uuid := range uuids {
		e, err := s.GetEdge(ctx, uuid)
		if err != nil {
			return nil, "", err
		}
		out = append(out, e)
	}
	return out, cursor, nil
}

func (s *BadgerStore) ListEpisodes(ctx context.Context, graphID string, page Page) ([]*types.Episode, string, error) {
	uuids, cursor, err := s.scanIndex("gp:"+graphID+":", page)
	if err != nil {
		return nil, "", err
	}
	out := make([]*types.Episode, 0, len(uuids))
	for _, uuid := range uuids {
		ep, err := s.GetEpisode(ctx, uuid)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ep)
	}
	return out, cursor, nil
}

func (s *BadgerStore) EdgesTouching(ctx context.Context, graphID, nodeUUID string) ([]*types.Edge, error) {
	uuids, _, err := s.scanIndex("adj:"+graphID+":"+nodeUUID+":", Page{})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Edge, 0, len(uuids))
	for _, uuid := range uuids {
		e, err := s.GetEdge(ctx, uuid)
		if errors.Is(err, ErrNotFound) {
			continue // adjacency entry outlived the edge, skip
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *BadgerStore) EdgesBetween(ctx context.Context, graphID, aUUID, bUUID string) ([]*types.Edge, error) {
	touching, err := s.EdgesTouching(ctx, graphID, aUUID)
	if err != nil {
		return nil, err
	}
	var out []*types.Edge
	for _, e := range touching {
		if (e.SourceNodeID == aUUID && e.TargetNodeID == bUUID) ||
			(e.SourceNodeID == bUUID && e.TargetNodeID == aUUID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *BadgerStore) Commit(ctx context.Context, mut *Mutation) error {
	if mut == nil || mut.Empty() {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		exists := func(uuid string) bool {
			_, err := txn.Get(nodeKey(uuid))
			return err == nil
		}
		if err := checkMutation(mut, exists); err != nil {
			return err
		}

		for _, n := range mut.Nodes {
			if err := setJSON(txn, nodeKey(n.UUID), n); err != nil {
				return err
			}
			if err := txn.Set(graphNodeKey(n.GraphID, n.UUID), nil); err != nil {
				return err
			}
		}
		for _, e := range mut.Edges {
			if err := setJSON(txn, edgeKey(e.UUID), e); err != nil {
				return err
			}
			if err := txn.Set(graphEdgeKey(e.GraphID, e.UUID), nil); err != nil {
				return err
			}
			if err := txn.Set(adjKey(e.GraphID, e.SourceNodeID, e.UUID), nil); err != nil {
				return err
			}
			if err := txn.Set(adjKey(e.GraphID, e.TargetNodeID, e.UUID), nil); err != nil {
				return err
			}
		}
		for _, ep := range mut.Episodes {
			if err := setJSON(txn, episodeKey(ep.UUID), ep); err != nil {
				return err
			}
			if err := txn.Set(graphEpisodeKey(ep.GraphID, ep.UUID), nil); err != nil {
				return err
			}
			if ep.ContentHash != "" {
				if err := txn.Set(hashKey(ep.GraphID, ep.ContentHash), []byte(ep.UUID)); err != nil {
					return err
				}
			}
		}

		for _, uuid := range mut.DeleteEdgeIDs {
			if err := deleteEdgeInTxn(txn, uuid); err != nil {
				return err
			}
		}
		for _, uuid := range mut.DeleteNodeIDs {
			if err := deleteNodeInTxn(txn, uuid); err != nil {
				return err
			}
		}
		for _, uuid := range mut.DeleteEpisodeIDs {
			if err := deleteEpisodeInTxn(txn, uuid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			s.logger.Error("integrity violation in commit",
				"kind", integrity.Kind,
				"uuid", integrity.UUID,
				"detail", integrity.Detail)
			return err
		}
		return Unavailable(err)
	}
	return nil
}

func deleteEdgeInTxn(txn *badger.Txn, uuid string) error {
	var edge types.Edge
	item, err := txn.Get(edgeKey(uuid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil // idempotent delete
	}
	if err != nil {
		return err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return err
	}

	if err := txn.Delete(edgeKey(uuid)); err != nil {
		return err
	}
	if err := txn.Delete(graphEdgeKey(edge.GraphID, uuid)); err != nil {
		return err
	}
	if err := txn.Delete(adjKey(edge.GraphID, edge.SourceNodeID, uuid)); err != nil {
		return err
	}
	return txn.Delete(adjKey(edge.GraphID, edge.TargetNodeID, uuid))
}

func deleteNodeInTxn(txn *badger.Txn, uuid string) error {
	var node types.Node
	item, err := txn.Get(nodeKey(uuid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return err
	}

	if err := txn.Delete(nodeKey(uuid)); err != nil {
		return err
	}
	return txn.Delete(graphNodeKey(node.GraphID, uuid))
}

func deleteEpisodeInTxn(txn *badger.Txn, uuid string) error {
	var ep types.Episode
	item, err := txn.Get(episodeKey(uuid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ep)
	}); err != nil {
		return err
	}

	if err := txn.Delete(episodeKey(uuid)); err != nil {
		return err
	}
	if err := txn.Delete(graphEpisodeKey(ep.GraphID, uuid)); err != nil {
		return err
	}
	if ep.ContentHash != "" {
		return txn.Delete(hashKey(ep.GraphID, ep.ContentHash))
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// scanIndex walks a prefix of uuid-suffixed index keys, honoring pagination.
func (s *BadgerStore) scanIndex(prefix string, page Page) ([]string, string, error) {
	var uuids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		pfx := []byte(prefix)
		seek := pfx
		if page.Cursor != "" {
			// Seek past the cursor uuid within the prefix.
			seek = append([]byte(prefix+page.Cursor), 0)
		}
		for it.Seek(seek); it.ValidForPrefix(pfx); it.Next() {
			key := it.Item().Key()
			uuids = append(uuids, string(key[len(pfx):]))
			if page.Limit > 0 && len(uuids) >= page.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", Unavailable(err)
	}

	cursor := ""
	if page.Limit > 0 && len(uuids) == page.Limit {
		cursor = uuids[len(uuids)-1]
	}
	return uuids, cursor, nil
}

func (s *BadgerStore) getJSON(key []byte, dst any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dst)
		})
	})
	return mapBadgerErr(err)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func mapBadgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return Unavailable(err)
}
