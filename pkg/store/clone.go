package store

import "github.com/soundprediction/mnemo/pkg/types"

// Records are cloned on the way in and out of the in-memory store so callers
// never alias stored state.

func cloneNode(n *types.Node) *types.Node {
	if n == nil {
		return nil
	}
	out := *n
	out.NameEmbedding = append([]float32(nil), n.NameEmbedding...)
	out.Episodes = append([]string(nil), n.Episodes...)
	out.Attributes = cloneMap(n.Attributes)
	return &out
}

func cloneEdge(e *types.Edge) *types.Edge {
	if e == nil {
		return nil
	}
	out := *e
	out.FactEmbedding = append([]float32(nil), e.FactEmbedding...)
	out.Episodes = append([]string(nil), e.Episodes...)
	out.Attributes = cloneMap(e.Attributes)
	if e.ValidAt != nil {
		t := *e.ValidAt
		out.ValidAt = &t
	}
	if e.InvalidAt != nil {
		t := *e.InvalidAt
		out.InvalidAt = &t
	}
	if e.ExpiredAt != nil {
		t := *e.ExpiredAt
		out.ExpiredAt = &t
	}
	if e.Rating != nil {
		r := *e.Rating
		out.Rating = &r
	}
	return &out
}

func cloneEpisode(ep *types.Episode) *types.Episode {
	if ep == nil {
		return nil
	}
	out := *ep
	out.EntityIDs = append([]string(nil), ep.EntityIDs...)
	out.EdgeIDs = append([]string(nil), ep.EdgeIDs...)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
