package types

import (
	"errors"
	"time"
)

// Validation errors
var (
	ErrEmptyName    = errors.New("name cannot be empty")
	ErrEmptyGraphID = errors.New("graph_id cannot be empty")
	ErrEmptyUUID    = errors.New("uuid cannot be empty")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrEmptyFact    = errors.New("fact cannot be empty")
	ErrNoEndpoints  = errors.New("edge must reference source and target nodes")
	ErrInvalidLimit = errors.New("limit must be positive")

	ErrContentTooLarge = errors.New("message content exceeds the size cap")
)

// OwnerKind distinguishes per-user graphs from group graphs. A graph is an
// isolated namespace of nodes, edges and episodes; group graphs are never
// merged into a user's graph.
type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerGroup OwnerKind = "group"
)

// UserGraphID returns the graph id for a user's personal graph.
// Exactly one graph exists per user.
func UserGraphID(userID string) string {
	return "user:" + userID
}

// GroupGraphID returns the graph id for a group graph.
func GroupGraphID(groupID string) string {
	return "group:" + groupID
}

// Node represents a resolved real-world entity in a graph.
type Node struct {
	UUID    string `json:"uuid"`
	GraphID string `json:"graph_id"`
	Name    string `json:"name"`

	// Summary aggregates the entity's description across contributing episodes.
	Summary string `json:"summary,omitempty"`

	// EntityType is the ontology label the node was classified into, or ""
	// when no active type applied at ingestion time.
	EntityType string `json:"entity_type,omitempty"`

	// Attributes holds the type-specific fields validated against the
	// ontology schema that was active when the node was classified.
	Attributes map[string]any `json:"attributes,omitempty"`

	// OntologyVersion records which ontology version classified this node.
	// Ontology changes are forward-only and never reinterpret existing nodes.
	OntologyVersion int `json:"ontology_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// NameEmbedding is the embedding of Name, used for similarity matching
	// during resolution and semantic search.
	NameEmbedding []float32 `json:"name_embedding,omitempty"`

	// Episodes lists the ids of episodes that produced or touched this node.
	Episodes []string `json:"episodes,omitempty"`
}

// Validate checks required fields.
func (n *Node) Validate() error {
	if n.UUID == "" {
		return ErrEmptyUUID
	}
	if n.Name == "" {
		return ErrEmptyName
	}
	if n.GraphID == "" {
		return ErrEmptyGraphID
	}
	return nil
}

// MentionedIn reports whether the node already records the episode id.
func (n *Node) MentionedIn(episodeID string) bool {
	for _, id := range n.Episodes {
		if id == episodeID {
			return true
		}
	}
	return false
}

// Mention records the episode id, once.
func (n *Node) Mention(episodeID string) {
	if !n.MentionedIn(episodeID) {
		n.Episodes = append(n.Episodes, episodeID)
	}
}

// Edge represents a relationship (fact) between two nodes.
//
// Four timestamps track bitemporality: CreatedAt is when the system learned
// the fact, ValidAt when it became true in the world (nil = unknown),
// InvalidAt when it stopped being true (nil = still valid), and ExpiredAt
// when the system learned it stopped being true. An edge with a non-nil
// InvalidAt is logically expired for current-context retrieval but is never
// physically removed except by explicit deletion.
type Edge struct {
	UUID         string `json:"uuid"`
	GraphID      string `json:"graph_id"`
	SourceNodeID string `json:"source_node_uuid"`
	TargetNodeID string `json:"target_node_uuid"`

	// Name is the relationship type label, e.g. "LIKES" or "WORKS_AT".
	Name string `json:"name"`

	// Fact is the human-readable statement this edge records.
	Fact string `json:"fact"`

	Attributes      map[string]any `json:"attributes,omitempty"`
	OntologyVersion int            `json:"ontology_version,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ValidAt   *time.Time `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	// Episodes lists the ids of episodes that mention or support this edge.
	Episodes []string `json:"episodes"`

	FactEmbedding []float32 `json:"fact_embedding,omitempty"`

	// Rating is the fact-rating score in [0,1] attached at ingest when a
	// rating policy is active, and stored with the edge. Nil means unrated.
	Rating *float64 `json:"rating,omitempty"`
}

// Validate checks required fields and the temporal invariant.
func (e *Edge) Validate() error {
	if e.UUID == "" {
		return ErrEmptyUUID
	}
	if e.GraphID == "" {
		return ErrEmptyGraphID
	}
	if e.SourceNodeID == "" || e.TargetNodeID == "" {
		return ErrNoEndpoints
	}
	if e.Fact == "" {
		return ErrEmptyFact
	}
	if e.ValidAt != nil && e.InvalidAt != nil && e.InvalidAt.Before(*e.ValidAt) {
		return errors.New("invalid_at must not precede valid_at")
	}
	return nil
}

// Expired reports whether the fact has been invalidated.
func (e *Edge) Expired() bool {
	return e.InvalidAt != nil
}

// SupportedBy reports whether the edge already records the episode id.
func (e *Edge) SupportedBy(episodeID string) bool {
	for _, id := range e.Episodes {
		if id == episodeID {
			return true
		}
	}
	return false
}

// Support records the episode id, once.
func (e *Edge) Support(episodeID string) {
	if !e.SupportedBy(episodeID) {
		e.Episodes = append(e.Episodes, episodeID)
	}
}
