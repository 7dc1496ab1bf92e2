// Package extract defines the language-understanding capability injected
// into the ingestion pipeline: turning raw episode content into candidate
// entities, relationships and temporal hints, and judging whether a new fact
// contradicts existing ones. An LLM, a rules engine or a fixture are all
// valid implementations.
package extract

import (
	"context"
	"time"

	"github.com/soundprediction/mnemo/pkg/types"
)

// CandidateEntity is an entity mention extracted from one episode, before
// resolution against the graph.
type CandidateEntity struct {
	Name     string `json:"name"`
	TypeHint string `json:"type,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// CandidateEdge is a relationship extracted from one episode. Endpoints are
// referenced by entity name; the resolver maps them to node ids.
type CandidateEdge struct {
	SourceName string `json:"source"`
	TargetName string `json:"target"`
	Relation   string `json:"relation"`
	Fact       string `json:"fact"`

	// Temporal hints. Nil means the episode gave no explicit date.
	ValidAt   *time.Time `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
}

// Result is the output of one extraction call.
type Result struct {
	Entities []CandidateEntity `json:"entities"`
	Edges    []CandidateEdge   `json:"edges"`
}

// Request carries one episode worth of content into extraction.
type Request struct {
	Content string
	Type    types.EpisodeType

	// PriorContext holds the content of recently committed episodes of the
	// same graph, oldest first, to ground pronouns and ellipsis.
	PriorContext []string

	// Reference is the episode's explicit timestamp, zero when unknown.
	Reference time.Time

	// EntityTypes and EdgeTypes name the active ontology labels the
	// extractor may classify into. Empty means no active ontology.
	EntityTypes []string
	EdgeTypes   []string
}

// Extractor is the injected extraction capability.
type Extractor interface {
	// Extract produces candidate entities and edges from episode content.
	Extract(ctx context.Context, req Request) (*Result, error)

	// DetectContradictions returns the indices of existing facts that the
	// new fact supersedes or contradicts.
	DetectContradictions(ctx context.Context, newFact string, existing []string) ([]int, error)
}
