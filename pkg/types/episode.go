package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EpisodeType tags the kind of raw content an episode carries.
type EpisodeType string

const (
	EpisodeMessage EpisodeType = "message"
	EpisodeText    EpisodeType = "text"
	EpisodeJSON    EpisodeType = "json"
)

// EpisodeState tracks an episode through the ingestion pipeline.
type EpisodeState string

const (
	EpisodeQueued     EpisodeState = "queued"
	EpisodeExtracting EpisodeState = "extracting"
	EpisodeResolving  EpisodeState = "resolving"
	EpisodeCommitting EpisodeState = "committing"
	EpisodeProcessed  EpisodeState = "processed"
	EpisodeFailed     EpisodeState = "failed"
)

// MaxMessageContentBytes caps message episode content.
const MaxMessageContentBytes = 10 * 1024

// Episode represents one raw ingested unit: a chat message, a text blob or a
// JSON document. Content is immutable after ingestion; an episode is deleted
// only on explicit request, which cascades to edges solely supported by it
// and nodes solely attached to it.
type Episode struct {
	UUID    string      `json:"uuid"`
	GraphID string      `json:"graph_id"`
	Type    EpisodeType `json:"type"`
	Content string      `json:"content"`

	// Role and RoleType describe the speaker for message episodes.
	Role     string `json:"role,omitempty"`
	RoleType string `json:"role_type,omitempty"`

	// Reference is the explicit timestamp carried by the content (message
	// send time, document date). Zero means unknown.
	Reference time.Time `json:"reference,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// State tracks the episode through the ingestion pipeline.
	State EpisodeState `json:"state,omitempty"`

	// Processed flips to true only after a successful commit.
	Processed bool `json:"processed"`

	// Error carries the failure reason when processing gave up.
	Error string `json:"error,omitempty"`

	// ContentHash deduplicates resubmissions of byte-identical content.
	ContentHash string `json:"content_hash,omitempty"`

	// EntityIDs and EdgeIDs list what this episode produced or touched.
	EntityIDs []string `json:"entity_ids,omitempty"`
	EdgeIDs   []string `json:"edge_ids,omitempty"`
}

// Validate checks required fields.
func (e *Episode) Validate() error {
	if e.UUID == "" {
		return ErrEmptyUUID
	}
	if e.GraphID == "" {
		return ErrEmptyGraphID
	}
	if e.Content == "" {
		return ErrEmptyContent
	}
	if e.Type == EpisodeMessage && len(e.Content) > MaxMessageContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// HashContent returns the dedup hash for an episode's identifying content.
func HashContent(graphID string, episodeType EpisodeType, content string) string {
	h := sha256.New()
	h.Write([]byte(graphID))
	h.Write([]byte{0})
	h.Write([]byte(episodeType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Message is one turn of a session, used as Context Composer input.
type Message struct {
	Role     string `json:"role"`
	RoleType string `json:"role_type"`
	Content  string `json:"content"`
}
