// Package crossencoder scores query-passage pairs for reranking search
// results. The embedding-based client is the default; the mock gives
// deterministic term-overlap scores for tests and offline use.
package crossencoder

import "context"

// RankedPassage pairs a passage with its relevance score.
type RankedPassage struct {
	Passage string  `json:"passage"`
	Score   float64 `json:"score"`
}

// Client ranks passages by joint relevance to a query, highest first.
type Client interface {
	Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error)
	Close() error
}
