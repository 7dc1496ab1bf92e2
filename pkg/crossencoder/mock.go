package crossencoder

import (
	"context"
	"sort"
	"strings"
)

// MockRerankerClient scores passages by term overlap with the query.
// Deterministic, for tests and offline use.
type MockRerankerClient struct{}

// NewMockRerankerClient creates a mock reranker.
func NewMockRerankerClient() *MockRerankerClient {
	return &MockRerankerClient{}
}

// Rank implements Client.
func (c *MockRerankerClient) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	queryTerms := make(map[string]struct{})
	for _, term := range strings.Fields(strings.ToLower(query)) {
		queryTerms[term] = struct{}{}
	}

	results := make([]RankedPassage, 0, len(passages))
	for _, passage := range passages {
		terms := strings.Fields(strings.ToLower(passage))
		overlap := 0
		for _, term := range terms {
			if _, ok := queryTerms[term]; ok {
				overlap++
			}
		}
		score := 0.0
		if len(terms) > 0 {
			score = float64(overlap) / float64(len(terms))
		}
		results = append(results, RankedPassage{Passage: passage, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Close implements Client.
func (c *MockRerankerClient) Close() error {
	return nil
}
