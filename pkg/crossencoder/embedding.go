package crossencoder

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundprediction/mnemo/pkg/embedder"
)

// EmbeddingRerankerClient scores passages by cosine similarity between
// query and passage embeddings. Not a true cross-encoder (which processes
// query-document pairs jointly) but a solid default that needs no extra
// model.
type EmbeddingRerankerClient struct {
	embedder embedder.Client
}

// NewEmbeddingRerankerClient creates an embedding-based reranker.
func NewEmbeddingRerankerClient(embedderClient embedder.Client) *EmbeddingRerankerClient {
	return &EmbeddingRerankerClient{embedder: embedderClient}
}

// Rank implements Client.
func (c *EmbeddingRerankerClient) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if len(passages) == 0 {
		return []RankedPassage{}, nil
	}
	if c.embedder == nil {
		return nil, fmt.Errorf("embedder client is nil")
	}

	queryEmbedding, err := c.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}

	passageEmbeddings, err := c.embedder.Embed(ctx, passages)
	if err != nil {
		return nil, fmt.Errorf("failed to create passage embeddings: %w", err)
	}

	results := make([]RankedPassage, 0, len(passages))
	for i, passage := range passages {
		results = append(results, RankedPassage{
			Passage: passage,
			Score:   embedder.CosineSimilarity(queryEmbedding, passageEmbeddings[i]),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Close implements Client.
func (c *EmbeddingRerankerClient) Close() error {
	return nil
}
