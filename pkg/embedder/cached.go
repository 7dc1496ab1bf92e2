package embedder

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedClient memoizes embeddings in front of another client. Entity names
// and facts repeat heavily across episodes of the same graph, so the cache
// saves most embedding calls during resolution.
type CachedClient struct {
	inner Client
	cache *ristretto.Cache
}

// NewCachedClient wraps the given client with a ristretto cache.
// maxEntries bounds the number of cached vectors (default 16384).
func NewCachedClient(inner Client, maxEntries int64) (*CachedClient, error) {
	if maxEntries <= 0 {
		maxEntries = 16384
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedClient{inner: inner, cache: cache}, nil
}

// Embed returns embeddings for the given texts, serving cached vectors when
// possible and delegating only misses to the inner client.
func (c *CachedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if cached, ok := c.cache.Get(text); ok {
			if vec, ok := cached.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := c.inner.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(missing) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missing))
		}
		for i, vec := range vectors {
			out[missingIdx[i]] = vec
			c.cache.Set(missing[i], vec, 1)
		}
	}
	return out, nil
}

// EmbedSingle returns the embedding for one text.
func (c *CachedClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimensions returns the inner client's dimensionality.
func (c *CachedClient) Dimensions() int {
	return c.inner.Dimensions()
}

// Close releases the cache and the inner client.
func (c *CachedClient) Close() error {
	c.cache.Close()
	return c.inner.Close()
}
