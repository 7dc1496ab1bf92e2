package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// MockClient is a deterministic embedder for tests. It hashes the lowercased
// terms of the input into a fixed-size vector, so identical or overlapping
// texts get identical or similar embeddings without any model involved.
type MockClient struct {
	Dims int
}

// NewMockClient creates a deterministic mock embedder.
func NewMockClient(dims int) *MockClient {
	if dims <= 0 {
		dims = 64
	}
	return &MockClient{Dims: dims}
}

func (m *MockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vector(text)
	}
	return out, nil
}

func (m *MockClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return m.vector(text), nil
}

func (m *MockClient) Dimensions() int { return m.Dims }

func (m *MockClient) Close() error { return nil }

func (m *MockClient) vector(text string) []float32 {
	vec := make([]float32, m.Dims)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		term = strings.Trim(term, ".,!?;:\"'")
		if term == "" {
			continue
		}
		sum := sha256.Sum256([]byte(term))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(m.Dims)
		vec[idx] += 1.0
	}
	// L2 normalize so cosine similarity behaves like the real thing.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}
