package extract

import (
	"context"
	"strings"
	"sync"
)

// MockExtractor is a configurable Extractor for tests and offline use.
// With no hooks set it extracts nothing and detects no contradictions.
type MockExtractor struct {
	mu sync.Mutex

	// ExtractFunc overrides Extract when set.
	ExtractFunc func(ctx context.Context, req Request) (*Result, error)

	// DetectFunc overrides DetectContradictions when set.
	DetectFunc func(ctx context.Context, newFact string, existing []string) ([]int, error)

	ExtractCalls []Request
	DetectCalls  int
}

// Extract implements Extractor.
func (m *MockExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.ExtractCalls = append(m.ExtractCalls, req)
	fn := m.ExtractFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &Result{}, nil
}

// DetectContradictions implements Extractor.
func (m *MockExtractor) DetectContradictions(ctx context.Context, newFact string, existing []string) ([]int, error) {
	m.mu.Lock()
	m.DetectCalls++
	fn := m.DetectFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, newFact, existing)
	}
	return nil, nil
}

// StaticExtractor returns the same result for every episode. Useful for
// seeding graphs in tests.
func StaticExtractor(result *Result) *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(ctx context.Context, req Request) (*Result, error) {
			return result, nil
		},
	}
}

// KeywordContradictionDetector builds a DetectFunc that marks an existing
// fact contradicted when it contains any of the given keywords.
func KeywordContradictionDetector(keywords ...string) func(ctx context.Context, newFact string, existing []string) ([]int, error) {
	return func(ctx context.Context, newFact string, existing []string) ([]int, error) {
		var indices []int
		for i, fact := range existing {
			lower := strings.ToLower(fact)
			for _, kw := range keywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					indices = append(indices, i)
					break
				}
			}
		}
		return indices, nil
	}
}
