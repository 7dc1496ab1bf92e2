package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/soundprediction/mnemo/pkg/types"
)

// RetryConfig holds configuration for retrying transient storage failures.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int
	// InitialDelay is the delay before the first retry (default: 100ms)
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries (default: 5s)
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential backoff multiplier (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryingStore wraps a TemporalStore and retries operations that fail with
// ErrUnavailable, using bounded exponential backoff with jitter. Integrity
// and not-found errors pass through untouched.
type RetryingStore struct {
	inner  TemporalStore
	config *RetryConfig
}

// NewRetryingStore wraps the given store with retry behavior.
func NewRetryingStore(inner TemporalStore, config *RetryConfig) *RetryingStore {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryingStore{inner: inner, config: config}
}

func (r *RetryingStore) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// delay computes the backoff for the given attempt with up to 25% jitter.
func (r *RetryingStore) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	jitter := d * 0.25 * rand.Float64()
	return time.Duration(d + jitter)
}

func (r *RetryingStore) GetNode(ctx context.Context, uuid string) (*types.Node, error) {
	var out *types.Node
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.GetNode(ctx, uuid)
		return err
	})
	return out, err
}

func (r *RetryingStore) GetEdge(ctx context.Context, uuid string) (*types.Edge, error) {
	var out *types.Edge
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.GetEdge(ctx, uuid)
		return err
	})
	return out, err
}

func (r *RetryingStore) GetEpisode(ctx context.Context, uuid string) (*types.Episode, error) {
	var out *types.Episode
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.GetEpisode(ctx, uuid)
		return err
	})
	return out, err
}

func (r *RetryingStore) GetEpisodeByHash(ctx context.Context, graphID, hash string) (*types.Episode, error) {
	var out *types.Episode
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.GetEpisodeByHash(ctx, graphID, hash)
		return err
	})
	return out, err
}

func (r *RetryingStore) ListNodes(ctx context.Context, graphID string, page Page) ([]*types.Node, string, error) {
	var out []*types.Node
	var cursor string
	err := r.do(ctx, func() error {
		var err error
		out, cursor, err = r.inner.ListNodes(ctx, graphID, page)
		return err
	})
	return out, cursor, err
}

func (r *RetryingStore) ListEdges(ctx context.Context, graphID string, page Page) ([]*types.Edge, string, error) {
	var out []*types.Edge
	var cursor string
	err := r.do(ctx, func() error {
		var err error
		out, cursor, err = r.inner.ListEdges(ctx, graphID, page)
		return err
	})
	return out, cursor, err
}

func (r *RetryingStore) ListEpisodes(ctx context.Context, graphID string, page Page) ([]*types.Episode, string, error) {
	var out []*types.Episode
	var cursor string
	err := r.do(ctx, func() error {
		var err error
		out, cursor, err = r.inner.ListEpisodes(ctx, graphID, page)
		return err
	})
	return out, cursor, err
}

func (r *RetryingStore) EdgesTouching(ctx context.Context, graphID, nodeUUID string) ([]*types.Edge, error) {
	var out []*types.Edge
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.EdgesTouching(ctx, graphID, nodeUUID)
		return err
	})
	return out, err
}

func (r *RetryingStore) EdgesBetween(ctx context.Context, graphID, aUUID, bUUID string) ([]*types.Edge, error) {
	var out []*types.Edge
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.EdgesBetween(ctx, graphID, aUUID, bUUID)
		return err
	})
	return out, err
}

func (r *RetryingStore) Commit(ctx context.Context, mut *Mutation) error {
	return r.do(ctx, func() error {
		return r.inner.Commit(ctx, mut)
	})
}

func (r *RetryingStore) Close() error {
	return r.inner.Close()
}
