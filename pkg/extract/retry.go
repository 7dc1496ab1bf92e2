package extract

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int
	// InitialDelay is the initial delay before the first retry (default: 1 second)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 60 seconds)
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryExtractor wraps an Extractor and adds retry logic with exponential
// backoff. Only transient errors are retried; refusals and decode failures
// surface immediately.
type RetryExtractor struct {
	extractor Extractor
	config    *RetryConfig
}

// NewRetryExtractor creates a new retry wrapper
func NewRetryExtractor(extractor Extractor, config *RetryConfig) *RetryExtractor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	// Ensure sensible defaults
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryExtractor{
		extractor: extractor,
		config:    config,
	}
}

// Extract implements the Extractor interface with retry logic
func (r *RetryExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := r.do(ctx, func() error {
		var callErr error
		result, callErr = r.extractor.Extract(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DetectContradictions implements the Extractor interface with retry logic
func (r *RetryExtractor) DetectContradictions(ctx context.Context, newFact string, existing []string) ([]int, error) {
	var indices []int
	err := r.do(ctx, func() error {
		var callErr error
		indices, callErr = r.extractor.DetectContradictions(ctx, newFact, existing)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return indices, nil
}

func (r *RetryExtractor) do(ctx context.Context, call func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		err := call()
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

// calculateDelay computes the exponential backoff for the given retry
// attempt with up to 25% jitter.
func (r *RetryExtractor) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}
