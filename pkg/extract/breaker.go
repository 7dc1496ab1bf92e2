package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds circuit breaker settings for the extraction capability.
type BreakerConfig struct {
	Enabled          bool
	MaxRequests      uint32
	Interval         int
	Timeout          int
	ReadyToTripRatio float64
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         60,
		Timeout:          30,
		ReadyToTripRatio: 0.6,
	}
}

// CircuitBreakerExtractor wraps an Extractor with circuit breaking logic so
// a failing upstream model stops receiving traffic while it recovers.
type CircuitBreakerExtractor struct {
	extractor Extractor
	cb        *gobreaker.CircuitBreaker
	logger    *slog.Logger
	name      string
}

// NewCircuitBreakerExtractor creates a new circuit breaker wrapper
func NewCircuitBreakerExtractor(extractor Extractor, cfg BreakerConfig, logger *slog.Logger, name string) *CircuitBreakerExtractor {
	if logger == nil {
		logger = slog.Default()
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("extraction circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &CircuitBreakerExtractor{
		extractor: extractor,
		cb:        gobreaker.NewCircuitBreaker(st),
		logger:    logger,
		name:      name,
	}
}

// Extract implements Extractor
func (c *CircuitBreakerExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.extractor.Extract(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*Result), nil
}

// DetectContradictions implements Extractor
func (c *CircuitBreakerExtractor) DetectContradictions(ctx context.Context, newFact string, existing []string) ([]int, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.extractor.DetectContradictions(ctx, newFact, existing)
	})
	if err != nil {
		return nil, err
	}
	return resp.([]int), nil
}
