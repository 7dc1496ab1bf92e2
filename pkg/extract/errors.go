package extract

import (
	"errors"
	"net/http"
	"strings"
)

// Common extraction errors
var (
	// ErrRateLimit indicates the upstream model rate limit has been exceeded
	ErrRateLimit = errors.New("rate limit exceeded. Please try again later")

	// ErrRefusal indicates the model refused to respond to the prompt
	ErrRefusal = errors.New("the model refused to respond to this prompt")

	// ErrEmptyResponse indicates the model returned an empty response
	ErrEmptyResponse = errors.New("the model returned an empty response")

	// ErrMalformedOutput indicates the model output could not be decoded
	// even after repair
	ErrMalformedOutput = errors.New("extraction output could not be decoded")
)

// FailureError represents a transient extraction failure. Callers may retry
// it up to their configured cap.
type FailureError struct {
	Message string
}

func (e *FailureError) Error() string {
	if e.Message == "" {
		return "extraction failed"
	}
	return e.Message
}

// Is implements errors.Is support for FailureError.
func (e *FailureError) Is(target error) bool {
	_, ok := target.(*FailureError)
	return ok
}

// NewFailureError creates a new transient extraction failure.
func NewFailureError(message string) *FailureError {
	return &FailureError{Message: message}
}

// RateLimitError represents a rate limit error with optional custom message
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit exceeded. Please try again later"
	}
	return e.Message
}

// Is implements errors.Is support for RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new rate limit error with optional custom message
func NewRateLimitError(message ...string) *RateLimitError {
	err := &RateLimitError{}
	if len(message) > 0 {
		err.Message = message[0]
	}
	return err
}

// IsRetryable reports whether an extraction error is worth retrying.
// Refusals and decode failures are deterministic; everything transient
// (rate limits, timeouts, 5xx) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRefusal) || errors.Is(err, ErrMalformedOutput) {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}
	var failureErr *FailureError
	if errors.As(err, &failureErr) {
		return true
	}
	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"rate limit",
		"too many requests",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	type httpErrorWithStatusCode interface {
		HTTPStatusCode() int
	}
	if httpErr, ok := err.(httpErrorWithStatusCode); ok {
		statusCode := httpErr.HTTPStatusCode()
		if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
			return true
		}
	}

	return false
}
