package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned on reads against unknown uuids. Search callers
	// treat it as an empty result, direct lookups surface it.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates a transient storage I/O failure. Safe to retry.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrUnsupported is returned for operations the store deliberately does
	// not implement, such as node deletion by id.
	ErrUnsupported = errors.New("operation not supported")
)

// IntegrityError reports a constraint violation at commit time, such as an
// edge referencing a node that exists neither in the store nor in the same
// mutation. It is non-retryable and must never occur under correct resolver
// operation; callers treat it as an assertion failure.
type IntegrityError struct {
	Kind   string // "edge", "node", "episode"
	UUID   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Kind, e.UUID, e.Detail)
}

// Is lets errors.Is(err, &IntegrityError{}) match wrapped integrity errors.
func (e *IntegrityError) Is(target error) bool {
	_, ok := target.(*IntegrityError)
	return ok
}

// Unavailable wraps an underlying I/O error as retryable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsRetryable reports whether the error is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
