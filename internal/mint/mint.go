// Package mint defines the hand-off from an approved word to the external
// ledger that records it, along with the adapters that perform it.
package mint

import (
	"context"
	"errors"
	"fmt"

	"hellafresh/internal/domain"
)

// Adapter records an approved word on the ledger and returns its reference.
//
// Implementations must be idempotent per word id: minting the same word twice
// returns the same reference and creates one record.
type Adapter interface {
	Mint(ctx context.Context, w domain.Word) (string, error)
}

// RetryableError is a transient failure; the hand-off may be attempted again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "mint retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError is a permanent failure; retrying will not help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "mint fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRetryable reports whether err should be retried. Anything not marked
// fatal is treated as retryable, including context deadline errors.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}
