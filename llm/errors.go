package llm

import (
	"errors"
)

// ErrAllBackendsExhausted is returned when every backend in a capability's
// fallback chain has been tried and failed. It is always surfaced to the
// caller, never swallowed.
var ErrAllBackendsExhausted = errors.New("all backends exhausted")

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried
// on any backend (bad request, auth failure).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// InvalidResponseError marks a backend response that parsed but failed the
// caller's schema validation. The backend is not retried (bad output is
// unlikely to fix itself) but the fallback chain continues.
type InvalidResponseError struct {
	err error
}

func (e *InvalidResponseError) Error() string {
	return e.err.Error()
}

func (e *InvalidResponseError) Unwrap() error {
	return e.err
}

// NewInvalidResponseError wraps a schema validation failure.
func NewInvalidResponseError(err error) error {
	return &InvalidResponseError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsInvalidResponse returns true if the error is a schema validation failure.
func IsInvalidResponse(err error) bool {
	var invalid *InvalidResponseError
	return errors.As(err, &invalid)
}
