package workflow

import "errors"

// Store errors.
var (
	ErrRunNotFound  = errors.New("workflow run not found")
	ErrRunNotActive = errors.New("workflow run is not active")
)

// Engine errors.
var (
	ErrEngineStopped = errors.New("workflow engine stopped")
	ErrUnknownSignal = errors.New("unknown signal")
	errRunCancelled  = errors.New("run cancelled")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether a step error may be retried.
// Errors that do not say otherwise are retried.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
