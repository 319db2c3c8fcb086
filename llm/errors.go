package llm

import (
	"errors"
)

// Error types for classifying LLM errors.

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

// FatalError represents a permanent error that should not be retried.
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

// FormatError indicates the model returned output that could not be parsed
// against the requested response schema.
type FormatError struct {
	err error
}

func (e *FormatError) Error() string {
	return e.err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.err
}

// NewFormatError wraps an error as a response-format failure.
func NewFormatError(err error) error {
	return &FormatError{err: err}
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

// IsFormat returns true if the error is a response-format failure.
func IsFormat(err error) bool {
	var format *FormatError
	return errors.As(err, &format)
}
