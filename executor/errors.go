// Package executor implements the base behavior every template-defined
// executor inherits: progress reporting, cancellation polling, capability
// calls, and the per-task failure funnel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/llm"
)

// ErrorKind classifies a task failure. Each kind has a fixed repair policy.
type ErrorKind string

const (
	KindTaskCancelled  ErrorKind = "TaskCancelled"
	KindAuthFailure    ErrorKind = "AuthFailure"
	KindRateLimited    ErrorKind = "RateLimited"
	KindNetwork        ErrorKind = "Network"
	KindTimeout        ErrorKind = "Timeout"
	KindProvider5xx    ErrorKind = "Provider5xx"
	KindClientAPIError ErrorKind = "ClientApiError"
	KindFormatError    ErrorKind = "FormatError"
	KindValidation     ErrorKind = "ValidationError"
	KindSandboxPolicy  ErrorKind = "SandboxPolicyError"
	KindCompileError   ErrorKind = "CompileError"
	KindInternal       ErrorKind = "InternalError"
)

// CancelReasonAutoRepairRetry marks the cancellation thrown to unwind an
// executor whose task was repaired and re-enqueued.
const CancelReasonAutoRepairRetry = "auto_repair_retry"

// TaskError is the first-class error carried through the failure funnel.
type TaskError struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Step      string         `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	cause error
}

func (e *TaskError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at step %q: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.cause }

// NewTaskError creates a TaskError of the given kind.
func NewTaskError(kind ErrorKind, message, step string) *TaskError {
	return &TaskError{
		Kind:      kind,
		Message:   message,
		Step:      step,
		Timestamp: time.Now(),
	}
}

// WrapTaskError classifies err and wraps it with step context. An existing
// TaskError passes through with its step filled in if empty.
func WrapTaskError(err error, step string) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		if te.Step == "" {
			te.Step = step
		}
		return te
	}

	return &TaskError{
		Kind:      Classify(err),
		Message:   err.Error(),
		Step:      step,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// NewCancelledError creates the cancellation error thrown when a task's
// status is observed as cancelled.
func NewCancelledError(reason string) *TaskError {
	te := NewTaskError(KindTaskCancelled, "task cancelled", "")
	if reason != "" {
		te.Data = map[string]any{"reason": reason}
	}
	return te
}

// IsCancelled reports whether err carries the cancellation kind.
func IsCancelled(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == KindTaskCancelled
}

// Classify maps an arbitrary error to its kind.
func Classify(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}

	var apiErr *apiqueue.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return KindAuthFailure
		case apiErr.StatusCode == 429:
			return KindRateLimited
		case apiErr.StatusCode >= 500:
			return KindProvider5xx
		case apiErr.StatusCode >= 400:
			return KindClientAPIError
		}
	}

	if llm.IsFormat(err) {
		return KindFormatError
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindInternal
}

// ShouldAttemptAutoRepair reports whether a failure of the given kind is a
// candidate for the repair loop. Infrastructure and cancellation failures
// never repair; code-shaped failures repair only for templates still in
// testing, except sandbox rejections which always route through repair.
func ShouldAttemptAutoRepair(kind ErrorKind, testing bool) bool {
	switch kind {
	case KindTaskCancelled, KindAuthFailure, KindRateLimited,
		KindNetwork, KindTimeout, KindProvider5xx, KindValidation:
		return false
	case KindSandboxPolicy, KindCompileError:
		return true
	case KindClientAPIError, KindFormatError, KindInternal:
		return testing
	default:
		return false
	}
}
