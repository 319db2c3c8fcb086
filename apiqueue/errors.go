// Package apiqueue provides per-provider FIFO/priority queues that serialize
// and rate-limit all outbound API calls.
package apiqueue

import (
	"errors"
	"fmt"
)

// ErrQueueClosed is returned to pending waiters when the queue shuts down.
var ErrQueueClosed = errors.New("api queue closed")

// APIError is a structured provider error.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is a provider rate-limit signal.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// IsAuthFailure reports whether err is a provider auth rejection.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
}

// isRetryable classifies an error for the dispatch retry loop: rate limits,
// server errors, and transport errors retry; other 4xx propagate immediately.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return true
		}
		if apiErr.StatusCode >= 500 {
			return true
		}
		if apiErr.StatusCode >= 400 {
			return false
		}
		return apiErr.Retryable
	}
	// Transport-level errors (no status) are retryable.
	return true
}
