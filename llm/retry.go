package llm

import "time"

// RetryConfig bounds how hard the client retries a single endpoint before
// falling back to the next one in the chain.
type RetryConfig struct {
	// MaxAttempts is how many times one endpoint is tried before fallback.
	MaxAttempts int

	// BackoffBase is the wait after the first failed attempt.
	BackoffBase time.Duration

	// BackoffMultiplier grows the wait on each subsequent attempt.
	BackoffMultiplier float64

	// MaxBackoff caps the grown wait.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry posture used when no config is given.
// Repair and matching calls sit on the task critical path, so the base wait
// is short and the cap keeps a flapping endpoint from stalling a task for
// more than a minute across the whole chain.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        20 * time.Second,
	}
}
