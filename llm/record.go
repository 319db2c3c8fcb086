package llm

import (
	"sync"
	"time"
)

// CallRecord captures one LLM API call for diagnostics and cost accounting.
type CallRecord struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string `json:"request_id"`

	// Capability is the semantic capability requested.
	Capability string `json:"capability"`

	// Model is the actual model that was used.
	Model string `json:"model"`

	// Provider is the LLM provider (gemini, openai, anthropic).
	Provider string `json:"provider"`

	// PromptTokens is the number of input tokens consumed.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of output tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the total tokens consumed.
	TotalTokens int `json:"total_tokens"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason"`

	// StartedAt is when the LLM call began.
	StartedAt time.Time `json:"started_at"`

	// DurationMs is the call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error contains any error message if the call failed.
	Error string `json:"error,omitempty"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries"`

	// FallbacksUsed lists models tried before success.
	FallbacksUsed []string `json:"fallbacks_used,omitempty"`
}

// CallLog keeps the most recent call records in a fixed-size ring.
// All durable accounting flows through metrics and the repair tracker;
// the ring exists for operator diagnostics.
type CallLog struct {
	mu      sync.Mutex
	records []CallRecord
	next    int
	full    bool
}

// NewCallLog creates a call log holding up to size records.
func NewCallLog(size int) *CallLog {
	if size <= 0 {
		size = 128
	}
	return &CallLog{records: make([]CallRecord, size)}
}

// Add appends a record, overwriting the oldest once full.
func (l *CallLog) Add(rec CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns records from oldest to newest.
func (l *CallLog) Recent() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]CallRecord, l.next)
		copy(out, l.records[:l.next])
		return out
	}

	out := make([]CallRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}
