// Package store provides durable entity storage backed by NATS KV, plus an
// in-process vector search over stored embeddings.
package store

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "pending"
	TaskStatusRunning             TaskStatus = "running"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusFailed              TaskStatus = "failed"
	TaskStatusFailedAutoRepairing TaskStatus = "failed_auto_repairing"
	TaskStatusAutoRepairRetrying  TaskStatus = "auto_repaired_retrying"
	TaskStatusCancelled           TaskStatus = "cancelled"
)

// IsTerminal reports whether a status permits no further transitions.
// failed_auto_repairing and auto_repaired_retrying are not terminal: a repair
// is in flight or a retry task carries the work forward.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// MessageContext routes task callbacks to the originating conversation.
type MessageContext struct {
	DialogID string `json:"dialog_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Checkpoint records a named restore point during execution.
type Checkpoint struct {
	Step      string         `json:"step"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Progress tracks execution progress for a task.
type Progress struct {
	Percent        int          `json:"percent"`
	Message        string       `json:"message,omitempty"`
	CurrentStep    string       `json:"current_step,omitempty"`
	StepsCompleted int          `json:"steps_completed"`
	StepsTotal     int          `json:"steps_total,omitempty"`
	Checkpoints    []Checkpoint `json:"checkpoints,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at,omitempty"`
}

// ResourceUsage accumulates per-execution resource counters.
type ResourceUsage struct {
	PeakMemoryBytes uint64 `json:"peak_memory_bytes,omitempty"`
	TotalAPICalls   int    `json:"total_api_calls"`
	LLMTokens       int    `json:"llm_tokens"`
	ErrorCount      int    `json:"error_count"`
	WarningCount    int    `json:"warning_count"`
}

// ExecutionInfo records how and when a task ran.
type ExecutionInfo struct {
	// QueueHandle is the work queue delivery handle, kept for best-effort
	// cancellation.
	QueueHandle     string        `json:"queue_handle,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	ExecutionTimeMs int64         `json:"execution_time_ms,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`
	ResourceUsage   ResourceUsage `json:"resource_usage"`
}

// Attachment is one output artifact of a completed task.
type Attachment struct {
	PublicURL     string `json:"public_url,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	Filename      string `json:"filename,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	// Inline holds truncated report content when upload failed in production
	// and the report degraded to an inline attachment.
	Inline string `json:"inline,omitempty"`
	Kind   string `json:"kind,omitempty"` // "report", "inline_truncated"
}

// TaskResult is the outcome of a successful execution.
type TaskResult struct {
	Summary     string         `json:"summary"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	HTMLReport  string         `json:"html_report,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// TaskErrorRecord is a sanitized error entry on a failed task.
type TaskErrorRecord struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AutoRepairRetryInfo links a repaired-and-retried task to its lineage.
type AutoRepairRetryInfo struct {
	OriginalTaskID string    `json:"original_task_id,omitempty"`
	RepairAttempt  int       `json:"repair_attempt"`
	RepairedAt     time.Time `json:"repaired_at"`
}

// StatusChange records one status transition for auditing.
type StatusChange struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Task represents one requested execution of a template.
type Task struct {
	ID         string          `json:"id"`
	TemplateID string          `json:"template_id"`
	CreatedBy  string          `json:"created_by"`
	Context    *MessageContext `json:"message_context,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority"`
	Testing    bool           `json:"testing"`

	Status    TaskStatus     `json:"status"`
	Progress  Progress       `json:"progress"`
	Execution ExecutionInfo  `json:"execution"`
	Result    *TaskResult    `json:"result,omitempty"`
	Errors    []TaskErrorRecord `json:"errors,omitempty"`

	RetryTaskID     string               `json:"retry_task_id,omitempty"`
	AutoRepairRetry *AutoRepairRetryInfo `json:"auto_repair_retry,omitempty"`

	StatusChanges []StatusChange `json:"status_changes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Triggers define deterministic matching hints for a template.
type Triggers struct {
	Patterns []string `json:"patterns,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Contexts []string `json:"contexts,omitempty"`
}

// ParameterProperty describes one template parameter.
type ParameterProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Default may be a sentinel string the executor interprets as
	// "derive from context".
	Default any `json:"default,omitempty"`
}

// ParameterSchema declares the parameters a template accepts.
type ParameterSchema struct {
	Required   []string                     `json:"required,omitempty"`
	Properties map[string]ParameterProperty `json:"properties,omitempty"`
}

// RepairHistoryEntry records one auto-repair applied to a template.
type RepairHistoryEntry struct {
	TaskID    string    `json:"task_id"`
	ErrorKind string    `json:"error_kind"`
	TokenCost int       `json:"token_cost"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerationMetadata records how an AI-generated template was seeded.
type GenerationMetadata struct {
	MemoryIDsUsed []string  `json:"memory_ids_used,omitempty"`
	Model         string    `json:"model,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Template is a named, versioned recipe for executing tasks.
type Template struct {
	ID      string `json:"id"`
	Version int    `json:"version"`

	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Triggers    Triggers `json:"triggers"`
	Priority    int      `json:"priority"`
	Enabled     bool     `json:"enabled"`
	Testing     bool     `json:"testing"`

	ParameterSchema ParameterSchema `json:"parameter_schema"`
	ExecutionScript string          `json:"execution_script"`

	// NameEmbedding indexes the name alone for exact-name similarity;
	// Embedding indexes name + description for semantic similarity.
	// Both are regenerated on every write.
	NameEmbedding []float32 `json:"name_embedding,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`

	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	LastRepaired      *time.Time           `json:"last_repaired,omitempty"`
	RepairAttempts    int                  `json:"repair_attempts"`
	AutoRepairHistory []RepairHistoryEntry `json:"auto_repair_history,omitempty"`
	ScriptValidated   bool                 `json:"script_validated"`
	ScriptEscaped     bool                 `json:"script_escaped"`
	Generation        *GenerationMetadata  `json:"generation_metadata,omitempty"`
}

// MemoryCategory classifies a reasoning memory.
type MemoryCategory string

const (
	MemoryCategoryExecutionStrategy MemoryCategory = "execution_strategy"
	MemoryCategoryErrorPattern      MemoryCategory = "error_pattern"
	MemoryCategoryFixStrategy       MemoryCategory = "fix_strategy"
)

// UserIntent captures what the user actually asked for, used to detect
// template/intent design mismatches during repair.
type UserIntent struct {
	OriginalRequest      string   `json:"original_request,omitempty"`
	WantedNewTask        bool     `json:"wanted_new_task"`
	SpecifiedCustomName  bool     `json:"specified_custom_name"`
	WantedAggregate      bool     `json:"wanted_aggregate"`
	WantedSpecificEntity bool     `json:"wanted_specific_entity"`
	IntentSatisfied      bool     `json:"intent_satisfied"`
	MismatchReason       string   `json:"mismatch_reason,omitempty"`
	Requests             []string `json:"requests,omitempty"`
}

// ReasoningMemory is a stored, vector-indexed lesson from past executions.
type ReasoningMemory struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content"`
	Source      string         `json:"source,omitempty"`
	Category    MemoryCategory `json:"category"`
	TemplateID  string         `json:"template_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`

	UserIntent *UserIntent `json:"user_intent,omitempty"`
	Embedding  []float32   `json:"embedding,omitempty"`

	TimesRetrieved     int     `json:"times_retrieved"`
	TimesUsedInSuccess int     `json:"times_used_in_success"`
	TimesUsedInFailure int     `json:"times_used_in_failure"`
	SuccessRate        float64 `json:"success_rate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecomputeSuccessRate derives SuccessRate from the usage counters.
// Called after every counter increment so the rate is always consistent
// with the counters at rest.
func (m *ReasoningMemory) RecomputeSuccessRate() {
	total := m.TimesUsedInSuccess + m.TimesUsedInFailure
	if total == 0 {
		m.SuccessRate = 0
		return
	}
	m.SuccessRate = float64(m.TimesUsedInSuccess) / float64(total)
}
