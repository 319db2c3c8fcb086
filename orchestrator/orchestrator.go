// Package orchestrator owns the task lifecycle: it is the only component
// that mutates task status, and the bridge between the work queue and the
// sandboxed executor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/executor"
	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/memory"
	"github.com/taskmend/taskmend/metrics"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/objectstore"
	"github.com/taskmend/taskmend/queue"
	"github.com/taskmend/taskmend/sandbox"
	"github.com/taskmend/taskmend/store"
	"github.com/taskmend/taskmend/template"
)

// ErrInvalidTransition indicates a conditional status write found the task
// in a state the transition does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// errAlreadyTerminal aborts a mutation without treating it as a failure.
var errAlreadyTerminal = errors.New("task already terminal")

// taskPayload is the work-queue delivery body.
type taskPayload struct {
	TaskID     string         `json:"task_id"`
	TemplateID string         `json:"template_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Priority   int            `json:"priority"`
}

// Params wires an Orchestrator. Everything except Adapters, Repairer and
// Logger is required.
type Params struct {
	Store     *store.Store
	Queue     *queue.Queue
	Templates *template.Repository
	Runtime   *sandbox.Runtime
	JetStream jetstream.JetStream

	APIQueue  *apiqueue.Queue
	Adapters  map[string]*apiqueue.Queue
	LLM       *llm.Client
	Validator *model.Validator
	Reports   *objectstore.Store
	Memories  *memory.Store
	Repairer  executor.Repairer

	Sandbox config.SandboxConfig
	Repair  config.RepairConfig
	Logger  *slog.Logger
}

// Orchestrator dispatches queued tasks into the sandbox and applies every
// status transition through conditional writes, so duplicate or stale
// deliveries are neutralized instead of corrupting state.
type Orchestrator struct {
	store     *store.Store
	queue     *queue.Queue
	templates *template.Repository
	runtime   *sandbox.Runtime
	js        jetstream.JetStream

	deps       executor.Deps
	sandboxCfg config.SandboxConfig
	logger     *slog.Logger
}

// New creates an Orchestrator. It installs itself as the executor's
// lifecycle so the failure funnel can transition status and schedule
// repaired retries.
func New(p Params) *Orchestrator {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:      p.Store,
		queue:      p.Queue,
		templates:  p.Templates,
		runtime:    p.Runtime,
		js:         p.JetStream,
		sandboxCfg: p.Sandbox,
		logger:     logger,
	}

	o.deps = executor.Deps{
		Store:     p.Store,
		APIQueue:  p.APIQueue,
		Adapters:  p.Adapters,
		LLM:       p.LLM,
		Validator: p.Validator,
		Reports:   p.Reports,
		Memories:  p.Memories,
		Repairer:  p.Repairer,
		Lifecycle: o,
		Config:    p.Repair,
		Logger:    logger,
	}

	return o
}

// CreateTaskRequest describes a new task submission.
type CreateTaskRequest struct {
	TemplateID string
	CreatedBy  string
	Parameters map[string]any
	Priority   int
	Testing    bool
	Context    *store.MessageContext
}

// CreateTask writes a pending task and enqueues its work-queue delivery.
// The delivery handle is stored on the task for best-effort cancellation.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*store.Task, error) {
	tpl, err := o.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if !tpl.Enabled {
		return nil, fmt.Errorf("template %s is disabled", tpl.ID)
	}

	// Schema violations surface to the caller; they are never enqueued and
	// never enter the repair loop.
	params, err := template.ValidateParameters(tpl.ParameterSchema, req.Parameters)
	if err != nil {
		return nil, executor.NewTaskError(executor.KindValidation, err.Error(), "create")
	}

	task := &store.Task{
		ID:         store.NewID(),
		TemplateID: req.TemplateID,
		CreatedBy:  req.CreatedBy,
		Context:    req.Context,
		Parameters: params,
		Priority:   req.Priority,
		Testing:    req.Testing || tpl.Testing,
		Status:     store.TaskStatusPending,
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := o.enqueue(ctx, task); err != nil {
		return nil, err
	}

	metrics.TasksTotal.WithLabelValues(string(store.TaskStatusPending)).Inc()
	o.logger.Info("Task created",
		"task_id", task.ID,
		"template_id", task.TemplateID,
		"user_id", task.CreatedBy,
		"testing", task.Testing)

	return task, nil
}

// enqueue publishes the task's delivery and records the handle.
func (o *Orchestrator) enqueue(ctx context.Context, task *store.Task) error {
	payload, err := json.Marshal(taskPayload{
		TaskID:     task.ID,
		TemplateID: task.TemplateID,
		Parameters: task.Parameters,
		UserID:     task.CreatedBy,
		Priority:   task.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}

	handle, err := o.queue.Enqueue(ctx, payload, queue.EnqueueOptions{Priority: task.Priority})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	task.Execution.QueueHandle = handle
	if _, err := o.store.MutateTask(ctx, task.ID, func(t *store.Task) error {
		t.Execution.QueueHandle = handle
		return nil
	}); err != nil {
		o.logger.Warn("Failed to record queue handle",
			"task_id", task.ID,
			"error", err)
	}

	return nil
}

// Run consumes work-queue deliveries until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.queue.Consume(ctx, o.Dispatch)
}

// Dispatch handles one work-queue delivery. Only pending and
// auto_repaired_retrying tasks are claimed; everything else is acknowledged
// as a duplicate. The claim is a conditional write, so concurrent workers
// racing on the same delivery produce exactly one execution.
func (o *Orchestrator) Dispatch(ctx context.Context, d queue.Delivery) error {
	var payload taskPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		o.logger.Error("Dropping malformed delivery", "handle", d.Handle, "error", err)
		return nil
	}

	task, claimed, err := o.claim(ctx, payload.TaskID, d.Attempt)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	logger := o.logger.With("task_id", task.ID, "template_id", task.TemplateID)

	tpl, err := o.templates.Get(ctx, task.TemplateID)
	if err != nil {
		logger.Error("Template unavailable, failing task", "error", err)
		o.finalize(ctx, task.ID, store.TaskStatusFailed, func(t *store.Task) {
			t.Errors = append(t.Errors, store.TaskErrorRecord{
				Kind:      string(executor.KindInternal),
				Message:   fmt.Sprintf("template %s unavailable: %v", task.TemplateID, err),
				Timestamp: time.Now(),
			})
		})
		return nil
	}

	core := executor.NewCore(o.deps, task, tpl, nil)
	proxy := executor.NewCollectionProxy(o.js, executor.CollectionAccess{
		AllowedPatterns: o.sandboxCfg.AllowedCollections,
		ReadsPerMinute:  o.sandboxCfg.ReadsPerMinute,
		WritesPerMinute: o.sandboxCfg.WritesPerMinute,
	})

	result, execErr := o.runtime.Execute(ctx, core, proxy)
	if execErr == nil {
		o.complete(ctx, core, result, logger)
		return nil
	}

	o.fail(ctx, core, execErr, logger)
	return nil
}

// claim conditionally moves a task into running. Returns claimed=false when
// the task is gone or not in a dispatchable status.
func (o *Orchestrator) claim(ctx context.Context, taskID string, attempt int) (*store.Task, bool, error) {
	for {
		task, revision, err := o.store.GetTaskWithRevision(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("Delivery for unknown task", "task_id", taskID)
				return nil, false, nil
			}
			return nil, false, err
		}

		if task.Status != store.TaskStatusPending && task.Status != store.TaskStatusAutoRepairRetrying {
			o.logger.Debug("Skipping duplicate dispatch",
				"task_id", taskID,
				"status", task.Status)
			return nil, false, nil
		}

		now := time.Now()
		task.StatusChanges = append(task.StatusChanges, store.StatusChange{
			From:      task.Status,
			To:        store.TaskStatusRunning,
			Timestamp: now,
		})
		task.Status = store.TaskStatusRunning
		task.Execution.StartedAt = &now
		task.Execution.Attempts = attempt

		err = o.store.UpdateTask(ctx, task, revision)
		if err == nil {
			metrics.TasksTotal.WithLabelValues(string(store.TaskStatusRunning)).Inc()
			return task, true, nil
		}
		if !errors.Is(err, store.ErrRevisionConflict) {
			return nil, false, err
		}
		// Lost the claim race; re-read to see who won.
	}
}

// complete finalizes a successful execution.
func (o *Orchestrator) complete(ctx context.Context, core *executor.Core, result *store.TaskResult, logger *slog.Logger) {
	taskID := core.Task().ID
	usage := core.Usage()
	elapsed := core.ElapsedMs()

	ok := o.finalize(ctx, taskID, store.TaskStatusCompleted, func(t *store.Task) {
		now := time.Now()
		t.Result = result
		t.Progress.Percent = 100
		t.Progress.UpdatedAt = now
		t.Execution.FinishedAt = &now
		t.Execution.ExecutionTimeMs = elapsed
		t.Execution.ResourceUsage = usage
	})
	if !ok {
		// Cancelled (or otherwise moved on) while the result was in flight;
		// the conditional write already protected the record.
		logger.Info("Discarding result for task no longer running")
		return
	}

	core.TrackGenerationMemorySuccess(ctx, true)
	if err := core.UpdateMemoryStatistics(ctx, core.UsedMemoryIDs(), true); err != nil {
		logger.Warn("Failed to update memory statistics", "error", err)
	}

	logger.Info("Task completed",
		"execution_ms", elapsed,
		"api_calls", usage.TotalAPICalls,
		"llm_tokens", usage.LLMTokens)
}

// fail routes an execution error through the failure funnel and applies the
// resulting terminal transition, if any.
func (o *Orchestrator) fail(ctx context.Context, core *executor.Core, execErr error, logger *slog.Logger) {
	taskID := core.Task().ID
	usage := core.Usage()

	err := core.HandleError(ctx, execErr, "execute")

	if executor.IsCancelled(err) {
		if cancelReason(err) == executor.CancelReasonAutoRepairRetry {
			// The funnel already moved the task to auto_repaired_retrying and
			// enqueued the retry; nothing left to write here.
			logger.Info("Execution unwound for repaired retry")
			return
		}

		o.finalize(ctx, taskID, store.TaskStatusCancelled, func(t *store.Task) {
			now := time.Now()
			t.Execution.FinishedAt = &now
			t.Execution.ResourceUsage = usage
		})
		logger.Info("Task cancelled during execution")
		return
	}

	ok := o.finalize(ctx, taskID, store.TaskStatusFailed, func(t *store.Task) {
		now := time.Now()
		t.Execution.FinishedAt = &now
		t.Execution.ExecutionTimeMs = core.ElapsedMs()
		t.Execution.ResourceUsage = usage
	})
	if !ok {
		logger.Info("Skipping failure write for task no longer running")
		return
	}

	core.TrackGenerationMemorySuccess(ctx, false)
	if uerr := core.UpdateMemoryStatistics(ctx, core.UsedMemoryIDs(), false); uerr != nil {
		logger.Warn("Failed to update memory statistics", "error", uerr)
	}

	logger.Warn("Task failed", "error", err)
}

// finalize conditionally moves a running task into a terminal status,
// applying mutate under the same write. Returns false when the task was not
// running anymore.
func (o *Orchestrator) finalize(ctx context.Context, taskID string, to store.TaskStatus, mutate func(*store.Task)) bool {
	_, err := o.store.MutateTask(ctx, taskID, func(t *store.Task) error {
		if t.Status != store.TaskStatusRunning {
			return fmt.Errorf("task is %s: %w", t.Status, ErrInvalidTransition)
		}
		t.StatusChanges = append(t.StatusChanges, store.StatusChange{
			From:      t.Status,
			To:        to,
			Timestamp: time.Now(),
		})
		t.Status = to
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			o.logger.Error("Failed to finalize task",
				"task_id", taskID,
				"status", to,
				"error", err)
		}
		return false
	}

	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	return true
}

// Cancel flips a task to cancelled and best-effort cancels its queue
// delivery. A no-op on terminal tasks. In-flight executors observe the flip
// at their next cancellation check.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	var handle string
	_, err := o.store.MutateTask(ctx, taskID, func(t *store.Task) error {
		handle = t.Execution.QueueHandle
		if t.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		t.StatusChanges = append(t.StatusChanges, store.StatusChange{
			From:      t.Status,
			To:        store.TaskStatusCancelled,
			Timestamp: time.Now(),
		})
		t.Status = store.TaskStatusCancelled
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return nil
		}
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}

	metrics.TasksTotal.WithLabelValues(string(store.TaskStatusCancelled)).Inc()

	if _, err := o.queue.Cancel(ctx, handle); err != nil {
		o.logger.Warn("Failed to cancel queued delivery",
			"task_id", taskID,
			"handle", handle,
			"error", err)
	}

	o.logger.Info("Task cancelled", "task_id", taskID)
	return nil
}

// GetTask returns the task record.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasksByUser returns all tasks created by the given user.
func (o *Orchestrator) ListTasksByUser(ctx context.Context, userID string) ([]*store.Task, error) {
	return o.store.ListTasksByUser(ctx, userID)
}

// TransitionStatus conditionally moves a task between statuses; the write
// fails with ErrInvalidTransition unless the current status is one of from.
func (o *Orchestrator) TransitionStatus(ctx context.Context, taskID string, from []store.TaskStatus, to store.TaskStatus) error {
	_, err := o.store.MutateTask(ctx, taskID, func(t *store.Task) error {
		if !statusIn(t.Status, from) {
			return fmt.Errorf("task is %s, want one of %v: %w", t.Status, from, ErrInvalidTransition)
		}
		t.StatusChanges = append(t.StatusChanges, store.StatusChange{
			From:      t.Status,
			To:        to,
			Timestamp: time.Now(),
		})
		t.Status = to
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// CancelDelivery best-effort cancels the task's outstanding queue delivery.
func (o *Orchestrator) CancelDelivery(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.logger.Warn("Cannot cancel delivery for unknown task",
			"task_id", taskID,
			"error", err)
		return
	}

	if _, err := o.queue.Cancel(ctx, task.Execution.QueueHandle); err != nil {
		o.logger.Warn("Failed to cancel delivery",
			"task_id", taskID,
			"handle", task.Execution.QueueHandle,
			"error", err)
	}
}

// ScheduleRetry creates and enqueues the retry task for a repaired template,
// records lineage on the original, and returns the new task ID.
func (o *Orchestrator) ScheduleRetry(ctx context.Context, taskID string, result *executor.RepairResult) (string, error) {
	return o.scheduleRetry(ctx, taskID, result, "")
}

// RetryTaskWithRepairedTemplate is the inbound form of ScheduleRetry: it
// credits the retry to userID instead of the original task's creator.
func (o *Orchestrator) RetryTaskWithRepairedTemplate(ctx context.Context, taskID string, result *executor.RepairResult, userID string) (string, error) {
	return o.scheduleRetry(ctx, taskID, result, userID)
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, taskID string, result *executor.RepairResult, createdBy string) (string, error) {
	orig, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load original task: %w", err)
	}

	if createdBy == "" {
		createdBy = orig.CreatedBy
	}

	retry := &store.Task{
		ID:         store.NewID(),
		TemplateID: orig.TemplateID,
		CreatedBy:  createdBy,
		Context:    orig.Context,
		Parameters: orig.Parameters,
		Priority:   orig.Priority,
		Testing:    orig.Testing,
		Status:     store.TaskStatusPending,
		AutoRepairRetry: &store.AutoRepairRetryInfo{
			OriginalTaskID: taskID,
			RepairAttempt:  result.RepairAttempt,
			RepairedAt:     time.Now(),
		},
	}

	if err := o.store.CreateTask(ctx, retry); err != nil {
		return "", fmt.Errorf("create retry task: %w", err)
	}

	if err := o.enqueue(ctx, retry); err != nil {
		return "", err
	}

	if _, err := o.store.MutateTask(ctx, taskID, func(t *store.Task) error {
		t.RetryTaskID = retry.ID
		return nil
	}); err != nil {
		o.logger.Warn("Failed to record retry lineage",
			"task_id", taskID,
			"retry_task_id", retry.ID,
			"error", err)
	}

	metrics.TasksTotal.WithLabelValues(string(store.TaskStatusPending)).Inc()
	o.logger.Info("Scheduled repaired retry",
		"task_id", taskID,
		"retry_task_id", retry.ID,
		"repair_attempt", result.RepairAttempt)

	return retry.ID, nil
}

func statusIn(s store.TaskStatus, set []store.TaskStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// cancelReason extracts the reason attached to a cancellation error.
func cancelReason(err error) string {
	var te *executor.TaskError
	if !errors.As(err, &te) || te.Data == nil {
		return ""
	}
	reason, _ := te.Data["reason"].(string)
	return reason
}
