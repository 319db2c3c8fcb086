package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/memory"
	"github.com/taskmend/taskmend/metrics"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/objectstore"
	"github.com/taskmend/taskmend/store"
)

// inlineReportLimit caps the size of an inline_truncated fallback attachment.
const inlineReportLimit = 4000

// RepairRequest carries the full error context into the repair engine.
type RepairRequest struct {
	TaskID              string
	TemplateID          string
	TemplateName        string
	Error               *TaskError
	Stack               string
	CurrentStep         string
	StepsCompleted      int
	Parameters          map[string]any
	ResourceUsage       store.ResourceUsage
	OriginalUserRequest string
	ProvidedMemories    []*store.ReasoningMemory
}

// RepairResult is the outcome of a repair attempt.
type RepairResult struct {
	Success        bool
	IsDesignError  bool
	Recommendation string
	Reason         string
	Template       *store.Template
	RepairAttempt  int
	TokensUsed     int
}

// Repairer turns an execution failure into a patched template.
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest) (*RepairResult, error)
}

// Lifecycle is the orchestrator surface the failure funnel needs: conditional
// status transitions, best-effort delivery cancellation, and retry scheduling.
type Lifecycle interface {
	// TransitionStatus conditionally moves a task between statuses.
	// The write fails unless the current status is one of from.
	TransitionStatus(ctx context.Context, taskID string, from []store.TaskStatus, to store.TaskStatus) error

	// CancelDelivery best-effort cancels the task's outstanding queue delivery.
	CancelDelivery(ctx context.Context, taskID string)

	// ScheduleRetry creates and enqueues the retry task for a repaired
	// template, records lineage on the original, and returns the new task ID.
	ScheduleRetry(ctx context.Context, taskID string, result *RepairResult) (string, error)
}

// Deps are the collaborator services injected into every executor.
type Deps struct {
	Store     *store.Store
	APIQueue  *apiqueue.Queue
	Adapters  map[string]*apiqueue.Queue
	LLM       *llm.Client
	Validator *model.Validator
	Reports   *objectstore.Store
	Memories  *memory.Store
	Repairer  Repairer
	Lifecycle Lifecycle
	Config    config.RepairConfig
	Logger    *slog.Logger
}

// Core is the per-task executor instance. Template code drives it through
// the sandbox capability surface; all mechanics live here.
type Core struct {
	deps Deps

	task     *store.Task
	template *store.Template

	startTime      time.Time
	currentStep    string
	stepsCompleted int
	stepsTotal     int

	usage store.ResourceUsage

	// providedMemories, when non-nil, short-circuits memory retrieval
	// (supplied by an outer test-time-scaling path).
	providedMemories []*store.ReasoningMemory
	usedMemoryIDs    []string

	logger *slog.Logger
}

// NewCore creates an executor core bound to one task and template.
func NewCore(deps Deps, task *store.Task, template *store.Template, providedMemories []*store.ReasoningMemory) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Core{
		deps:             deps,
		task:             task,
		template:         template,
		startTime:        time.Now(),
		stepsTotal:       task.Progress.StepsTotal,
		providedMemories: providedMemories,
		logger: logger.With(
			"task_id", task.ID,
			"template_id", template.ID),
	}
}

// Task returns the task this core executes.
func (c *Core) Task() *store.Task { return c.task }

// Template returns the bound template.
func (c *Core) Template() *store.Template { return c.template }

// Parameters returns the task parameters.
func (c *Core) Parameters() map[string]any { return c.task.Parameters }

// Usage returns a snapshot of accumulated resource usage.
func (c *Core) Usage() store.ResourceUsage { return c.usage }

// UsedMemoryIDs returns the memory IDs surfaced to the template so far.
func (c *Core) UsedMemoryIDs() []string { return c.usedMemoryIDs }

// ElapsedMs returns wall-clock execution time so far.
func (c *Core) ElapsedMs() int64 { return time.Since(c.startTime).Milliseconds() }

// Log routes template logging into the structured logger and bumps the
// warning/error counters.
func (c *Core) Log(level, message string, meta map[string]any) {
	attrs := make([]any, 0, len(meta)*2)
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}

	switch strings.ToLower(level) {
	case "error":
		c.usage.ErrorCount++
		c.logger.Error(message, attrs...)
	case "warn", "warning":
		c.usage.WarningCount++
		c.logger.Warn(message, attrs...)
	case "debug":
		c.logger.Debug(message, attrs...)
	default:
		c.logger.Info(message, attrs...)
	}
}

// CheckCancellation reads the task record and aborts with a cancellation
// error when the status is cancelled. This is the only way template code
// observes cancellation.
func (c *Core) CheckCancellation(ctx context.Context) error {
	t, err := c.deps.Store.GetTask(ctx, c.task.ID)
	if err != nil {
		// A read failure must not mask cancellation semantics; surface it
		// as infrastructure trouble.
		return WrapTaskError(err, c.currentStep)
	}

	if t.Status == store.TaskStatusCancelled {
		return NewCancelledError("")
	}

	return nil
}

// UpdateProgress writes progress through to the task record. Cancellation is
// checked first; stepsCompleted never decreases.
func (c *Core) UpdateProgress(ctx context.Context, percent int, message, step string, data map[string]any) error {
	if err := c.CheckCancellation(ctx); err != nil {
		return err
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	if step != "" && step != c.currentStep {
		c.currentStep = step
		c.stepsCompleted++
	}

	c.sampleMemory()

	now := time.Now()
	_, err := c.deps.Store.MutateTask(ctx, c.task.ID, func(t *store.Task) error {
		t.Progress.Percent = percent
		t.Progress.Message = message
		t.Progress.CurrentStep = c.currentStep
		if c.stepsCompleted > t.Progress.StepsCompleted {
			t.Progress.StepsCompleted = c.stepsCompleted
		}
		t.Progress.UpdatedAt = now
		t.Execution.ResourceUsage = c.usage
		return nil
	})
	if err != nil {
		return WrapTaskError(err, c.currentStep)
	}

	c.logger.Debug("Progress updated",
		"percent", percent,
		"step", c.currentStep,
		"message", message)

	return nil
}

// CreateCheckpoint appends a named restore point to the task record.
func (c *Core) CreateCheckpoint(ctx context.Context, step string, data map[string]any) error {
	_, err := c.deps.Store.MutateTask(ctx, c.task.ID, func(t *store.Task) error {
		t.Progress.Checkpoints = append(t.Progress.Checkpoints, store.Checkpoint{
			Step:      step,
			Data:      data,
			Timestamp: time.Now(),
		})
		return nil
	})
	if err != nil {
		return WrapTaskError(err, step)
	}
	return nil
}

// CallAPI routes one provider call through the rate-limited queue.
// Rate-limit handling lives in the queue; a RateLimited error surfacing here
// means the retry budget was exhausted.
func (c *Core) CallAPI(ctx context.Context, method string, params map[string]any) (*apiqueue.Response, error) {
	if err := c.CheckCancellation(ctx); err != nil {
		return nil, err
	}

	c.usage.TotalAPICalls++

	resp, err := c.deps.APIQueue.Enqueue(ctx, apiqueue.Request{
		Method:   method,
		Params:   params,
		Priority: c.task.Priority,
	})
	if err != nil {
		return nil, WrapTaskError(err, c.currentStep)
	}

	return resp, nil
}

// CallAdapter routes a call through a named collaborator service queue
// (user-lookup, telephony, and similar narrow adapters).
func (c *Core) CallAdapter(ctx context.Context, adapter, method string, params map[string]any) (*apiqueue.Response, error) {
	if err := c.CheckCancellation(ctx); err != nil {
		return nil, err
	}

	q, ok := c.deps.Adapters[adapter]
	if !ok {
		return nil, NewTaskError(KindValidation, fmt.Sprintf("unknown service adapter: %s", adapter), c.currentStep)
	}

	c.usage.TotalAPICalls++

	resp, err := q.Enqueue(ctx, apiqueue.Request{
		Method:   method,
		Params:   params,
		Priority: c.task.Priority,
	})
	if err != nil {
		return nil, WrapTaskError(err, c.currentStep)
	}

	return resp, nil
}

// GeminiOptions tune one model call from template code.
type GeminiOptions struct {
	Model          string
	MaxTokens      int
	Temperature    *float64
	ResponseSchema json.RawMessage
}

// CallGemini performs one model call. The requested model passes through the
// deterministic validator: unknown or known-invalid names are rewritten to
// the default, never failing the task. With a response schema the call runs
// in JSON mode and unparseable output raises a format error.
func (c *Core) CallGemini(ctx context.Context, prompt string, opts GeminiOptions) (string, error) {
	if err := c.CheckCancellation(ctx); err != nil {
		return "", err
	}

	modelName := c.deps.Validator.Normalize(opts.Model)
	if opts.Model != "" && modelName != opts.Model {
		c.logger.Debug("Rewrote requested model",
			"requested", opts.Model,
			"using", modelName)
	}

	req := llm.Request{
		Capability:     string(model.CapabilityGeneration),
		Model:          modelName,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    opts.Temperature,
		MaxTokens:      opts.MaxTokens,
		ResponseSchema: opts.ResponseSchema,
	}

	resp, err := c.deps.LLM.Complete(ctx, req)
	if err != nil {
		return "", WrapTaskError(err, c.currentStep)
	}

	c.usage.LLMTokens += resp.Usage.TotalTokens
	metrics.LLMTokensTotal.Add(float64(resp.Usage.TotalTokens))

	if opts.ResponseSchema != nil {
		var parsed any
		if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
			return "", WrapTaskError(err, c.currentStep)
		}
	}

	return resp.Content, nil
}

// StreamingFetchOptions tune paged list fetching.
type StreamingFetchOptions struct {
	BatchSize        int
	ProgressCallback func(batch []any, fetched int)
}

// StreamingFetch repeatedly pages through callAPI results until a short
// batch returns. A surfaced rate limit backs off and retries the same
// offset instead of failing the loop.
func (c *Core) StreamingFetch(ctx context.Context, method string, query map[string]any, opts StreamingFetchOptions) ([]any, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	var all []any
	offset := 0
	attempt := 0

	for {
		params := make(map[string]any, len(query)+2)
		for k, v := range query {
			params[k] = v
		}
		params["limit"] = batchSize
		params["offset"] = offset

		resp, err := c.CallAPI(ctx, method, params)
		if err != nil {
			if Classify(err) == KindRateLimited && attempt < 5 {
				attempt++
				if werr := c.exponentialBackoff(ctx, attempt); werr != nil {
					return nil, werr
				}
				continue // Same offset
			}
			return nil, err
		}
		attempt = 0

		batch := extractItems(resp)
		all = append(all, batch...)
		offset += len(batch)

		if opts.ProgressCallback != nil {
			opts.ProgressCallback(batch, len(all))
		}

		if len(batch) < batchSize {
			return all, nil
		}
	}
}

// exponentialBackoff sleeps 1s, 2s, 4s... capped at 30s.
func (c *Core) exponentialBackoff(ctx context.Context, attempt int) error {
	wait := time.Second << (attempt - 1)
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}

	select {
	case <-ctx.Done():
		return WrapTaskError(ctx.Err(), c.currentStep)
	case <-time.After(wait):
		return nil
	}
}

// extractItems pulls the record list out of a provider response.
func extractItems(resp *apiqueue.Response) []any {
	if resp == nil {
		return nil
	}
	if resp.Items != nil {
		return resp.Items
	}
	if items, ok := resp.Data["items"].([]any); ok {
		return items
	}
	if records, ok := resp.Data["records"].([]any); ok {
		return records
	}
	return nil
}

// UploadReport stores an HTML report and returns its attachment. On upload
// failure, templates in testing mode fail hard so the repair loop triggers;
// production templates degrade to an inline truncated attachment.
func (c *Core) UploadReport(ctx context.Context, html, filename string, meta map[string]string) (*store.Attachment, error) {
	result, err := c.deps.Reports.UploadHTML(ctx, []byte(html), filename, meta)
	if err != nil {
		if c.task.Testing {
			return nil, WrapTaskError(fmt.Errorf("upload report: %w", err), c.currentStep)
		}

		c.logger.Warn("Report upload failed, degrading to inline attachment", "error", err)
		return c.inlineTruncated(html, filename), nil
	}

	return &store.Attachment{
		PublicURL:     result.PublicURL,
		FilePath:      result.FilePath,
		Filename:      filename,
		ContentType:   "text/html; charset=utf-8",
		ContentLength: result.ContentLength,
		Kind:          "report",
	}, nil
}

// inlineTruncated converts the report to markdown and truncates it for
// inline delivery when object storage is unavailable.
func (c *Core) inlineTruncated(html, filename string) *store.Attachment {
	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertString(html)
	if err != nil {
		text = html
	}
	if len(text) > inlineReportLimit {
		text = text[:inlineReportLimit] + "\n…(truncated)"
	}

	return &store.Attachment{
		Filename: filename,
		Inline:   text,
		Kind:     "inline_truncated",
	}
}

// GetMemoryEnhancedContext returns reasoning memories relevant to this
// execution, or nil when none qualify. Memories supplied at construction
// take precedence over retrieval.
func (c *Core) GetMemoryEnhancedContext(ctx context.Context) ([]*store.ReasoningMemory, error) {
	if c.providedMemories != nil {
		c.rememberUsed(c.providedMemories)
		return c.providedMemories, nil
	}

	if c.deps.Memories == nil {
		return nil, nil
	}

	query := strings.TrimSpace(c.template.Name + "\n" + c.template.Description + "\n" + formatParameters(c.task.Parameters))

	memories, err := c.deps.Memories.Retrieve(ctx, query, memory.RetrieveOptions{
		MinSuccessRate: c.deps.Config.MemoryMinSuccessRate,
		TopK:           c.deps.Config.MemoryTopK,
	})
	if err != nil {
		return nil, WrapTaskError(err, c.currentStep)
	}
	if len(memories) == 0 {
		return nil, nil
	}

	c.rememberUsed(memories)
	return memories, nil
}

func (c *Core) rememberUsed(memories []*store.ReasoningMemory) {
	for _, m := range memories {
		c.usedMemoryIDs = append(c.usedMemoryIDs, m.ID)
	}
}

// UpdateMemoryStatistics records a success or failure outcome for the given
// memories.
func (c *Core) UpdateMemoryStatistics(ctx context.Context, memoryIDs []string, success bool) error {
	if c.deps.Memories == nil || len(memoryIDs) == 0 {
		return nil
	}
	return c.deps.Memories.MarkUsed(ctx, memoryIDs, success)
}

// TrackGenerationMemorySuccess propagates the task outcome to the memories
// that seeded this template's generation, if any.
func (c *Core) TrackGenerationMemorySuccess(ctx context.Context, taskSuccess bool) {
	gen := c.template.Generation
	if gen == nil || len(gen.MemoryIDsUsed) == 0 || c.deps.Memories == nil {
		return
	}

	if err := c.deps.Memories.MarkUsed(ctx, gen.MemoryIDsUsed, taskSuccess); err != nil {
		c.logger.Warn("Failed to track generation memory outcome", "error", err)
	}
}

// sampleMemory records peak heap allocation.
func (c *Core) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > c.usage.PeakMemoryBytes {
		c.usage.PeakMemoryBytes = ms.HeapAlloc
	}
}

// formatParameters renders parameters for embedding queries.
func formatParameters(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}

// HandleError is the single failure funnel: it classifies the error, records
// it on the task, decides whether to repair, and performs cancellation-safe
// transitions. The returned error is what the dispatch loop acts on: either
// the classified failure or a cancellation that unwinds the executor.
func (c *Core) HandleError(ctx context.Context, err error, step string) error {
	te := WrapTaskError(err, step)

	if te.Kind == KindTaskCancelled {
		return te
	}

	c.usage.ErrorCount++
	c.recordError(ctx, te)

	if !c.shouldRepair(te) {
		return te
	}

	// Cancellation may have landed while the task was failing.
	if cancelled, cerr := c.isTaskCancelled(ctx); cerr != nil || cancelled {
		if cancelled {
			return NewCancelledError("")
		}
		return te
	}

	result, repairErr := c.deps.Repairer.Repair(ctx, RepairRequest{
		TaskID:              c.task.ID,
		TemplateID:          c.template.ID,
		TemplateName:        c.template.Name,
		Error:               te,
		Stack:               stackFromData(te),
		CurrentStep:         c.currentStep,
		StepsCompleted:      c.stepsCompleted,
		Parameters:          c.task.Parameters,
		ResourceUsage:       c.usage,
		OriginalUserRequest: c.originalUserRequest(),
		ProvidedMemories:    c.providedMemories,
	})

	// Repair can take minutes; re-check before deciding to retry. A
	// cancellation in this window voids the retry.
	if cancelled, cerr := c.isTaskCancelled(ctx); cerr != nil || cancelled {
		if cancelled {
			metrics.RepairsTotal.WithLabelValues("cancelled").Inc()
			return NewCancelledError("")
		}
		return te
	}

	if repairErr != nil || result == nil || !result.Success {
		c.recordRepairFailure(repairErr, result)
		return te
	}

	return c.scheduleRepairedRetry(ctx, result, te)
}

// shouldRepair applies the repair policy gate.
func (c *Core) shouldRepair(te *TaskError) bool {
	if c.deps.Repairer == nil || c.deps.Lifecycle == nil {
		return false
	}
	return ShouldAttemptAutoRepair(te.Kind, c.task.Testing)
}

// scheduleRepairedRetry performs the repaired-template handoff: flips the
// task to failed_auto_repairing, best-effort cancels the pending delivery,
// enqueues the retry task, marks auto_repaired_retrying, and unwinds the
// current executor with a cancellation.
func (c *Core) scheduleRepairedRetry(ctx context.Context, result *RepairResult, te *TaskError) error {
	lc := c.deps.Lifecycle

	err := lc.TransitionStatus(ctx, c.task.ID,
		[]store.TaskStatus{store.TaskStatusRunning},
		store.TaskStatusFailedAutoRepairing)
	if err != nil {
		// Lost the race, likely to a cancellation. Do not retry.
		c.logger.Warn("Could not enter repair transition", "error", err)
		return te
	}

	lc.CancelDelivery(ctx, c.task.ID)

	retryID, err := lc.ScheduleRetry(ctx, c.task.ID, result)
	if err != nil {
		c.logger.Error("Failed to schedule repaired retry", "error", err)
		metrics.RepairsTotal.WithLabelValues("retry_failed").Inc()
		return te
	}

	if err := lc.TransitionStatus(ctx, c.task.ID,
		[]store.TaskStatus{store.TaskStatusFailedAutoRepairing},
		store.TaskStatusAutoRepairRetrying); err != nil {
		c.logger.Warn("Could not finalize repair transition", "error", err)
	}

	metrics.RepairsTotal.WithLabelValues("retry_scheduled").Inc()
	c.logger.Info("Repaired template, retry scheduled",
		"retry_task_id", retryID,
		"repair_attempt", result.RepairAttempt)

	return NewCancelledError(CancelReasonAutoRepairRetry)
}

// recordError appends the sanitized error to the task record.
func (c *Core) recordError(ctx context.Context, te *TaskError) {
	_, err := c.deps.Store.MutateTask(ctx, c.task.ID, func(t *store.Task) error {
		t.Errors = append(t.Errors, store.TaskErrorRecord{
			Kind:      string(te.Kind),
			Message:   te.Message,
			Step:      te.Step,
			Timestamp: te.Timestamp,
		})
		t.Execution.ResourceUsage = c.usage
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to record task error", "error", err)
	}
}

func (c *Core) recordRepairFailure(repairErr error, result *RepairResult) {
	outcome := "failed"
	if result != nil && result.IsDesignError {
		outcome = "design_error"
	}
	metrics.RepairsTotal.WithLabelValues(outcome).Inc()

	if repairErr != nil {
		c.logger.Warn("Repair attempt failed", "error", repairErr)
	} else if result != nil {
		c.logger.Info("Repair declined",
			"design_error", result.IsDesignError,
			"reason", result.Reason,
			"recommendation", result.Recommendation)
	}
}

// isTaskCancelled reads the durable task status.
func (c *Core) isTaskCancelled(ctx context.Context) (bool, error) {
	t, err := c.deps.Store.GetTask(ctx, c.task.ID)
	if err != nil {
		c.logger.Warn("Failed to re-read task during repair", "error", err)
		return false, err
	}
	return t.Status == store.TaskStatusCancelled, nil
}

// originalUserRequest pulls the user's request text from the message context
// parameters when present.
func (c *Core) originalUserRequest() string {
	if v, ok := c.task.Parameters["originalRequest"].(string); ok {
		return v
	}
	if v, ok := c.task.Parameters["original_request"].(string); ok {
		return v
	}
	return ""
}

// stackFromData extracts a recorded stack trace from error data.
func stackFromData(te *TaskError) string {
	if te.Data == nil {
		return ""
	}
	if s, ok := te.Data["stack"].(string); ok {
		return s
	}
	return ""
}
