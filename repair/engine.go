package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/executor"
	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/memory"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/store"
	"github.com/taskmend/taskmend/template"
)

// recommendationNewTemplate is returned on design mismatches: the code is
// not the bug, the template choice was.
const recommendationNewTemplate = "create_new_template_matching_user_intent"

// codeWindowLines is how many lines of context surround the failure line.
const codeWindowLines = 10

// Engine implements executor.Repairer: failure in, patched and validated
// template out, bounded by the Tracker.
type Engine struct {
	templates *template.Repository
	memories  *memory.Store
	llm       *llm.Client
	tracker   *Tracker
	knowledge *KnowledgeFetcher
	cfg       config.RepairConfig
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithKnowledgeFetcher attaches documentation sources to repair prompts.
func WithKnowledgeFetcher(k *KnowledgeFetcher) Option {
	return func(e *Engine) {
		e.knowledge = k
	}
}

// New creates a repair engine.
func New(templates *template.Repository, memories *memory.Store, client *llm.Client, tracker *Tracker, cfg config.RepairConfig, opts ...Option) *Engine {
	e := &Engine{
		templates: templates,
		memories:  memories,
		llm:       client,
		tracker:   tracker,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Repair attempts to patch the template behind a failed task. The returned
// result is never nil on a nil error; a declined repair is a result with
// Success false, not an error.
func (e *Engine) Repair(ctx context.Context, req executor.RepairRequest) (*executor.RepairResult, error) {
	if ok, reason := e.tracker.CanRepair(req.TaskID, req.TemplateID); !ok {
		e.logger.Info("Repair declined by circuit breaker",
			"task_id", req.TaskID,
			"template_id", req.TemplateID,
			"reason", reason)
		return &executor.RepairResult{Success: false, Reason: reason}, nil
	}

	tpl, err := e.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template for repair: %w", err)
	}

	if mismatch := detectDesignMismatch(req.OriginalUserRequest, tpl); mismatch != "" {
		e.logger.Info("Design mismatch, declining code repair",
			"template_id", req.TemplateID,
			"mismatch", mismatch)
		return &executor.RepairResult{
			Success:        false,
			IsDesignError:  true,
			Reason:         mismatch,
			Recommendation: recommendationNewTemplate,
		}, nil
	}

	repairMemories := e.retrieveMemories(ctx, req, tpl)
	knowledgeContext := e.knowledge.Fetch(ctx)
	window := extractCodeWindow(tpl.ExecutionScript, req)

	prompt := buildRepairPrompt(req, tpl, window, knowledgeContext, repairMemories)

	temperature := 0.1
	resp, err := e.llm.Complete(ctx, llm.Request{
		Capability:  string(model.CapabilityRepair),
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
		MaxTokens:   16384,
	})
	if err != nil {
		return nil, fmt.Errorf("repair completion: %w", err)
	}

	patched := extractCodeBlock(resp.Content)
	if patched == "" {
		e.tracker.RecordRepair(req.TaskID, req.TemplateID, resp.Usage.TotalTokens)
		return &executor.RepairResult{
			Success:    false,
			Reason:     "model response contained no code block",
			TokensUsed: resp.Usage.TotalTokens,
		}, nil
	}

	repaired, err := e.templates.ApplyRepair(ctx, req.TemplateID, patched, store.RepairHistoryEntry{
		TaskID:    req.TaskID,
		ErrorKind: string(req.Error.Kind),
		TokenCost: resp.Usage.TotalTokens,
	})
	if err != nil {
		e.tracker.RecordRepair(req.TaskID, req.TemplateID, resp.Usage.TotalTokens)
		e.logger.Warn("Repaired script failed validation", "error", err)
		return &executor.RepairResult{
			Success:    false,
			Reason:     fmt.Sprintf("repaired script rejected: %v", err),
			TokensUsed: resp.Usage.TotalTokens,
		}, nil
	}

	e.recordMemoryOutcomes(ctx, tpl, repairMemories)
	e.tracker.RecordRepair(req.TaskID, req.TemplateID, resp.Usage.TotalTokens)

	e.logger.Info("Template repaired",
		"template_id", req.TemplateID,
		"task_id", req.TaskID,
		"repair_attempt", repaired.RepairAttempts,
		"tokens", resp.Usage.TotalTokens)

	return &executor.RepairResult{
		Success:       true,
		Template:      repaired,
		RepairAttempt: repaired.RepairAttempts,
		TokensUsed:    resp.Usage.TotalTokens,
	}, nil
}

// retrieveMemories pulls past error-pattern and fix-strategy lessons for
// the prompt. Best-effort.
func (e *Engine) retrieveMemories(ctx context.Context, req executor.RepairRequest, tpl *store.Template) []*store.ReasoningMemory {
	if req.ProvidedMemories != nil {
		return req.ProvidedMemories
	}
	if e.memories == nil {
		return nil
	}

	query := fmt.Sprintf("%s\n%s\n%s", tpl.Name, req.Error.Kind, req.Error.Message)
	memories, err := e.memories.Retrieve(ctx, query, memory.RetrieveOptions{
		Categories: []store.MemoryCategory{
			store.MemoryCategoryErrorPattern,
			store.MemoryCategoryFixStrategy,
		},
		MinSuccessRate: e.cfg.MemoryMinSuccessRate,
		TopK:           e.cfg.MemoryTopK,
	})
	if err != nil {
		e.logger.Warn("Memory retrieval failed during repair", "error", err)
		return nil
	}
	return memories
}

// recordMemoryOutcomes marks generation memories unsuccessful (they seeded
// code that needed repair) and the retrieved repair memories successful.
func (e *Engine) recordMemoryOutcomes(ctx context.Context, tpl *store.Template, repairMemories []*store.ReasoningMemory) {
	if e.memories == nil {
		return
	}

	if gen := tpl.Generation; gen != nil && len(gen.MemoryIDsUsed) > 0 {
		if err := e.memories.MarkUsed(ctx, gen.MemoryIDsUsed, false); err != nil {
			e.logger.Warn("Failed to mark generation memories", "error", err)
		}
	}

	if len(repairMemories) > 0 {
		ids := make([]string, 0, len(repairMemories))
		for _, m := range repairMemories {
			ids = append(ids, m.ID)
		}
		if err := e.memories.MarkUsed(ctx, ids, true); err != nil {
			e.logger.Warn("Failed to mark repair memories", "error", err)
		}
	}
}

// aggregateWords signal the user asked about a population, not one entity.
var aggregateWords = regexp.MustCompile(`(?i)\b(all|every|each|total|overall|aggregate|everyone|across)\b`)

// namedTaskRequest matches "create/make a (new) task/report called|named X".
var namedTaskRequest = regexp.MustCompile(`(?i)\b(create|make|add)\b.{0,30}\b(task|template|report)\b.{0,20}\b(called|named)\b`)

// entityIDParam matches required parameters that pin a single entity.
var entityIDParam = regexp.MustCompile(`(?i)(^|_)(id|ids)$`)

// detectDesignMismatch compares the stored user request with the template's
// contract. A non-empty return is the mismatch description.
func detectDesignMismatch(originalRequest string, tpl *store.Template) string {
	if originalRequest == "" {
		return ""
	}

	if namedTaskRequest.MatchString(originalRequest) {
		lowered := strings.ToLower(originalRequest)
		if !strings.Contains(lowered, strings.ToLower(tpl.Name)) {
			return "user asked for a new named task but an existing template was reused"
		}
	}

	if aggregateWords.MatchString(originalRequest) {
		for _, required := range tpl.ParameterSchema.Required {
			if entityIDParam.MatchString(required) {
				return "user asked for an aggregate but the template requires a specific entity id"
			}
		}
	}

	return ""
}

// stackLinePattern matches template source frames like "template:tpl-1:42".
var stackLinePattern = regexp.MustCompile(`template:[\w.-]+:(\d+)`)

// extractCodeWindow returns a short window of script source around the
// failure. Stack frames referencing the template source win; for client API
// errors the callAPI invocation with the failing method is located instead.
func extractCodeWindow(script string, req executor.RepairRequest) string {
	lines := strings.Split(script, "\n")

	if m := stackLinePattern.FindStringSubmatch(req.Stack); m != nil {
		if lineNo, err := strconv.Atoi(m[1]); err == nil {
			// The sandbox wrapper shifts user source down one line.
			return window(lines, lineNo-2)
		}
	}

	if req.Error.Kind == executor.KindClientAPIError {
		if method := failingMethod(req); method != "" {
			needle := "callAPI(\"" + method + "\""
			alt := "callAPI('" + method + "'"
			for i, line := range lines {
				if strings.Contains(line, needle) || strings.Contains(line, alt) {
					return window(lines, i)
				}
			}
		}
	}

	return ""
}

func failingMethod(req executor.RepairRequest) string {
	if req.Error.Data != nil {
		if m, ok := req.Error.Data["method"].(string); ok {
			return m
		}
	}
	// "API error 400 on widgets.badmethod: ..." style messages.
	if m := regexp.MustCompile(`on ([\w.]+):`).FindStringSubmatch(req.Error.Message); m != nil {
		return m[1]
	}
	return ""
}

func window(lines []string, center int) string {
	start := center - codeWindowLines/2
	if start < 0 {
		start = 0
	}
	end := center + codeWindowLines/2 + 1
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i == center {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, i+1, lines[i])
	}
	return b.String()
}

// buildRepairPrompt assembles the full repair context for the model.
func buildRepairPrompt(req executor.RepairRequest, tpl *store.Template, codeWindow, knowledge string, memories []*store.ReasoningMemory) string {
	var b strings.Builder

	b.WriteString("You repair JavaScript task templates. The template below failed during execution.\n")
	b.WriteString("Return the COMPLETE corrected script in a single fenced code block. ")
	b.WriteString("Keep the class structure (module.exports = class ... extends TaskExecutor) and change only what the error requires.\n\n")

	if knowledge != "" {
		b.WriteString("## API documentation\n")
		b.WriteString(knowledge)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Task\ntask: %s\ntemplate: %s (%s)\n", req.TaskID, tpl.Name, tpl.ID)
	if req.OriginalUserRequest != "" {
		fmt.Fprintf(&b, "original request: %s\n", req.OriginalUserRequest)
	}

	fmt.Fprintf(&b, "\n## Error\nkind: %s\nmessage: %s\nstep: %s\n", req.Error.Kind, req.Error.Message, req.Error.Step)
	if req.Stack != "" {
		fmt.Fprintf(&b, "stack:\n%s\n", req.Stack)
	}

	if codeWindow != "" {
		fmt.Fprintf(&b, "\n## Failing region\n%s\n", codeWindow)
	}

	params, _ := json.Marshal(req.Parameters)
	fmt.Fprintf(&b, "\n## Execution context\nstep: %s\nsteps completed: %d\nparameters: %s\napi calls: %d, llm tokens: %d\n",
		req.CurrentStep, req.StepsCompleted, params,
		req.ResourceUsage.TotalAPICalls, req.ResourceUsage.LLMTokens)

	if len(memories) > 0 {
		b.WriteString("\n## Lessons from past repairs\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Title, m.Content)
		}
	}

	b.WriteString("\n## Current script\n```javascript\n")
	b.WriteString(tpl.ExecutionScript)
	b.WriteString("\n```\n")

	return b.String()
}

// codeBlockPattern captures the first fenced code block, with or without a
// language tag.
var codeBlockPattern = regexp.MustCompile("(?s)```(?:[a-zA-Z]*)\\n(.*?)```")

// extractCodeBlock returns the first fenced code block in the response.
func extractCodeBlock(content string) string {
	if m := codeBlockPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
