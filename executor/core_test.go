package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/store"
)

// fakeAPIProvider scripts responses per call.
type fakeAPIProvider struct {
	mu      sync.Mutex
	handler func(call int, method string, params map[string]any) (*apiqueue.Response, error)
	calls   int
	methods []string
	params  []map[string]any
}

func (f *fakeAPIProvider) Name() string { return "fake" }

func (f *fakeAPIProvider) Do(_ context.Context, method string, params map[string]any, _ string) (*apiqueue.Response, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.methods = append(f.methods, method)
	f.params = append(f.params, params)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return &apiqueue.Response{StatusCode: 200, Data: map[string]any{}}, nil
	}
	return handler(call, method, params)
}

type fakeRepairer struct {
	mu     sync.Mutex
	result *RepairResult
	err    error
	hook   func()
	reqs   []RepairRequest
}

func (f *fakeRepairer) Repair(_ context.Context, req RepairRequest) (*RepairResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook()
	}
	return f.result, f.err
}

// fakeLifecycle applies transitions against the real store so status guards
// behave as in production.
type fakeLifecycle struct {
	ds *store.Store

	mu          sync.Mutex
	cancelled   []string
	retries     []string
	retryID     string
	retryErr    error
	transitions []store.TaskStatus
}

func (f *fakeLifecycle) TransitionStatus(ctx context.Context, taskID string, from []store.TaskStatus, to store.TaskStatus) error {
	_, err := f.ds.MutateTask(ctx, taskID, func(t *store.Task) error {
		for _, s := range from {
			if t.Status == s {
				t.Status = to
				return nil
			}
		}
		return fmt.Errorf("task %s is %s, not in %v", taskID, t.Status, from)
	})
	if err == nil {
		f.mu.Lock()
		f.transitions = append(f.transitions, to)
		f.mu.Unlock()
	}
	return err
}

func (f *fakeLifecycle) CancelDelivery(_ context.Context, taskID string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	f.mu.Unlock()
}

func (f *fakeLifecycle) ScheduleRetry(_ context.Context, taskID string, _ *RepairResult) (string, error) {
	f.mu.Lock()
	f.retries = append(f.retries, taskID)
	f.mu.Unlock()
	if f.retryErr != nil {
		return "", f.retryErr
	}
	if f.retryID == "" {
		return "retry-task-1", nil
	}
	return f.retryID, nil
}

type coreFixture struct {
	core     *Core
	ds       *store.Store
	provider *fakeAPIProvider
	repairer *fakeRepairer
	life     *fakeLifecycle
	task     *store.Task
}

func newCoreFixture(t *testing.T, testing bool) *coreFixture {
	t.Helper()

	js := newTestJetStream(t)
	ds, err := store.NewStore(context.Background(), js)
	require.NoError(t, err)

	task := &store.Task{
		TemplateID: "tpl-1",
		CreatedBy:  "user-1",
		Testing:    testing,
		Status:     store.TaskStatusRunning,
		Parameters: map[string]any{"range": "30d"},
	}
	require.NoError(t, ds.CreateTask(context.Background(), task))

	template := &store.Template{
		ID:      "tpl-1",
		Name:    "widget report",
		Testing: testing,
	}

	provider := &fakeAPIProvider{}
	queue := apiqueue.New(provider, config.ProviderConfig{
		RequestsPerSecond: 1000,
		WindowLimit:       100000,
		MaxRetries:        1,
	})
	t.Cleanup(queue.Close)

	repairer := &fakeRepairer{}
	life := &fakeLifecycle{ds: ds}

	core := NewCore(Deps{
		Store:     ds,
		APIQueue:  queue,
		Validator: model.NewValidator([]string{"model-default"}, []string{"bad-model"}, "model-default"),
		Repairer:  repairer,
		Lifecycle: life,
		Config:    config.DefaultConfig().Repair,
	}, task, template, nil)

	return &coreFixture{
		core:     core,
		ds:       ds,
		provider: provider,
		repairer: repairer,
		life:     life,
		task:     task,
	}
}

func (f *coreFixture) cancelTask(t *testing.T) {
	t.Helper()
	_, err := f.ds.MutateTask(context.Background(), f.task.ID, func(task *store.Task) error {
		task.Status = store.TaskStatusCancelled
		return nil
	})
	require.NoError(t, err)
}

func (f *coreFixture) currentStatus(t *testing.T) store.TaskStatus {
	t.Helper()
	task, err := f.ds.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	return task.Status
}

func TestUpdateProgress(t *testing.T) {
	f := newCoreFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.core.UpdateProgress(ctx, 25, "fetching", "fetch", nil))
	require.NoError(t, f.core.UpdateProgress(ctx, 60, "rendering", "render", nil))

	task, err := f.ds.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, task.Progress.Percent)
	assert.Equal(t, "render", task.Progress.CurrentStep)
	assert.Equal(t, 2, task.Progress.StepsCompleted)

	// Percent may regress; completed steps never do.
	require.NoError(t, f.core.UpdateProgress(ctx, 10, "retrying", "render", nil))
	task, err = f.ds.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, task.Progress.Percent)
	assert.Equal(t, 2, task.Progress.StepsCompleted)
}

func TestUpdateProgressAfterCancellation(t *testing.T) {
	f := newCoreFixture(t, false)
	f.cancelTask(t)

	err := f.core.UpdateProgress(context.Background(), 50, "halfway", "work", nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestCreateCheckpoint(t *testing.T) {
	f := newCoreFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.core.CreateCheckpoint(ctx, "after-fetch", map[string]any{"rows": 120.0}))

	task, err := f.ds.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.Len(t, task.Progress.Checkpoints, 1)
	assert.Equal(t, "after-fetch", task.Progress.Checkpoints[0].Step)
}

func TestCallAPI(t *testing.T) {
	f := newCoreFixture(t, false)

	resp, err := f.core.CallAPI(context.Background(), "widgets.list", map[string]any{"range": "7d"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, f.core.Usage().TotalAPICalls)
	assert.Equal(t, []string{"widgets.list"}, f.provider.methods)
}

func TestCallAPIAfterCancellation(t *testing.T) {
	f := newCoreFixture(t, false)
	f.cancelTask(t)

	_, err := f.core.CallAPI(context.Background(), "widgets.list", nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Zero(t, f.provider.calls, "cancelled call must not reach the provider")
}

func TestStreamingFetchPagination(t *testing.T) {
	f := newCoreFixture(t, false)
	f.provider.handler = func(call int, _ string, params map[string]any) (*apiqueue.Response, error) {
		offset := params["offset"].(int)
		batches := [][]any{
			{"a", "b"},
			{"c", "d"},
			{"e"},
		}
		require.Less(t, call, len(batches))
		assert.Equal(t, call*2, offset)
		return &apiqueue.Response{StatusCode: 200, Items: batches[call]}, nil
	}

	var reported []int
	items, err := f.core.StreamingFetch(context.Background(), "widgets.list",
		map[string]any{"range": "30d"},
		StreamingFetchOptions{
			BatchSize: 2,
			ProgressCallback: func(_ []any, fetched int) {
				reported = append(reported, fetched)
			},
		})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, items)
	assert.Equal(t, []int{2, 4, 5}, reported)
	assert.Equal(t, 3, f.core.Usage().TotalAPICalls)

	// The caller's query travels with every page.
	for _, p := range f.provider.params {
		assert.Equal(t, "30d", p["range"])
	}
}

func TestHandleErrorCancelledPassesThrough(t *testing.T) {
	f := newCoreFixture(t, true)

	err := f.core.HandleError(context.Background(), NewCancelledError(""), "work")
	assert.True(t, IsCancelled(err))
	assert.Empty(t, f.repairer.reqs, "cancellation never repairs")
}

func TestHandleErrorInfrastructureNeverRepairs(t *testing.T) {
	f := newCoreFixture(t, true)

	err := f.core.HandleError(context.Background(),
		&apiqueue.APIError{StatusCode: 503, Message: "upstream down"}, "fetch")
	require.Error(t, err)
	assert.Equal(t, KindProvider5xx, Classify(err))
	assert.Empty(t, f.repairer.reqs)

	task, gerr := f.ds.GetTask(context.Background(), f.task.ID)
	require.NoError(t, gerr)
	require.Len(t, task.Errors, 1)
	assert.Equal(t, string(KindProvider5xx), task.Errors[0].Kind)
	assert.Equal(t, "fetch", task.Errors[0].Step)
}

func TestHandleErrorProductionCodeErrorNoRepair(t *testing.T) {
	f := newCoreFixture(t, false)

	err := f.core.HandleError(context.Background(),
		&apiqueue.APIError{StatusCode: 400, Message: "bad method"}, "fetch")
	require.Error(t, err)
	assert.Equal(t, KindClientAPIError, Classify(err))
	assert.Empty(t, f.repairer.reqs, "production templates do not repair 4xx")
}

func TestHandleErrorRepairSuccess(t *testing.T) {
	f := newCoreFixture(t, true)
	f.repairer.result = &RepairResult{
		Success:       true,
		RepairAttempt: 1,
		Template:      &store.Template{ID: "tpl-1", Version: 2},
	}

	err := f.core.HandleError(context.Background(),
		NewTaskError(KindCompileError, "unexpected token", ""), "compile")

	require.True(t, IsCancelled(err), "repaired execution unwinds via cancellation")
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CancelReasonAutoRepairRetry, te.Data["reason"])

	require.Len(t, f.repairer.reqs, 1)
	assert.Equal(t, f.task.ID, f.repairer.reqs[0].TaskID)
	assert.Equal(t, "widget report", f.repairer.reqs[0].TemplateName)

	assert.Equal(t, []string{f.task.ID}, f.life.cancelled)
	assert.Equal(t, []string{f.task.ID}, f.life.retries)
	assert.Equal(t, store.TaskStatusAutoRepairRetrying, f.currentStatus(t))
}

func TestHandleErrorRepairDeclined(t *testing.T) {
	f := newCoreFixture(t, true)
	f.repairer.result = &RepairResult{
		Success:        false,
		IsDesignError:  true,
		Recommendation: "create_new_template_matching_user_intent",
	}

	err := f.core.HandleError(context.Background(),
		NewTaskError(KindCompileError, "unexpected token", ""), "compile")

	require.Error(t, err)
	assert.Equal(t, KindCompileError, Classify(err))
	assert.Empty(t, f.life.retries, "declined repair must not schedule a retry")
	assert.Equal(t, store.TaskStatusRunning, f.currentStatus(t))
}

func TestHandleErrorCancellationDuringRepairVoidsRetry(t *testing.T) {
	f := newCoreFixture(t, true)
	f.repairer.result = &RepairResult{Success: true, RepairAttempt: 1}
	f.repairer.hook = func() { f.cancelTask(t) }

	err := f.core.HandleError(context.Background(),
		NewTaskError(KindCompileError, "unexpected token", ""), "compile")

	require.True(t, IsCancelled(err))
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.NotEqual(t, CancelReasonAutoRepairRetry, te.Data["reason"])

	assert.Empty(t, f.life.retries, "cancellation during repair voids the retry")
	assert.Equal(t, store.TaskStatusCancelled, f.currentStatus(t))
}

func TestGetMemoryEnhancedContextProvided(t *testing.T) {
	f := newCoreFixture(t, true)
	provided := []*store.ReasoningMemory{{ID: "mem-1", Content: "lesson"}}
	f.core.providedMemories = provided

	got, err := f.core.GetMemoryEnhancedContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provided, got)
	assert.Equal(t, []string{"mem-1"}, f.core.UsedMemoryIDs())
}

func TestInlineTruncatedFallback(t *testing.T) {
	f := newCoreFixture(t, false)

	long := "<h1>Report</h1>"
	for i := 0; i < 500; i++ {
		long += "<p>row data repeated for length</p>"
	}

	att := f.core.inlineTruncated(long, "report.html")
	assert.Equal(t, "inline_truncated", att.Kind)
	assert.Equal(t, "report.html", att.Filename)
	assert.NotEmpty(t, att.Inline)
	assert.LessOrEqual(t, len(att.Inline), inlineReportLimit+32)
	assert.Contains(t, att.Inline, "Report")
}

// execStubProvider is a minimal wire adapter for CallGemini tests.
type execStubProvider struct{}

func (execStubProvider) Name() string                      { return "execstub" }
func (execStubProvider) BuildURL(baseURL, _ string) string { return baseURL }
func (execStubProvider) SetHeaders(_ *http.Request)        {}

func (execStubProvider) BuildRequestBody(modelName string, messages []llm.Message, _ *float64, _ int, _ json.RawMessage) ([]byte, error) {
	return json.Marshal(map[string]any{"model": modelName, "messages": messages})
}

func (execStubProvider) ParseResponse(body []byte, modelName string) (*llm.Response, error) {
	var parsed struct {
		Content string `json:"content"`
		Tokens  int    `json:"tokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &llm.Response{
		Content: parsed.Content,
		Model:   modelName,
		Usage:   llm.TokenUsage{TotalTokens: parsed.Tokens},
	}, nil
}

func init() {
	llm.RegisterProvider(execStubProvider{})
}

func newGeminiFixture(t *testing.T, content string, tokens int) *coreFixture {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"content": %q, "tokens": %d}`, content, tokens)
	}))
	t.Cleanup(server.Close)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityGeneration: {Preferred: []string{"model-default"}},
		},
		map[string]*model.EndpointConfig{
			"model-default": {Provider: "execstub", URL: server.URL, Model: "m-1"},
		})

	f := newCoreFixture(t, false)
	f.core.deps.LLM = llm.NewClient(registry)
	return f
}

func TestCallGemini(t *testing.T) {
	f := newGeminiFixture(t, "hello from the model", 7)

	// An invalid model name is rewritten, never an error.
	out, err := f.core.CallGemini(context.Background(), "summarize", GeminiOptions{Model: "bad-model"})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", out)
	assert.Equal(t, 7, f.core.Usage().LLMTokens)
}

func TestCallGeminiSchemaFormatError(t *testing.T) {
	f := newGeminiFixture(t, "definitely not json", 3)

	_, err := f.core.CallGemini(context.Background(), "summarize", GeminiOptions{
		ResponseSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.Error(t, err)
	assert.Equal(t, KindFormatError, Classify(err))
}
