package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/executor"
	"github.com/taskmend/taskmend/metrics"
	"github.com/taskmend/taskmend/store"
)

// Runtime compiles and executes template scripts. Compiled programs are
// cached under (templateID, updatedAt); any template write invalidates by
// templateID prefix before it is acknowledged.
type Runtime struct {
	cfg    config.SandboxConfig
	logger *slog.Logger

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// New creates a sandbox runtime.
func New(cfg config.SandboxConfig, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   slog.Default(),
		programs: make(map[string]*goja.Program),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(templateID string, updatedAt time.Time) string {
	return templateID + "\x00" + updatedAt.UTC().Format(time.RFC3339Nano)
}

// Invalidate drops every cached program for a template.
func (r *Runtime) Invalidate(templateID string) {
	prefix := templateID + "\x00"

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.programs {
		if strings.HasPrefix(key, prefix) {
			delete(r.programs, key)
		}
	}
}

// compile returns the cached program for the template version, compiling
// under the configured timeout on a miss.
func (r *Runtime) compile(template *store.Template) (*goja.Program, error) {
	key := cacheKey(template.ID, template.UpdatedAt)

	r.mu.Lock()
	if p, ok := r.programs[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	type compiled struct {
		program *goja.Program
		err     error
	}
	done := make(chan compiled, 1)

	go func() {
		p, err := goja.Compile("template:"+template.ID, wrapModule(template.ExecutionScript), false)
		done <- compiled{p, err}
	}()

	timeout := r.cfg.CompileTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case res := <-done:
		if res.err != nil {
			metrics.SandboxCompilesTotal.WithLabelValues("error").Inc()
			return nil, executor.NewTaskError(executor.KindCompileError, res.err.Error(), "")
		}
		metrics.SandboxCompilesTotal.WithLabelValues("ok").Inc()

		r.mu.Lock()
		r.programs[key] = res.program
		r.mu.Unlock()
		return res.program, nil

	case <-time.After(timeout):
		metrics.SandboxCompilesTotal.WithLabelValues("timeout").Inc()
		return nil, executor.NewTaskError(executor.KindCompileError,
			fmt.Sprintf("compilation exceeded %s", timeout), "")
	}
}

// Execute compiles the core's template, instantiates the exported executor
// class, and runs its execute() entry point. The returned error carries the
// classified kind for the failure funnel; the sandbox itself never calls
// HandleError.
func (r *Runtime) Execute(ctx context.Context, core *executor.Core, proxy *executor.CollectionProxy) (*store.TaskResult, error) {
	template := core.Template()

	program, err := r.compile(template)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	b := &bridge{vm: vm, ctx: ctx, core: core, proxy: proxy}
	if err := b.install(); err != nil {
		return nil, executor.WrapTaskError(err, "sandbox-setup")
	}

	// Cancellation and deadlines interrupt the interpreter.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	factoryVal, err := vm.RunProgram(program)
	if err != nil {
		return nil, b.liftError(err, "load")
	}

	factory, ok := goja.AssertFunction(factoryVal)
	if !ok {
		return nil, executor.NewTaskError(executor.KindCompileError, "script did not produce a module", "load")
	}

	module := vm.NewObject()
	if err := module.Set("exports", vm.NewObject()); err != nil {
		return nil, executor.WrapTaskError(err, "load")
	}

	exported, err := factory(goja.Undefined(), module, module.Get("exports"), vm.Get("require"))
	if err != nil {
		return nil, b.liftError(err, "load")
	}

	ctor, ok := exported.(*goja.Object)
	if !ok || ctor == nil {
		return nil, executor.NewTaskError(executor.KindCompileError,
			"script must assign an executor class to module.exports", "load")
	}

	instance, err := vm.New(ctor)
	if err != nil {
		return nil, b.liftError(err, "construct")
	}

	executeFn, ok := goja.AssertFunction(instance.Get("execute"))
	if !ok {
		return nil, executor.NewTaskError(executor.KindCompileError,
			"executor class has no execute() method", "construct")
	}

	r.logger.Debug("Executing template script",
		"template_id", template.ID,
		"task_id", core.Task().ID)

	out, err := executeFn(instance, b.toJS(core.Parameters()))
	if err != nil {
		return nil, b.liftError(err, "execute")
	}

	return parseResult(out)
}

// parseResult maps the script's return value onto a task result. execute()
// must return an object; success defaults to true when omitted.
func parseResult(v goja.Value) (*store.TaskResult, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, executor.NewTaskError(executor.KindInternal,
			"execute() returned no result", "execute")
	}

	raw, ok := v.Export().(map[string]any)
	if !ok {
		return nil, executor.NewTaskError(executor.KindInternal,
			"execute() must return a result object", "execute")
	}

	if success, ok := raw["success"].(bool); ok && !success {
		msg, _ := raw["summary"].(string)
		if msg == "" {
			msg = "executor reported failure"
		}
		return nil, executor.NewTaskError(executor.KindInternal, msg, "execute")
	}

	result := &store.TaskResult{}
	if summary, ok := raw["summary"].(string); ok {
		result.Summary = summary
	}
	if report, ok := raw["htmlReport"].(string); ok {
		result.HTMLReport = report
	}
	if data, ok := raw["data"].(map[string]any); ok {
		result.Data = data
	}
	if atts, ok := raw["attachments"].([]any); ok {
		for _, a := range atts {
			if att := parseAttachment(a); att != nil {
				result.Attachments = append(result.Attachments, *att)
			}
		}
	}
	return result, nil
}

func parseAttachment(v any) *store.Attachment {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	att := &store.Attachment{}
	if s, ok := m["public_url"].(string); ok {
		att.PublicURL = s
	}
	if s, ok := m["file_path"].(string); ok {
		att.FilePath = s
	}
	if s, ok := m["filename"].(string); ok {
		att.Filename = s
	}
	if s, ok := m["content_type"].(string); ok {
		att.ContentType = s
	}
	switch n := m["content_length"].(type) {
	case int64:
		att.ContentLength = n
	case float64:
		att.ContentLength = int64(n)
	}
	if s, ok := m["inline"].(string); ok {
		att.Inline = s
	}
	if s, ok := m["kind"].(string); ok {
		att.Kind = s
	}
	return att
}
