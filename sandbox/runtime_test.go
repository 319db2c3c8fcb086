package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/apiqueue"
	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/executor"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/store"
)

type scriptedProvider struct {
	mu      sync.Mutex
	handler func(method string, params map[string]any) (*apiqueue.Response, error)
	methods []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Do(_ context.Context, method string, params map[string]any, _ string) (*apiqueue.Response, error) {
	p.mu.Lock()
	p.methods = append(p.methods, method)
	handler := p.handler
	p.mu.Unlock()

	if handler == nil {
		return &apiqueue.Response{StatusCode: 200, Data: map[string]any{"ok": true}}, nil
	}
	return handler(method, params)
}

type sandboxFixture struct {
	runtime  *Runtime
	core     *executor.Core
	ds       *store.Store
	task     *store.Task
	template *store.Template
	provider *scriptedProvider
}

func newSandboxFixture(t *testing.T, script string) *sandboxFixture {
	t.Helper()

	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	ds, err := store.NewStore(context.Background(), js)
	require.NoError(t, err)

	task := &store.Task{
		TemplateID: "tpl-1",
		CreatedBy:  "user-1",
		Status:     store.TaskStatusRunning,
		Parameters: map[string]any{"range": "30d"},
	}
	require.NoError(t, ds.CreateTask(context.Background(), task))

	template := &store.Template{
		ID:              "tpl-1",
		Name:            "widget report",
		ExecutionScript: script,
		UpdatedAt:       time.Now(),
	}

	provider := &scriptedProvider{}
	queue := apiqueue.New(provider, config.ProviderConfig{
		RequestsPerSecond: 1000,
		WindowLimit:       100000,
		MaxRetries:        1,
	})
	t.Cleanup(queue.Close)

	core := executor.NewCore(executor.Deps{
		Store:     ds,
		APIQueue:  queue,
		Validator: model.NewValidator(nil, nil, "model-default"),
		Config:    config.DefaultConfig().Repair,
	}, task, template, nil)

	return &sandboxFixture{
		runtime:  New(config.DefaultConfig().Sandbox),
		core:     core,
		ds:       ds,
		task:     task,
		template: template,
		provider: provider,
	}
}

func TestExecuteSimpleScript(t *testing.T) {
	f := newSandboxFixture(t, `
module.exports = class ReportExecutor extends TaskExecutor {
	execute(params) {
		this.updateProgress(10, "starting", "init");
		var resp = this.callAPI("widgets.list", { range: params.range });
		this.log("info", "fetched widgets");
		return {
			success: true,
			summary: "status " + resp.status_code,
			data: { range: params.range }
		};
	}
};
`)

	result, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.NoError(t, err)
	assert.Equal(t, "status 200", result.Summary)
	assert.Equal(t, "30d", result.Data["range"])
	assert.Equal(t, []string{"widgets.list"}, f.provider.methods)

	task, err := f.ds.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, task.Progress.Percent)
	assert.Equal(t, "init", task.Progress.CurrentStep)
}

func TestExecuteCancellationKindSurvivesBoundary(t *testing.T) {
	f := newSandboxFixture(t, `
module.exports = class E extends TaskExecutor {
	execute(params) {
		this.checkCancellation();
		return { success: true, summary: "unreachable" };
	}
};
`)
	_, err := f.ds.MutateTask(context.Background(), f.task.ID, func(task *store.Task) error {
		task.Status = store.TaskStatusCancelled
		return nil
	})
	require.NoError(t, err)

	_, execErr := f.runtime.Execute(context.Background(), f.core, nil)
	require.Error(t, execErr)
	assert.True(t, executor.IsCancelled(execErr), "cancellation kind must survive the interpreter")
}

func TestExecuteCaughtHostErrorStillTyped(t *testing.T) {
	// A script that swallows the thrown capability error and returns anyway
	// still surfaces the recorded host error on the next failure path; here
	// the failure is rethrown, and the lifted error keeps its kind.
	f := newSandboxFixture(t, `
module.exports = class E extends TaskExecutor {
	execute(params) {
		var m = require("not-a-module");
		return { success: true, summary: "unreachable" };
	}
};
`)

	_, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.Error(t, err)
	assert.Equal(t, executor.KindSandboxPolicy, executor.Classify(err))
}

func TestExecuteScriptException(t *testing.T) {
	f := newSandboxFixture(t, `
module.exports = class E extends TaskExecutor {
	execute(params) {
		throw new Error("widget math went wrong");
	}
};
`)

	_, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.Error(t, err)

	var te *executor.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, executor.KindInternal, te.Kind)
	assert.Contains(t, te.Message, "widget math went wrong")
	assert.Contains(t, te.Data["stack"], "widget math", "JS stack travels with the error")
}

func TestExecuteFailureResult(t *testing.T) {
	f := newSandboxFixture(t, `
module.exports = class E extends TaskExecutor {
	execute(params) {
		return { success: false, summary: "no widgets found" };
	}
};
`)

	_, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no widgets found")
}

func TestExecuteBuiltinModules(t *testing.T) {
	f := newSandboxFixture(t, `
var str = require("strings");
var mx = require("math-extra");

module.exports = class E extends TaskExecutor {
	execute(params) {
		return {
			success: true,
			summary: str.slugify("Widget Report 2026"),
			data: { mean: mx.mean([1, 2, 3]) }
		};
	}
};
`)

	result, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.NoError(t, err)
	assert.Equal(t, "widget-report-2026", result.Summary)
	assert.InDelta(t, 2.0, result.Data["mean"], 0.0001)
}

func TestExecuteMissingExecuteMethod(t *testing.T) {
	f := newSandboxFixture(t, `module.exports = class E extends TaskExecutor {};`)

	_, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.Error(t, err)
	assert.Equal(t, executor.KindCompileError, executor.Classify(err))
}

func TestProgramCacheAndInvalidate(t *testing.T) {
	f := newSandboxFixture(t, validScript)

	_, err := f.runtime.compile(f.template)
	require.NoError(t, err)
	_, err = f.runtime.compile(f.template)
	require.NoError(t, err)

	f.runtime.mu.Lock()
	cached := len(f.runtime.programs)
	f.runtime.mu.Unlock()
	assert.Equal(t, 1, cached)

	// A new updatedAt is a distinct cache entry.
	f.template.UpdatedAt = f.template.UpdatedAt.Add(time.Second)
	_, err = f.runtime.compile(f.template)
	require.NoError(t, err)

	f.runtime.mu.Lock()
	cached = len(f.runtime.programs)
	f.runtime.mu.Unlock()
	assert.Equal(t, 2, cached)

	f.runtime.Invalidate(f.template.ID)

	f.runtime.mu.Lock()
	cached = len(f.runtime.programs)
	f.runtime.mu.Unlock()
	assert.Zero(t, cached)
}

func TestExecuteStreamingFetchFromScript(t *testing.T) {
	f := newSandboxFixture(t, `
module.exports = class E extends TaskExecutor {
	execute(params) {
		var batches = 0;
		var items = this.streamingFetch("widgets.list", { range: params.range }, {
			batchSize: 2,
			progressCallback: function(batch, fetched) { batches++; }
		});
		return { success: true, summary: "fetched " + items.length, data: { batches: batches } };
	}
};
`)
	f.provider.handler = func(_ string, params map[string]any) (*apiqueue.Response, error) {
		offset := params["offset"].(int)
		if offset >= 2 {
			return &apiqueue.Response{StatusCode: 200, Items: []any{"c"}}, nil
		}
		return &apiqueue.Response{StatusCode: 200, Items: []any{"a", "b"}}, nil
	}

	result, err := f.runtime.Execute(context.Background(), f.core, nil)
	require.NoError(t, err)
	assert.Equal(t, "fetched 3", result.Summary)
	assert.InDelta(t, 2, result.Data["batches"], 0.0001)
}
