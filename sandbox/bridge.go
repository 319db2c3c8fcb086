package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/taskmend/taskmend/executor"
)

// bridge binds one executor core into one goja runtime. Capability failures
// are recorded as Go errors before being thrown into script code, so the
// original error kind is recoverable after the interpreter unwinds.
type bridge struct {
	vm    *goja.Runtime
	ctx   context.Context
	core  *executor.Core
	proxy *executor.CollectionProxy

	lastErr error
}

// fail records err and throws it into the running script.
func (b *bridge) fail(err error) {
	b.lastErr = err
	panic(b.vm.ToValue(err.Error()))
}

// liftError recovers the typed error behind a goja failure. Host-raised
// errors win over the interpreter's view of them; everything else becomes
// an internal error carrying the JS stack.
func (b *bridge) liftError(err error, step string) *executor.TaskError {
	// lastErr applies only when the script did not catch it and throw
	// something else; match on the message to rule out a stale record.
	if b.lastErr != nil && strings.Contains(err.Error(), b.lastErr.Error()) {
		return executor.WrapTaskError(b.lastErr, step)
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := b.ctx.Err(); ctxErr != nil {
			return executor.WrapTaskError(ctxErr, step)
		}
		return executor.NewTaskError(executor.KindTimeout, "script interrupted", step)
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		te := executor.NewTaskError(executor.KindInternal, ex.Value().String(), step)
		te.Data = map[string]any{"stack": ex.String()}
		return te
	}

	return executor.WrapTaskError(err, step)
}

// install exposes the host surface and prelude to the runtime.
func (b *bridge) install() error {
	host := map[string]any{
		"taskId":     func() string { return b.core.Task().ID },
		"parameters": func() goja.Value { return b.toJS(b.core.Parameters()) },

		"log": func(level, message string, meta map[string]any) {
			b.core.Log(level, message, meta)
		},

		"checkCancellation": func() {
			if err := b.core.CheckCancellation(b.ctx); err != nil {
				b.fail(err)
			}
		},

		"updateProgress": func(percent int, message, step string, data map[string]any) {
			if err := b.core.UpdateProgress(b.ctx, percent, message, step, data); err != nil {
				b.fail(err)
			}
		},

		"createCheckpoint": func(step string, data map[string]any) {
			if err := b.core.CreateCheckpoint(b.ctx, step, data); err != nil {
				b.fail(err)
			}
		},

		"callAPI": func(method string, params map[string]any) goja.Value {
			resp, err := b.core.CallAPI(b.ctx, method, params)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(resp)
		},

		"callAdapter": func(name, method string, params map[string]any) goja.Value {
			resp, err := b.core.CallAdapter(b.ctx, name, method, params)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(resp)
		},

		"callGemini":     b.callGemini,
		"streamingFetch": b.streamingFetch,

		"uploadReport": func(html, filename string, meta map[string]string) goja.Value {
			att, err := b.core.UploadReport(b.ctx, html, filename, meta)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(att)
		},

		"getMemoryEnhancedContext": func() goja.Value {
			memories, err := b.core.GetMemoryEnhancedContext(b.ctx)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(memories)
		},

		"updateMemoryStatistics": func(ids []string, success bool) {
			if err := b.core.UpdateMemoryStatistics(b.ctx, ids, success); err != nil {
				b.fail(err)
			}
		},

		"storeRead": func(collection, key string) goja.Value {
			if b.proxy == nil {
				b.fail(executor.NewTaskError(executor.KindSandboxPolicy, "no collection access configured", ""))
			}
			doc, err := b.proxy.Read(b.ctx, collection, key)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(doc)
		},

		"storeWrite": func(collection, key string, doc map[string]any) {
			if b.proxy == nil {
				b.fail(executor.NewTaskError(executor.KindSandboxPolicy, "no collection access configured", ""))
			}
			if err := b.proxy.Write(b.ctx, collection, key, doc); err != nil {
				b.fail(err)
			}
		},

		"storeKeys": func(collection string) goja.Value {
			if b.proxy == nil {
				b.fail(executor.NewTaskError(executor.KindSandboxPolicy, "no collection access configured", ""))
			}
			keys, err := b.proxy.Keys(b.ctx, collection)
			if err != nil {
				b.fail(err)
			}
			return b.toJS(keys)
		},

		"sleep": func(ms int) {
			if ms < 0 {
				return
			}
			select {
			case <-b.ctx.Done():
				b.fail(b.ctx.Err())
			case <-time.After(time.Duration(ms) * time.Millisecond):
			}
		},
	}

	if err := b.vm.Set("__host", host); err != nil {
		return fmt.Errorf("install host surface: %w", err)
	}
	if err := b.vm.Set("require", b.require); err != nil {
		return fmt.Errorf("install require: %w", err)
	}

	if _, err := b.vm.RunString(prelude); err != nil {
		return fmt.Errorf("install prelude: %w", err)
	}
	return nil
}

// callGemini unpacks the JS options object.
func (b *bridge) callGemini(call goja.FunctionCall) goja.Value {
	prompt := call.Argument(0).String()

	var opts executor.GeminiOptions
	if optsObj, ok := call.Argument(1).(*goja.Object); ok {
		if v := optsObj.Get("model"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			opts.Model = v.String()
		}
		if v := optsObj.Get("maxTokens"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			opts.MaxTokens = int(v.ToInteger())
		}
		if v := optsObj.Get("temperature"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			temp := v.ToFloat()
			opts.Temperature = &temp
		}
		if v := optsObj.Get("responseSchema"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			schema, err := json.Marshal(v.Export())
			if err != nil {
				b.fail(fmt.Errorf("encode response schema: %w", err))
			}
			opts.ResponseSchema = schema
		}
	}

	content, err := b.core.CallGemini(b.ctx, prompt, opts)
	if err != nil {
		b.fail(err)
	}
	return b.vm.ToValue(content)
}

// streamingFetch unpacks the JS options object, bridging the progress
// callback back into script code per batch.
func (b *bridge) streamingFetch(call goja.FunctionCall) goja.Value {
	method := call.Argument(0).String()

	query := map[string]any{}
	if q, ok := call.Argument(1).Export().(map[string]any); ok {
		query = q
	}

	var opts executor.StreamingFetchOptions
	if optsObj, ok := call.Argument(2).(*goja.Object); ok {
		if v := optsObj.Get("batchSize"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			opts.BatchSize = int(v.ToInteger())
		}
		if cb, ok := goja.AssertFunction(optsObj.Get("progressCallback")); ok {
			opts.ProgressCallback = func(batch []any, fetched int) {
				// A throwing callback propagates as a script exception.
				if _, err := cb(goja.Undefined(), b.toJS(batch), b.vm.ToValue(fetched)); err != nil {
					panic(err)
				}
			}
		}
	}

	items, err := b.core.StreamingFetch(b.ctx, method, query, opts)
	if err != nil {
		b.fail(err)
	}
	return b.toJS(items)
}

// toJS converts a Go value into a plain JS value via its JSON form, so
// scripts see json-tagged field names rather than Go identifiers.
func (b *bridge) toJS(v any) goja.Value {
	if v == nil {
		return goja.Null()
	}

	data, err := json.Marshal(v)
	if err != nil {
		b.fail(fmt.Errorf("convert value for script: %w", err))
	}

	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		b.fail(fmt.Errorf("convert value for script: %w", err))
	}
	return b.vm.ToValue(plain)
}
