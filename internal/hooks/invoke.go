package hooks

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

// InvokeModel runs fn wrapped by the registered model hooks. A veto short
// circuits fn; after-hooks still run and see the veto on call.Err.
func (r *Registry) InvokeModel(ctx context.Context, call *ModelCall, fn func(ctx context.Context) (*schema.Message, error)) (*schema.Message, error) {
	for _, h := range r.beforeModelHooks(call.AgentID) {
		hook := h
		if !safeBefore(hook.name, func() bool { return hook.fn(ctx, call) }, call) {
			call.Err = &VetoError{Hook: hook.name}
			r.runAfterModel(ctx, call)
			return nil, call.Err
		}
	}

	start := time.Now()
	msg, err := fn(ctx)
	call.Duration = time.Since(start)
	call.Response = msg
	call.Err = err
	if msg != nil && msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		call.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
		call.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
	}

	r.runAfterModel(ctx, call)
	return msg, err
}

// InvokeTool runs fn wrapped by the registered tool hooks.
func (r *Registry) InvokeTool(ctx context.Context, call *ToolCall, fn func(ctx context.Context) (string, error)) (string, error) {
	for _, h := range r.beforeToolHooks(call.AgentID) {
		hook := h
		if !safeBefore(hook.name, func() bool { return hook.fn(ctx, call) }, call) {
			call.Err = &VetoError{Hook: hook.name}
			r.runAfterTool(ctx, call)
			return "", call.Err
		}
	}

	start := time.Now()
	result, err := fn(ctx)
	call.Duration = time.Since(start)
	call.Result = result
	call.Err = err

	r.runAfterTool(ctx, call)
	return result, err
}

func (r *Registry) runAfterModel(ctx context.Context, call *ModelCall) {
	for _, h := range r.afterModelHooks(call.AgentID) {
		hook := h
		safeAfter(hook.name, func() { hook.fn(ctx, call) })
	}
}

func (r *Registry) runAfterTool(ctx context.Context, call *ToolCall) {
	for _, h := range r.afterToolHooks(call.AgentID) {
		hook := h
		safeAfter(hook.name, func() { hook.fn(ctx, call) })
	}
}
