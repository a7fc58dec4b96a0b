// Package hooks implements the interception pipeline around model and tool
// invocations. Before-hooks may veto a call; after-hooks observe its outcome.
// Hook failures never fail the underlying call.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

// ModelCall carries everything hooks can observe about one model invocation.
type ModelCall struct {
	ProjectID string
	AgentID   string
	AgentName string
	TaskID    string
	Model     string
	Messages  []*schema.Message
	Iteration int

	// Outcome fields, populated before after-hooks run.
	Response         *schema.Message
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Err              error
}

// ToolCall carries everything hooks can observe about one tool invocation.
type ToolCall struct {
	ProjectID string
	AgentID   string
	TaskID    string
	Toolkit   string
	Tool      string
	Arguments string

	// Outcome fields, populated before after-hooks run.
	Result   string
	Duration time.Duration
	Err      error
}

// BeforeModelHook returns false to veto the call.
type BeforeModelHook func(ctx context.Context, call *ModelCall) bool

// AfterModelHook observes the completed (or vetoed) call.
type AfterModelHook func(ctx context.Context, call *ModelCall)

// BeforeToolHook returns false to veto the call.
type BeforeToolHook func(ctx context.Context, call *ToolCall) bool

// AfterToolHook observes the completed (or vetoed) call.
type AfterToolHook func(ctx context.Context, call *ToolCall)

// VetoError reports which hook refused an invocation.
type VetoError struct {
	Hook string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("invocation vetoed by hook %q", e.Hook)
}

type namedHook[T any] struct {
	name string
	fn   T
}

type hookSet struct {
	beforeModel []namedHook[BeforeModelHook]
	afterModel  []namedHook[AfterModelHook]
	beforeTool  []namedHook[BeforeToolHook]
	afterTool   []namedHook[AfterToolHook]
}

// Registry holds global hooks plus per-agent hooks. Global hooks run first,
// then the target agent's, each list in registration order.
type Registry struct {
	mu       sync.RWMutex
	global   hookSet
	perAgent map[string]*hookSet
}

func NewRegistry() *Registry {
	return &Registry{perAgent: make(map[string]*hookSet)}
}

func (r *Registry) agentSet(agentID string) *hookSet {
	set, ok := r.perAgent[agentID]
	if !ok {
		set = &hookSet{}
		r.perAgent[agentID] = set
	}
	return set
}

// BeforeModel registers a global before-model hook.
func (r *Registry) BeforeModel(name string, fn BeforeModelHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global.beforeModel = append(r.global.beforeModel, namedHook[BeforeModelHook]{name, fn})
}

func (r *Registry) AfterModel(name string, fn AfterModelHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global.afterModel = append(r.global.afterModel, namedHook[AfterModelHook]{name, fn})
}

func (r *Registry) BeforeTool(name string, fn BeforeToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global.beforeTool = append(r.global.beforeTool, namedHook[BeforeToolHook]{name, fn})
}

func (r *Registry) AfterTool(name string, fn AfterToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global.afterTool = append(r.global.afterTool, namedHook[AfterToolHook]{name, fn})
}

// AgentBeforeModel registers a before-model hook for one agent only.
func (r *Registry) AgentBeforeModel(agentID, name string, fn BeforeModelHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agentSet(agentID)
	set.beforeModel = append(set.beforeModel, namedHook[BeforeModelHook]{name, fn})
}

func (r *Registry) AgentAfterModel(agentID, name string, fn AfterModelHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agentSet(agentID)
	set.afterModel = append(set.afterModel, namedHook[AfterModelHook]{name, fn})
}

func (r *Registry) AgentBeforeTool(agentID, name string, fn BeforeToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agentSet(agentID)
	set.beforeTool = append(set.beforeTool, namedHook[BeforeToolHook]{name, fn})
}

func (r *Registry) AgentAfterTool(agentID, name string, fn AfterToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.agentSet(agentID)
	set.afterTool = append(set.afterTool, namedHook[AfterToolHook]{name, fn})
}

// DropAgent removes all hooks registered for one agent.
func (r *Registry) DropAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perAgent, agentID)
}

func (r *Registry) beforeModelHooks(agentID string) []namedHook[BeforeModelHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]namedHook[BeforeModelHook]{}, r.global.beforeModel...)
	if set, ok := r.perAgent[agentID]; ok {
		out = append(out, set.beforeModel...)
	}
	return out
}

func (r *Registry) afterModelHooks(agentID string) []namedHook[AfterModelHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]namedHook[AfterModelHook]{}, r.global.afterModel...)
	if set, ok := r.perAgent[agentID]; ok {
		out = append(out, set.afterModel...)
	}
	return out
}

func (r *Registry) beforeToolHooks(agentID string) []namedHook[BeforeToolHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]namedHook[BeforeToolHook]{}, r.global.beforeTool...)
	if set, ok := r.perAgent[agentID]; ok {
		out = append(out, set.beforeTool...)
	}
	return out
}

func (r *Registry) afterToolHooks(agentID string) []namedHook[AfterToolHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]namedHook[AfterToolHook]{}, r.global.afterTool...)
	if set, ok := r.perAgent[agentID]; ok {
		out = append(out, set.afterTool...)
	}
	return out
}

func safeBefore[T any](name string, fn func() bool, call T) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("before-hook panicked, treating as allow", "hook", name, "panic", r)
			allowed = true
		}
	}()
	return fn()
}

func safeAfter(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("after-hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
