// Package toolkit groups tools into named toolkits and routes every
// invocation through the hook pipeline.
package toolkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"crew/internal/events"
	"crew/internal/hooks"
)

// Toolkit is a named set of invokable tools.
type Toolkit struct {
	Name  string
	tools map[string]tool.InvokableTool
	order []string
}

func New(name string) *Toolkit {
	return &Toolkit{Name: name, tools: map[string]tool.InvokableTool{}}
}

// Add registers a tool under the name its Info reports.
func (t *Toolkit) Add(ctx context.Context, impl tool.InvokableTool) error {
	info, err := impl.Info(ctx)
	if err != nil {
		return fmt.Errorf("toolkit %s: tool info: %w", t.Name, err)
	}
	if _, dup := t.tools[info.Name]; dup {
		return fmt.Errorf("toolkit %s: duplicate tool %q", t.Name, info.Name)
	}
	t.tools[info.Name] = impl
	t.order = append(t.order, info.Name)
	return nil
}

func (t *Toolkit) ToolNames() []string {
	return append([]string{}, t.order...)
}

// Registry holds every toolkit available to workers.
type Registry struct {
	hooks *hooks.Registry

	mu       sync.RWMutex
	toolkits map[string]*Toolkit
	order    []string
}

func NewRegistry(h *hooks.Registry) *Registry {
	return &Registry{hooks: h, toolkits: map[string]*Toolkit{}}
}

func (r *Registry) Register(t *Toolkit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.toolkits[t.Name]; dup {
		return fmt.Errorf("duplicate toolkit %q", t.Name)
	}
	r.toolkits[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

func (r *Registry) Get(name string) (*Toolkit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.toolkits[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// View restricts the registry to the named toolkits, the shape a worker
// binds to its model. Unknown names are skipped.
func (r *Registry) View(names []string) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := &View{hooks: r.hooks}
	for _, name := range names {
		if t, ok := r.toolkits[name]; ok {
			v.toolkits = append(v.toolkits, t)
		}
	}
	return v
}

// View is a worker's slice of the registry.
type View struct {
	hooks    *hooks.Registry
	toolkits []*Toolkit
}

// Infos collects the tool descriptions for binding to a chat model.
func (v *View) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	var out []*schema.ToolInfo
	for _, t := range v.toolkits {
		for _, name := range t.order {
			info, err := t.tools[name].Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("toolkit %s: tool %s: %w", t.Name, name, err)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Empty reports whether the view holds no tools at all.
func (v *View) Empty() bool {
	for _, t := range v.toolkits {
		if len(t.order) > 0 {
			return false
		}
	}
	return true
}

// Invoke runs the named tool through the hook pipeline. The first toolkit
// exposing the name wins.
func (v *View) Invoke(ctx context.Context, toolName, arguments string) (string, error) {
	for _, t := range v.toolkits {
		impl, ok := t.tools[toolName]
		if !ok {
			continue
		}
		call := &hooks.ToolCall{
			ProjectID: events.ProjectFrom(ctx),
			AgentID:   events.AgentFrom(ctx),
			TaskID:    events.TaskFrom(ctx),
			Toolkit:   t.Name,
			Tool:      toolName,
			Arguments: arguments,
		}
		return v.hooks.InvokeTool(ctx, call, func(ctx context.Context) (string, error) {
			return impl.InvokableRun(ctx, arguments)
		})
	}
	return "", fmt.Errorf("unknown tool %q", toolName)
}
