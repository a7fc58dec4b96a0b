package events

import "context"

type ctxKey int

const (
	projectKey ctxKey = iota
	taskKey
	agentKey
)

// WithProject tags the context with the owning project id.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}

// WithTask tags the context with the subtask being processed.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey, taskID)
}

// WithAgent tags the context with the worker processing the task.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

func ProjectFrom(ctx context.Context) string {
	v, _ := ctx.Value(projectKey).(string)
	return v
}

func TaskFrom(ctx context.Context) string {
	v, _ := ctx.Value(taskKey).(string)
	return v
}

func AgentFrom(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// FromContext builds an event tagged with everything the context carries.
func FromContext(ctx context.Context, action Action, data map[string]any) Event {
	e := New(ProjectFrom(ctx), action, data)
	e.TaskID = TaskFrom(ctx)
	e.AgentID = AgentFrom(ctx)
	return e
}
