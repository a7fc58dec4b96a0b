package workforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"crew/internal/events"
	"crew/internal/hooks"
)

const coordinatorAgentID = "coordinator"

// Advisor lets callers override the LLM assignment, e.g. for tests or
// policy-driven routing. Returning an error falls through to the LLM.
type Advisor interface {
	Assign(ctx context.Context, tasks []*Task, workers []*Worker) (map[string]string, error)
}

// Coordinator maps subtasks to workers.
type Coordinator struct {
	chatModel model.ToolCallingChatModel
	modelName string
	hooks     *hooks.Registry
	advisor   Advisor
}

func NewCoordinator(m model.ToolCallingChatModel, modelName string, h *hooks.Registry, advisor Advisor) *Coordinator {
	return &Coordinator{chatModel: m, modelName: modelName, hooks: h, advisor: advisor}
}

// Assign returns a task-id to worker-id map covering every task. It never
// fails: advisor first, then the LLM, and any task the model missed or
// misrouted falls back to round robin on its own.
func (c *Coordinator) Assign(ctx context.Context, tasks []*Task, workers []*Worker) map[string]string {
	if len(tasks) == 0 || len(workers) == 0 {
		return map[string]string{}
	}

	if c.advisor != nil {
		if m, err := c.advisor.Assign(ctx, tasks, workers); err == nil && c.covers(m, tasks, workers) {
			return m
		} else if err != nil {
			slog.Warn("assignment advisor failed", "error", err)
		}
	}

	out := c.llmAssign(ctx, tasks, workers)
	if out == nil {
		out = map[string]string{}
	}
	next := 0
	for _, t := range tasks {
		if _, ok := out[t.ID]; ok {
			continue
		}
		out[t.ID] = workers[next%len(workers)].ID
		next++
	}
	return out
}

type llmAssignment struct {
	Assignments []struct {
		TaskID       string   `json:"task_id"`
		AssigneeID   string   `json:"assignee_id"`
		Dependencies []string `json:"dependencies"`
	} `json:"assignments"`
}

// llmAssign asks the model for a routing. The returned map may be partial:
// tasks with unknown assignees are left out for the caller to fill. Task
// dependencies named in the response replace the planner's, dropping ids
// outside the task set.
func (c *Coordinator) llmAssign(ctx context.Context, tasks []*Task, workers []*Worker) map[string]string {
	messages := []*schema.Message{
		schema.SystemMessage("You are the coordinator of a multi-agent workforce. Match each task to the most capable worker."),
		schema.UserMessage(c.prompt(tasks, workers)),
	}
	call := &hooks.ModelCall{
		ProjectID: events.ProjectFrom(ctx),
		AgentID:   coordinatorAgentID,
		AgentName: "Coordinator",
		Model:     c.modelName,
		Messages:  messages,
	}

	resp, err := c.hooks.InvokeModel(ctx, call, func(ctx context.Context) (*schema.Message, error) {
		return c.chatModel.Generate(ctx, messages)
	})
	if err != nil {
		slog.Warn("coordinator model failed, falling back to round robin", "error", err)
		return nil
	}

	var parsed llmAssignment
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		slog.Warn("coordinator output unparseable, falling back to round robin", "error", err)
		return nil
	}

	byWorker := map[string]bool{}
	for _, w := range workers {
		byWorker[w.ID] = true
	}
	byID := map[string]*Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}

	out := map[string]string{}
	for _, a := range parsed.Assignments {
		t, ok := byID[a.TaskID]
		if !ok {
			slog.Warn("coordinator named unknown task", "task", a.TaskID)
			continue
		}
		if a.Dependencies != nil {
			deps := make([]string, 0, len(a.Dependencies))
			for _, dep := range a.Dependencies {
				if dep != t.ID && byID[dep] != nil {
					deps = append(deps, dep)
				}
			}
			t.Dependencies = deps
		}
		if !byWorker[a.AssigneeID] {
			slog.Warn("coordinator named unknown worker, task falls back to round robin",
				"task", a.TaskID, "worker", a.AssigneeID)
			continue
		}
		out[t.ID] = a.AssigneeID
	}
	return out
}

func (c *Coordinator) covers(m map[string]string, tasks []*Task, workers []*Worker) bool {
	byWorker := map[string]bool{}
	for _, w := range workers {
		byWorker[w.ID] = true
	}
	for _, t := range tasks {
		w, ok := m[t.ID]
		if !ok || !byWorker[w] {
			return false
		}
	}
	return true
}

func (c *Coordinator) prompt(tasks []*Task, workers []*Worker) string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
	}
	b.WriteString("\nWorkers:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s (%s): %s; capabilities: %s\n",
			w.ID, w.Role, w.Description, strings.Join(w.Capabilities, ", "))
	}
	b.WriteString(`
Answer with JSON only:
{"assignments": [{"task_id": "...", "assignee_id": "...", "dependencies": []}]}
dependencies lists ids of tasks that must finish first.
Every task must appear exactly once.`)
	return b.String()
}
