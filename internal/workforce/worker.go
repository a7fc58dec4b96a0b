package workforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"crew/internal/events"
	"crew/internal/hooks"
	"crew/internal/toolkit"
)

// MemoryEntry is one workflow memory line carried between a worker's tasks.
type MemoryEntry struct {
	TaskID  string
	Summary string
}

// WorkflowMemory is a bounded FIFO of past task summaries.
type WorkflowMemory struct {
	mu      sync.Mutex
	cap     int
	entries []MemoryEntry
}

func NewWorkflowMemory(cap int) *WorkflowMemory {
	if cap <= 0 {
		cap = 10
	}
	return &WorkflowMemory{cap: cap}
}

func (m *WorkflowMemory) Add(e MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.cap {
		m.entries = m.entries[len(m.entries)-m.cap:]
	}
}

func (m *WorkflowMemory) Entries() []MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryEntry{}, m.entries...)
}

// Attempt records one processed task for worker statistics.
type Attempt struct {
	TaskID   string
	Success  bool
	Error    string
	Duration time.Duration
	At       time.Time
}

// Worker executes subtasks with a chat model and a slice of toolkits.
type Worker struct {
	ID           string
	Role         string
	Description  string
	Capabilities []string
	ToolkitNames []string

	chatModel     model.ToolCallingChatModel
	tools         *toolkit.View
	hooks         *hooks.Registry
	bus           *events.Bus
	memory        *WorkflowMemory
	maxIterations int
	modelName     string

	mu       sync.Mutex
	attempts []Attempt
}

// WorkerOptions carries the collaborators a worker needs.
type WorkerOptions struct {
	Model         model.ToolCallingChatModel
	ModelName     string
	Tools         *toolkit.View
	Hooks         *hooks.Registry
	Bus           *events.Bus
	MaxIterations int
	MemorySize    int
}

// NewWorker binds the worker's toolkits to its model.
func NewWorker(ctx context.Context, id, role, description string, capabilities, toolkitNames []string, opts WorkerOptions) (*Worker, error) {
	w := &Worker{
		ID:            id,
		Role:          role,
		Description:   description,
		Capabilities:  capabilities,
		ToolkitNames:  toolkitNames,
		chatModel:     opts.Model,
		tools:         opts.Tools,
		hooks:         opts.Hooks,
		bus:           opts.Bus,
		memory:        NewWorkflowMemory(opts.MemorySize),
		maxIterations: opts.MaxIterations,
		modelName:     opts.ModelName,
	}
	if w.maxIterations <= 0 {
		w.maxIterations = 10
	}

	if w.tools != nil && !w.tools.Empty() {
		infos, err := w.tools.Infos(ctx)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", id, err)
		}
		bound, err := opts.Model.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("worker %s: bind tools: %w", id, err)
		}
		w.chatModel = bound
	}
	return w, nil
}

// Memory exposes the worker's workflow memory.
func (w *Worker) Memory() *WorkflowMemory { return w.memory }

// Stats returns total and failed attempt counts.
func (w *Worker) Stats() (total, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.attempts {
		total++
		if !a.Success {
			failed++
		}
	}
	return total, failed
}

// Attempts returns a copy of the attempt history.
func (w *Worker) Attempts() []Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Attempt{}, w.attempts...)
}

func (w *Worker) record(a Attempt) {
	w.mu.Lock()
	w.attempts = append(w.attempts, a)
	w.mu.Unlock()
}

// Process runs one subtask to completion. It never returns an error: every
// failure mode is folded into an unsuccessful TaskResult.
func (w *Worker) Process(ctx context.Context, task *Task, projectGoal string, depResults map[string]string) (result *TaskResult) {
	start := time.Now()
	result = &TaskResult{
		TaskID:   task.ID,
		WorkerID: w.ID,
		Attempt:  task.FailureCount + 1,
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked", "worker", w.ID, "task", task.ID, "panic", r)
			result.Success = false
			result.Error = fmt.Sprintf("worker panic: %v", r)
		}
		result.Duration = time.Since(start)
		w.record(Attempt{
			TaskID:   task.ID,
			Success:  result.Success,
			Error:    result.Error,
			Duration: result.Duration,
			At:       start,
		})
		if result.Success {
			w.memory.Add(MemoryEntry{TaskID: task.ID, Summary: firstLine(result.Output, 300)})
		}
	}()

	ctx = events.WithTask(events.WithAgent(ctx, w.ID), task.ID)

	messages := []*schema.Message{
		schema.SystemMessage(w.systemPrompt()),
		schema.UserMessage(w.taskPrompt(task, projectGoal, depResults)),
	}

	for i := 0; i < w.maxIterations; i++ {
		call := &hooks.ModelCall{
			ProjectID: events.ProjectFrom(ctx),
			AgentID:   w.ID,
			AgentName: w.Role,
			TaskID:    task.ID,
			Model:     w.modelName,
			Messages:  messages,
			Iteration: i,
		}
		resp, err := w.hooks.InvokeModel(ctx, call, func(ctx context.Context) (*schema.Message, error) {
			return w.chatModel.Generate(ctx, messages)
		})
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			return result
		}

		if len(resp.ToolCalls) == 0 {
			result.Success = true
			result.Output = resp.Content
			return result
		}

		messages = append(messages, resp)
		for _, tc := range resp.ToolCalls {
			out, err := w.tools.Invoke(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				out = fmt.Sprintf("tool error: %v", err)
			}
			messages = append(messages, schema.ToolMessage(out, tc.ID))
		}
	}

	result.Success = false
	result.Error = fmt.Sprintf("gave up after %d tool iterations", w.maxIterations)
	return result
}

func (w *Worker) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, working as part of a team. %s\n", w.Role, w.Description)
	b.WriteString("Complete the assigned task and reply with the final result only.\n")

	if entries := w.memory.Entries(); len(entries) > 0 {
		b.WriteString("\nLessons from your previous tasks:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- [%s] %s\n", e.TaskID, e.Summary)
		}
	}
	return b.String()
}

func (w *Worker) taskPrompt(task *Task, projectGoal string, depResults map[string]string) string {
	var b strings.Builder
	if projectGoal != "" {
		fmt.Fprintf(&b, "Overall goal: %s\n\n", projectGoal)
	}
	fmt.Fprintf(&b, "Your task (%s): %s\n", task.ID, task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output: %s\n", task.ExpectedOutput)
	}
	if len(task.Context) > 0 {
		b.WriteString("\nAdditional context:\n")
		for k, v := range task.Context {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	if len(depResults) > 0 {
		b.WriteString("\nResults from prerequisite tasks:\n")
		for _, dep := range task.Dependencies {
			if out, ok := depResults[dep]; ok {
				fmt.Fprintf(&b, "## %s\n%s\n", dep, out)
			}
		}
	}
	return b.String()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
