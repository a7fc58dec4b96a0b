package workforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"crew/internal/events"
	"crew/internal/hooks"
)

const plannerAgentID = "planner"

// Planner turns a root task into subtasks and composes final answers.
type Planner struct {
	chatModel model.ToolCallingChatModel
	modelName string
	hooks     *hooks.Registry
	bus       *events.Bus
}

func NewPlanner(m model.ToolCallingChatModel, modelName string, h *hooks.Registry, bus *events.Bus) *Planner {
	return &Planner{chatModel: m, modelName: modelName, hooks: h, bus: bus}
}

// Decompose splits the parent task into subtasks. It never fails: when the
// model or the parse lets us down, the parent becomes its own single
// subtask. The parent's description is left untouched on every path.
func (p *Planner) Decompose(ctx context.Context, parent *Task, workers []*Worker, supplement string) []*Task {
	originalDescription := parent.Description
	defer func() { parent.Description = originalDescription }()

	raw, err := p.generate(ctx, p.decomposePrompt(parent, workers, supplement), true)
	if err != nil {
		slog.Warn("decompose failed, using passthrough subtask", "task", parent.ID, "error", err)
		return p.passthrough(parent)
	}

	contents := ParseTaskList(raw)
	if len(contents) == 0 {
		slog.Warn("decompose output unparseable, using passthrough subtask", "task", parent.ID)
		return p.passthrough(parent)
	}

	tasks := make([]*Task, 0, len(contents))
	for i, content := range contents {
		tasks = append(tasks, &Task{
			ID:          fmt.Sprintf("%s_subtask_%d", parent.ID, i),
			Description: content,
			State:       StatePending,
		})
	}
	return tasks
}

// structuredPlan is the JSON shape DecomposeStructured asks the model for.
type structuredPlan struct {
	Reasoning string `json:"reasoning"`
	Tasks     []struct {
		Content        string `json:"content"`
		ExpectedOutput string `json:"expected_output"`
		Priority       int    `json:"priority"`
		DependsOn      []int  `json:"depends_on"`
	} `json:"tasks"`
}

// Plan is a structured decomposition: the subtasks plus the planner's
// reasoning and whether every subtask can run at once.
type Plan struct {
	Subtasks       []*Task
	Reasoning      string
	CanParallelize bool
}

func planFrom(tasks []*Task, reasoning string) *Plan {
	parallel := true
	for _, t := range tasks {
		if len(t.Dependencies) > 0 {
			parallel = false
			break
		}
	}
	return &Plan{Subtasks: tasks, Reasoning: reasoning, CanParallelize: parallel}
}

// DecomposeStructured asks for a JSON plan carrying explicit dependencies
// and priorities. Invalid JSON, dangling indices or cycles degrade to
// Decompose.
func (p *Planner) DecomposeStructured(ctx context.Context, parent *Task, workers []*Worker, supplement string) *Plan {
	originalDescription := parent.Description
	defer func() { parent.Description = originalDescription }()

	raw, err := p.generate(ctx, p.structuredPrompt(parent, workers, supplement), true)
	if err != nil {
		slog.Warn("structured decompose failed", "task", parent.ID, "error", err)
		return planFrom(p.Decompose(ctx, parent, workers, supplement), "")
	}

	var plan structuredPlan
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil || len(plan.Tasks) == 0 {
		return planFrom(p.Decompose(ctx, parent, workers, supplement), "")
	}

	tasks := make([]*Task, 0, len(plan.Tasks))
	for i, pt := range plan.Tasks {
		t := &Task{
			ID:             fmt.Sprintf("%s_subtask_%d", parent.ID, i),
			Description:    pt.Content,
			ExpectedOutput: pt.ExpectedOutput,
			Priority:       pt.Priority,
			State:          StatePending,
		}
		for _, dep := range pt.DependsOn {
			if dep < 0 || dep >= len(plan.Tasks) || dep == i {
				slog.Warn("structured plan has bad dependency index", "task", parent.ID, "index", dep)
				return planFrom(p.Decompose(ctx, parent, workers, supplement), "")
			}
			t.Dependencies = append(t.Dependencies, fmt.Sprintf("%s_subtask_%d", parent.ID, dep))
		}
		tasks = append(tasks, t)
	}

	// Reject cyclic plans before they reach the graph.
	probe := NewGraph()
	if err := probe.AddBatch(cloneTasks(tasks)); err != nil {
		slog.Warn("structured plan invalid", "task", parent.ID, "error", err)
		return planFrom(p.Decompose(ctx, parent, workers, supplement), "")
	}
	return planFrom(tasks, plan.Reasoning)
}

// Compose turns subtask results into the final answer. Failed subtasks stay
// out of the composition; only their ids are mentioned. Model failure falls
// back to concatenating the outputs.
func (p *Planner) Compose(ctx context.Context, parent *Task, ordered []*Task, results map[string]*TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The team worked on: %s\n\nSubtask results:\n", parent.Description)
	var incomplete []string
	for _, t := range ordered {
		res, ok := results[t.ID]
		if !ok {
			continue
		}
		if !res.Success {
			incomplete = append(incomplete, t.ID)
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", t.ID, res.Output)
	}
	if len(incomplete) > 0 {
		fmt.Fprintf(&b, "Subtasks without a usable result: %s\n\n", strings.Join(incomplete, ", "))
	}
	b.WriteString("Write the final answer for the user. Merge the results and resolve overlaps.")

	answer, err := p.generate(ctx, b.String(), false)
	if err != nil || strings.TrimSpace(answer) == "" {
		slog.Warn("compose failed, concatenating results", "task", parent.ID, "error", err)
		return p.concatenate(ordered, results)
	}
	return answer
}

func (p *Planner) passthrough(parent *Task) []*Task {
	return []*Task{{
		ID:             parent.ID + "_subtask_0",
		Description:    parent.Description,
		ExpectedOutput: parent.ExpectedOutput,
		State:          StatePending,
	}}
}

func (p *Planner) concatenate(ordered []*Task, results map[string]*TaskResult) string {
	var parts []string
	for _, t := range ordered {
		if res, ok := results[t.ID]; ok && res.Success {
			parts = append(parts, res.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}

// generate runs one planner model call through the hook pipeline. When
// stream is set, partial output is published as decompose_text events.
func (p *Planner) generate(ctx context.Context, prompt string, stream bool) (string, error) {
	messages := []*schema.Message{
		schema.SystemMessage("You are the planner of a multi-agent workforce."),
		schema.UserMessage(prompt),
	}
	call := &hooks.ModelCall{
		ProjectID: events.ProjectFrom(ctx),
		AgentID:   plannerAgentID,
		AgentName: "Planner",
		Model:     p.modelName,
		Messages:  messages,
	}

	resp, err := p.hooks.InvokeModel(ctx, call, func(ctx context.Context) (*schema.Message, error) {
		if stream {
			if msg, err := p.streamGenerate(ctx, messages); err == nil {
				return msg, nil
			}
		}
		return p.chatModel.Generate(ctx, messages)
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (p *Planner) streamGenerate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	reader, err := p.chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Content != "" {
			p.bus.Publish(events.FromContext(ctx, events.ActionDecomposeText, map[string]any{
				"content": chunk.Content,
			}))
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("empty stream")
	}
	return schema.ConcatMessages(chunks)
}

func (p *Planner) decomposePrompt(parent *Task, workers []*Worker, supplement string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Split the following task into subtasks the team below can execute in parallel where possible.\n\nTask: %s\n", parent.Description)
	if supplement != "" {
		fmt.Fprintf(&b, "\nAdditional information from the user: %s\n", supplement)
	}
	b.WriteString("\nTeam:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s (%s): %s\n", w.ID, w.Role, w.Description)
	}
	b.WriteString("\nAnswer with one <task> element per subtask inside a <tasks> wrapper. No other text.")
	return b.String()
}

func (p *Planner) structuredPrompt(parent *Task, workers []*Worker, supplement string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the following task as JSON subtasks for the team below.\n\nTask: %s\n", parent.Description)
	if supplement != "" {
		fmt.Fprintf(&b, "\nAdditional information from the user: %s\n", supplement)
	}
	b.WriteString("\nTeam:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s (%s): %s\n", w.ID, w.Role, w.Description)
	}
	b.WriteString(`
Answer with JSON only, shaped as:
{"reasoning": "...", "tasks": [{"content": "...", "expected_output": "...", "priority": 1, "depends_on": [0]}]}
depends_on lists indices of prerequisite subtasks in this same array;
priority ranks subtasks, 1 is most urgent.`)
	return b.String()
}

// extractJSON returns the first balanced {...} block, tolerating prose or
// code fences around it.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return raw
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1]
				}
			}
		}
	}
	return raw[start:]
}

func cloneTasks(in []*Task) []*Task {
	out := make([]*Task, 0, len(in))
	for _, t := range in {
		c := *t
		c.Dependencies = append([]string{}, t.Dependencies...)
		out = append(out, &c)
	}
	return out
}
