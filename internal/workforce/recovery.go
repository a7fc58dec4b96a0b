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

// Strategy names one recovery move for a failed or low-quality task.
type Strategy string

const (
	StrategyRetry        Strategy = "RETRY"
	StrategyReassign     Strategy = "REASSIGN"
	StrategyReplan       Strategy = "REPLAN"
	StrategyDecompose    Strategy = "DECOMPOSE"
	StrategyCreateWorker Strategy = "CREATE_WORKER"
)

// ErrorCategory buckets failure text for the static strategy table.
type ErrorCategory string

const (
	CategoryNetwork           ErrorCategory = "network_error"
	CategoryRateLimit         ErrorCategory = "rate_limit"
	CategoryTool              ErrorCategory = "tool_error"
	CategoryParse             ErrorCategory = "parse_error"
	CategoryCapabilityMissing ErrorCategory = "capability_missing"
	CategoryUnknown           ErrorCategory = "unknown"
)

// Classify buckets an error message into a category.
func Classify(errText string) ErrorCategory {
	s := strings.ToLower(errText)
	switch {
	case containsAny(s, "rate limit", "429", "too many requests", "quota"):
		return CategoryRateLimit
	case containsAny(s, "connection", "timeout", "timed out", "refused", "eof", "dial", "unavailable", "network"):
		return CategoryNetwork
	case containsAny(s, "tool error", "tool failed", "unknown tool", "toolkit"):
		return CategoryTool
	case containsAny(s, "parse", "unmarshal", "invalid json", "invalid xml", "unexpected token", "malformed"):
		return CategoryParse
	case containsAny(s, "capability", "not equipped", "no suitable worker", "cannot perform", "missing tool"):
		return CategoryCapabilityMissing
	default:
		return CategoryUnknown
	}
}

// staticStrategy is the fallback table used when no analysis is available.
var staticStrategy = map[ErrorCategory]Strategy{
	CategoryNetwork:           StrategyRetry,
	CategoryRateLimit:         StrategyRetry,
	CategoryTool:              StrategyReassign,
	CategoryParse:             StrategyReplan,
	CategoryCapabilityMissing: StrategyCreateWorker,
	CategoryUnknown:           StrategyReplan,
}

// Analysis is the model's judgement of a failed or weak result.
type Analysis struct {
	Reasoning       string   `json:"reasoning"`
	Strategy        Strategy `json:"strategy"`
	ModifiedContent string   `json:"modified_content"`
	QualityScore    int      `json:"quality_score"`
	Issues          []string `json:"issues"`
}

// WorkerFactory builds a new worker for the CREATE_WORKER strategy.
type WorkerFactory interface {
	CreateWorker(ctx context.Context, task *Task) (*Worker, error)
}

// Engine decides and applies recovery strategies.
type Engine struct {
	chatModel model.ToolCallingChatModel
	modelName string
	hooks     *hooks.Registry
	bus       *events.Bus
	planner   *Planner
	factory   WorkerFactory

	enabled          map[Strategy]bool
	maxRetries       int
	qualityThreshold int
}

// EngineOptions configures the recovery engine. An empty Strategies slice
// enables everything.
type EngineOptions struct {
	Model            model.ToolCallingChatModel
	ModelName        string
	Hooks            *hooks.Registry
	Bus              *events.Bus
	Planner          *Planner
	Factory          WorkerFactory
	Strategies       []string
	MaxRetries       int
	QualityThreshold int
}

func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		chatModel:        opts.Model,
		modelName:        opts.ModelName,
		hooks:            opts.Hooks,
		bus:              opts.Bus,
		planner:          opts.Planner,
		factory:          opts.Factory,
		maxRetries:       opts.MaxRetries,
		qualityThreshold: opts.QualityThreshold,
		enabled:          map[Strategy]bool{},
	}
	if e.maxRetries <= 0 {
		e.maxRetries = 3
	}
	all := []Strategy{StrategyRetry, StrategyReassign, StrategyReplan, StrategyDecompose, StrategyCreateWorker}
	if len(opts.Strategies) == 0 {
		for _, s := range all {
			e.enabled[s] = true
		}
	} else {
		for _, name := range opts.Strategies {
			e.enabled[Strategy(strings.ToUpper(name))] = true
		}
	}
	if e.factory == nil {
		e.enabled[StrategyCreateWorker] = false
	}
	return e
}

// QualityThreshold exposes the configured floor for successful results.
func (e *Engine) QualityThreshold() int { return e.qualityThreshold }

// Analyze asks the model what went wrong. Returns nil when the model or the
// parse fails; callers then rely on the static table.
func (e *Engine) Analyze(ctx context.Context, task *Task, result *TaskResult) *Analysis {
	var b strings.Builder
	fmt.Fprintf(&b, "A worker processed a task and the outcome needs review.\n\nTask: %s\n", task.Description)
	if result.Success {
		fmt.Fprintf(&b, "Output:\n%s\n", result.Output)
	} else {
		fmt.Fprintf(&b, "Failure: %s\n", result.Error)
	}
	fmt.Fprintf(&b, "This was attempt %d.\n", result.Attempt)
	b.WriteString(`
Answer with JSON only:
{"reasoning": "...", "strategy": "RETRY|REASSIGN|REPLAN|DECOMPOSE|CREATE_WORKER",
 "modified_content": "rewritten task text when strategy is REPLAN, else empty",
 "quality_score": 0-100, "issues": ["..."]}`)

	messages := []*schema.Message{
		schema.SystemMessage("You diagnose failed tasks in a multi-agent workforce."),
		schema.UserMessage(b.String()),
	}
	call := &hooks.ModelCall{
		ProjectID: events.ProjectFrom(ctx),
		AgentID:   coordinatorAgentID,
		AgentName: "Coordinator",
		TaskID:    task.ID,
		Model:     e.modelName,
		Messages:  messages,
	}
	resp, err := e.hooks.InvokeModel(ctx, call, func(ctx context.Context) (*schema.Message, error) {
		return e.chatModel.Generate(ctx, messages)
	})
	if err != nil {
		slog.Warn("recovery analysis failed", "task", task.ID, "error", err)
		return nil
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &analysis); err != nil {
		slog.Warn("recovery analysis unparseable", "task", task.ID, "error", err)
		return nil
	}
	return &analysis
}

// Decide picks the strategy for a failed task. Empty string means give up:
// retries are exhausted or nothing applicable is enabled.
func (e *Engine) Decide(task *Task, result *TaskResult, analysis *Analysis) Strategy {
	if task.FailureCount >= e.maxRetries {
		return ""
	}

	candidates := make([]Strategy, 0, 4)
	if analysis != nil && analysis.Strategy != "" {
		candidates = append(candidates, analysis.Strategy)
	}
	candidates = append(candidates, staticStrategy[Classify(result.Error)], StrategyReplan, StrategyRetry)

	for _, s := range candidates {
		if e.enabled[s] {
			return s
		}
	}
	return ""
}

// Apply mutates the session per the chosen strategy. The failed task is
// already out of IN_FLIGHT when this runs.
func (e *Engine) Apply(ctx context.Context, session *Session, task *Task, strategy Strategy, analysis *Analysis) error {
	switch strategy {
	case StrategyRetry:
		task.State = StatePending
		return nil

	case StrategyReassign:
		// The failing worker is out; without an alternative the strategy
		// cannot apply and the task fails over to abandonment.
		var alt *Worker
		for _, cand := range session.Workers() {
			if cand.ID != task.AssigneeID {
				alt = cand
				break
			}
		}
		if alt == nil {
			return fmt.Errorf("reassign %s: no worker other than %q", task.ID, task.AssigneeID)
		}
		session.Assign(task.ID, alt.ID)
		task.AssigneeID = alt.ID
		task.State = StatePending
		return nil

	case StrategyReplan:
		content := task.Description
		if analysis != nil && strings.TrimSpace(analysis.ModifiedContent) != "" {
			content = analysis.ModifiedContent
		}
		replacement := &Task{
			ID:             task.ID + "_replanned",
			Description:    content,
			ExpectedOutput: task.ExpectedOutput,
			Dependencies:   append([]string{}, task.Dependencies...),
			State:          StatePending,
		}
		if err := session.Graph().AddBatch([]*Task{replacement}); err != nil {
			return fmt.Errorf("replan %s: %w", task.ID, err)
		}
		session.Graph().RewireDependents(task.ID, replacement.ID)
		task.State = StateAbandoned
		e.publishNewTask(session, replacement)
		return nil

	case StrategyDecompose:
		pieces := e.planner.Decompose(ctx, task, session.Workers(), "")
		if len(pieces) == 0 {
			return fmt.Errorf("decompose %s: no subtasks", task.ID)
		}
		// Chain the pieces so partial order survives the split, and carry
		// the failed task's own dependencies into the first piece.
		for i, piece := range pieces {
			if i == 0 {
				piece.Dependencies = append([]string{}, task.Dependencies...)
			} else {
				piece.Dependencies = []string{pieces[i-1].ID}
			}
		}
		if err := session.Graph().AddBatch(pieces); err != nil {
			return fmt.Errorf("decompose %s: %w", task.ID, err)
		}
		session.Graph().RewireDependents(task.ID, pieces[len(pieces)-1].ID)
		task.State = StateAbandoned
		for _, piece := range pieces {
			e.publishNewTask(session, piece)
		}
		return nil

	case StrategyCreateWorker:
		worker, err := e.factory.CreateWorker(ctx, task)
		if err != nil {
			return fmt.Errorf("create worker for %s: %w", task.ID, err)
		}
		if err := session.AddWorker(worker); err != nil {
			return fmt.Errorf("create worker for %s: %w", task.ID, err)
		}
		e.bus.Publish(events.New(session.ProjectID, events.ActionCreateAgent, map[string]any{
			"agent_id":    worker.ID,
			"agent_name":  worker.Role,
			"description": worker.Description,
		}).WithAgent(worker.ID))
		session.Assign(task.ID, worker.ID)
		task.AssigneeID = worker.ID
		task.State = StatePending
		return nil

	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (e *Engine) publishNewTask(session *Session, t *Task) {
	e.bus.Publish(events.New(session.ProjectID, events.ActionNewTaskState, map[string]any{
		"task_id":      t.ID,
		"content":      t.Description,
		"state":        string(t.State),
		"dependencies": t.Dependencies,
	}).WithTask(t.ID))
}
