package events

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what happened. The workforce-facing actions line up with
// the wire protocol steps clients render.
type Action string

const (
	// Planner / coordinator lifecycle.
	ActionDecomposeText Action = "decompose_text"
	ActionToSubTasks    Action = "to_sub_tasks"
	ActionAssignTask    Action = "assign_task"

	// Task lifecycle. TaskProgress records non-terminal transitions for the
	// journal and has no wire projection; clients only see terminal
	// task_state frames.
	ActionTaskState    Action = "task_state"
	ActionTaskProgress Action = "task_progress"
	ActionNewTaskState Action = "new_task_state"
	ActionAddTask      Action = "add_task"
	ActionRemoveTask   Action = "remove_task"

	// Agent lifecycle.
	ActionCreateAgent        Action = "create_agent"
	ActionActivateAgent      Action = "activate_agent"
	ActionDeactivateAgent    Action = "deactivate_agent"
	ActionActivateToolkit    Action = "activate_toolkit"
	ActionDeactivateToolkit  Action = "deactivate_toolkit"

	// Toolkit output.
	ActionWriteFile Action = "write_file"
	ActionTerminal  Action = "terminal"

	// Dialogue and degradation.
	ActionNotice          Action = "notice"
	ActionAsk             Action = "ask"
	ActionBudgetNotEnough Action = "budget_not_enough"
	ActionContextTooLong  Action = "context_too_long"

	// Session end.
	ActionEnd   Action = "end"
	ActionError Action = "error"
)

// Event is one immutable record on the bus and in the log.
type Event struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id,omitempty"`
	Action    Action         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(projectID string, action Action, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Action:    action,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// WithTask returns a copy tagged with a task id.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithAgent returns a copy tagged with an agent id.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}
