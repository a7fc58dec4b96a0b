// Package stream projects bus events and queued task lock actions onto the
// SSE wire protocol clients render.
package stream

import (
	"crew/internal/events"
	"crew/internal/tasklock"
)

// WireEvent is one step value emitted to clients.
type WireEvent string

const (
	WireConfirmed         WireEvent = "confirmed"
	WireDecomposeText     WireEvent = "decompose_text"
	WireToSubTasks        WireEvent = "to_sub_tasks"
	WireEnd               WireEvent = "end"
	WireError             WireEvent = "error"
	WireCreateAgent       WireEvent = "create_agent"
	WireActivateAgent     WireEvent = "activate_agent"
	WireDeactivateAgent   WireEvent = "deactivate_agent"
	WireTaskState         WireEvent = "task_state"
	WireAssignTask        WireEvent = "assign_task"
	WireNewTaskState      WireEvent = "new_task_state"
	WireActivateToolkit   WireEvent = "activate_toolkit"
	WireDeactivateToolkit WireEvent = "deactivate_toolkit"
	WireWaitConfirm       WireEvent = "wait_confirm"
	WireAsk               WireEvent = "ask"
	WireNotice            WireEvent = "notice"
	WireWriteFile         WireEvent = "write_file"
	WireTerminal          WireEvent = "terminal"
	WireBudgetNotEnough   WireEvent = "budget_not_enough"
	WireContextTooLong    WireEvent = "context_too_long"
	WireAddTask           WireEvent = "add_task"
	WireRemoveTask        WireEvent = "remove_task"
	WireSync              WireEvent = "sync"
)

// fromWorkforce maps bus actions to their wire step. Actions without an
// entry stay internal and produce no frame.
var fromWorkforce = map[events.Action]WireEvent{
	events.ActionDecomposeText:     WireDecomposeText,
	events.ActionToSubTasks:        WireToSubTasks,
	events.ActionAssignTask:        WireAssignTask,
	events.ActionTaskState:         WireTaskState,
	events.ActionNewTaskState:      WireNewTaskState,
	events.ActionAddTask:           WireAddTask,
	events.ActionRemoveTask:        WireRemoveTask,
	events.ActionCreateAgent:       WireCreateAgent,
	events.ActionActivateAgent:     WireActivateAgent,
	events.ActionDeactivateAgent:   WireDeactivateAgent,
	events.ActionActivateToolkit:   WireActivateToolkit,
	events.ActionDeactivateToolkit: WireDeactivateToolkit,
	events.ActionWriteFile:         WireWriteFile,
	events.ActionTerminal:          WireTerminal,
	events.ActionNotice:            WireNotice,
	events.ActionAsk:               WireAsk,
	events.ActionBudgetNotEnough:   WireBudgetNotEnough,
	events.ActionContextTooLong:    WireContextTooLong,
	events.ActionEnd:               WireEnd,
	events.ActionError:             WireError,
}

// fromAction maps client-bound task lock actions to their wire step.
var fromAction = map[string]WireEvent{
	tasklock.ActionConfirmed:   WireConfirmed,
	tasklock.ActionWaitConfirm: WireWaitConfirm,
	tasklock.ActionAsk:         WireAsk,
	tasklock.ActionAddTask:     WireAddTask,
	tasklock.ActionRemoveTask:  WireRemoveTask,
}

// ProjectEvent maps one bus event to a frame. The second return is false for
// internal actions that have no wire equivalent.
func ProjectEvent(e events.Event) (Frame, bool) {
	step, ok := fromWorkforce[e.Action]
	if !ok {
		return Frame{}, false
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return Frame{Step: step, Data: data}, true
}

// ProjectAction maps one queued task lock action to a frame.
func ProjectAction(a tasklock.Action) (Frame, bool) {
	step, ok := fromAction[a.Name]
	if !ok {
		return Frame{}, false
	}
	data := a.Data
	if data == nil {
		data = map[string]any{}
	}
	return Frame{Step: step, Data: data}, true
}
