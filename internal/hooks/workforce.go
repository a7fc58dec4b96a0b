package hooks

import (
	"context"

	"crew/internal/events"
)

// RegisterWorkforceHooks installs the well-known hooks that project model and
// tool activity onto the event bus as agent/toolkit lifecycle events.
func RegisterWorkforceHooks(r *Registry, bus *events.Bus) {
	r.BeforeModel("workforce.activate_agent", func(ctx context.Context, call *ModelCall) bool {
		e := events.New(call.ProjectID, events.ActionActivateAgent, map[string]any{
			"agent_id":        call.AgentID,
			"agent_name":      call.AgentName,
			"process_task_id": call.TaskID,
			"state":           "running",
			"model":           call.Model,
			"message":         "",
		})
		bus.Publish(e.WithTask(call.TaskID).WithAgent(call.AgentID))
		return true
	})

	r.AfterModel("workforce.deactivate_agent", func(ctx context.Context, call *ModelCall) {
		data := map[string]any{
			"agent_id":        call.AgentID,
			"agent_name":      call.AgentName,
			"process_task_id": call.TaskID,
			"state":           "completed",
			"tokens":          call.PromptTokens + call.CompletionTokens,
			"message":         "",
		}
		switch {
		case call.Err != nil:
			data["state"] = "failed"
			data["message"] = call.Err.Error()
		case call.Response != nil:
			data["message"] = truncate(call.Response.Content, 2000)
		}
		e := events.New(call.ProjectID, events.ActionDeactivateAgent, data)
		bus.Publish(e.WithTask(call.TaskID).WithAgent(call.AgentID))
	})

	r.BeforeTool("workforce.activate_toolkit", func(ctx context.Context, call *ToolCall) bool {
		e := events.New(call.ProjectID, events.ActionActivateToolkit, map[string]any{
			"agent_id":        call.AgentID,
			"process_task_id": call.TaskID,
			"toolkit_name":    call.Toolkit,
			"method_name":     call.Tool,
			"message":         call.Arguments,
		})
		bus.Publish(e.WithTask(call.TaskID).WithAgent(call.AgentID))
		return true
	})

	r.AfterTool("workforce.deactivate_toolkit", func(ctx context.Context, call *ToolCall) {
		data := map[string]any{
			"agent_id":        call.AgentID,
			"process_task_id": call.TaskID,
			"toolkit_name":    call.Toolkit,
			"method_name":     call.Tool,
		}
		if call.Err != nil {
			data["message"] = call.Err.Error()
		} else {
			data["message"] = truncate(call.Result, 2000)
		}
		e := events.New(call.ProjectID, events.ActionDeactivateToolkit, data)
		bus.Publish(e.WithTask(call.TaskID).WithAgent(call.AgentID))
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
