package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crew/internal/tasklock"
)

func projectParam(r *http.Request) string {
	return chi.URLParam(r, "project_id")
}

// handleUpdateTask replaces the pending subtask list before or during a run.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	var body struct {
		Task []struct {
			ID           string   `json:"id"`
			Content      string   `json:"content"`
			Status       string   `json:"status"`
			Dependencies []string `json:"dependencies"`
		} `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Task) == 0 {
		writeError(w, http.StatusBadRequest, "task list is required")
		return
	}

	tasks := make([]map[string]any, 0, len(body.Task))
	for _, t := range body.Task {
		item := map[string]any{"id": t.ID, "content": t.Content}
		if len(t.Dependencies) > 0 {
			item["dependencies"] = t.Dependencies
		}
		tasks = append(tasks, item)
	}

	if err := lock.PutControl(tasklock.Action{
		Name: tasklock.ControlUpdateTask,
		Data: map[string]any{"tasks": tasks},
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "project_id": projectID})
}

// handleStart confirms the plan and starts execution.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	if err := lock.PutControl(tasklock.Action{Name: tasklock.ControlStart}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "project_id": projectID})
}

// handleTaskState reports the project status, its subtasks and per-worker
// attempt counts.
func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	resp := map[string]any{
		"project_id": projectID,
		"status":     string(lock.Status()),
		"summary":    lock.Summary(),
	}

	if wf, ok := s.run(projectID); ok {
		session := wf.Session()

		var tasks []map[string]any
		for _, t := range session.Graph().Tasks() {
			tasks = append(tasks, map[string]any{
				"id":            t.ID,
				"content":       t.Description,
				"state":         string(t.State),
				"assignee_id":   t.AssigneeID,
				"dependencies":  t.Dependencies,
				"failure_count": t.FailureCount,
			})
		}
		resp["tasks"] = tasks

		var workers []map[string]any
		for _, worker := range session.Workers() {
			total, failed := worker.Stats()
			workers = append(workers, map[string]any{
				"id":     worker.ID,
				"role":   worker.Role,
				"total":  total,
				"failed": failed,
			})
		}
		resp["workers"] = workers
	}

	writeJSON(w, http.StatusOK, resp)
}
