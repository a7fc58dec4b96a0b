package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"crew/internal/config"
	"crew/internal/runtime"
	"crew/internal/stream"
	"crew/internal/tasklock"
)

// chatRequest is the POST /chat payload. Model and auth overrides beyond
// max_retries are accepted for compatibility and currently ignored: providers
// come from the server configuration.
type chatRequest struct {
	ProjectID    string             `json:"project_id"`
	TaskID       string             `json:"task_id"`
	Question     string             `json:"question"`
	MaxRetries   int                `json:"max_retries"`
	Attaches     []string           `json:"attaches"`
	InstalledMCP []string           `json:"installed_mcp"`
	NewAgents    []chatAgent        `json:"new_agents"`
	ExtraParams  map[string]any     `json:"extra_params"`
}

type chatAgent struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// handleChat starts a project and streams its wire events until end.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lock, created := s.rt.Locks.GetOrCreate(req.ProjectID)
	if !created {
		writeError(w, http.StatusConflict, "project %s already running", req.ProjectID)
		return
	}

	if len(req.InstalledMCP) > 0 {
		// Sessions outlive this request, so they are not tied to its context.
		s.rt.ConnectMCP(context.Background(), req.InstalledMCP)
	}

	if err := lock.PutAction(tasklock.Action{
		Name: tasklock.ActionConfirmed,
		Data: map[string]any{"question": req.Question, "project_id": req.ProjectID},
	}); err != nil {
		slog.Warn("confirmed action dropped", "project_id", req.ProjectID, "error", err)
	}

	wf, err := s.rt.BuildWorkforce(r.Context(), lock, runtime.ProjectRequest{
		ProjectID:  req.ProjectID,
		TaskID:     req.TaskID,
		Question:   req.Question,
		MaxRetries: req.MaxRetries,
		Attaches:   req.Attaches,
		NewAgents:  agentSpecs(req.NewAgents),
	})
	if err != nil {
		s.rt.Locks.Remove(req.ProjectID)
		writeError(w, http.StatusInternalServerError, "workforce: %v", err)
		return
	}
	s.trackRun(req.ProjectID, wf)

	// The run outlives the HTTP connection: a dropped client can reconnect
	// over the websocket mirror while work continues.
	runCtx, cancel := context.WithCancel(context.Background())
	lock.RegisterBackground("workforce", cancel)
	go func() {
		defer lock.DoneBackground("workforce")
		defer s.dropRun(req.ProjectID)
		if err := wf.Run(runCtx); err != nil {
			slog.Warn("workforce run ended with error", "project_id", req.ProjectID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	adapter := stream.NewAdapter(s.rt.Bus, lock, s.rt.Config.Workforce.Heartbeat.Duration())
	if err := adapter.Run(r.Context(), w, flusher); err != nil && r.Context().Err() == nil {
		slog.Warn("sse stream ended with error", "project_id", req.ProjectID, "error", err)
	}
}

// handleFollowUp queues a multi-turn supplement on a running project.
func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	var body struct {
		Question string `json:"question"`
		TaskID   string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	if err := lock.PutControl(tasklock.Action{
		Name: tasklock.ControlSupplement,
		Data: map[string]any{"content": body.Question, "task_id": body.TaskID},
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted", "project_id": projectID})
}

// handleSkipTask requests a soft stop of the project.
func (s *Server) handleSkipTask(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	if err := lock.PutControl(tasklock.Action{
		Name: tasklock.ControlStop,
		Data: map[string]any{"reason": "skip requested"},
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stopped", "project_id": projectID})
}

func agentSpecs(in []chatAgent) []config.AgentSpec {
	out := make([]config.AgentSpec, 0, len(in))
	for _, a := range in {
		if a.Name == "" {
			continue
		}
		out = append(out, config.AgentSpec{
			ID:          a.Name,
			Role:        a.Name,
			Description: a.Description,
			Toolkits:    a.Tools,
		})
	}
	return out
}
