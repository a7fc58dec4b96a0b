// Package gateway exposes the workforce over HTTP: an SSE chat surface,
// task controls, a websocket mirror and a few read-only views.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crew/internal/events"
	"crew/internal/runtime"
	"crew/internal/workforce"
)

// Server is the crew gateway HTTP server.
type Server struct {
	rt         *runtime.Runtime
	httpServer *http.Server

	mu   sync.Mutex
	runs map[string]*workforce.Workforce
}

// NewServer builds the router and binds the handlers.
func NewServer(rt *runtime.Runtime) *Server {
	s := &Server{
		rt:   rt,
		runs: map[string]*workforce.Workforce{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/chat", s.handleChat)
	r.Post("/chat/{project_id}", s.handleFollowUp)
	r.Delete("/chat/{project_id}/skip-task", s.handleSkipTask)

	r.Put("/task/{project_id}", s.handleUpdateTask)
	r.Post("/task/{project_id}/start", s.handleStart)
	r.Get("/task/{project_id}", s.handleTaskState)

	r.Get("/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/ws/{project_id}", s.handleWS)

	registerStubs(r)

	s.httpServer = &http.Server{
		Addr:    rt.Config.Gateway.Addr(),
		Handler: r,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("crew gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) trackRun(projectID string, wf *workforce.Workforce) {
	s.mu.Lock()
	s.runs[projectID] = wf
	s.mu.Unlock()
}

func (s *Server) run(projectID string) (*workforce.Workforce, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.runs[projectID]
	return wf, ok
}

func (s *Server) dropRun(projectID string) {
	s.mu.Lock()
	delete(s.runs, projectID)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "crew"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	filter := events.Filter{
		ProjectID: r.URL.Query().Get("project_id"),
		TaskID:    r.URL.Query().Get("task_id"),
		AgentID:   r.URL.Query().Get("agent_id"),
		Action:    events.Action(r.URL.Query().Get("action")),
		Limit:     limit,
	}
	writeJSON(w, http.StatusOK, s.rt.Bus.Log().History(filter))
}

// registerStubs provides success-shaped answers for adjacent frontend
// endpoints that are out of scope here.
func registerStubs(r chi.Router) {
	empty := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}
	ok := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	r.Get("/api/providers", empty)
	r.Get("/api/users", empty)
	r.Get("/api/mcp/installed", empty)
	r.Post("/api/login", ok)
	r.Post("/api/config", ok)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
