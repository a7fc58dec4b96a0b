package workforce

import (
	"fmt"
	"sync"
)

// Session is the shared collaboration context of one project run: the graph,
// the worker roster, assignments and collected results.
type Session struct {
	ProjectID string
	Root      *Task

	graph *Graph

	mu          sync.Mutex
	workers     []*Worker
	workersByID map[string]*Worker
	assignments map[string]string
	results     map[string]*TaskResult
	shared      map[string]any
}

func NewSession(projectID string, root *Task) *Session {
	return &Session{
		ProjectID:   projectID,
		Root:        root,
		graph:       NewGraph(),
		workersByID: map[string]*Worker{},
		assignments: map[string]string{},
		results:     map[string]*TaskResult{},
		shared:      map[string]any{},
	}
}

func (s *Session) Graph() *Graph { return s.graph }

// AddWorker registers a worker, rejecting duplicate ids.
func (s *Session) AddWorker(w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.workersByID[w.ID]; dup {
		return fmt.Errorf("duplicate worker id %q", w.ID)
	}
	s.workers = append(s.workers, w)
	s.workersByID[w.ID] = w
	return nil
}

func (s *Session) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Worker{}, s.workers...)
}

func (s *Session) Worker(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workersByID[id]
	return w, ok
}

// Assign records a task to worker mapping.
func (s *Session) Assign(taskID, workerID string) {
	s.mu.Lock()
	s.assignments[taskID] = workerID
	s.mu.Unlock()
}

func (s *Session) Assignment(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.assignments[taskID]
	return w, ok
}

func (s *Session) ClearAssignment(taskID string) {
	s.mu.Lock()
	delete(s.assignments, taskID)
	s.mu.Unlock()
}

// SetResult stores a task outcome.
func (s *Session) SetResult(res *TaskResult) {
	s.mu.Lock()
	s.results[res.TaskID] = res
	s.mu.Unlock()
}

func (s *Session) Result(taskID string) (*TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[taskID]
	return r, ok
}

func (s *Session) Results() map[string]*TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*TaskResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// DepResults collects successful outputs of a task's dependencies.
func (s *Session) DepResults(t *Task) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for _, dep := range t.Dependencies {
		if r, ok := s.results[dep]; ok && r.Success {
			out[dep] = r.Output
		}
	}
	return out
}

// SetShared stores a value in the cross-worker shared state.
func (s *Session) SetShared(key string, value any) {
	s.mu.Lock()
	s.shared[key] = value
	s.mu.Unlock()
}

func (s *Session) Shared(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.shared[key]
	return v, ok
}
