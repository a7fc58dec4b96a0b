// Package workforce implements the multi-agent orchestration core: a task
// graph decomposed by a planner, assigned by a coordinator, executed by a
// bounded worker pool and repaired by a recovery engine.
package workforce

import (
	"fmt"
	"sync"
	"time"
)

// TaskState is the lifecycle state of one subtask.
type TaskState string

const (
	StatePending   TaskState = "PENDING"
	StateReady     TaskState = "READY"
	StateInFlight  TaskState = "IN_FLIGHT"
	StateDone      TaskState = "DONE"
	StateFailed    TaskState = "FAILED"
	StateAbandoned TaskState = "ABANDONED"
)

func (s TaskState) terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// Task is one node in the subtask graph.
type Task struct {
	ID             string
	Description    string
	ExpectedOutput string
	Dependencies   []string
	Priority       int
	Context        map[string]any

	State        TaskState
	AssigneeID   string
	FailureCount int
	Result       *TaskResult
}

// TaskResult is the outcome of one worker attempt.
type TaskResult struct {
	TaskID   string
	WorkerID string
	Success  bool
	Output   string
	Error    string
	Attempt  int
	Duration time.Duration
}

// Graph is the acyclic subtask dependency graph.
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

func NewGraph() *Graph {
	return &Graph{tasks: map[string]*Task{}}
}

// Add inserts a task. Dependencies may reference tasks added later in the
// same batch; Validate checks the final shape.
func (g *Graph) Add(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(t)
}

func (g *Graph) addLocked(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task without id")
	}
	if _, dup := g.tasks[t.ID]; dup {
		return fmt.Errorf("duplicate task id %q", t.ID)
	}
	if t.State == "" {
		t.State = StatePending
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// AddBatch inserts tasks and validates the resulting graph, rolling back on
// dangling dependencies or cycles.
func (g *Graph) AddBatch(batch []*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	added := make([]string, 0, len(batch))
	rollback := func() {
		for _, id := range added {
			delete(g.tasks, id)
		}
		g.order = g.order[:len(g.order)-len(added)]
	}

	for _, t := range batch {
		if err := g.addLocked(t); err != nil {
			rollback()
			return err
		}
		added = append(added, t.ID)
	}
	if err := g.validateLocked(); err != nil {
		rollback()
		return err
	}
	return nil
}

// Get returns a task by id.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Remove deletes a task and strips it from dependency lists.
func (g *Graph) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[id]; !ok {
		return false
	}
	delete(g.tasks, id)
	for i, cur := range g.order {
		if cur == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for _, t := range g.tasks {
		t.Dependencies = without(t.Dependencies, id)
	}
	return true
}

// Tasks returns tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// PromoteReady moves PENDING tasks whose dependencies are all terminal into
// READY and returns them in insertion order.
func (g *Graph) PromoteReady() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != StatePending {
			continue
		}
		if g.depsSatisfiedLocked(t) {
			t.State = StateReady
			out = append(out, t)
		}
	}
	return out
}

func (g *Graph) depsSatisfiedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok {
			// Removed dependency counts as satisfied.
			continue
		}
		if !d.State.terminal() {
			return false
		}
	}
	return true
}

// Ready returns tasks currently in READY, in insertion order.
func (g *Graph) Ready() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, id := range g.order {
		if t := g.tasks[id]; t.State == StateReady {
			out = append(out, t)
		}
	}
	return out
}

// Terminal reports whether every task reached DONE or ABANDONED.
func (g *Graph) Terminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		if !t.State.terminal() {
			return false
		}
	}
	return true
}

// InFlight counts tasks currently executing.
func (g *Graph) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		if t.State == StateInFlight {
			n++
		}
	}
	return n
}

// Stuck returns non-terminal task ids when nothing is ready, in flight or
// pending-with-satisfiable-deps: the graph cannot make progress.
func (g *Graph) Stuck() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stuck []string
	for _, id := range g.order {
		t := g.tasks[id]
		switch t.State {
		case StateReady, StateInFlight:
			return nil
		case StatePending:
			if g.depsSatisfiedLocked(t) {
				return nil
			}
			stuck = append(stuck, id)
		case StateFailed:
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// RewireDependents redirects every dependency on oldID to the replacement
// ids.
func (g *Graph) RewireDependents(oldID string, replacements ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tasks {
		if t.ID == oldID {
			continue
		}
		found := false
		for _, dep := range t.Dependencies {
			if dep == oldID {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		deps := without(t.Dependencies, oldID)
		for _, r := range replacements {
			if r != t.ID && !contains(deps, r) {
				deps = append(deps, r)
			}
		}
		t.Dependencies = deps
	}
}

// Validate checks for dangling dependencies and cycles.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for _, t := range g.tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.ID)
			}
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle through task %q", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range g.tasks[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.tasks {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func without(list []string, drop string) []string {
	out := list[:0]
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, cur := range list {
		if cur == v {
			return true
		}
	}
	return false
}
