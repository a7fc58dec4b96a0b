package tasklock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Registry maps project ids to their locks.
type Registry struct {
	queueSize  int
	historyCap int

	mu    sync.Mutex
	locks map[string]*TaskLock
}

func NewRegistry(queueSize, historyCap int) *Registry {
	return &Registry{
		queueSize:  queueSize,
		historyCap: historyCap,
		locks:      map[string]*TaskLock{},
	}
}

// GetOrCreate returns the lock for a project, creating it on first use.
// The second result reports whether it was created by this call.
func (r *Registry) GetOrCreate(projectID string) (*TaskLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[projectID]; ok {
		return l, false
	}
	l := New(projectID, r.queueSize, r.historyCap)
	r.locks[projectID] = l
	return l, true
}

// Get returns the lock for a project if it exists.
func (r *Registry) Get(projectID string) (*TaskLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[projectID]
	return l, ok
}

// Remove cleans up and drops a project's lock. Removing a missing project
// is a no-op.
func (r *Registry) Remove(projectID string) {
	r.mu.Lock()
	l, ok := r.locks[projectID]
	delete(r.locks, projectID)
	r.mu.Unlock()
	if ok {
		l.Cleanup()
	}
}

// Len returns the number of live locks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Sweep removes terminal locks idle longer than ttl and returns their ids.
func (r *Registry) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var stale []*TaskLock
	for id, l := range r.locks {
		if l.Terminal() && l.LastActive().Before(cutoff) {
			stale = append(stale, l)
			delete(r.locks, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, l := range stale {
		l.Cleanup()
		ids = append(ids, l.ProjectID)
	}
	return ids
}

// StartJanitor sweeps on the given cron schedule. onReap, if set, runs for
// each reaped project id. Returns a stop func.
func (r *Registry) StartJanitor(schedule string, ttl time.Duration, onReap func(projectID string)) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, id := range r.Sweep(ttl) {
			slog.Info("janitor reaped project", "project_id", id)
			if onReap != nil {
				onReap(id)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { c.Stop() }, nil
}
