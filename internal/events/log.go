package events

import "sync"

// Filter narrows a log query. Zero fields match everything.
type Filter struct {
	ProjectID string
	TaskID    string
	AgentID   string
	Action    Action
	// Limit keeps the most recent N matches. Zero means no limit.
	Limit int
}

// Log is the append-only in-memory event history.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// History returns matching events in append order.
func (l *Log) History(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if f.ProjectID != "" && e.ProjectID != f.ProjectID {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Since returns events appended at or after position pos, plus the next
// position to resume from.
func (l *Log) Since(pos int) ([]Event, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos < 0 {
		pos = 0
	}
	if pos >= len(l.events) {
		return nil, len(l.events)
	}
	out := make([]Event, len(l.events)-pos)
	copy(out, l.events[pos:])
	return out, len(l.events)
}
