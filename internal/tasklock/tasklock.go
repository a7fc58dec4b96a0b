// Package tasklock holds the per-project state shared between the HTTP
// surface, the SSE adapter and the scheduler: status, queued actions,
// conversation history and human-input plumbing.
package tasklock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the project lifecycle state.
type Status string

const (
	StatusConfirming Status = "CONFIRMING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusPaused     Status = "PAUSED"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

var validTransitions = map[Status][]Status{
	StatusConfirming: {StatusConfirmed, StatusFailed},
	StatusConfirmed:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusPaused, StatusDone, StatusFailed},
	StatusPaused:     {StatusProcessing, StatusFailed},
}

var (
	// ErrQueueFull is returned when an action queue is at capacity.
	ErrQueueFull = errors.New("action queue full")
	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("task lock closed")
)

// Action is one queued instruction, client-bound or scheduler-bound.
type Action struct {
	Name      string
	Data      map[string]any
	Timestamp time.Time
}

// Client-bound action names, projected onto the wire by the SSE adapter.
const (
	ActionConfirmed   = "confirmed"
	ActionWaitConfirm = "wait_confirm"
	ActionAsk         = "ask"
	ActionAddTask     = "add_task"
	ActionRemoveTask  = "remove_task"
)

// Scheduler-bound control names, consumed by the workforce loop.
const (
	ControlStart      = "start"
	ControlStop       = "stop"
	ControlSupplement = "supplement"
	ControlUpdateTask = "update_task"
	ControlNewAgent   = "new_agent"
	ControlSkipTask   = "skip_task"
	ControlPause      = "pause"
	ControlResume     = "resume"
	ControlReply      = "reply"
)

// Message is one conversation history entry.
type Message struct {
	Role    string
	Content string
}

// TaskLock is the state container for one project id.
type TaskLock struct {
	ProjectID string
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	lastActive time.Time

	actions  chan Action // server → client (SSE adapter)
	controls chan Action // client → scheduler

	history      []Message
	historyChars int
	historyCap   int

	humanInput map[string]chan string
	background map[string]context.CancelFunc

	summary string

	cleanup sync.Once
	done    chan struct{}
}

// New creates a lock in CONFIRMING with the given queue and history bounds.
func New(projectID string, queueSize, historyCap int) *TaskLock {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if historyCap <= 0 {
		historyCap = 10000
	}
	return &TaskLock{
		ProjectID:  projectID,
		CreatedAt:  time.Now(),
		status:     StatusConfirming,
		lastActive: time.Now(),
		actions:    make(chan Action, queueSize),
		controls:   make(chan Action, queueSize),
		historyCap: historyCap,
		humanInput: map[string]chan string{},
		background: map[string]context.CancelFunc{},
		done:       make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (l *TaskLock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// SetStatus applies a state transition, rejecting invalid ones.
func (l *TaskLock) SetStatus(next Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == next {
		return nil
	}
	for _, allowed := range validTransitions[l.status] {
		if allowed == next {
			l.status = next
			l.lastActive = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", l.status, next)
}

// Terminal reports whether the project reached DONE or FAILED.
func (l *TaskLock) Terminal() bool {
	s := l.Status()
	return s == StatusDone || s == StatusFailed
}

// LastActive returns the time of the last status change or touch.
func (l *TaskLock) LastActive() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActive
}

// Touch refreshes the activity timestamp.
func (l *TaskLock) Touch() {
	l.mu.Lock()
	l.lastActive = time.Now()
	l.mu.Unlock()
}

// PutAction queues a client-bound action. Full queue is an error, never a
// block: the producer is the scheduler and must not stall.
func (l *TaskLock) PutAction(a Action) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.actions <- a:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, a.Name)
	}
}

// NextAction blocks for the next client-bound action.
func (l *TaskLock) NextAction(ctx context.Context) (Action, error) {
	select {
	case a := <-l.actions:
		return a, nil
	case <-ctx.Done():
		return Action{}, ctx.Err()
	case <-l.done:
		// Drain what was queued before close.
		select {
		case a := <-l.actions:
			return a, nil
		default:
			return Action{}, ErrClosed
		}
	}
}

// PutControl queues a scheduler-bound control action.
func (l *TaskLock) PutControl(a Action) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.controls <- a:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, a.Name)
	}
}

// TryControl pops a control action without blocking.
func (l *TaskLock) TryControl() (Action, bool) {
	select {
	case a := <-l.controls:
		return a, true
	default:
		return Action{}, false
	}
}

// AwaitControl blocks for the next control action.
func (l *TaskLock) AwaitControl(ctx context.Context) (Action, error) {
	select {
	case a := <-l.controls:
		return a, nil
	case <-ctx.Done():
		return Action{}, ctx.Err()
	case <-l.done:
		return Action{}, ErrClosed
	}
}

// AppendMessage records a conversation entry, evicting oldest entries while
// the total character count exceeds the cap. A single entry larger than the
// cap is evicted too: the total never exceeds the cap after an append.
func (l *TaskLock) AppendMessage(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, Message{Role: role, Content: content})
	l.historyChars += len(content)

	for l.historyChars > l.historyCap && len(l.history) > 0 {
		l.historyChars -= len(l.history[0].Content)
		l.history = l.history[1:]
	}
}

// History returns a copy of the conversation history.
func (l *TaskLock) History() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message{}, l.history...)
}

// SetSummary stores the final composed answer for the project.
func (l *TaskLock) SetSummary(s string) {
	l.mu.Lock()
	l.summary = s
	l.mu.Unlock()
}

func (l *TaskLock) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}

// AskHuman enqueues an ask action and returns the channel the reply will
// arrive on. One pending question per agent.
func (l *TaskLock) AskHuman(agentID, question string) (<-chan string, error) {
	l.mu.Lock()
	ch, ok := l.humanInput[agentID]
	if !ok {
		ch = make(chan string, 1)
		l.humanInput[agentID] = ch
	}
	l.mu.Unlock()

	err := l.PutAction(Action{
		Name: ActionAsk,
		Data: map[string]any{"agent": agentID, "question": question},
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Reply delivers a human answer to the waiting agent.
func (l *TaskLock) Reply(agentID, answer string) error {
	l.mu.Lock()
	ch, ok := l.humanInput[agentID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending question for agent %q", agentID)
	}
	select {
	case ch <- answer:
		return nil
	default:
		return fmt.Errorf("agent %q already has an undelivered answer", agentID)
	}
}

// RegisterBackground tracks a cancel func for a background goroutine so
// Cleanup can stop it.
func (l *TaskLock) RegisterBackground(id string, cancel context.CancelFunc) {
	select {
	case <-l.done:
		// Already cleaned up: cancel immediately.
		cancel()
		return
	default:
	}
	l.mu.Lock()
	l.background[id] = cancel
	l.mu.Unlock()
}

// DoneBackground drops a finished background entry.
func (l *TaskLock) DoneBackground(id string) {
	l.mu.Lock()
	delete(l.background, id)
	l.mu.Unlock()
}

// Done is closed when the lock is cleaned up.
func (l *TaskLock) Done() <-chan struct{} {
	return l.done
}

// Cleanup cancels background work and closes the queues. Idempotent.
func (l *TaskLock) Cleanup() {
	l.cleanup.Do(func() {
		l.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(l.background))
		for _, cancel := range l.background {
			cancels = append(cancels, cancel)
		}
		l.background = map[string]context.CancelFunc{}
		l.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		close(l.done)
	})
}
