package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// SyncHandler runs inline on the dispatch goroutine, in registration order.
type SyncHandler func(Event)

// AsyncHandler runs on its own goroutine, fed events in publish order.
type AsyncHandler func(context.Context, Event) error

// Bus fans events out to subscribers and records them in the log.
//
// Delivery guarantees: events from a single publisher reach every subscriber
// in publish order. Sync subscribers run inline before the next event is
// dispatched; async and channel subscribers each consume a private bounded
// queue, so a slow subscriber drops events rather than stalling the bus.
type Bus struct {
	log *Log

	mu       sync.RWMutex
	syncSubs []*syncSub
	chanSubs []*chanSub
	closed   bool

	queue chan Event
	done  chan struct{}

	subBuffer int
}

type syncSub struct {
	name    string
	handler SyncHandler
}

type chanSub struct {
	ch      chan Event
	actions map[Action]bool
	project string
	async   *asyncRunner
}

type asyncRunner struct {
	handler AsyncHandler
	done    chan struct{}
}

// NewBus creates a bus with a dispatch queue of queueSize and per-subscriber
// buffers of subBuffer.
func NewBus(queueSize, subBuffer int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if subBuffer <= 0 {
		subBuffer = 256
	}
	b := &Bus{
		log:       NewLog(),
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		subBuffer: subBuffer,
	}
	go b.dispatch()
	return b
}

// Log exposes the append-only event log backing this bus.
func (b *Bus) Log() *Log { return b.log }

// Publish appends to the log and enqueues for delivery. When the dispatch
// queue is full the event is still logged but delivery is dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	b.log.Append(e)

	select {
	case b.queue <- e:
	default:
		slog.Warn("event bus queue full, dropping delivery",
			"action", e.Action, "project_id", e.ProjectID)
	}
}

// PublishAsync appends to the log and blocks until the event is accepted for
// delivery or the context is done.
func (b *Bus) PublishAsync(ctx context.Context, e Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	b.log.Append(e)

	select {
	case b.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// Subscribe registers a sync handler. It runs inline on the dispatch
// goroutine; panics are recovered and logged. Returns an unsubscribe func.
func (b *Bus) Subscribe(name string, handler SyncHandler) func() {
	s := &syncSub{name: name, handler: handler}
	b.mu.Lock()
	b.syncSubs = append(b.syncSubs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.syncSubs {
			if cur == s {
				b.syncSubs = append(b.syncSubs[:i], b.syncSubs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAsync registers a handler that runs on its own goroutine, in
// publish order. Errors are logged and swallowed.
func (b *Bus) SubscribeAsync(name string, handler AsyncHandler) func() {
	runner := &asyncRunner{handler: handler, done: make(chan struct{})}
	s := &chanSub{
		ch:    make(chan Event, b.subBuffer),
		async: runner,
	}

	go func() {
		defer close(runner.done)
		for e := range s.ch {
			if err := runner.handler(context.Background(), e); err != nil {
				slog.Warn("async subscriber failed",
					"subscriber", name, "action", e.Action, "error", err)
			}
		}
	}()

	b.mu.Lock()
	b.chanSubs = append(b.chanSubs, s)
	b.mu.Unlock()

	return func() { b.removeChanSub(s) }
}

// SubscribeChan returns a bounded channel receiving events matching the
// project (empty matches all) and the action set (empty matches all).
func (b *Bus) SubscribeChan(projectID string, actions ...Action) (<-chan Event, func()) {
	s := &chanSub{
		ch:      make(chan Event, b.subBuffer),
		project: projectID,
	}
	if len(actions) > 0 {
		s.actions = make(map[Action]bool, len(actions))
		for _, a := range actions {
			s.actions[a] = true
		}
	}

	b.mu.Lock()
	b.chanSubs = append(b.chanSubs, s)
	b.mu.Unlock()

	return s.ch, func() { b.removeChanSub(s) }
}

func (b *Bus) removeChanSub(s *chanSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.chanSubs {
		if cur == s {
			b.chanSubs = append(b.chanSubs[:i], b.chanSubs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close stops dispatch. Pending queued events are delivered first.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.chanSubs {
		close(s.ch)
	}
	b.chanSubs = nil
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		syncs := make([]*syncSub, len(b.syncSubs))
		copy(syncs, b.syncSubs)
		chans := make([]*chanSub, len(b.chanSubs))
		copy(chans, b.chanSubs)
		b.mu.RUnlock()

		for _, s := range syncs {
			b.invokeSync(s, e)
		}
		for _, s := range chans {
			if !s.matches(e) {
				continue
			}
			select {
			case s.ch <- e:
			default:
				slog.Warn("subscriber buffer full, dropping event",
					"action", e.Action, "project_id", e.ProjectID)
			}
		}
	}
}

func (b *Bus) invokeSync(s *syncSub, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync subscriber panicked",
				"subscriber", s.name, "action", e.Action, "panic", r)
		}
	}()
	s.handler(e)
}

func (s *chanSub) matches(e Event) bool {
	if s.project != "" && s.project != e.ProjectID {
		return false
	}
	if s.actions != nil && !s.actions[e.Action] {
		return false
	}
	return true
}
