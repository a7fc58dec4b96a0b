package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"crew/internal/events"
	"crew/internal/tasklock"
)

// Flusher pushes buffered frames to the client. http.Flusher satisfies it;
// tests pass nil.
type Flusher interface {
	Flush()
}

// Adapter bridges one project's bus events and queued actions onto an SSE
// stream. Frames from both sources are interleaved; heartbeats keep idle
// connections alive.
type Adapter struct {
	bus       *events.Bus
	lock      *tasklock.TaskLock
	heartbeat time.Duration
}

func NewAdapter(bus *events.Bus, lock *tasklock.TaskLock, heartbeat time.Duration) *Adapter {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Adapter{bus: bus, lock: lock, heartbeat: heartbeat}
}

// Run streams frames until an end event, lock cleanup or context cancel.
// The background action reader is always stopped before Run returns.
func (a *Adapter) Run(ctx context.Context, w io.Writer, flush Flusher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventCh, unsub := a.bus.SubscribeChan(a.lock.ProjectID)
	defer unsub()

	actionCh := make(chan tasklock.Action)
	go func() {
		defer close(actionCh)
		for {
			action, err := a.lock.NextAction(ctx)
			if err != nil {
				return
			}
			select {
			case actionCh <- action:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-eventCh:
			if !ok {
				return nil
			}
			frame, mapped := ProjectEvent(e)
			if !mapped {
				continue
			}
			if err := send(w, flush, frame); err != nil {
				return err
			}
			if frame.Step == WireEnd {
				return nil
			}

		case action, ok := <-actionCh:
			if !ok {
				actionCh = nil
				continue
			}
			frame, mapped := ProjectAction(action)
			if !mapped {
				continue
			}
			if err := send(w, flush, frame); err != nil {
				return err
			}

		case <-ticker.C:
			if err := send(w, flush, Frame{Step: WireSync}); err != nil {
				return err
			}

		case <-a.lock.Done():
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func send(w io.Writer, flush Flusher, f Frame) error {
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("frame %s: %w", f.Step, err)
	}
	if flush != nil {
		flush.Flush()
	}
	return nil
}
