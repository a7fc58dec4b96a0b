package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishReachesSyncSubscriberInOrder(t *testing.T) {
	bus := NewBus(64, 16)
	defer bus.Close()

	var mu sync.Mutex
	var got []Action
	bus.Subscribe("test", func(e Event) {
		mu.Lock()
		got = append(got, e.Action)
		mu.Unlock()
	})

	bus.Publish(New("p1", ActionAssignTask, nil))
	bus.Publish(New("p1", ActionActivateAgent, nil))
	bus.Publish(New("p1", ActionTaskState, nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []Action{ActionAssignTask, ActionActivateAgent, ActionTaskState}
	for i, a := range want {
		if got[i] != a {
			t.Fatalf("event %d = %s, want %s", i, got[i], a)
		}
	}
}

func TestPublishAppendsToLogEvenWhenQueueFull(t *testing.T) {
	bus := NewBus(1, 1)
	defer bus.Close()

	// Block the dispatcher so the queue fills up.
	release := make(chan struct{})
	bus.Subscribe("blocker", func(e Event) {
		<-release
	})

	for i := 0; i < 10; i++ {
		bus.Publish(New("p1", ActionNotice, nil))
	}
	close(release)

	if n := bus.Log().Len(); n != 10 {
		t.Errorf("log length = %d, want 10 (drops affect delivery only)", n)
	}
}

func TestChannelSubscriberFiltersByProjectAndAction(t *testing.T) {
	bus := NewBus(64, 16)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan("p1", ActionTaskState)
	defer unsub()

	bus.Publish(New("p2", ActionTaskState, nil))
	bus.Publish(New("p1", ActionNotice, nil))
	bus.Publish(New("p1", ActionTaskState, map[string]any{"state": "DONE"}))

	select {
	case e := <-ch:
		if e.ProjectID != "p1" || e.Action != ActionTaskState {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncSubscriberPanicDoesNotKillDispatch(t *testing.T) {
	bus := NewBus(64, 16)
	defer bus.Close()

	bus.Subscribe("panics", func(e Event) {
		panic("boom")
	})

	done := make(chan struct{})
	bus.Subscribe("after", func(e Event) {
		close(done)
	})

	bus.Publish(New("p1", ActionNotice, nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber after the panicking one never ran")
	}
}

func TestAsyncSubscriberReceivesInPublishOrder(t *testing.T) {
	bus := NewBus(64, 16)
	defer bus.Close()

	var mu sync.Mutex
	var got []Action
	bus.SubscribeAsync("test", func(ctx context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Action)
		mu.Unlock()
		return nil
	})

	actions := []Action{ActionAssignTask, ActionActivateAgent, ActionDeactivateAgent, ActionTaskState}
	for _, a := range actions {
		bus.Publish(New("p1", a, nil))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(actions)
	})

	mu.Lock()
	defer mu.Unlock()
	for i, a := range actions {
		if got[i] != a {
			t.Fatalf("async event %d = %s, want %s", i, got[i], a)
		}
	}
}

func TestPublishAsyncRespectsContext(t *testing.T) {
	bus := NewBus(1, 1)
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)
	bus.Subscribe("blocker", func(e Event) {
		<-release
	})

	// Fill the dispatch queue.
	for i := 0; i < 5; i++ {
		bus.Publish(New("p1", ActionNotice, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.PublishAsync(ctx, New("p1", ActionNotice, nil))
	if err == nil {
		t.Skip("queue drained before timeout")
	}
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(64, 16)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan("")
	unsub()

	bus.Publish(New("p1", ActionNotice, nil))

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
