package tasklock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	l := New("p1", 10, 1000)

	steps := []Status{StatusConfirmed, StatusProcessing, StatusPaused, StatusProcessing, StatusDone}
	for _, s := range steps {
		if err := l.SetStatus(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !l.Terminal() {
		t.Error("DONE should be terminal")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	l := New("p1", 10, 1000)
	if err := l.SetStatus(StatusProcessing); err == nil {
		t.Fatal("CONFIRMING -> PROCESSING must be rejected")
	}
	if err := l.SetStatus(StatusDone); err == nil {
		t.Fatal("CONFIRMING -> DONE must be rejected")
	}
	// Same-state set is a no-op, not an error.
	if err := l.SetStatus(StatusConfirming); err != nil {
		t.Fatalf("same-state set: %v", err)
	}
}

func TestActionQueueFIFOAndBound(t *testing.T) {
	l := New("p1", 2, 1000)

	if err := l.PutAction(Action{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := l.PutAction(Action{Name: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := l.PutAction(Action{Name: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	ctx := context.Background()
	first, _ := l.NextAction(ctx)
	second, _ := l.NextAction(ctx)
	if first.Name != "a" || second.Name != "b" {
		t.Errorf("order = %s, %s", first.Name, second.Name)
	}
}

func TestConversationHistoryEvictsOldest(t *testing.T) {
	l := New("p1", 10, 100)

	l.AppendMessage("user", strings.Repeat("a", 60))
	l.AppendMessage("assistant", strings.Repeat("b", 60))

	got := l.History()
	if len(got) != 1 {
		t.Fatalf("history length = %d, want 1 after eviction", len(got))
	}
	if !strings.HasPrefix(got[0].Content, "b") {
		t.Error("oldest entry should have been evicted")
	}

	// Even a single oversized entry is evicted: the total never exceeds
	// the cap after an append.
	l2 := New("p2", 10, 10)
	l2.AppendMessage("user", strings.Repeat("x", 50))
	if got := l2.History(); len(got) != 0 {
		t.Errorf("oversized entry retained: %v", got)
	}
}

func TestConversationHistoryStaysUnderCap(t *testing.T) {
	l := New("p1", 10, 100)

	sizes := []int{40, 40, 150, 30, 90, 10}
	for i, n := range sizes {
		l.AppendMessage("user", strings.Repeat("m", n))

		total := 0
		for _, m := range l.History() {
			total += len(m.Content)
		}
		if total > 100 {
			t.Fatalf("after append %d: total = %d chars, cap is 100", i, total)
		}
	}
}

func TestAskHumanAndReply(t *testing.T) {
	l := New("p1", 10, 1000)

	ch, err := l.AskHuman("worker_1", "which branch?")
	if err != nil {
		t.Fatalf("AskHuman: %v", err)
	}

	a, err := l.NextAction(context.Background())
	if err != nil || a.Name != ActionAsk {
		t.Fatalf("action = %+v, %v", a, err)
	}

	if err := l.Reply("worker_1", "main"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	select {
	case answer := <-ch:
		if answer != "main" {
			t.Errorf("answer = %q", answer)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}

	if err := l.Reply("ghost", "x"); err == nil {
		t.Fatal("reply to unknown agent must fail")
	}
}

func TestCleanupIsIdempotentAndCancelsBackground(t *testing.T) {
	l := New("p1", 10, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	l.RegisterBackground("orchestrate", cancel)

	l.Cleanup()
	l.Cleanup()
	l.Cleanup()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("background context not cancelled")
	}

	if err := l.PutAction(Action{Name: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("put after cleanup: %v", err)
	}

	// Registering after cleanup cancels immediately.
	ctx2, cancel2 := context.WithCancel(context.Background())
	l.RegisterBackground("late", cancel2)
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("late registration not cancelled")
	}
}

func TestNextActionDrainsQueueAfterCleanup(t *testing.T) {
	l := New("p1", 10, 1000)
	l.PutAction(Action{Name: "pending"})
	l.Cleanup()

	a, err := l.NextAction(context.Background())
	if err != nil || a.Name != "pending" {
		t.Fatalf("drain after cleanup: %+v, %v", a, err)
	}
	if _, err := l.NextAction(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("empty closed queue: %v", err)
	}
}

func TestRegistryGetOrCreateAndSweep(t *testing.T) {
	r := NewRegistry(10, 1000)

	l, created := r.GetOrCreate("p1")
	if !created {
		t.Fatal("first GetOrCreate should create")
	}
	if _, created := r.GetOrCreate("p1"); created {
		t.Fatal("second GetOrCreate should reuse")
	}

	// Non-terminal locks are never swept.
	if ids := r.Sweep(0); len(ids) != 0 {
		t.Fatalf("swept active project: %v", ids)
	}

	l.SetStatus(StatusConfirmed)
	l.SetStatus(StatusProcessing)
	l.SetStatus(StatusDone)
	time.Sleep(10 * time.Millisecond)

	ids := r.Sweep(time.Millisecond)
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("sweep = %v", ids)
	}
	if r.Len() != 0 {
		t.Error("registry should be empty")
	}
	select {
	case <-l.Done():
	default:
		t.Error("swept lock not cleaned up")
	}
}

func TestControlQueue(t *testing.T) {
	l := New("p1", 10, 1000)

	if _, ok := l.TryControl(); ok {
		t.Fatal("empty control queue")
	}
	l.PutControl(Action{Name: ControlStop})
	a, ok := l.TryControl()
	if !ok || a.Name != ControlStop {
		t.Fatalf("control = %+v, %v", a, ok)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.PutControl(Action{Name: ControlStart})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := l.AwaitControl(ctx)
	if err != nil || a.Name != ControlStart {
		t.Fatalf("await control = %+v, %v", a, err)
	}
}
