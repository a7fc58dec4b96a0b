package workforce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"crew/internal/config"
	"crew/internal/events"
	"crew/internal/hooks"
	"crew/internal/toolkit"
)

func newTestWorker(t *testing.T, m *fakeModel, withFiles bool) (*Worker, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64, 16)
	t.Cleanup(bus.Close)

	h := hooks.NewRegistry()
	reg := toolkit.NewRegistry(h)
	var names []string
	if withFiles {
		tk, err := toolkit.NewFilesToolkit(context.Background(), config.FilesConfig{Root: t.TempDir()}, bus)
		if err != nil {
			t.Fatal(err)
		}
		reg.Register(tk)
		names = []string{"files"}
	}

	w, err := NewWorker(context.Background(), "w1", "Developer", "writes code", []string{"coding"}, names, WorkerOptions{
		Model:         m,
		ModelName:     "fake",
		Tools:         reg.View(names),
		Hooks:         h,
		Bus:           bus,
		MaxIterations: 3,
		MemorySize:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w, bus
}

func TestProcessSimpleAnswer(t *testing.T) {
	w, _ := newTestWorker(t, newFakeModel(text("the answer")), false)

	res := w.Process(context.Background(), &Task{ID: "t1", Description: "q"}, "goal", nil)
	if !res.Success || res.Output != "the answer" {
		t.Fatalf("result = %+v", res)
	}
	if res.WorkerID != "w1" || res.Attempt != 1 {
		t.Errorf("result meta = %+v", res)
	}

	total, failed := w.Stats()
	if total != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", total, failed)
	}
}

func TestProcessToolLoop(t *testing.T) {
	m := newFakeModel(
		toolCall("write_file", `{"path":"a.txt","content":"hi"}`),
		text("wrote the file"),
	)
	w, _ := newTestWorker(t, m, true)

	res := w.Process(context.Background(), &Task{ID: "t1", Description: "write a file"}, "", nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if m.Calls() != 2 {
		t.Errorf("model calls = %d, want 2", m.Calls())
	}
}

func TestProcessModelFailureBecomesResult(t *testing.T) {
	w, _ := newTestWorker(t, newFakeModel(fail(errors.New("provider down"))), false)

	res := w.Process(context.Background(), &Task{ID: "t1", Description: "q"}, "", nil)
	if res.Success {
		t.Fatal("failure must not be reported as success")
	}
	if !strings.Contains(res.Error, "provider down") {
		t.Errorf("error = %q", res.Error)
	}

	total, failed := w.Stats()
	if total != 1 || failed != 1 {
		t.Errorf("stats = %d/%d", total, failed)
	}
}

func TestProcessIterationCap(t *testing.T) {
	// The model never stops asking for tools.
	m := newFakeModel(toolCall("write_file", `{"path":"a.txt","content":"x"}`))
	w, _ := newTestWorker(t, m, true)

	res := w.Process(context.Background(), &Task{ID: "t1", Description: "loop"}, "", nil)
	if res.Success {
		t.Fatal("iteration cap must fail the attempt")
	}
	if !strings.Contains(res.Error, "iterations") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestWorkflowMemoryCapAndInjection(t *testing.T) {
	w, _ := newTestWorker(t, newFakeModel(text("done")), false)

	for i := 0; i < 5; i++ {
		w.Process(context.Background(), &Task{ID: fmt.Sprintf("t%d", i), Description: "q"}, "", nil)
	}
	entries := w.Memory().Entries()
	if len(entries) != 2 {
		t.Fatalf("memory entries = %d, want cap 2", len(entries))
	}
	if entries[0].TaskID != "t3" || entries[1].TaskID != "t4" {
		t.Errorf("memory kept %v", entries)
	}
	if !strings.Contains(w.systemPrompt(), "t4") {
		t.Error("memory not injected into the system prompt")
	}
}

func TestDependencyResultsInPrompt(t *testing.T) {
	w, _ := newTestWorker(t, newFakeModel(text("done")), false)
	task := &Task{ID: "t2", Description: "continue", Dependencies: []string{"t1"}}
	prompt := w.taskPrompt(task, "goal", map[string]string{"t1": "previous output"})
	if !strings.Contains(prompt, "previous output") {
		t.Errorf("prompt = %q", prompt)
	}
}
