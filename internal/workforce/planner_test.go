package workforce

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crew/internal/events"
	"crew/internal/hooks"
)

func newPlannerTest(t *testing.T, m *fakeModel) (*Planner, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64, 16)
	t.Cleanup(bus.Close)
	return NewPlanner(m, "fake", hooks.NewRegistry(), bus), bus
}

func testWorkers() []*Worker {
	return []*Worker{
		{ID: "dev", Role: "Developer", Description: "writes code"},
		{ID: "doc", Role: "Writer", Description: "writes prose"},
	}
}

func TestDecomposeParsesSubtasks(t *testing.T) {
	m := newFakeModel(text("<tasks><task>one</task><task>two</task></tasks>"))
	p, _ := newPlannerTest(t, m)

	parent := &Task{ID: "root", Description: "do the thing"}
	got := p.Decompose(context.Background(), parent, testWorkers(), "")

	if len(got) != 2 {
		t.Fatalf("subtasks = %v", ids(got))
	}
	if got[0].ID != "root_subtask_0" || got[1].ID != "root_subtask_1" {
		t.Errorf("ids = %v", ids(got))
	}
	if parent.Description != "do the thing" {
		t.Error("parent description mutated")
	}
}

func TestDecomposeFallsBackToPassthrough(t *testing.T) {
	m := newFakeModel(fail(errors.New("model down")), fail(errors.New("model down")))
	p, _ := newPlannerTest(t, m)

	parent := &Task{ID: "root", Description: "do the thing"}
	got := p.Decompose(context.Background(), parent, testWorkers(), "")

	if len(got) != 1 || got[0].ID != "root_subtask_0" {
		t.Fatalf("fallback = %v", ids(got))
	}
	if got[0].Description != "do the thing" {
		t.Errorf("fallback content = %q", got[0].Description)
	}
}

func TestDecomposeStructuredBuildsDependencies(t *testing.T) {
	m := newFakeModel(text(`{"reasoning":"gather feeds the report","tasks":[
		{"content":"gather","expected_output":"raw data","priority":1,"depends_on":[]},
		{"content":"report","expected_output":"summary","priority":2,"depends_on":[0]}
	]}`))
	p, _ := newPlannerTest(t, m)

	parent := &Task{ID: "root", Description: "analyze"}
	plan := p.DecomposeStructured(context.Background(), parent, testWorkers(), "")

	got := plan.Subtasks
	if len(got) != 2 {
		t.Fatalf("tasks = %v", ids(got))
	}
	if len(got[1].Dependencies) != 1 || got[1].Dependencies[0] != "root_subtask_0" {
		t.Errorf("deps = %v", got[1].Dependencies)
	}
	if got[0].Priority != 1 || got[1].Priority != 2 {
		t.Errorf("priorities = %d, %d", got[0].Priority, got[1].Priority)
	}
	if plan.Reasoning != "gather feeds the report" {
		t.Errorf("reasoning = %q", plan.Reasoning)
	}
	if plan.CanParallelize {
		t.Error("a plan with dependencies cannot parallelize")
	}
}

func TestDecomposeStructuredIndependentTasksParallelize(t *testing.T) {
	m := newFakeModel(text(`{"tasks":[
		{"content":"a","depends_on":[]},
		{"content":"b","depends_on":[]}
	]}`))
	p, _ := newPlannerTest(t, m)

	plan := p.DecomposeStructured(context.Background(), &Task{ID: "root", Description: "x"}, testWorkers(), "")
	if !plan.CanParallelize {
		t.Error("independent tasks must parallelize")
	}
}

func TestDecomposeStructuredRejectsCyclesViaFallback(t *testing.T) {
	// Structured output is cyclic, the XML retry then parses.
	m := newFakeModel(
		text(`{"tasks":[
			{"content":"a","depends_on":[1]},
			{"content":"b","depends_on":[0]}
		]}`),
		text("<tasks><task>flat</task></tasks>"),
	)
	p, _ := newPlannerTest(t, m)

	parent := &Task{ID: "root", Description: "x"}
	plan := p.DecomposeStructured(context.Background(), parent, testWorkers(), "")
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].Description != "flat" {
		t.Fatalf("fallback = %+v", plan.Subtasks)
	}
}

func TestDecomposePublishesStreamText(t *testing.T) {
	m := newFakeModel(text("<tasks><task>one</task></tasks>"))
	p, bus := newPlannerTest(t, m)

	ch, unsub := bus.SubscribeChan("p1", events.ActionDecomposeText)
	defer unsub()

	ctx := events.WithProject(context.Background(), "p1")
	p.Decompose(ctx, &Task{ID: "root", Description: "x"}, testWorkers(), "")

	select {
	case e := <-ch:
		if e.Data["content"] == "" {
			t.Error("empty decompose_text chunk")
		}
	case <-time.After(time.Second):
		t.Fatal("no decompose_text event published")
	}
}

func TestComposeExcludesFailedResults(t *testing.T) {
	m := newFakeModel(text("merged answer"))
	p, _ := newPlannerTest(t, m)

	tasks := []*Task{{ID: "a"}, {ID: "b"}}
	results := map[string]*TaskResult{
		"a": {TaskID: "a", Success: true, Output: "alpha"},
		"b": {TaskID: "b", Success: false, Error: "secret stack trace"},
	}
	got := p.Compose(context.Background(), &Task{ID: "root", Description: "x"}, tasks, results)
	if got != "merged answer" {
		t.Fatalf("answer = %q", got)
	}

	prompt := m.lastIn[len(m.lastIn)-1].Content
	if strings.Contains(prompt, "secret stack trace") {
		t.Error("failed result body leaked into the compose prompt")
	}
	if !strings.Contains(prompt, "alpha") {
		t.Errorf("successful output missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "Subtasks without a usable result: b") {
		t.Errorf("failed subtask id not mentioned: %q", prompt)
	}
}

func TestComposeFallsBackToConcatenation(t *testing.T) {
	m := newFakeModel(fail(errors.New("down")))
	p, _ := newPlannerTest(t, m)

	tasks := []*Task{{ID: "a"}, {ID: "b"}}
	results := map[string]*TaskResult{
		"a": {TaskID: "a", Success: true, Output: "alpha"},
		"b": {TaskID: "b", Success: false, Error: "boom"},
	}
	got := p.Compose(context.Background(), &Task{ID: "root", Description: "x"}, tasks, results)
	if got != "alpha" {
		t.Fatalf("concatenation = %q", got)
	}
}
