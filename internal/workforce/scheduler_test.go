package workforce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"crew/internal/config"
	"crew/internal/events"
	"crew/internal/hooks"
	"crew/internal/tasklock"
)

type runFixture struct {
	bus     *events.Bus
	hooks   *hooks.Registry
	lock    *tasklock.TaskLock
	session *Session
	wf      *Workforce
}

// newRunFixture wires a complete workforce around scripted models. Worker
// models are supplied per worker id; missing ids get an always-ok model.
func newRunFixture(t *testing.T, root *Task, cfg config.WorkforceConfig, plannerM, coordM, recoveryM *fakeModel, workerModels map[string]model.ToolCallingChatModel) *runFixture {
	t.Helper()

	bus := events.NewBus(256, 32)
	t.Cleanup(bus.Close)
	h := hooks.NewRegistry()

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.PollInterval == "" {
		cfg.PollInterval = "10ms"
	}

	planner := NewPlanner(plannerM, "fake", h, bus)
	coordinator := NewCoordinator(coordM, "fake", h, nil)
	engine := NewEngine(EngineOptions{
		Model:            recoveryM,
		ModelName:        "fake",
		Hooks:            h,
		Bus:              bus,
		Planner:          planner,
		MaxRetries:       cfg.MaxRetries,
		QualityThreshold: cfg.QualityThreshold,
	})

	session := NewSession("p1", root)
	for _, id := range []string{"dev", "doc"} {
		m, ok := workerModels[id]
		if !ok {
			m = newFakeModel(text("done by " + id))
		}
		w, err := NewWorker(context.Background(), id, "Worker "+id, "does things", nil, nil, WorkerOptions{
			Model:     m,
			ModelName: "fake",
			Hooks:     h,
			Bus:       bus,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := session.AddWorker(w); err != nil {
			t.Fatal(err)
		}
	}

	lock := tasklock.New("p1", 32, 10000)
	t.Cleanup(lock.Cleanup)

	return &runFixture{
		bus:     bus,
		hooks:   h,
		lock:    lock,
		session: session,
		wf: New(Options{
			Config:      cfg,
			Session:     session,
			Lock:        lock,
			Bus:         bus,
			Hooks:       h,
			Planner:     planner,
			Coordinator: coordinator,
			Recovery:    engine,
		}),
	}
}

const planTwoTasks = `{"tasks":[
	{"content":"gather the data","expected_output":"raw data","depends_on":[]},
	{"content":"write the report","expected_output":"report","depends_on":[0]}
]}`

func TestRunFullPipeline(t *testing.T) {
	plannerM := newFakeModel(text(planTwoTasks), text("final report assembled"))
	coordM := newFakeModel(text(`{"assignments":[
		{"task_id":"root_subtask_0","assignee_id":"dev"},
		{"task_id":"root_subtask_1","assignee_id":"doc"}
	]}`))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{PoolSize: 2, MaxRetries: 2}, plannerM, coordM, newFakeModel(), nil)

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"root_subtask_0", "root_subtask_1"} {
		task, ok := f.session.Graph().Get(id)
		if !ok || task.State != StateDone {
			t.Errorf("task %s = %+v", id, task)
		}
		if res, ok := f.session.Result(id); !ok || !res.Success {
			t.Errorf("result %s = %+v", id, res)
		}
	}
	if got := f.lock.Status(); got != tasklock.StatusDone {
		t.Errorf("status = %s", got)
	}
	if got := f.lock.Summary(); got != "final report assembled" {
		t.Errorf("summary = %q", got)
	}

	ends := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionEnd})
	if len(ends) != 1 || ends[0].Data["summary"] != "final report assembled" {
		t.Errorf("end events = %+v", ends)
	}
}

func TestRunAssignPublishedBeforeTaskState(t *testing.T) {
	plannerM := newFakeModel(text(planTwoTasks), text("ok"))
	coordM := newFakeModel(text(`{"assignments":[
		{"task_id":"root_subtask_0","assignee_id":"dev"},
		{"task_id":"root_subtask_1","assignee_id":"doc"}
	]}`))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{PoolSize: 2}, plannerM, coordM, newFakeModel(), nil)

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := f.bus.Log().History(events.Filter{ProjectID: "p1", TaskID: "root_subtask_0"})
	assignAt, stateAt := -1, -1
	for i, e := range history {
		switch e.Action {
		case events.ActionAssignTask:
			if assignAt < 0 {
				assignAt = i
			}
		case events.ActionTaskState:
			if stateAt < 0 {
				stateAt = i
			}
		}
	}
	if assignAt < 0 || stateAt < 0 || assignAt > stateAt {
		t.Errorf("assign at %d, first state at %d", assignAt, stateAt)
	}
}

func TestRunSimpleQuestionFastPath(t *testing.T) {
	// Short, no planning keywords: the yes/no check runs, then one compose.
	plannerM := newFakeModel(text("yes"), text("it is blue"))

	root := &Task{ID: "root", Description: "what color is the sky"}
	f := newRunFixture(t, root, config.WorkforceConfig{}, plannerM, newFakeModel(), newFakeModel(), nil)

	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.session.Graph().Len() != 0 {
		t.Error("fast path must not build a subtask graph")
	}
	if got := f.lock.Status(); got != tasklock.StatusDone {
		t.Errorf("status = %s", got)
	}
	if got := f.lock.Summary(); got != "it is blue" {
		t.Errorf("summary = %q", got)
	}
	if plannerM.Calls() != 2 {
		t.Errorf("planner calls = %d, want 2", plannerM.Calls())
	}

	// The answer travels to the client as wait_confirm, not as a notice.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := f.lock.NextAction(ctx)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if a.Name != tasklock.ActionWaitConfirm {
		t.Fatalf("queued action = %s, want wait_confirm", a.Name)
	}
	if a.Data["content"] != "it is blue" || a.Data["question"] != "what color is the sky" {
		t.Errorf("wait_confirm data = %+v", a.Data)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionNotice}); len(got) != 0 {
		t.Errorf("notice events = %+v", got)
	}
}

func TestRunStopBeforeStart(t *testing.T) {
	plannerM := newFakeModel(text(planTwoTasks))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{}, plannerM, newFakeModel(), newFakeModel(), nil)

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStop})
	if err := f.wf.Run(context.Background()); err == nil {
		t.Fatal("stop before start must fail the run")
	}

	if got := f.lock.Status(); got != tasklock.StatusFailed {
		t.Errorf("status = %s", got)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionError}); len(got) != 1 {
		t.Errorf("error events = %+v", got)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionEnd}); len(got) != 1 {
		t.Errorf("end events = %+v", got)
	}
}

func TestRunSkipAllAbandonsLiveTasks(t *testing.T) {
	plannerM := newFakeModel(text(planTwoTasks), text("nothing to report"))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{}, plannerM, newFakeModel(), newFakeModel(), nil)

	// The skip lands in the queue behind start; the loop drains it before
	// dispatching anything.
	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlSkipTask, Data: map[string]any{"task_id": ""}})

	// With every subtask abandoned there is no result to compose.
	if err := f.wf.Run(context.Background()); err == nil {
		t.Fatal("run with zero successful subtasks must fail")
	}

	for _, task := range f.session.Graph().Tasks() {
		if task.State != StateAbandoned {
			t.Errorf("task %s = %s", task.ID, task.State)
		}
	}
	if got := f.lock.Status(); got != tasklock.StatusFailed {
		t.Errorf("status = %s", got)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionError}); len(got) != 1 {
		t.Errorf("error events = %+v", got)
	}
}

func TestRunRecoversWithRetry(t *testing.T) {
	plannerM := newFakeModel(text(`{"tasks":[{"content":"fetch it","depends_on":[]}]}`), text("fetched"))
	coordM := newFakeModel(text(`{"assignments":[{"task_id":"root_subtask_0","assignee_id":"dev"}]}`))
	// First attempt hits a transient network failure, the retry lands.
	devM := newFakeModel(fail(fmt.Errorf("dial tcp: connection refused")), text("second time lucky"))
	// The recovery analysis model is down, so the static table decides.
	recoveryM := newFakeModel(fail(fmt.Errorf("analysis unavailable")))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{MaxRetries: 2}, plannerM, coordM, recoveryM,
		map[string]model.ToolCallingChatModel{"dev": devM})

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _ := f.session.Graph().Get("root_subtask_0")
	if task.State != StateDone || task.FailureCount != 1 {
		t.Fatalf("task = %+v", task)
	}
	res, _ := f.session.Result("root_subtask_0")
	if !res.Success || res.Output != "second time lucky" || res.Attempt != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunAbandonsAfterRetriesExhausted(t *testing.T) {
	plannerM := newFakeModel(text(`{"tasks":[{"content":"fetch it","depends_on":[]}]}`), text("gave up"))
	coordM := newFakeModel(text(`{"assignments":[{"task_id":"root_subtask_0","assignee_id":"dev"}]}`))
	devM := newFakeModel(fail(fmt.Errorf("dial tcp: connection refused")))
	recoveryM := newFakeModel(fail(fmt.Errorf("analysis unavailable")))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{MaxRetries: 1}, plannerM, coordM, recoveryM,
		map[string]model.ToolCallingChatModel{"dev": devM})

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	// The only subtask is abandoned, so the run reports failure.
	if err := f.wf.Run(context.Background()); err == nil {
		t.Fatal("run with zero successful subtasks must fail")
	}

	task, _ := f.session.Graph().Get("root_subtask_0")
	if task.State != StateAbandoned {
		t.Fatalf("task = %+v", task)
	}
	if task.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1 with max_retries 1", task.FailureCount)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionNotice}); len(got) == 0 {
		t.Error("abandonment must publish a notice")
	}
	if got := f.lock.Status(); got != tasklock.StatusFailed {
		t.Errorf("status = %s", got)
	}

	// The abandoned task surfaces as a single FAILED task_state frame.
	states := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionTaskState})
	if len(states) != 1 || states[0].Data["state"] != "FAILED" {
		t.Errorf("task_state events = %+v", states)
	}
}

// gateModel counts concurrent Generate calls, holding each one open for
// delay (20ms when unset).
type gateModel struct {
	mu       sync.Mutex
	delay    time.Duration
	inFlight int
	peak     int
}

func (g *gateModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	d := g.delay
	g.mu.Unlock()

	if d == 0 {
		d = 20 * time.Millisecond
	}
	time.Sleep(d)

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return schema.AssistantMessage("done", nil), nil
}

func (g *gateModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (g *gateModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return g, nil
}

func (g *gateModel) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func TestRunRespectsPoolSize(t *testing.T) {
	plannerM := newFakeModel(text(`{"tasks":[
		{"content":"a","depends_on":[]},
		{"content":"b","depends_on":[]},
		{"content":"c","depends_on":[]}
	]}`), text("all done"))
	coordM := newFakeModel(fail(fmt.Errorf("down"))) // round robin

	gate := &gateModel{}
	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{PoolSize: 1, PollInterval: "5ms"}, plannerM, coordM, newFakeModel(),
		map[string]model.ToolCallingChatModel{"dev": gate, "doc": gate})

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := gate.Peak(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
	if !f.session.Graph().Terminal() {
		t.Error("graph not terminal")
	}
}

func TestRunRetriedTaskEmitsOneTerminalState(t *testing.T) {
	plannerM := newFakeModel(text(`{"tasks":[{"content":"fetch it","depends_on":[]}]}`), text("fetched"))
	coordM := newFakeModel(text(`{"assignments":[{"task_id":"root_subtask_0","assignee_id":"dev"}]}`))
	devM := newFakeModel(fail(fmt.Errorf("dial tcp: connection refused")), text("second time lucky"))
	recoveryM := newFakeModel(fail(fmt.Errorf("analysis unavailable")))

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{MaxRetries: 2}, plannerM, coordM, recoveryM,
		map[string]model.ToolCallingChatModel{"dev": devM})

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The failure and both dispatches stay internal; clients see exactly one
	// terminal frame.
	states := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionTaskState})
	if len(states) != 1 {
		t.Fatalf("task_state events = %+v", states)
	}
	if states[0].Data["state"] != "DONE" || states[0].Data["result"] != "second time lucky" {
		t.Errorf("terminal frame = %+v", states[0].Data)
	}
	if states[0].Data["failure_count"] != 1 {
		t.Errorf("failure_count = %v", states[0].Data["failure_count"])
	}
}

func TestLateResultForAbandonedTaskIsDropped(t *testing.T) {
	plannerM := newFakeModel(text("yes"))
	root := &Task{ID: "root", Description: "x"}
	f := newRunFixture(t, root, config.WorkforceConfig{}, plannerM, newFakeModel(), newFakeModel(), nil)

	graph := f.session.Graph()
	if err := graph.AddBatch([]*Task{{ID: "t1", Description: "slow", State: StateAbandoned, AssigneeID: "dev"}}); err != nil {
		t.Fatal(err)
	}
	task, _ := graph.Get("t1")

	f.wf.onCompletion(context.Background(), &TaskResult{TaskID: "t1", WorkerID: "dev", Success: true, Output: "late"})

	if task.State != StateAbandoned {
		t.Errorf("state = %s, want ABANDONED", task.State)
	}
	if _, ok := f.session.Result("t1"); ok {
		t.Error("late result must not be recorded")
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionTaskState}); len(got) != 0 {
		t.Errorf("task_state events = %+v", got)
	}
}

func TestRunStopMidFlightPausesWithoutFailure(t *testing.T) {
	plannerM := newFakeModel(text(`{"tasks":[{"content":"slow work","depends_on":[]}]}`))
	coordM := newFakeModel(text(`{"assignments":[{"task_id":"root_subtask_0","assignee_id":"dev"}]}`))
	gate := &gateModel{delay: 300 * time.Millisecond}

	root := &Task{ID: "root", Description: "research the data then build a report"}
	f := newRunFixture(t, root, config.WorkforceConfig{PoolSize: 1, PollInterval: "5ms"}, plannerM, coordM, newFakeModel(),
		map[string]model.ToolCallingChatModel{"dev": gate})

	f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStart})
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.lock.PutControl(tasklock.Action{Name: tasklock.ControlStop, Data: map[string]any{"reason": "skip requested"}})
	}()

	if err := f.wf.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := f.lock.Status(); got != tasklock.StatusPaused {
		t.Errorf("status = %s", got)
	}
	ends := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionEnd})
	if len(ends) != 1 {
		t.Fatalf("end events = %+v", ends)
	}
	if summary, _ := ends[0].Data["summary"].(string); !strings.Contains(summary, "skip requested") {
		t.Errorf("end summary = %+v", ends[0].Data)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionError}); len(got) != 0 {
		t.Errorf("error events = %+v", got)
	}
	if got := f.bus.Log().History(events.Filter{ProjectID: "p1", Action: events.ActionTaskState}); len(got) != 0 {
		t.Errorf("task_state after stop = %+v", got)
	}
}
