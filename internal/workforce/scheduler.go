package workforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"crew/internal/config"
	"crew/internal/events"
	"crew/internal/hooks"
	"crew/internal/tasklock"
)

// CollaborationPattern is the execution strategy over a planned session.
// Workforce is the default implementation; alternatives can swap in without
// touching the gateway.
type CollaborationPattern interface {
	Run(ctx context.Context) error
}

// Workforce drives one project: decompose, confirm, assign, execute,
// recover, compose.
type Workforce struct {
	cfg     config.WorkforceConfig
	session *Session
	lock    *tasklock.TaskLock
	bus     *events.Bus
	hooks   *hooks.Registry

	planner     *Planner
	coordinator *Coordinator
	recovery    *Engine

	completions chan *TaskResult
	wake        chan struct{}
	busy        map[string]bool // worker ids currently processing
	stopReason  string
}

var _ CollaborationPattern = (*Workforce)(nil)

// Options wires a Workforce together.
type Options struct {
	Config      config.WorkforceConfig
	Session     *Session
	Lock        *tasklock.TaskLock
	Bus         *events.Bus
	Hooks       *hooks.Registry
	Planner     *Planner
	Coordinator *Coordinator
	Recovery    *Engine
}

func New(opts Options) *Workforce {
	return &Workforce{
		cfg:         opts.Config,
		session:     opts.Session,
		lock:        opts.Lock,
		bus:         opts.Bus,
		hooks:       opts.Hooks,
		planner:     opts.Planner,
		coordinator: opts.Coordinator,
		recovery:    opts.Recovery,
		completions: make(chan *TaskResult, opts.Config.PoolSize+1),
		wake:        make(chan struct{}, 1),
		busy:        map[string]bool{},
	}
}

// Session exposes the collaboration context, used by the gateway state
// endpoint.
func (w *Workforce) Session() *Session { return w.session }

// Run executes the whole project lifecycle. It owns the lock's status from
// CONFIRMED onward and always leaves it terminal.
func (w *Workforce) Run(ctx context.Context) error {
	ctx = events.WithProject(ctx, w.session.ProjectID)
	root := w.session.Root

	w.lock.AppendMessage("user", root.Description)

	if w.isSimpleQuestion(ctx, root.Description) {
		return w.answerDirectly(ctx)
	}

	if err := w.plan(ctx, ""); err != nil {
		return w.fail(ctx, err)
	}

	if err := w.awaitConfirmation(ctx); err != nil {
		return w.fail(ctx, err)
	}

	if err := w.lock.SetStatus(tasklock.StatusProcessing); err != nil {
		return w.fail(ctx, err)
	}

	w.assignAll(ctx)

	if err := w.executeLoop(ctx); err != nil {
		if errors.Is(err, errStopped) {
			return w.stop()
		}
		return w.fail(ctx, err)
	}

	if !w.anySuccess() {
		return w.fail(ctx, fmt.Errorf("no subtask produced a usable result"))
	}

	answer := w.planner.Compose(ctx, root, w.session.Graph().Tasks(), w.session.Results())
	w.lock.SetSummary(answer)
	w.lock.AppendMessage("assistant", answer)

	if err := w.lock.SetStatus(tasklock.StatusDone); err != nil {
		slog.Warn("status transition at completion", "project", w.session.ProjectID, "error", err)
	}
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionEnd, map[string]any{
		"summary": answer,
	}))
	return nil
}

// plan decomposes the root task, publishes the plan and queues wait_confirm.
func (w *Workforce) plan(ctx context.Context, supplement string) error {
	root := w.session.Root
	plan := w.planner.DecomposeStructured(ctx, root, w.session.Workers(), supplement)
	subtasks := plan.Subtasks

	graph := w.session.Graph()
	for _, old := range graph.Tasks() {
		graph.Remove(old.ID)
	}
	if err := graph.AddBatch(subtasks); err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	w.bus.Publish(events.New(w.session.ProjectID, events.ActionToSubTasks, map[string]any{
		"task_id":      root.ID,
		"summary_task": root.Description,
		"sub_tasks":    taskSummaries(subtasks),
	}).WithTask(root.ID))

	content := plan.Reasoning
	if content == "" {
		content = fmt.Sprintf("planned %d subtasks", len(subtasks))
	}
	if err := w.lock.PutAction(tasklock.Action{Name: tasklock.ActionWaitConfirm, Data: map[string]any{
		"content":   content,
		"question":  root.Description,
		"sub_tasks": taskSummaries(subtasks),
	}}); err != nil {
		slog.Warn("wait_confirm dropped", "project", w.session.ProjectID, "error", err)
	}
	return nil
}

// awaitConfirmation blocks until the client starts execution. Supplement
// controls replan before the start; stop aborts.
func (w *Workforce) awaitConfirmation(ctx context.Context) error {
	for {
		action, err := w.lock.AwaitControl(ctx)
		if err != nil {
			return err
		}
		switch action.Name {
		case tasklock.ControlStart:
			if err := w.lock.SetStatus(tasklock.StatusConfirmed); err != nil {
				return err
			}
			return nil
		case tasklock.ControlSupplement:
			extra, _ := action.Data["content"].(string)
			if err := w.plan(ctx, extra); err != nil {
				return err
			}
		case tasklock.ControlStop:
			return fmt.Errorf("stopped before start")
		case tasklock.ControlUpdateTask:
			if err := w.applyTaskUpdate(action); err != nil {
				slog.Warn("task update rejected", "project", w.session.ProjectID, "error", err)
			}
		default:
			slog.Debug("control ignored before start", "action", action.Name)
		}
	}
}

// assignAll runs the coordinator over the full plan and publishes the
// assignments.
func (w *Workforce) assignAll(ctx context.Context) {
	tasks := w.session.Graph().Tasks()
	assignment := w.coordinator.Assign(ctx, tasks, w.session.Workers())
	for _, t := range tasks {
		workerID, ok := assignment[t.ID]
		if !ok {
			continue
		}
		w.session.Assign(t.ID, workerID)
		t.AssigneeID = workerID
		w.publishAssignment(t, workerID)
	}
}

func (w *Workforce) publishAssignment(t *Task, workerID string) {
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionAssignTask, map[string]any{
		"task_id":       t.ID,
		"assignee_id":   workerID,
		"content":       t.Description,
		"state":         string(t.State),
		"failure_count": t.FailureCount,
	}).WithTask(t.ID).WithAgent(workerID))
}

// executeLoop dispatches READY tasks up to the pool size and folds in
// completions, controls and recovery until the graph is terminal.
func (w *Workforce) executeLoop(ctx context.Context) error {
	poll := w.cfg.PollInterval.Duration()
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	graph := w.session.Graph()

	for {
		w.drainControls(ctx)

		if w.stopReason != "" {
			return fmt.Errorf("%w: %s", errStopped, w.stopReason)
		}

		if w.lock.Status() != tasklock.StatusPaused {
			graph.PromoteReady()
			w.dispatchReady(ctx)
		}

		if graph.Terminal() && graph.InFlight() == 0 {
			return nil
		}
		if stuck := graph.Stuck(); len(stuck) > 0 && graph.InFlight() == 0 {
			return fmt.Errorf("no progress possible, stuck tasks: %s", strings.Join(stuck, ", "))
		}

		select {
		case res := <-w.completions:
			w.onCompletion(ctx, res)
		case <-w.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchReady starts READY tasks while pool slots and their assignees are
// free.
func (w *Workforce) dispatchReady(ctx context.Context) {
	graph := w.session.Graph()
	for _, t := range graph.Ready() {
		if graph.InFlight() >= w.cfg.PoolSize {
			return
		}
		worker := w.workerFor(ctx, t)
		if worker == nil || w.busy[worker.ID] {
			continue
		}

		t.State = StateInFlight
		t.AssigneeID = worker.ID
		w.busy[worker.ID] = true
		w.publishTaskProgress(t)

		task := t
		go func() {
			res := worker.Process(ctx, task, w.session.Root.Description, w.session.DepResults(task))
			w.completions <- res
		}()
	}
}

func (w *Workforce) workerFor(ctx context.Context, t *Task) *Worker {
	if id, ok := w.session.Assignment(t.ID); ok {
		if worker, found := w.session.Worker(id); found {
			return worker
		}
	}
	// Unassigned (late-added or reassigned) tasks get a fresh assignment.
	assignment := w.coordinator.Assign(ctx, []*Task{t}, w.session.Workers())
	if id, ok := assignment[t.ID]; ok {
		w.session.Assign(t.ID, id)
		w.publishAssignment(t, id)
		worker, _ := w.session.Worker(id)
		return worker
	}
	return nil
}

// onCompletion folds one worker result back into the graph, routing
// failures and weak results through recovery.
func (w *Workforce) onCompletion(ctx context.Context, res *TaskResult) {
	delete(w.busy, res.WorkerID)

	t, ok := w.session.Graph().Get(res.TaskID)
	if !ok {
		// Removed while in flight (skip_task); drop the result.
		return
	}
	if t.State.terminal() {
		// Abandoned while in flight; the late result is dropped.
		return
	}

	t.Result = res
	w.session.SetResult(res)

	if res.Success && !w.belowQuality(ctx, t, res) {
		t.State = StateDone
		w.publishTaskState(t)
		return
	}

	t.FailureCount++
	t.State = StateFailed
	w.publishTaskProgress(t)

	analysis := w.recovery.Analyze(ctx, t, res)
	strategy := w.recovery.Decide(t, res, analysis)
	if strategy == "" {
		t.State = StateAbandoned
		w.publishTaskState(t)
		w.bus.Publish(events.New(w.session.ProjectID, events.ActionNotice, map[string]any{
			"notice": fmt.Sprintf("task %s abandoned after %d attempts", t.ID, t.FailureCount),
		}).WithTask(t.ID))
		return
	}

	if err := w.recovery.Apply(ctx, w.session, t, strategy, analysis); err != nil {
		slog.Warn("recovery apply failed, abandoning task", "task", t.ID, "strategy", strategy, "error", err)
		t.State = StateAbandoned
		w.publishTaskState(t)
		return
	}
	w.publishTaskProgress(t)
}

// belowQuality evaluates successful results against the quality floor.
func (w *Workforce) belowQuality(ctx context.Context, t *Task, res *TaskResult) bool {
	if w.recovery.QualityThreshold() <= 0 || t.FailureCount >= 1 {
		// One quality round per task keeps the loop bounded.
		return false
	}
	analysis := w.recovery.Analyze(ctx, t, res)
	if analysis == nil || analysis.QualityScore == 0 {
		return false
	}
	if analysis.QualityScore >= w.recovery.QualityThreshold() {
		return false
	}
	res.Error = fmt.Sprintf("quality %d below threshold %d: %s",
		analysis.QualityScore, w.recovery.QualityThreshold(), strings.Join(analysis.Issues, "; "))
	res.Success = false
	return true
}

// drainControls consumes every queued control action without blocking.
func (w *Workforce) drainControls(ctx context.Context) {
	for {
		action, ok := w.lock.TryControl()
		if !ok {
			return
		}
		w.handleControl(ctx, action)
	}
}

func (w *Workforce) handleControl(ctx context.Context, action tasklock.Action) {
	switch action.Name {
	case tasklock.ControlStop:
		reason, _ := action.Data["reason"].(string)
		if reason == "" {
			reason = "client request"
		}
		w.stopReason = reason

	case tasklock.ControlPause:
		if err := w.lock.SetStatus(tasklock.StatusPaused); err != nil {
			slog.Warn("pause rejected", "project", w.session.ProjectID, "error", err)
		}

	case tasklock.ControlResume:
		if err := w.lock.SetStatus(tasklock.StatusProcessing); err != nil {
			slog.Warn("resume rejected", "project", w.session.ProjectID, "error", err)
		}

	case tasklock.ControlSkipTask:
		taskID, _ := action.Data["task_id"].(string)
		w.skipTask(taskID)

	case tasklock.ControlUpdateTask:
		if err := w.applyTaskUpdate(action); err != nil {
			slog.Warn("task update rejected", "project", w.session.ProjectID, "error", err)
		}

	case tasklock.ControlNewAgent:
		slog.Info("new_agent control received", "project", w.session.ProjectID)

	case tasklock.ControlReply:
		agent, _ := action.Data["agent"].(string)
		answer, _ := action.Data["content"].(string)
		if err := w.lock.Reply(agent, answer); err != nil {
			slog.Warn("reply undeliverable", "agent", agent, "error", err)
		}

	case tasklock.ControlSupplement:
		extra, _ := action.Data["content"].(string)
		root := w.session.Root
		extraTask := &Task{
			ID:          fmt.Sprintf("%s_supplement_%d", root.ID, w.session.Graph().Len()),
			Description: extra,
			State:       StatePending,
		}
		if err := w.session.Graph().AddBatch([]*Task{extraTask}); err != nil {
			slog.Warn("supplement rejected", "project", w.session.ProjectID, "error", err)
			return
		}
		w.bus.Publish(events.New(w.session.ProjectID, events.ActionNewTaskState, map[string]any{
			"task_id": extraTask.ID,
			"content": extraTask.Description,
			"state":   string(extraTask.State),
		}).WithTask(extraTask.ID))

	default:
		slog.Debug("unknown control ignored", "action", action.Name)
	}
}

// skipTask abandons a task; an in-flight attempt keeps running but its
// result is dropped on completion.
func (w *Workforce) skipTask(taskID string) {
	graph := w.session.Graph()
	if taskID == "" {
		// Skip everything still live: the client is bailing out.
		for _, t := range graph.Tasks() {
			if !t.State.terminal() {
				t.State = StateAbandoned
				w.publishTaskState(t)
			}
		}
		return
	}
	if t, ok := graph.Get(taskID); ok && !t.State.terminal() {
		t.State = StateAbandoned
		w.publishTaskState(t)
	}
}

// applyTaskUpdate replaces the pending task list from a PUT /task payload.
func (w *Workforce) applyTaskUpdate(action tasklock.Action) error {
	raw, ok := action.Data["tasks"].([]map[string]any)
	if !ok {
		return fmt.Errorf("update_task without tasks")
	}

	graph := w.session.Graph()
	for _, t := range graph.Tasks() {
		if t.State == StatePending || t.State == StateReady {
			graph.Remove(t.ID)
			w.session.ClearAssignment(t.ID)
		}
	}

	var batch []*Task
	for i, item := range raw {
		id, _ := item["id"].(string)
		if id == "" {
			id = fmt.Sprintf("%s_update_%d", w.session.Root.ID, i)
		}
		content, _ := item["content"].(string)
		t := &Task{ID: id, Description: content, State: StatePending}
		if deps, ok := item["dependencies"].([]string); ok {
			t.Dependencies = deps
		}
		batch = append(batch, t)
	}
	if err := graph.AddBatch(batch); err != nil {
		return err
	}
	for _, t := range batch {
		w.bus.Publish(events.New(w.session.ProjectID, events.ActionNewTaskState, map[string]any{
			"task_id": t.ID,
			"content": t.Description,
			"state":   string(t.State),
		}).WithTask(t.ID))
	}
	w.kick()
	return nil
}

// kick wakes the scheduler loop without blocking.
func (w *Workforce) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// publishTaskState emits the wire-visible terminal outcome of a task. The
// wire protocol only knows DONE and FAILED; ABANDONED surfaces as FAILED.
func (w *Workforce) publishTaskState(t *Task) {
	state := "FAILED"
	if t.State == StateDone {
		state = "DONE"
	}
	result := ""
	if t.Result != nil {
		if t.Result.Success {
			result = t.Result.Output
		} else {
			result = t.Result.Error
		}
	}
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionTaskState, map[string]any{
		"task_id":       t.ID,
		"state":         state,
		"result":        result,
		"agent_id":      t.AssigneeID,
		"failure_count": t.FailureCount,
	}).WithTask(t.ID).WithAgent(t.AssigneeID))
}

// publishTaskProgress records a non-terminal transition for the journal.
func (w *Workforce) publishTaskProgress(t *Task) {
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionTaskProgress, map[string]any{
		"task_id":       t.ID,
		"state":         string(t.State),
		"agent_id":      t.AssigneeID,
		"failure_count": t.FailureCount,
	}).WithTask(t.ID).WithAgent(t.AssigneeID))
}

// anySuccess reports whether at least one subtask reached DONE.
func (w *Workforce) anySuccess() bool {
	for _, t := range w.session.Graph().Tasks() {
		if t.State == StateDone {
			return true
		}
	}
	return false
}

// answerDirectly is the fast path for simple questions: no decomposition,
// no worker pool, one planner call. The answer travels as wait_confirm and
// the run ends immediately.
func (w *Workforce) answerDirectly(ctx context.Context) error {
	root := w.session.Root
	answer := w.planner.Compose(ctx, root, nil, nil)
	if strings.TrimSpace(answer) == "" {
		return w.fail(ctx, fmt.Errorf("empty direct answer"))
	}

	w.lock.SetSummary(answer)
	w.lock.AppendMessage("assistant", answer)

	if err := w.lock.PutAction(tasklock.Action{Name: tasklock.ActionWaitConfirm, Data: map[string]any{
		"content":  answer,
		"question": root.Description,
	}}); err != nil {
		slog.Warn("wait_confirm dropped", "project", w.session.ProjectID, "error", err)
	}

	// Walk the lifecycle so clients see a consistent status machine.
	for _, s := range []tasklock.Status{tasklock.StatusConfirmed, tasklock.StatusProcessing, tasklock.StatusDone} {
		if err := w.lock.SetStatus(s); err != nil {
			break
		}
	}
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionEnd, map[string]any{
		"summary": answer,
	}))
	return nil
}

// errStopped marks a run wound down on client request rather than by an
// internal error.
var errStopped = errors.New("stopped by client")

// stop parks a client-stopped run at PAUSED and ends the stream with a stop
// summary. FAILED and the error event stay reserved for internal errors.
func (w *Workforce) stop() error {
	summary := fmt.Sprintf("stopped on request: %s", w.stopReason)
	w.lock.SetSummary(summary)
	w.lock.AppendMessage("assistant", summary)

	if err := w.lock.SetStatus(tasklock.StatusPaused); err != nil {
		slog.Warn("pause on stop rejected", "project", w.session.ProjectID, "error", err)
	}
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionEnd, map[string]any{
		"summary": summary,
	}))
	return nil
}

func (w *Workforce) fail(ctx context.Context, cause error) error {
	slog.Error("workforce run failed", "project", w.session.ProjectID, "error", cause)
	w.lock.SetStatus(tasklock.StatusFailed)
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionError, map[string]any{
		"message": cause.Error(),
	}))
	w.bus.Publish(events.New(w.session.ProjectID, events.ActionEnd, map[string]any{
		"summary": "run failed: " + cause.Error(),
	}))
	return cause
}

// isSimpleQuestion decides the fast path: keyword prefilter, then a cheap
// yes/no model check. Any model trouble means the full pipeline runs.
func (w *Workforce) isSimpleQuestion(ctx context.Context, question string) bool {
	if len(question) > 200 {
		return false
	}
	lower := strings.ToLower(question)
	multiStep := []string{"then", "build", "create", "implement", "deploy", "research and", "step", "first", "write a file", "repository", "project"}
	for _, kw := range multiStep {
		if strings.Contains(lower, kw) {
			return false
		}
	}

	prompt := fmt.Sprintf("Can the following request be answered directly in one reply, without tools, files or multiple steps? Answer only yes or no.\n\nRequest: %s", question)
	messages := []*schema.Message{schema.UserMessage(prompt)}
	call := &hooks.ModelCall{
		ProjectID: w.session.ProjectID,
		AgentID:   plannerAgentID,
		AgentName: "Planner",
		Messages:  messages,
	}
	resp, err := w.hooks.InvokeModel(ctx, call, func(ctx context.Context) (*schema.Message, error) {
		return w.plannerModel().Generate(ctx, messages)
	})
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(resp.Content)), "yes")
}

func (w *Workforce) plannerModel() model.ToolCallingChatModel {
	return w.planner.chatModel
}

func taskSummaries(tasks []*Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":           t.ID,
			"content":      t.Description,
			"dependencies": t.Dependencies,
			"status":       string(t.State),
		})
	}
	return out
}
