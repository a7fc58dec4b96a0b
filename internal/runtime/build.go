package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"crew/internal/attachments"
	"crew/internal/config"
	"crew/internal/tasklock"
	"crew/internal/workforce"
)

// ProjectRequest carries the per-request knobs a client may set on POST /chat.
type ProjectRequest struct {
	ProjectID  string
	TaskID     string
	Question   string
	MaxRetries int
	Attaches   []string
	NewAgents  []config.AgentSpec
}

// BuildWorkforce assembles a full workforce for one project run: session,
// roster workers, planner, coordinator and recovery engine.
func (r *Runtime) BuildWorkforce(ctx context.Context, lock *tasklock.TaskLock, req ProjectRequest) (*workforce.Workforce, error) {
	cfg := r.Config.Workforce
	if req.MaxRetries > 0 {
		cfg.MaxRetries = req.MaxRetries
	}

	rootID := req.TaskID
	if rootID == "" {
		rootID = uuid.NewString()
	}
	root := &workforce.Task{
		ID:          rootID,
		Description: req.Question,
		Context:     r.expandAttaches(req.Attaches),
	}

	session := workforce.NewSession(lock.ProjectID, root)
	if err := r.addRosterWorkers(ctx, session, r.Roster); err != nil {
		return nil, err
	}
	if err := r.addRosterWorkers(ctx, session, req.NewAgents); err != nil {
		return nil, err
	}

	plannerModel, err := r.Models.ForRole(ctx, "planner")
	if err != nil {
		return nil, fmt.Errorf("planner model: %w", err)
	}
	coordModel, err := r.Models.ForRole(ctx, "coordinator")
	if err != nil {
		return nil, fmt.Errorf("coordinator model: %w", err)
	}

	planner := workforce.NewPlanner(plannerModel, r.Config.Models.ProviderName("planner"), r.Hooks, r.Bus)
	coordinator := workforce.NewCoordinator(coordModel, r.Config.Models.ProviderName("coordinator"), r.Hooks, nil)
	engine := workforce.NewEngine(workforce.EngineOptions{
		Model:            coordModel,
		ModelName:        r.Config.Models.ProviderName("coordinator"),
		Hooks:            r.Hooks,
		Bus:              r.Bus,
		Planner:          planner,
		Factory:          r.workerFactory(),
		Strategies:       cfg.Strategies,
		MaxRetries:       cfg.MaxRetries,
		QualityThreshold: cfg.QualityThreshold,
	})

	return workforce.New(workforce.Options{
		Config:      cfg,
		Session:     session,
		Lock:        lock,
		Bus:         r.Bus,
		Hooks:       r.Hooks,
		Planner:     planner,
		Coordinator: coordinator,
		Recovery:    engine,
	}), nil
}

func (r *Runtime) addRosterWorkers(ctx context.Context, session *workforce.Session, specs []config.AgentSpec) error {
	for _, spec := range specs {
		w, err := r.buildWorker(ctx, spec)
		if err != nil {
			return fmt.Errorf("worker %s: %w", spec.ID, err)
		}
		if err := session.AddWorker(w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) buildWorker(ctx context.Context, spec config.AgentSpec) (*workforce.Worker, error) {
	cfg := r.Config.Workforce

	providerName := spec.Provider
	if providerName == "" {
		providerName = r.Config.Models.ProviderName("worker")
	}
	chatModel, err := r.Models.Get(ctx, providerName)
	if err != nil {
		return nil, err
	}

	return workforce.NewWorker(ctx, spec.ID, spec.Role, spec.Description, spec.Capabilities, spec.Toolkits, workforce.WorkerOptions{
		Model:         chatModel,
		ModelName:     providerName,
		Tools:         r.Toolkits.View(spec.Toolkits),
		Hooks:         r.Hooks,
		Bus:           r.Bus,
		MaxIterations: cfg.MaxIterations,
		MemorySize:    cfg.WorkflowMemorySize,
	})
}

func (r *Runtime) expandAttaches(patterns []string) map[string]any {
	if len(patterns) == 0 {
		return nil
	}
	root, err := config.FilesRoot()
	if err != nil {
		slog.Warn("attachments root unavailable", "error", err)
		return nil
	}
	files, err := attachments.Expand(root, patterns, 0)
	if err != nil {
		slog.Warn("attachments skipped", "error", err)
		return nil
	}
	return attachments.Context(files)
}

// workerFactory recruits generalist workers for the CREATE_WORKER recovery
// strategy. New recruits get every registered toolkit and a fresh memory.
func (r *Runtime) workerFactory() workforce.WorkerFactory {
	return &factory{rt: r}
}

type factory struct {
	rt *Runtime
}

func (f *factory) CreateWorker(ctx context.Context, task *workforce.Task) (*workforce.Worker, error) {
	spec := config.AgentSpec{
		ID:          "recruit_" + uuid.NewString()[:8],
		Role:        "Generalist",
		Description: "Recruited mid-run to handle: " + task.Description,
		Toolkits:    f.rt.Toolkits.Names(),
	}
	return f.rt.buildWorker(ctx, spec)
}
