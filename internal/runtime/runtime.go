// Package runtime assembles the long-lived collaborators every request
// shares: the bus, the hook pipeline, model and toolkit registries, the lock
// registry and the event journal.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"crew/internal/config"
	"crew/internal/events"
	"crew/internal/hooks"
	"crew/internal/journal"
	"crew/internal/models"
	"crew/internal/secrets"
	"crew/internal/tasklock"
	"crew/internal/toolkit"
)

// Runtime is the process-wide wiring built once at startup.
type Runtime struct {
	Config   *config.Config
	Bus      *events.Bus
	Hooks    *hooks.Registry
	Locks    *tasklock.Registry
	Models   *models.Registry
	Toolkits *toolkit.Registry
	Journal  *journal.Journal
	Secrets  *secrets.Store
	Roster   []config.AgentSpec

	mcpCleanup  func()
	stopJanitor func()
}

// New builds the runtime from a loaded config. Unavailable toolkits are
// skipped with a warning; a broken journal or secrets store is fatal.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	bus := events.NewBus(cfg.Events.QueueSize, cfg.Events.SubscriberBuffer)
	h := hooks.NewRegistry()
	hooks.RegisterWorkforceHooks(h, bus)

	secretsPath, err := config.SecretsPath()
	if err != nil {
		return nil, err
	}
	identityPath, err := config.IdentityPath()
	if err != nil {
		return nil, err
	}
	store, err := secrets.OpenStore(secretsPath, identityPath)
	if err != nil {
		return nil, fmt.Errorf("secrets store: %w", err)
	}

	r := &Runtime{
		Config:   cfg,
		Bus:      bus,
		Hooks:    h,
		Locks:    tasklock.NewRegistry(cfg.Workforce.ActionQueueSize, cfg.Workforce.ConversationCap),
		Models:   models.NewRegistry(cfg.Models, store),
		Toolkits: toolkit.NewRegistry(h),
		Secrets:  store,
	}

	r.registerToolkits(ctx)

	if cfg.Events.Journal {
		path, err := config.JournalPath()
		if err != nil {
			return nil, err
		}
		j, err := journal.Open(path)
		if err != nil {
			return nil, err
		}
		j.Attach(bus)
		r.Journal = j
	}

	roster, err := config.LoadRoster(cfg.Workforce.Roster)
	if err != nil {
		return nil, err
	}
	r.Roster = roster

	return r, nil
}

func (r *Runtime) registerToolkits(ctx context.Context) {
	cfg := r.Config.Toolkits

	if tk, err := toolkit.NewSearchToolkit(ctx, cfg.Search); err != nil {
		slog.Warn("search toolkit unavailable", "error", err)
	} else {
		r.Toolkits.Register(tk)
	}

	if cfg.Terminal.Enabled {
		if tk, err := toolkit.NewTerminalToolkit(ctx, cfg.Terminal, r.Bus); err != nil {
			slog.Warn("terminal toolkit unavailable", "error", err)
		} else {
			r.Toolkits.Register(tk)
		}
	}

	filesCfg := cfg.Files
	if filesCfg.Root == "" {
		root, err := config.FilesRoot()
		if err != nil {
			slog.Warn("files toolkit unavailable", "error", err)
			return
		}
		filesCfg.Root = root
	}
	if tk, err := toolkit.NewFilesToolkit(ctx, filesCfg, r.Bus); err != nil {
		slog.Warn("files toolkit unavailable", "error", err)
	} else {
		r.Toolkits.Register(tk)
	}
}

// ConnectMCP connects the named installed servers and registers each as a
// toolkit. Called once at startup with the configured set; per-request
// installed_mcp names select among these.
func (r *Runtime) ConnectMCP(ctx context.Context, names []string) {
	toolkits, cleanup, err := toolkit.ConnectMCP(ctx, r.Config.MCP, names)
	if err != nil {
		slog.Warn("mcp connect", "error", err)
		return
	}
	if prev := r.mcpCleanup; prev != nil {
		r.mcpCleanup = func() { cleanup(); prev() }
	} else {
		r.mcpCleanup = cleanup
	}
	for _, tk := range toolkits {
		if err := r.Toolkits.Register(tk); err != nil {
			slog.Warn("mcp toolkit rejected", "toolkit", tk.Name, "error", err)
		}
	}
}

// StartJanitor sweeps terminal project locks on the configured schedule and
// prunes their journal rows.
func (r *Runtime) StartJanitor() error {
	stop, err := r.Locks.StartJanitor(r.Config.Janitor.Schedule, r.Config.Janitor.TTL.Duration(), func(projectID string) {
		if r.Journal == nil {
			return
		}
		if err := r.Journal.Prune(projectID); err != nil {
			slog.Warn("journal prune", "project_id", projectID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	r.stopJanitor = stop
	return nil
}

// Close releases everything in reverse dependency order.
func (r *Runtime) Close() {
	if r.stopJanitor != nil {
		r.stopJanitor()
	}
	if r.mcpCleanup != nil {
		r.mcpCleanup()
	}
	if r.Journal != nil {
		if err := r.Journal.Close(); err != nil {
			slog.Warn("journal close", "error", err)
		}
	}
	r.Bus.Close()
}
