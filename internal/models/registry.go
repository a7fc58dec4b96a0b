package models

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"crew/internal/config"
	"crew/internal/secrets"
)

type factoryFunc func(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error)

var drivers = map[string]factoryFunc{
	"openai":    NewOpenAI,
	"anthropic": NewAnthropic,
	"ollama":    NewOllama,
	"gemini":    NewGemini,
}

// Registry lazily constructs chat models per configured provider and caches
// them for the process lifetime.
type Registry struct {
	cfg   config.ModelsConfig
	store *secrets.Store

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once  sync.Once
	model model.ToolCallingChatModel
	err   error
}

func NewRegistry(cfg config.ModelsConfig, store *secrets.Store) *Registry {
	return &Registry{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*entry),
	}
}

// Get returns the chat model for a provider key, building it on first use.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	providerCfg, ok := r.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q", name)
	}

	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry{}
		r.entries[name] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.model, e.err = r.build(ctx, name, providerCfg)
	})
	return e.model, e.err
}

// ForRole resolves the provider configured for a role (planner, coordinator,
// worker default) and returns its model.
func (r *Registry) ForRole(ctx context.Context, role string) (model.ToolCallingChatModel, error) {
	name := r.cfg.ProviderName(role)
	if name == "" {
		return nil, fmt.Errorf("no model provider configured for role %q", role)
	}
	return r.Get(ctx, name)
}

func (r *Registry) build(ctx context.Context, name string, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	factory, ok := drivers[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown driver %q", name, cfg.Driver)
	}
	auth, err := ResolveAuth(cfg, r.store)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	m, err := factory(ctx, cfg, auth)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return m, nil
}
