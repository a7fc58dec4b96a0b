package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can carry "30s" style values.
type Duration string

func (d Duration) Duration() time.Duration {
	if d == "" {
		return 0
	}
	v, err := time.ParseDuration(string(d))
	if err != nil {
		return 0
	}
	return v
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s != "" {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
	}
	*d = Duration(s)
	return nil
}

// Config is the root configuration tree, loaded from config.jsonc.
type Config struct {
	Gateway   GatewayConfig        `json:"gateway"`
	Models    ModelsConfig         `json:"models"`
	Events    EventsConfig         `json:"events"`
	Workforce WorkforceConfig      `json:"workforce"`
	Toolkits  ToolkitsConfig       `json:"toolkits"`
	MCP       map[string]MCPServer `json:"mcp"`
	Janitor   JanitorConfig        `json:"janitor"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ModelsConfig names the providers and which one each role uses.
type ModelsConfig struct {
	// Default provider used by workers unless the roster overrides it.
	Default string `json:"default"`
	// Planner and Coordinator may run on a stronger model than workers.
	Planner     string `json:"planner"`
	Coordinator string `json:"coordinator"`

	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderName resolves a role to a provider key, falling back to the default.
func (m ModelsConfig) ProviderName(role string) string {
	switch role {
	case "planner":
		if m.Planner != "" {
			return m.Planner
		}
	case "coordinator":
		if m.Coordinator != "" {
			return m.Coordinator
		}
	}
	return m.Default
}

type ProviderConfig struct {
	Driver    string         `json:"driver"` // openai | anthropic | ollama | gemini
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Auth      AuthConfig     `json:"auth,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Token  string `json:"token,omitempty"`
	// SecretRef names an entry in the age-encrypted secrets store.
	SecretRef string `json:"secret_ref,omitempty"`
}

type EventsConfig struct {
	// QueueSize bounds the bus dispatch queue. Publish drops when full.
	QueueSize int `json:"queue_size"`
	// SubscriberBuffer bounds each channel subscriber.
	SubscriberBuffer int `json:"subscriber_buffer"`
	// Journal enables the sqlite event journal.
	Journal bool `json:"journal"`
}

type WorkforceConfig struct {
	// PoolSize caps concurrent in-flight subtasks.
	PoolSize int `json:"pool_size"`
	// MaxRetries bounds per-task recovery retries before escalation.
	MaxRetries int `json:"max_retries"`
	// MaxIterations bounds the worker tool-call loop per attempt.
	MaxIterations int `json:"max_iterations"`
	// PollInterval is the scheduler fallback ticker.
	PollInterval Duration `json:"poll_interval"`
	// Heartbeat is the SSE sync interval.
	Heartbeat Duration `json:"heartbeat"`
	// ConversationCap bounds TaskLock conversation history, in characters.
	ConversationCap int `json:"conversation_cap"`
	// ActionQueueSize bounds each TaskLock action queue.
	ActionQueueSize int `json:"action_queue_size"`
	// WorkflowMemorySize bounds per-worker workflow memory entries.
	WorkflowMemorySize int `json:"workflow_memory_size"`
	// QualityThreshold is the 0-100 quality score below which a successful
	// result is still recovered.
	QualityThreshold int `json:"quality_threshold"`
	// Strategies enables a subset of recovery strategies. Empty means all.
	Strategies []string `json:"strategies,omitempty"`
	// Roster is the path to agents.yaml. Defaults next to the config file.
	Roster string `json:"roster,omitempty"`
}

type ToolkitsConfig struct {
	Search   SearchConfig   `json:"search"`
	Terminal TerminalConfig `json:"terminal"`
	Files    FilesConfig    `json:"files"`
}

type SearchConfig struct {
	// Provider selects duckduckgo (default), google or bing.
	Provider   string   `json:"provider"`
	MaxResults int      `json:"max_results"`
	Timeout    Duration `json:"timeout"`

	GoogleAPIKey   string `json:"google_api_key,omitempty"`
	GoogleEngineID string `json:"google_engine_id,omitempty"`
	BingAPIKey     string `json:"bing_api_key,omitempty"`
}

type TerminalConfig struct {
	Enabled bool     `json:"enabled"`
	WorkDir string   `json:"work_dir,omitempty"`
	Timeout Duration `json:"timeout"`
}

type FilesConfig struct {
	// Root confines write_file output. Defaults to <data>/files.
	Root string `json:"root,omitempty"`
}

// MCPServer describes one entry a client may reference via installed_mcp.
type MCPServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

type JanitorConfig struct {
	// Schedule is a cron expression, e.g. "@every 10m".
	Schedule string `json:"schedule"`
	// TTL after which a terminal project lock is reaped.
	TTL Duration `json:"ttl"`
}

func applyDefaults(c *Config) {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 5678
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 1024
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = 256
	}
	if c.Workforce.PoolSize <= 0 {
		c.Workforce.PoolSize = 4
	}
	if c.Workforce.MaxRetries <= 0 {
		c.Workforce.MaxRetries = 3
	}
	if c.Workforce.MaxIterations <= 0 {
		c.Workforce.MaxIterations = 10
	}
	if c.Workforce.PollInterval == "" {
		c.Workforce.PollInterval = "5s"
	}
	if c.Workforce.Heartbeat == "" {
		c.Workforce.Heartbeat = "30s"
	}
	if c.Workforce.ConversationCap <= 0 {
		c.Workforce.ConversationCap = 10000
	}
	if c.Workforce.ActionQueueSize <= 0 {
		c.Workforce.ActionQueueSize = 1000
	}
	if c.Workforce.WorkflowMemorySize <= 0 {
		c.Workforce.WorkflowMemorySize = 10
	}
	if c.Workforce.QualityThreshold <= 0 {
		c.Workforce.QualityThreshold = 30
	}
	if c.Toolkits.Search.Provider == "" {
		c.Toolkits.Search.Provider = "duckduckgo"
	}
	if c.Toolkits.Search.MaxResults <= 0 {
		c.Toolkits.Search.MaxResults = 5
	}
	if c.Toolkits.Search.Timeout == "" {
		c.Toolkits.Search.Timeout = "15s"
	}
	if c.Toolkits.Terminal.Timeout == "" {
		c.Toolkits.Terminal.Timeout = "60s"
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 10m"
	}
	if c.Janitor.TTL == "" {
		c.Janitor.TTL = "1h"
	}
}
