package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec describes one static worker in the roster.
type AgentSpec struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Toolkits     []string `yaml:"toolkits,omitempty"`
	// Provider overrides models.default for this worker.
	Provider string `yaml:"provider,omitempty"`
}

type rosterFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadRoster reads the agents.yaml worker roster. A missing file yields the
// builtin default roster.
func LoadRoster(path string) ([]AgentSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRoster(), nil
		}
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	seen := map[string]bool{}
	for _, a := range file.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("roster %s: agent without id", path)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("roster %s: duplicate agent id %q", path, a.ID)
		}
		seen[a.ID] = true
	}
	if len(file.Agents) == 0 {
		return DefaultRoster(), nil
	}
	return file.Agents, nil
}

// DefaultRoster is the built-in worker set used when no agents.yaml exists.
func DefaultRoster() []AgentSpec {
	return []AgentSpec{
		{
			ID:           "developer_agent",
			Role:         "Developer",
			Description:  "Writes code and runs shell commands to build, test and automate.",
			Capabilities: []string{"coding", "terminal", "automation"},
			Toolkits:     []string{"terminal", "files"},
		},
		{
			ID:           "search_agent",
			Role:         "Researcher",
			Description:  "Searches the web and summarizes findings with sources.",
			Capabilities: []string{"research", "web_search"},
			Toolkits:     []string{"search"},
		},
		{
			ID:           "document_agent",
			Role:         "Writer",
			Description:  "Produces documents, reports and summaries from gathered material.",
			Capabilities: []string{"writing", "summarization"},
			Toolkits:     []string{"files"},
		},
	}
}
