package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tailscale/hujson"
)

// ErrNotFound is returned when no config file exists at the given path.
var ErrNotFound = errors.New("config file not found")

var envPattern = regexp.MustCompile(`\$\{\{\s*\.Env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} references and
// applies defaults. A missing file yields a default config and ErrNotFound.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(cfg)
			return cfg, ErrNotFound
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	raw = expandEnv(raw)

	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	applyDefaults(cfg)

	if cfg.Workforce.Roster == "" {
		cfg.Workforce.Roster = filepath.Join(filepath.Dir(path), "agents.yaml")
	}
	return cfg, nil
}

// expandEnv substitutes ${{ .Env.NAME }} with the environment value.
// Unset variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		sub := envPattern.FindSubmatch(m)
		return []byte(os.Getenv(string(sub[1])))
	})
}
