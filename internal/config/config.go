// Package config loads and persists the operator configuration. The file
// is parsed as JSON5 so hand-edited configs may carry comments and
// trailing commas; saves write plain JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Config is the root configuration. Workspace roots are the directories
// agents are allowed to work in; at least one must be configured before
// goals can run.
type Config struct {
	WorkspaceRoots []string     `json:"workspaceRoots"`
	Worker         WorkerConfig `json:"worker,omitempty"`
	Oracle         OracleConfig `json:"oracle,omitempty"`

	mu sync.RWMutex
}

// WorkerConfig configures the worker subprocess runtime.
type WorkerConfig struct {
	Bin      string `json:"bin,omitempty"`      // worker CLI binary
	MaxTurns int    `json:"maxTurns,omitempty"` // default per-step turn cap
}

// OracleConfig configures the planning/evaluation oracle.
type OracleConfig struct {
	Bin          string `json:"bin,omitempty"`
	TimeoutSec   int    `json:"timeoutSec,omitempty"`
	RateLimitRPM int    `json:"rateLimitRpm,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Bin:      "claude",
			MaxTurns: 30,
		},
		Oracle: OracleConfig{
			Bin:          "claude",
			TimeoutSec:   300,
			RateLimitRPM: 20,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WORKFARM_WORKER_BIN", &c.Worker.Bin)
	envStr("WORKFARM_ORACLE_BIN", &c.Oracle.Bin)

	if v := os.Getenv("WORKFARM_WORKSPACE_ROOTS"); v != "" {
		c.WorkspaceRoots = nil
		for _, root := range strings.Split(v, string(os.PathListSeparator)) {
			if root = strings.TrimSpace(root); root != "" {
				c.WorkspaceRoots = append(c.WorkspaceRoots, root)
			}
		}
	}
	if v := os.Getenv("WORKFARM_ORACLE_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Oracle.RateLimitRPM = n
		}
	}
	if v := os.Getenv("WORKFARM_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.MaxTurns = n
		}
	}
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Roots returns the workspace roots with ~ expanded.
func (c *Config) Roots() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.WorkspaceRoots))
	for _, r := range c.WorkspaceRoots {
		out = append(out, ExpandHome(r))
	}
	return out
}

// AddRoot appends a workspace root if not already present.
func (c *Config) AddRoot(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.WorkspaceRoots, path) {
		return false
	}
	c.WorkspaceRoots = append(c.WorkspaceRoots, path)
	return true
}

// RemoveRoot drops a workspace root.
func (c *Config) RemoveRoot(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.WorkspaceRoots)
	c.WorkspaceRoots = slices.DeleteFunc(c.WorkspaceRoots, func(r string) bool { return r == path })
	return len(c.WorkspaceRoots) != before
}

// SetRoots replaces the workspace roots wholesale. Used by the config
// hot-reload path to fold file edits into the live config.
func (c *Config) SetRoots(roots []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WorkspaceRoots = slices.Clone(roots)
}

// HasRoots reports whether any workspace root is configured.
func (c *Config) HasRoots() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.WorkspaceRoots) > 0
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
