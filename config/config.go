// Package config loads runtime configuration from TOML.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the root of the configuration file.
type Config struct {
	Model  ModelConfig   `toml:"model"`
	Loop   LoopConfig    `toml:"loop"`
	Policy PolicyConfig  `toml:"policy"`
	Mounts []MountConfig `toml:"mounts"`
	Log    LogConfig     `toml:"log"`
}

// ModelConfig selects the completion backend.
type ModelConfig struct {
	Name        string  `toml:"name"`
	APIKey      string  `toml:"api_key"`
	APIKeyEnv   string  `toml:"api_key_env"`
	BaseURL     string  `toml:"base_url"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// LoopConfig bounds a run.
type LoopConfig struct {
	MaxPhases   int `toml:"max_phases"`
	TokenBudget int `toml:"token_budget"`
}

// PolicyConfig is the gateway rule table. Default applies to tools without
// an explicit rule.
type PolicyConfig struct {
	Default string       `toml:"default"`
	Rules   []PolicyRule `toml:"rules"`
}

// PolicyRule binds one flat tool name to a verdict.
type PolicyRule struct {
	Tool   string `toml:"tool"`
	Action string `toml:"action"`
	Reason string `toml:"reason"`
}

// MountConfig describes one provider to mount at startup. An empty Command
// means the builtin in-process provider.
type MountConfig struct {
	Prefix  string   `toml:"prefix"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Pinned  bool     `toml:"pinned"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.APIKey == "" && c.Model.APIKeyEnv != "" {
		c.Model.APIKey = os.Getenv(c.Model.APIKeyEnv)
	}
	if c.Loop.MaxPhases == 0 {
		c.Loop.MaxPhases = 16
	}
	if c.Policy.Default == "" {
		c.Policy.Default = "allow"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	seen := make(map[string]bool)
	for _, m := range c.Mounts {
		if m.Prefix == "" {
			return fmt.Errorf("mounts: prefix is required")
		}
		if seen[m.Prefix] {
			return fmt.Errorf("mounts: duplicate prefix %q", m.Prefix)
		}
		seen[m.Prefix] = true
	}
	actions := map[string]bool{"allow": true, "deny_abort": true, "deny_continue": true, "ask": true}
	if !actions[c.Policy.Default] {
		return fmt.Errorf("policy.default: unknown action %q", c.Policy.Default)
	}
	for _, r := range c.Policy.Rules {
		if r.Tool == "" {
			return fmt.Errorf("policy.rules: tool is required")
		}
		if !actions[r.Action] {
			return fmt.Errorf("policy.rules: unknown action %q for tool %s", r.Action, r.Tool)
		}
	}
	return nil
}
