// Package config loads conductor's layered configuration: compiled-in
// defaults overridden by an optional .conductor/conductor.toml in the
// project root. A missing or unparsable file falls back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// Dir is the per-project conductor directory, relative to the project root.
	Dir = ".conductor"
	// Filename is the config file name inside Dir.
	Filename = "conductor.toml"
)

// PoolConfig bounds the tmux session pool.
type PoolConfig struct {
	MaxSessions    int    `toml:"max_sessions"`
	IdleTTLSeconds int    `toml:"idle_ttl_seconds"`
	DefaultModel   string `toml:"default_model"`
}

// HealthConfig tunes the session health monitor.
type HealthConfig struct {
	PollIntervalSeconds  int `toml:"poll_interval_seconds"`
	IdleThresholdSeconds int `toml:"idle_threshold_seconds"`
	MaxNudges            int `toml:"max_nudges"`
	MaxRetries           int `toml:"max_retries"`
}

// Config is the merged runtime configuration.
type Config struct {
	Pool     PoolConfig
	Models   map[string]string // tier name -> model ID
	Timeouts map[string]int    // phase name -> seconds
	Health   HealthConfig
	Steps    map[string]string // step ID (or "N.M.*" wildcard) -> tier
}

// Path returns the config file path under the given project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, Dir, Filename)
}

// fileConfig mirrors the TOML layout for decoding overrides. The struct
// sections point into the config being built so the decoder only touches
// keys that are actually present in the file.
type fileConfig struct {
	Pool    *PoolConfig       `toml:"pool"`
	Model   map[string]string `toml:"model"`
	Timeout map[string]int    `toml:"timeout"`
	Health  *HealthConfig     `toml:"health"`
	Step    map[string]string `toml:"step"`
}

// Load reads .conductor/conductor.toml under projectRoot and merges it
// over the compiled-in defaults. Keys absent from the file keep their
// default values; a parse failure logs a warning and returns defaults.
func Load(projectRoot string) *Config {
	cfg := Defaults()
	path := Path(projectRoot)

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	overrides := fileConfig{
		Pool:   &cfg.Pool,
		Health: &cfg.Health,
	}
	if _, err := toml.Decode(string(data), &overrides); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to parse %s: %v\n", path, err)
		return Defaults()
	}

	for k, v := range overrides.Model {
		cfg.Models[k] = v
	}
	for k, v := range overrides.Timeout {
		cfg.Timeouts[k] = v
	}
	for k, v := range overrides.Step {
		cfg.Steps[k] = v
	}
	return cfg
}

// Init writes a conductor.toml populated with defaults under projectRoot,
// creating .conductor if needed. An existing file is preserved as
// conductor.toml.bak before being overwritten. Returns the config path.
func Init(projectRoot string) (string, error) {
	dir := filepath.Join(projectRoot, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, Filename)
	if existing, err := os.ReadFile(path); err == nil {
		backup := strings.TrimSuffix(path, ".toml") + ".toml.bak"
		if err := os.WriteFile(backup, existing, 0o644); err != nil {
			return "", fmt.Errorf("backing up %s: %w", path, err)
		}
	}

	doc, err := GenerateTOML()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// ResolveStepTier maps a step ID to its model tier. Lookup order: exact
// match, then prefix wildcard ("4.2.1" matches "4.2.*"), then "standard".
func (c *Config) ResolveStepTier(stepID string) string {
	if tier, ok := c.Steps[stepID]; ok {
		return tier
	}
	if i := strings.LastIndex(stepID, "."); i >= 0 {
		if tier, ok := c.Steps[stepID[:i]+".*"]; ok {
			return tier
		}
	}
	return "standard"
}

// ResolveStepModel maps a step ID to the model it should run on,
// falling back to the pool's default model for unknown tiers.
func (c *Config) ResolveStepModel(stepID string) string {
	tier := c.ResolveStepTier(stepID)
	if model, ok := c.Models[tier]; ok {
		return model
	}
	return c.Pool.DefaultModel
}

// PhaseTimeout returns the configured budget for a phase, or zero when
// the phase has no entry (callers treat zero as no timeout).
func (c *Config) PhaseTimeout(phase string) int {
	return c.Timeouts[phase]
}
