package config

import (
	"bytes"

	"github.com/BurntSushi/toml"
)

// Compiled-in defaults. Everything here can be overridden per-project
// through .conductor/conductor.toml; absent keys fall back to these values.

func defaultPool() PoolConfig {
	return PoolConfig{
		MaxSessions:    3,
		IdleTTLSeconds: 60,
		DefaultModel:   "sonnet-4.5",
	}
}

func defaultHealth() HealthConfig {
	return HealthConfig{
		PollIntervalSeconds:  5,
		IdleThresholdSeconds: 30,
		MaxNudges:            2,
		MaxRetries:           1,
	}
}

func defaultModels() map[string]string {
	return map[string]string{
		"autonomous":  "opus-4.6",
		"standard":    "sonnet-4.5",
		"lightweight": "composer-1.5",
	}
}

// Timeouts are per-phase budgets in seconds for a single agent step.
func defaultTimeouts() map[string]int {
	return map[string]int{
		"design":    300,
		"plan":      180,
		"architect": 300,
		"test":      120,
		"implement": 180,
		"verify":    60,
		"pr":        120,
	}
}

// Step tiers map pipeline step IDs to model tiers. Steps marked "python"
// run inside the orchestrator itself and never dispatch to an agent.
// Wildcard keys like "4.2.*" cover fan-out steps ("4.2.1", "4.2.2", ...).
func defaultSteps() map[string]string {
	return map[string]string{
		"1.1":   "python",
		"1.2":   "autonomous",
		"1.3":   "python",
		"2.1":   "python",
		"2.2":   "autonomous",
		"2.3":   "python",
		"3.1":   "python",
		"3.2":   "autonomous",
		"3.3":   "autonomous",
		"3.4":   "python",
		"4.1":   "python",
		"4.2.*": "standard",
		"4.3":   "python",
		"5.1":   "python",
		"5.2.*": "standard",
		"5.3":   "python",
		"5.4":   "standard",
		"6.1":   "python",
		"6.2":   "standard",
		"6.3":   "python",
		"7.1":   "python",
		"7.2":   "standard",
		"7.3":   "python",
		"7.4":   "python",
	}
}

// Defaults returns a fully populated config built from compiled-in values.
func Defaults() *Config {
	return &Config{
		Pool:     defaultPool(),
		Models:   defaultModels(),
		Timeouts: defaultTimeouts(),
		Health:   defaultHealth(),
		Steps:    defaultSteps(),
	}
}

type tomlConfig struct {
	Pool    PoolConfig        `toml:"pool"`
	Model   map[string]string `toml:"model"`
	Timeout map[string]int    `toml:"timeout"`
	Health  HealthConfig      `toml:"health"`
	Step    map[string]string `toml:"step"`
}

// GenerateTOML renders the compiled-in defaults as a TOML document
// suitable for seeding a project's conductor.toml.
func GenerateTOML() (string, error) {
	cfg := Defaults()
	doc := tomlConfig{
		Pool:    cfg.Pool,
		Model:   cfg.Models,
		Timeout: cfg.Timeouts,
		Health:  cfg.Health,
		Step:    cfg.Steps,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
