package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// Config is loaded from flotilla.yaml in the data directory. Every field has
// a working default so a missing config file is not an error.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Run     RunConfig     `yaml:"run"`
	Worker  WorkerConfig  `yaml:"worker"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type RunConfig struct {
	// MaxParallel bounds concurrent workers within a wave.
	MaxParallel int `yaml:"max_parallel"`
	// TaskTimeoutMin is the per-task deadline in minutes.
	TaskTimeoutMin int `yaml:"task_timeout_min"`
	// MaxWaveRetries is how many times the failed subset of a wave is
	// redispatched before the wave is declared blocked.
	MaxWaveRetries int `yaml:"max_wave_retries"`
}

type WorkerConfig struct {
	// Command and Args define the subprocess invoked per task. The
	// assignment is written to its stdin as YAML; the result is read from
	// its stdout as YAML.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type WatchConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when flotilla.yaml is absent.
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			MaxParallel:    4,
			TaskTimeoutMin: 10,
			MaxWaveRetries: 1,
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path and overlays it on the defaults. A missing file
// returns the defaults; a malformed file is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yamlv3.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Run.MaxParallel <= 0 {
		cfg.Run.MaxParallel = 4
	}
	if cfg.Run.TaskTimeoutMin <= 0 {
		cfg.Run.TaskTimeoutMin = 10
	}
	if cfg.Run.MaxWaveRetries < 0 {
		cfg.Run.MaxWaveRetries = 1
	}
	if cfg.Watch.DebounceMs <= 0 {
		cfg.Watch.DebounceMs = 100
	}
	return cfg, nil
}
