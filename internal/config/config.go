// Package config loads the application-level configuration file. Per-bridge
// settings live in the record store, not here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	ListenAddr     string           `yaml:"listenAddr"`
	DBPath         string           `yaml:"dbPath"`
	Workspace      string           `yaml:"workspace"`
	HealthSchedule string           `yaml:"healthSchedule"`
	Completion     CompletionConfig `yaml:"completion"`
}

// CompletionConfig selects the completion backend.
type CompletionConfig struct {
	Backend string `yaml:"backend"` // cli | openai | anthropic
	CLIPath string `yaml:"cliPath"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8090",
		DBPath:         "msgbridge.db",
		HealthSchedule: "@every 1m",
		Completion: CompletionConfig{
			Backend: "cli",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
