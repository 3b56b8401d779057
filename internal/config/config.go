// Package config loads the worker configuration from yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from yaml strings like "30s" and
// "2m" as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Redis holds connection settings for the shared store.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Budgets are per-queue worker concurrency limits.
type Budgets struct {
	Ticks   int `yaml:"ticks"`
	Tools   int `yaml:"tools"`
	Replies int `yaml:"replies"`
}

// Guards bound runaway conversations.
type Guards struct {
	MaxBranchLength int      `yaml:"max_branch_length"`
	MaxIdleRounds   int      `yaml:"max_idle_rounds"`
	MaxReflections  int      `yaml:"max_reflections"`
	WaitDeadline    Duration `yaml:"wait_deadline"`
}

// Dedup selects the global duplicate-suppression policy.
type Dedup struct {
	Policy   string   `yaml:"policy"` // permissive | observed | strict
	Lookback Duration `yaml:"lookback"`
}

// Config is the full worker configuration.
type Config struct {
	Redis      Redis    `yaml:"redis"`
	Budgets    Budgets  `yaml:"budgets"`
	Guards     Guards   `yaml:"guards"`
	Dedup      Dedup    `yaml:"dedup"`
	FenceTTL   Duration `yaml:"fence_ttl"`
	HTTPListen string   `yaml:"http_listen"`
	LogLevel   string   `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Redis:   Redis{Address: "localhost:6379", Prefix: "weft:"},
		Budgets: Budgets{Ticks: 8, Tools: 16, Replies: 2},
		Guards: Guards{
			MaxBranchLength: 512,
			MaxIdleRounds:   5,
			MaxReflections:  3,
			WaitDeadline:    Duration(2 * time.Minute),
		},
		Dedup:      Dedup{Policy: "observed", Lookback: Duration(10 * time.Minute)},
		FenceTTL:   Duration(30 * time.Second),
		HTTPListen: ":8714",
		LogLevel:   "info",
	}
}

// Load reads a yaml config file, applying defaults for omitted fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
