package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskmill/internal/domain"
)

// Config is the daemon configuration plus the declarative task definition set.
type Config struct {
	Listen         string       `yaml:"listen"`
	DB             string       `yaml:"db"`
	Tick           string       `yaml:"tick"`            // Go duration, default 60s
	TaskPause      string       `yaml:"task_pause"`      // delay between tasks in a tick, default 1s
	DefaultTimeout string       `yaml:"default_timeout"` // per-run wall clock budget, default 300s
	LogLevel       string       `yaml:"log_level"`
	Tasks          []TaskConfig `yaml:"tasks"`
}

// TaskConfig is one task definition record as it appears in YAML.
type TaskConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name,omitempty"`
	Executable      string   `yaml:"executable"`
	Args            []string `yaml:"args,omitempty"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Enabled         *bool    `yaml:"enabled,omitempty"` // default true
	Priority        int      `yaml:"priority,omitempty"`
	TimeoutSeconds  int      `yaml:"timeout_seconds,omitempty"`
	Cron            string   `yaml:"cron,omitempty"`
}

// Definition converts the YAML record to the immutable domain form.
func (t TaskConfig) Definition() domain.TaskDefinition {
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	return domain.TaskDefinition{
		ID:              t.ID,
		Name:            name,
		Executable:      t.Executable,
		Args:            t.Args,
		IntervalMinutes: t.IntervalMinutes,
		Enabled:         enabled,
		Priority:        t.Priority,
		TimeoutSeconds:  t.TimeoutSeconds,
		Cron:            t.Cron,
	}
}

// Definitions converts every configured task to its domain form, in file
// order.
func (c *Config) Definitions() []domain.TaskDefinition {
	defs := make([]domain.TaskDefinition, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Load reads and parses the YAML config at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DB == "" {
		c.DB = "taskmill.db"
	}
	if c.Tick == "" {
		c.Tick = "60s"
	}
	if c.TaskPause == "" {
		c.TaskPause = "1s"
	}
	if c.DefaultTimeout == "" {
		c.DefaultTimeout = "300s"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// TickInterval parses the tick setting.
func (c *Config) TickInterval() (time.Duration, error) {
	return parseDuration("tick", c.Tick)
}

// TaskPauseInterval parses the inter-task delay setting.
func (c *Config) TaskPauseInterval() (time.Duration, error) {
	return parseDuration("task_pause", c.TaskPause)
}

// ExecTimeout parses the default per-run timeout setting.
func (c *Config) ExecTimeout() (time.Duration, error) {
	return parseDuration("default_timeout", c.DefaultTimeout)
}

func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", field)
	}
	return d, nil
}
