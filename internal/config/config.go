// Package config holds the scheduler configuration: one explicit value
// constructed at startup and passed into every component. No package-level
// mutable state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ResourceConfig holds resource limits and sampling cadence. Intervals are
// seconds so the YAML stays plain numbers.
type ResourceConfig struct {
	SoftCPUPercent    float64 `yaml:"soft_cpu_percent"`
	HardCPUPercent    float64 `yaml:"hard_cpu_percent"`
	SoftMemPercent    float64 `yaml:"soft_mem_percent"`
	HardMemPercent    float64 `yaml:"hard_mem_percent"`
	SampleIntervalSec float64 `yaml:"sample_interval_sec"`
	WindowSec         float64 `yaml:"window_sec"`
}

// PollerConfig bounds the adaptive poll interval.
type PollerConfig struct {
	DefaultIntervalSec float64 `yaml:"default_interval_sec"`
	MinIntervalSec     float64 `yaml:"min_interval_sec"`
	MaxIntervalSec     float64 `yaml:"max_interval_sec"`
	CooldownFactor     float64 `yaml:"cooldown_factor"`
	BackoffFactor      float64 `yaml:"backoff_factor"`
}

// LauncherConfig describes how worker processes are spawned.
type LauncherConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// EventsConfig controls event file housekeeping.
type EventsConfig struct {
	MaxAgeSec          float64 `yaml:"max_age_sec"`
	CleanupIntervalSec float64 `yaml:"cleanup_interval_sec"`
}

// Config is the top-level scheduler configuration.
type Config struct {
	MaxWorkers   int            `yaml:"max_workers"`
	RootDir      string         `yaml:"root_dir"`
	DatabasePath string         `yaml:"database_path"`
	Resources    ResourceConfig `yaml:"resources"`
	Poller       PollerConfig   `yaml:"poller"`
	Launcher     LauncherConfig `yaml:"launcher"`
	Events       EventsConfig   `yaml:"events"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxWorkers:   4,
		RootDir:      ".",
		DatabasePath: "scheduler.db",
		Resources: ResourceConfig{
			SoftCPUPercent:    70,
			HardCPUPercent:    85,
			SoftMemPercent:    75,
			HardMemPercent:    90,
			SampleIntervalSec: 5,
			WindowSec:         60,
		},
		Poller: PollerConfig{
			DefaultIntervalSec: 5,
			MinIntervalSec:     1,
			MaxIntervalSec:     60,
			CooldownFactor:     0.5,
			BackoffFactor:      1.5,
		},
		Launcher: LauncherConfig{
			Command: "taskworker",
		},
		Events: EventsConfig{
			MaxAgeSec:          24 * 60 * 60,
			CleanupIntervalSec: 10 * 60,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; malformed YAML is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Unmarshaling over the defaults keeps absent keys at their default
	// values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges the rest of the system assumes.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.Resources.SampleIntervalSec <= 0 {
		return fmt.Errorf("sample_interval_sec must be positive, got %g", c.Resources.SampleIntervalSec)
	}
	if c.Resources.WindowSec < c.Resources.SampleIntervalSec {
		return fmt.Errorf("window_sec %g is shorter than sample_interval_sec %g", c.Resources.WindowSec, c.Resources.SampleIntervalSec)
	}
	if c.Resources.SoftCPUPercent > c.Resources.HardCPUPercent {
		return fmt.Errorf("soft_cpu_percent %g exceeds hard_cpu_percent %g", c.Resources.SoftCPUPercent, c.Resources.HardCPUPercent)
	}
	if c.Resources.SoftMemPercent > c.Resources.HardMemPercent {
		return fmt.Errorf("soft_mem_percent %g exceeds hard_mem_percent %g", c.Resources.SoftMemPercent, c.Resources.HardMemPercent)
	}
	if c.Poller.MinIntervalSec <= 0 {
		return fmt.Errorf("min_interval_sec must be positive, got %g", c.Poller.MinIntervalSec)
	}
	if c.Poller.MaxIntervalSec < c.Poller.MinIntervalSec {
		return fmt.Errorf("max_interval_sec %g is below min_interval_sec %g", c.Poller.MaxIntervalSec, c.Poller.MinIntervalSec)
	}
	if c.Poller.CooldownFactor <= 0 || c.Poller.CooldownFactor >= 1 {
		return fmt.Errorf("cooldown_factor must be in (0, 1), got %g", c.Poller.CooldownFactor)
	}
	if c.Poller.BackoffFactor <= 1 {
		return fmt.Errorf("backoff_factor must be > 1, got %g", c.Poller.BackoffFactor)
	}
	if c.Launcher.Command == "" {
		return fmt.Errorf("launcher command must not be empty")
	}
	return nil
}

// SampleInterval returns the sampling cadence as a duration.
func (c *Config) SampleInterval() time.Duration {
	return secondsToDuration(c.Resources.SampleIntervalSec)
}

// Window returns the trend window as a duration.
func (c *Config) Window() time.Duration {
	return secondsToDuration(c.Resources.WindowSec)
}

// PollerIntervals returns the default, min and max poll intervals.
func (c *Config) PollerIntervals() (def, min, max time.Duration) {
	return secondsToDuration(c.Poller.DefaultIntervalSec),
		secondsToDuration(c.Poller.MinIntervalSec),
		secondsToDuration(c.Poller.MaxIntervalSec)
}

// EventMaxAge returns the age beyond which event files are deleted.
func (c *Config) EventMaxAge() time.Duration {
	return secondsToDuration(c.Events.MaxAgeSec)
}

// EventCleanupInterval returns how often old event files are swept.
func (c *Config) EventCleanupInterval() time.Duration {
	return secondsToDuration(c.Events.CleanupIntervalSec)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
