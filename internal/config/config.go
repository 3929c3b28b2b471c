// Package config loads loom's runtime configuration: which store backend
// to use, worker pool tuning, and scheduler definitions. Grounded on the
// teacher's internal/config package (YAML + environment overrides, XDG
// base directory resolution), trimmed to the durable-execution core's
// concerns.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig selects and configures the Store implementation.
type BackendConfig struct {
	// Type is "sqlite" or "postgres".
	Type string `yaml:"type"`

	SQLitePath string `yaml:"sqlite_path"`

	PostgresDSN          string `yaml:"postgres_dsn"`
	PostgresMaxOpenConns int    `yaml:"postgres_max_open_conns"`
}

// WorkerConfig tunes the worker pool (spec §4.F).
type WorkerConfig struct {
	Count            int           `yaml:"count"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
	// MetricsAddr, if non-empty, serves the Prometheus scrape endpoint
	// (internal/metrics.Handler) on this address while the worker runs.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ScheduleEntry is one cron-triggered workflow start (SPEC_FULL §7).
type ScheduleEntry struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Module   string         `yaml:"module"`
	Workflow string         `yaml:"workflow"`
	Input    map[string]any `yaml:"input"`
}

// Config is loom's top-level configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Worker    WorkerConfig    `yaml:"worker"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// Default returns the configuration loom runs with when no config file is
// present: a SQLite store at the XDG data path and a 4-worker pool polling
// every 500ms, matching spec §4.F's stated defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:       "sqlite",
			SQLitePath: DefaultSQLitePath(),
		},
		Worker: WorkerConfig{
			Count:            4,
			PollInterval:     500 * time.Millisecond,
			ShutdownDeadline: 30 * time.Second,
			MetricsAddr:      ":9090",
		},
	}
}

// Load reads a YAML config file at path, falling back to Default() if path
// is empty and no default file exists. Environment variables take
// precedence over file values so a deployment can override the backend
// without editing the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOM_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("LOOM_SQLITE_PATH"); v != "" {
		cfg.Backend.SQLitePath = v
	}
	if v := os.Getenv("LOOM_POSTGRES_DSN"); v != "" {
		cfg.Backend.Type = "postgres"
		cfg.Backend.PostgresDSN = v
	}
}
