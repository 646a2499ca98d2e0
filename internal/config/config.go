// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kazi. Override: KAZI_DATA_DIR env var.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Gateway       GatewayConfig         `json:"gateway" yaml:"gateway"`
	Worker        WorkerConfig          `json:"worker" yaml:"worker"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Browser       *BrowserConfig        `json:"browser,omitempty" yaml:"browser,omitempty"`             // nil = interactive sessions disabled
	Scheduler     *SchedulerConfig      `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = cron scheduler disabled
	MCP           *MCPConfig            `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP surface disabled
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewayConfig configures the HTTP API server.
type GatewayConfig struct {
	Addr              string `json:"addr" yaml:"addr"`                                   // Default: ":8080". Override: KAZI_ADDR env var.
	APIKey            string `json:"api_key,omitempty" yaml:"api_key,omitempty"`         // Bearer token. Override: KAZI_API_KEY env var. Empty = auth disabled.
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`     // Per-client rate limit. 0 = unlimited.
	BurstSize         int    `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`   // Rate limit burst. 0 = requests_per_minute.
}

// WorkerConfig configures the polling worker loop.
type WorkerConfig struct {
	ID              string `json:"id,omitempty" yaml:"id,omitempty"`             // Claim identity. Default: generated. Override: KAZI_WORKER_ID env var.
	PollIntervalS   int    `json:"poll_interval_s" yaml:"poll_interval_s"`       // Default: 2.
	MaxConcurrent   int    `json:"max_concurrent" yaml:"max_concurrent"`         // Default: 4.
	LeaseDurationS  int    `json:"lease_duration_s" yaml:"lease_duration_s"`     // Default: 120.
	RunReclaimer    bool   `json:"run_reclaimer" yaml:"run_reclaimer"`           // Enable the expired-lease sweep.
}

// PollInterval returns the poll cadence with its default applied.
func (w WorkerConfig) PollInterval() time.Duration {
	if w.PollIntervalS > 0 {
		return time.Duration(w.PollIntervalS) * time.Second
	}
	return 2 * time.Second
}

// LeaseDuration returns the claim lease with its default applied.
func (w WorkerConfig) LeaseDuration() time.Duration {
	if w.LeaseDurationS > 0 {
		return time.Duration(w.LeaseDurationS) * time.Second
	}
	return 2 * time.Minute
}

// SandboxConfig configures mission execution environments.
type SandboxConfig struct {
	Interpreter     string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`           // Default: "python3".
	Root            string            `json:"root,omitempty" yaml:"root,omitempty"`                         // Environment parent dir. Default: system temp.
	InstallTimeoutS int               `json:"install_timeout_s,omitempty" yaml:"install_timeout_s,omitempty"` // Default: 300.
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                           // Extra vars for mission processes.
}

// BrowserConfig configures the interactive session manager.
type BrowserConfig struct {
	Binary          string   `json:"binary,omitempty" yaml:"binary,omitempty"`       // Default: first chromium-family binary on PATH.
	ProfileDir      string   `json:"profile_dir,omitempty" yaml:"profile_dir,omitempty"` // Default: derived from data dir.
	Headless        bool     `json:"headless" yaml:"headless"`
	DebugPort       int      `json:"debug_port" yaml:"debug_port"` // Default: 9222.
	RecorderCommand []string `json:"recorder_command,omitempty" yaml:"recorder_command,omitempty"`
}

// Port returns the debugging port with its default applied.
func (b *BrowserConfig) Port() int {
	if b != nil && b.DebugPort > 0 {
		return b.DebugPort
	}
	return 9222
}

// SchedulerConfig configures the cron mission scheduler.
type SchedulerConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	PollIntervalS int  `json:"poll_interval_s" yaml:"poll_interval_s"` // Default: 30.
}

// PollInterval returns the scheduler poll cadence with its default applied.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalS > 0 {
		return time.Duration(s.PollIntervalS) * time.Second
	}
	return 30 * time.Second
}

// MCPConfig configures the MCP tool surface.
type MCPConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with its default applied.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns ~/.kazi/config.yaml when it exists, otherwise
// an empty string so Load falls back to built-in defaults.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".kazi", "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Load reads configuration from the given YAML or JSON file, then applies
// environment variable overrides. A missing path yields built-in defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if env := os.Getenv("KAZI_DATA_DIR"); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv("KAZI_ADDR"); env != "" {
		cfg.Gateway.Addr = env
	}
	if env := os.Getenv("KAZI_API_KEY"); env != "" {
		cfg.Gateway.APIKey = env
	}
	if env := os.Getenv("KAZI_WORKER_ID"); env != "" {
		cfg.Worker.ID = env
	}
	if env := os.Getenv("KAZI_DB_DSN"); env != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = env
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".kazi")
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8080"
	}
}

// DatabasePath returns the SQLite file path, derived from the data
// directory when not configured explicitly.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "kazi.db")
}

// BrowserProfileDir returns the persistent profile location, derived from
// the data directory when not configured explicitly.
func (c *Config) BrowserProfileDir() string {
	if c.Browser != nil && c.Browser.ProfileDir != "" {
		return c.Browser.ProfileDir
	}
	return filepath.Join(c.DataDir, "browser-profile")
}

func (c *Config) validate() error {
	if driver := c.Storage.StorageDriver(); driver != "sqlite" && driver != "postgres" {
		return fmt.Errorf("unknown storage driver %q", driver)
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	}
	if c.Browser != nil && c.Browser.DebugPort < 0 {
		return fmt.Errorf("browser debug_port must not be negative")
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
