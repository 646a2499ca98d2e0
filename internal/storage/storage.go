// Package storage defines the unified Store interface that abstracts all
// persistence. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (production, multi-worker deployments).
package storage

import (
	"context"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/scheduler"
)

// Store is the unified persistence interface. It provides access to the
// domain-specific sub-stores through accessor methods; both backends
// implement it over the same GORM models.
type Store interface {
	// Tasks returns the durable task queue with its claim protocol.
	Tasks() queue.Store

	// ThoughtLogs returns the append-only healing attempt log.
	ThoughtLogs() healing.Store

	// CronMissions returns the recurring mission definitions.
	CronMissions() scheduler.CronMissionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path" json:"path,omitempty"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" (default)
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn" json:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s" json:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
