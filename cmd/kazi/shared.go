package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/okutu/kazi/internal/config"
	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/observability"
	"github.com/okutu/kazi/internal/sandbox"
	"github.com/okutu/kazi/internal/storage"
	pgstore "github.com/okutu/kazi/internal/storage/postgres"
	sqlitestore "github.com/okutu/kazi/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).
	Healer *healing.Healer

	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracing *observability.TracerSetup      // nil = tracing disabled.
	Health  *observability.HealthChecker

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared between gateway,
// worker and MCP modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure the data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		sc.Metrics = observability.NewMetricsCollector()
		logger.Debug("metrics collector initialized")
	}
	if cfg.Observability != nil && cfg.Observability.Tracing != nil && cfg.Observability.Tracing.Enabled {
		tracing, err := observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		sc.Tracing = tracing
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown", slog.String("error", err.Error()))
			}
		})
		logger.Debug("tracing initialized", slog.String("endpoint", cfg.Observability.Tracing.Endpoint))
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := openStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Health checks.
	sc.Health = observability.NewHealthChecker(logger)
	sc.Health.AddCheck("database", store.Ping)

	// Healer over the thought log store.
	sc.Healer = healing.NewHealer(store.ThoughtLogs(), logger)
	if sc.Metrics != nil {
		sc.Healer.WithMetrics(healing.NewMetrics(sc.Metrics.Registry))
	}

	return sc, nil
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(storage.PostgresConfig{
			DSN:              pg.DSN,
			MaxOpenConns:     pg.MaxOpenConns,
			MaxIdleConns:     pg.MaxIdleConns,
			ConnMaxLifetimeS: pg.ConnMaxLifetimeS,
		}, logger)
	default:
		scfg := storage.SQLiteConfig{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			scfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(scfg, logger)
	}
}

// buildExecutor constructs the sandbox executor from config.
func buildExecutor(cfg *config.Config, logger *slog.Logger) *sandbox.ProcessExecutor {
	return sandbox.NewProcessExecutor(sandbox.Config{
		Interpreter:    cfg.Sandbox.Interpreter,
		Root:           cfg.Sandbox.Root,
		InstallTimeout: time.Duration(cfg.Sandbox.InstallTimeoutS) * time.Second,
		Env:            cfg.Sandbox.Env,
	}, logger)
}

// newLogger builds the process-wide structured logger.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
