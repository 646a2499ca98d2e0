package postgres

import (
	"context"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/scheduler"
	"github.com/okutu/kazi/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// Sub-store instances (created lazily on first access).
	mu           sync.Mutex
	tasks        queue.Store
	thoughtLogs  healing.Store
	cronMissions scheduler.CronMissionStore
}

// NewStore wraps an already-open GORM connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&TaskModel{},
		&ThoughtLogModel{},
		&CronMissionModel{},
	)
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Tasks() queue.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = NewTaskRepository(s.db)
	}
	return s.tasks
}

func (s *Store) ThoughtLogs() healing.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thoughtLogs == nil {
		s.thoughtLogs = NewThoughtLogRepository(s.db)
	}
	return s.thoughtLogs
}

func (s *Store) CronMissions() scheduler.CronMissionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronMissions == nil {
		s.cronMissions = NewCronMissionRepository(s.db)
	}
	return s.cronMissions
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
