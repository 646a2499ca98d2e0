// Package scheduler runs recurring missions on cron expressions. It polls
// the store for due entries and enqueues their payloads as ordinary queue
// tasks, so scheduled work flows through the exact same claim protocol and
// sandbox as ad-hoc missions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/okutu/kazi/internal/queue"
)

const defaultPollInterval = 30 * time.Second

// CronMission is a recurring mission definition.
type CronMission struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"` // Standard 5-field cron expression.
	Payload   string     `json:"payload"`  // Queue command payload (JSON mission or shell).
	Enabled   bool       `json:"enabled"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CronMissionStore is the persistence interface for cron missions.
type CronMissionStore interface {
	Create(ctx context.Context, cm *CronMission) error
	Get(ctx context.Context, id uuid.UUID) (*CronMission, error)
	List(ctx context.Context) ([]CronMission, error)
	Update(ctx context.Context, cm *CronMission) error
	Delete(ctx context.Context, id uuid.UUID) error

	// ListDue returns enabled missions whose next_run_at is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]CronMission, error)

	// RecordRun stamps last_run_at, the next fire time and the enqueue error
	// (empty on success).
	RecordRun(ctx context.Context, id uuid.UUID, ranAt, nextRunAt time.Time, errMsg string) error
}

// Parser is the shared cron expression parser: standard 5-field expressions,
// no seconds, no descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks a cron expression and returns its next fire time
// after now.
func ValidateSchedule(expr string, now time.Time) (time.Time, error) {
	sched, err := Parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// Scheduler polls for due cron missions and enqueues them.
type Scheduler struct {
	store        CronMissionStore
	tasks        queue.Store
	logger       *slog.Logger
	metrics      *Metrics
	pollInterval time.Duration
}

// New creates a Scheduler.
func New(store CronMissionStore, tasks queue.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		tasks:        tasks,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// WithMetrics attaches Prometheus metrics. Optional.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithPollInterval overrides the poll cadence.
func (s *Scheduler) WithPollInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.pollInterval = d
	}
	return s
}

// Start begins the scheduler loop and returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.Info("cron scheduler started",
			slog.Duration("poll_interval", s.pollInterval),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("cron scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one poll cycle: enqueue every due mission and advance its
// next fire time. A mission that cannot be enqueued still advances, so a
// broken store entry cannot wedge the loop into re-firing every tick.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.Warn("polling due cron missions failed", slog.String("error", err.Error()))
		return
	}

	for _, cm := range due {
		next, err := ValidateSchedule(cm.Schedule, now)
		if err != nil {
			// Unparseable schedule: disable rather than retry forever.
			s.logger.Error("disabling cron mission with invalid schedule",
				slog.String("cron_id", cm.ID.String()),
				slog.String("schedule", cm.Schedule),
			)
			cm.Enabled = false
			cm.LastError = err.Error()
			if uerr := s.store.Update(ctx, &cm); uerr != nil {
				s.logger.Warn("failed to disable cron mission", slog.String("error", uerr.Error()))
			}
			continue
		}

		errMsg := ""
		taskID, err := s.tasks.Enqueue(ctx, cm.Payload)
		if err != nil {
			errMsg = err.Error()
			s.logger.Warn("cron mission enqueue failed",
				slog.String("cron_id", cm.ID.String()),
				slog.String("name", cm.Name),
				slog.String("error", errMsg),
			)
		} else {
			s.logger.Info("cron mission enqueued",
				slog.String("cron_id", cm.ID.String()),
				slog.String("name", cm.Name),
				slog.Int64("task_id", taskID),
			)
		}

		if s.metrics != nil {
			s.metrics.ObserveFire(errMsg == "")
		}

		if err := s.store.RecordRun(ctx, cm.ID, now, next, errMsg); err != nil {
			s.logger.Warn("failed to record cron run",
				slog.String("cron_id", cm.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
