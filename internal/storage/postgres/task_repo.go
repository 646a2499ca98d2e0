package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/okutu/kazi/internal/queue"
)

// claimRetries bounds the select-then-CAS loop when concurrent pollers race
// for the same head-of-queue record.
const claimRetries = 3

// defaultLeaseDuration is how long a fresh claim is valid before the lease
// sweep may return the task to pending.
const defaultLeaseDuration = 2 * time.Minute

// TaskRepository implements queue.Store over GORM.
type TaskRepository struct {
	db    *gorm.DB
	lease time.Duration
}

// NewTaskRepository creates a task repository with the default lease.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db, lease: defaultLeaseDuration}
}

// WithLease overrides the claim lease duration.
func (r *TaskRepository) WithLease(d time.Duration) *TaskRepository {
	if d > 0 {
		r.lease = d
	}
	return r
}

// Enqueue inserts a pending record and returns its id.
func (r *TaskRepository) Enqueue(ctx context.Context, payload string) (int64, error) {
	m := TaskModel{
		CommandPayload: payload,
		Status:         string(queue.StatusPending),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, fmt.Errorf("%w: enqueuing task: %v", queue.ErrStoreUnavailable, err)
	}
	return m.ID, nil
}

// PollAndClaim selects the oldest pending task and claims it with a single
// conditional update. The WHERE clause re-checks status = 'pending', so two
// pollers racing for the same row resolve at the database: exactly one
// update reports an affected row, the loser retries on the next candidate.
func (r *TaskRepository) PollAndClaim(ctx context.Context, workerID string) (*queue.Task, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		var m TaskModel
		err := r.db.WithContext(ctx).
			Where("status = ?", string(queue.StatusPending)).
			Order("created_at ASC, id ASC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: selecting pending task: %v", queue.ErrStoreUnavailable, err)
		}

		now := time.Now().UTC()
		leaseUntil := now.Add(r.lease)
		res := r.db.WithContext(ctx).
			Model(&TaskModel{}).
			Where("id = ? AND status = ?", m.ID, string(queue.StatusPending)).
			Updates(map[string]any{
				"status":           string(queue.StatusInProgress),
				"claimed_by":       workerID,
				"claimed_at":       now,
				"lease_expires_at": leaseUntil,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("%w: claiming task %d: %v", queue.ErrStoreUnavailable, m.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // Lost the race; try the next head.
		}

		m.Status = string(queue.StatusInProgress)
		m.ClaimedBy = workerID
		m.ClaimedAt = &now
		m.LeaseExpiresAt = &leaseUntil
		return toTaskDomain(&m), nil
	}
	// Heavy contention: report empty rather than spin. The next poll tick
	// tries again.
	return nil, nil
}

// Complete transitions in_progress → completed|failed for a task owned by
// workerID.
func (r *TaskRepository) Complete(ctx context.Context, taskID int64, workerID string, success bool, resultJSON string) error {
	status := queue.StatusCompleted
	if !success {
		status = queue.StatusFailed
	}
	now := time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ? AND status = ? AND claimed_by = ?", taskID, string(queue.StatusInProgress), workerID).
		Updates(map[string]any{
			"status":           string(status),
			"success":          success,
			"result_json":      resultJSON,
			"processed_at":     now,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: completing task %d: %v", queue.ErrStoreUnavailable, taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %d not in_progress for worker %s", queue.ErrInvalidTransition, taskID, workerID)
	}
	return nil
}

// ExtendLease refreshes the lease on tasks the worker still holds.
func (r *TaskRepository) ExtendLease(ctx context.Context, workerID string, taskIDs []int64, until time.Time) error {
	if len(taskIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id IN ? AND claimed_by = ? AND status = ?", taskIDs, workerID, string(queue.StatusInProgress)).
		Update("lease_expires_at", until).Error
	if err != nil {
		return fmt.Errorf("%w: extending leases: %v", queue.ErrStoreUnavailable, err)
	}
	return nil
}

// ReclaimExpired returns abandoned in_progress tasks to pending.
func (r *TaskRepository) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?",
			string(queue.StatusInProgress), now.UTC()).
		Updates(map[string]any{
			"status":           string(queue.StatusPending),
			"claimed_by":       "",
			"claimed_at":       nil,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: reclaiming expired tasks: %v", queue.ErrStoreUnavailable, res.Error)
	}
	return res.RowsAffected, nil
}

// Get fetches a task by id. Returns (nil, nil) when no such task exists.
func (r *TaskRepository) Get(ctx context.Context, taskID int64) (*queue.Task, error) {
	var m TaskModel
	err := r.db.WithContext(ctx).First(&m, taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading task %d: %v", queue.ErrStoreUnavailable, taskID, err)
	}
	return toTaskDomain(&m), nil
}

// List returns tasks filtered by status ("" = all), newest first.
func (r *TaskRepository) List(ctx context.Context, status queue.Status, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&TaskModel{}).Order("created_at DESC, id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var models []TaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %v", queue.ErrStoreUnavailable, err)
	}

	tasks := make([]queue.Task, len(models))
	for i := range models {
		tasks[i] = *toTaskDomain(&models[i])
	}
	return tasks, nil
}

// compile-time interface check
var _ queue.Store = (*TaskRepository)(nil)
