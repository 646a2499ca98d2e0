// Package queue defines the durable task queue and its claim protocol.
// The store is the single integration surface between the producer side
// (gateway, MCP, cron) and N polling workers — there is no shared memory
// and no push channel between them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/okutu/kazi/internal/mission"
)

// Status is the lifecycle state of a task record. Transitions only move
// forward: pending → in_progress → completed|failed. The one exception is
// lease expiry, which returns an abandoned in_progress task to pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrStoreUnavailable means the backing store could not be reached.
	// Callers retry with backoff; this is never a mission failure.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrInvalidTransition means a claim or completion was attempted on a
	// task that is not in the required state or not owned by the caller.
	// This is a contract violation, logged and rejected, never silently
	// applied.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// DefaultTimeoutSeconds applies to bare shell payloads that carry no budget.
const DefaultTimeoutSeconds = 300

// Task is one queue record. The store exclusively owns these; workers only
// ever see snapshots returned from claim calls.
type Task struct {
	ID             int64
	CommandPayload string
	Status         Status
	Success        *bool // nil until terminal.
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	ResultJSON     string // Serialized mission.Result, set on completion.
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// Mission decodes the command payload. A payload that is not a JSON mission
// is treated as a bare shell command and wrapped into one, so producers can
// enqueue plain strings like "echo hi".
func (t *Task) Mission() (*mission.Mission, error) {
	payload := strings.TrimSpace(t.CommandPayload)
	if strings.HasPrefix(payload, "{") {
		var m mission.Mission
		if err := json.Unmarshal([]byte(payload), &m); err == nil {
			if m.TimeoutSeconds <= 0 {
				m.TimeoutSeconds = DefaultTimeoutSeconds
			}
			if err := m.Validate(); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	m := mission.New(payload, DefaultTimeoutSeconds)
	m.Metadata = map[string]string{"payload_form": "shell"}
	return m, nil
}

// Store is the claim-protocol contract implemented by the storage backends.
//
// PollAndClaim must be a single atomic conditional update (compare-and-swap
// on status) so that concurrent pollers never claim the same record twice.
// That exclusivity is the core correctness property of the queue; FIFO order
// across workers is best-effort only.
type Store interface {
	// Enqueue inserts a pending record and returns its id.
	Enqueue(ctx context.Context, payload string) (int64, error)

	// PollAndClaim atomically selects the oldest pending task (FIFO by
	// creation time, ties broken by ascending id), transitions it to
	// in_progress stamped with the claiming worker and a lease, and
	// returns it. Returns (nil, nil) when the queue is empty.
	PollAndClaim(ctx context.Context, workerID string) (*Task, error)

	// Complete transitions in_progress → completed|failed for a task owned
	// by workerID, stamping processed_at and the serialized result.
	// Returns ErrInvalidTransition if the task is not in_progress or is
	// owned by another worker.
	Complete(ctx context.Context, taskID int64, workerID string, success bool, resultJSON string) error

	// ExtendLease refreshes the lease on tasks the worker still holds.
	ExtendLease(ctx context.Context, workerID string, taskIDs []int64, until time.Time) error

	// ReclaimExpired returns abandoned in_progress tasks (lease expired)
	// to pending so another worker can claim them. Returns the number of
	// tasks reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)

	// Get fetches a task by id. Returns (nil, nil) when no such task exists.
	Get(ctx context.Context, taskID int64) (*Task, error)

	// List returns tasks filtered by status ("" = all), newest first.
	List(ctx context.Context, status Status, limit int) ([]Task, error)
}
