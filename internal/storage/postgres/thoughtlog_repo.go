package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/okutu/kazi/internal/healing"
)

// ThoughtLogRepository implements healing.Store over GORM. Entries are
// append-only; no update or delete path exists.
type ThoughtLogRepository struct {
	db *gorm.DB
}

// NewThoughtLogRepository creates a thought log repository.
func NewThoughtLogRepository(db *gorm.DB) *ThoughtLogRepository {
	return &ThoughtLogRepository{db: db}
}

// appendRetries bounds the reread-then-insert loop when concurrent appenders
// race for the same retry_count slot.
const appendRetries = 3

// Append inserts one attempt entry. RetryCount and the escalation latch are
// recomputed from the full prior history inside the same transaction that
// inserts the row, so the latch and its triggering failure always land in a
// single write. Monotonicity does not rest on the transaction alone: under
// READ COMMITTED two appenders can both see the same history, so the unique
// (mission_id, retry_count) index rejects the loser and the insert is
// retried against the fresh history. A mission that escalated between the
// caller's check and the insert is rejected with healing.ErrEscalated.
func (r *ThoughtLogRepository) Append(ctx context.Context, e *healing.Entry) error {
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		err = r.tryAppend(ctx, e)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		// Lost the retry_count race; reread and try the next slot.
	}
	return fmt.Errorf("inserting thought log entry after %d conflicts: %w", appendRetries, err)
}

func (r *ThoughtLogRepository) tryAppend(ctx context.Context, e *healing.Entry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ThoughtLogModel
		if err := tx.
			Where("mission_id = ?", e.MissionID).
			Order("retry_count ASC, created_at ASC").
			Find(&models).Error; err != nil {
			return fmt.Errorf("loading prior entries: %w", err)
		}
		prior := make([]healing.Entry, len(models))
		for i := range models {
			p, err := toThoughtEntry(&models[i])
			if err != nil {
				return err
			}
			prior[i] = *p
		}

		if healing.Resolve(prior).Phase == healing.PhaseEscalated {
			return healing.ErrEscalated
		}

		e.RetryCount = len(prior)
		if !e.Success && healing.NextFailureLatches(prior) {
			e.RequiresHuman = true
			if e.EscalationReason == "" {
				e.EscalationReason = fmt.Sprintf("%d consecutive failed attempts", healing.StrikeLimit)
			}
		} else {
			// Authoritative over any caller pre-computation made against a
			// stale history.
			e.RequiresHuman = false
			e.EscalationReason = ""
		}

		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = tx.NowFunc()
		}

		m, err := fromThoughtEntry(e)
		if err != nil {
			return err
		}
		if err := tx.Create(m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			return fmt.Errorf("inserting thought log entry: %w", err)
		}
		return nil
	})
}

// ListByMission returns all entries for a mission in ascending retry order.
func (r *ThoughtLogRepository) ListByMission(ctx context.Context, missionID string) ([]healing.Entry, error) {
	var models []ThoughtLogModel
	err := r.db.WithContext(ctx).
		Where("mission_id = ?", missionID).
		Order("retry_count ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing thought log entries: %w", err)
	}

	entries := make([]healing.Entry, len(models))
	for i := range models {
		e, err := toThoughtEntry(&models[i])
		if err != nil {
			return nil, err
		}
		entries[i] = *e
	}
	return entries, nil
}

// Latest returns the most recent entry for a mission, or nil.
func (r *ThoughtLogRepository) Latest(ctx context.Context, missionID string) (*healing.Entry, error) {
	var m ThoughtLogModel
	err := r.db.WithContext(ctx).
		Where("mission_id = ?", missionID).
		Order("retry_count DESC, created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest thought log entry: %w", err)
	}
	return toThoughtEntry(&m)
}

// compile-time interface check
var _ healing.Store = (*ThoughtLogRepository)(nil)
