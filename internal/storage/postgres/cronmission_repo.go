package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/okutu/kazi/internal/scheduler"
)

// CronMissionRepository implements scheduler.CronMissionStore over GORM.
type CronMissionRepository struct {
	db *gorm.DB
}

// NewCronMissionRepository creates a cron mission repository.
func NewCronMissionRepository(db *gorm.DB) *CronMissionRepository {
	return &CronMissionRepository{db: db}
}

func (r *CronMissionRepository) Create(ctx context.Context, cm *scheduler.CronMission) error {
	if cm.ID == uuid.Nil {
		cm.ID = uuid.New()
	}
	m := fromCronDomain(cm)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating cron mission: %w", err)
	}
	cm.CreatedAt = m.CreatedAt
	cm.UpdatedAt = m.UpdatedAt
	return nil
}

func (r *CronMissionRepository) Get(ctx context.Context, id uuid.UUID) (*scheduler.CronMission, error) {
	var m CronMissionModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cron mission: %w", err)
	}
	return toCronDomain(&m), nil
}

func (r *CronMissionRepository) List(ctx context.Context) ([]scheduler.CronMission, error) {
	var models []CronMissionModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing cron missions: %w", err)
	}
	out := make([]scheduler.CronMission, len(models))
	for i := range models {
		out[i] = *toCronDomain(&models[i])
	}
	return out, nil
}

func (r *CronMissionRepository) Update(ctx context.Context, cm *scheduler.CronMission) error {
	m := fromCronDomain(cm)
	res := r.db.WithContext(ctx).Model(&CronMissionModel{}).
		Where("id = ?", cm.ID).
		Updates(map[string]any{
			"name":        m.Name,
			"schedule":    m.Schedule,
			"payload":     m.Payload,
			"enabled":     m.Enabled,
			"next_run_at": m.NextRunAt,
			"last_error":  m.LastError,
		})
	if res.Error != nil {
		return fmt.Errorf("updating cron mission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cron mission %s not found", cm.ID)
	}
	return nil
}

func (r *CronMissionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&CronMissionModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting cron mission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cron mission %s not found", id)
	}
	return nil
}

func (r *CronMissionRepository) ListDue(ctx context.Context, now time.Time) ([]scheduler.CronMission, error) {
	var models []CronMissionModel
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now.UTC()).
		Order("next_run_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing due cron missions: %w", err)
	}
	out := make([]scheduler.CronMission, len(models))
	for i := range models {
		out[i] = *toCronDomain(&models[i])
	}
	return out, nil
}

func (r *CronMissionRepository) RecordRun(ctx context.Context, id uuid.UUID, ranAt, nextRunAt time.Time, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&CronMissionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": ranAt.UTC(),
			"next_run_at": nextRunAt.UTC(),
			"last_error":  errMsg,
		})
	if res.Error != nil {
		return fmt.Errorf("recording cron run: %w", res.Error)
	}
	return nil
}

// compile-time interface check
var _ scheduler.CronMissionStore = (*CronMissionRepository)(nil)
