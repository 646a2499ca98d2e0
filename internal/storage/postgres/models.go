package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskModel maps to the "tasks" table. The composite status/created index
// backs the claim query's "oldest pending" scan.
type TaskModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	CommandPayload string `gorm:"type:text;not null"`
	Status         string `gorm:"not null;default:'pending';index:idx_tasks_claim,priority:1"`
	Success        *bool
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time `gorm:"index"`
	ResultJSON     string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"index:idx_tasks_claim,priority:2"`
	ProcessedAt    *time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// ThoughtLogModel maps to the "thought_logs" table. Rows are append-only;
// nothing in the codebase updates or deletes them. The unique
// (mission_id, retry_count) index is load-bearing: it is what makes the
// per-mission retry ordering hold under concurrent appenders — a writer
// that lost the count race gets a constraint violation instead of
// committing a duplicate retry_count.
type ThoughtLogModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	MissionID          string    `gorm:"not null;uniqueIndex:uidx_thought_logs_mission_retry,priority:1"`
	SessionID          string    `gorm:"index"`
	Visibility         string    `gorm:"not null"`
	ThoughtProcess     string    `gorm:"type:text"`
	ProblemDescription string    `gorm:"type:text"`
	SolutionAttempt    string    `gorm:"type:text"`
	Success            bool      `gorm:"not null"`
	ErrorMessage       string    `gorm:"type:text"`
	RetryCount         int       `gorm:"not null;uniqueIndex:uidx_thought_logs_mission_retry,priority:2"`
	RequiresHuman      bool      `gorm:"not null;default:false"`
	EscalationReason   string    `gorm:"type:text"`
	ContextData        JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt          time.Time `gorm:"index"`
}

func (ThoughtLogModel) TableName() string { return "thought_logs" }

// CronMissionModel maps to the "cron_missions" table.
type CronMissionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null;uniqueIndex"`
	Schedule  string    `gorm:"not null"`
	Payload   string    `gorm:"type:text;not null"`
	Enabled   bool      `gorm:"not null;default:true;index"`
	NextRunAt time.Time `gorm:"not null;index"`
	LastRunAt *time.Time
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CronMissionModel) TableName() string { return "cron_missions" }

// JSONB stores a JSON document. Postgres keeps it as jsonb; the SQLite
// dialect falls back to text, which is fine since values round-trip as raw
// JSON either way.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = JSONB("{}")
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSONB(append([]byte(nil), v...))
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return nil
}
