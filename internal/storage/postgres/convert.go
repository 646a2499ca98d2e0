package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/scheduler"
)

func toTaskDomain(m *TaskModel) *queue.Task {
	return &queue.Task{
		ID:             m.ID,
		CommandPayload: m.CommandPayload,
		Status:         queue.Status(m.Status),
		Success:        m.Success,
		ClaimedBy:      m.ClaimedBy,
		ClaimedAt:      m.ClaimedAt,
		LeaseExpiresAt: m.LeaseExpiresAt,
		ResultJSON:     m.ResultJSON,
		CreatedAt:      m.CreatedAt,
		ProcessedAt:    m.ProcessedAt,
	}
}

func fromThoughtEntry(e *healing.Entry) (*ThoughtLogModel, error) {
	contextData := JSONB("{}")
	if len(e.ContextData) > 0 {
		raw, err := json.Marshal(e.ContextData)
		if err != nil {
			return nil, fmt.Errorf("marshaling context data: %w", err)
		}
		contextData = JSONB(raw)
	}
	return &ThoughtLogModel{
		ID:                 e.ID,
		MissionID:          e.MissionID,
		SessionID:          e.SessionID,
		Visibility:         string(e.Visibility),
		ThoughtProcess:     e.ThoughtProcess,
		ProblemDescription: e.ProblemDescription,
		SolutionAttempt:    e.SolutionAttempt,
		Success:            e.Success,
		ErrorMessage:       e.ErrorMessage,
		RetryCount:         e.RetryCount,
		RequiresHuman:      e.RequiresHuman,
		EscalationReason:   e.EscalationReason,
		ContextData:        contextData,
		CreatedAt:          e.CreatedAt,
	}, nil
}

func toThoughtEntry(m *ThoughtLogModel) (*healing.Entry, error) {
	var contextData map[string]any
	if len(m.ContextData) > 0 {
		if err := json.Unmarshal([]byte(m.ContextData), &contextData); err != nil {
			return nil, fmt.Errorf("unmarshaling context data: %w", err)
		}
	}
	return &healing.Entry{
		ID:                 m.ID,
		MissionID:          m.MissionID,
		SessionID:          m.SessionID,
		Visibility:         healing.Visibility(m.Visibility),
		ThoughtProcess:     m.ThoughtProcess,
		ProblemDescription: m.ProblemDescription,
		SolutionAttempt:    m.SolutionAttempt,
		Success:            m.Success,
		ErrorMessage:       m.ErrorMessage,
		RetryCount:         m.RetryCount,
		RequiresHuman:      m.RequiresHuman,
		EscalationReason:   m.EscalationReason,
		ContextData:        contextData,
		CreatedAt:          m.CreatedAt,
	}, nil
}

func fromCronDomain(cm *scheduler.CronMission) *CronMissionModel {
	return &CronMissionModel{
		ID:        cm.ID,
		Name:      cm.Name,
		Schedule:  cm.Schedule,
		Payload:   cm.Payload,
		Enabled:   cm.Enabled,
		NextRunAt: cm.NextRunAt,
		LastRunAt: cm.LastRunAt,
		LastError: cm.LastError,
		CreatedAt: cm.CreatedAt,
		UpdatedAt: cm.UpdatedAt,
	}
}

func toCronDomain(m *CronMissionModel) *scheduler.CronMission {
	return &scheduler.CronMission{
		ID:        m.ID,
		Name:      m.Name,
		Schedule:  m.Schedule,
		Payload:   m.Payload,
		Enabled:   m.Enabled,
		NextRunAt: m.NextRunAt,
		LastRunAt: m.LastRunAt,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
