package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"

	"github.com/okutu/kazi/internal/healing"
)

// ThoughtLogResponse is one attempt record as exposed over HTTP.
type ThoughtLogResponse struct {
	ID                 string         `json:"id"`
	MissionID          string         `json:"mission_id"`
	SessionID          string         `json:"session_id,omitempty"`
	Visibility         string         `json:"visibility"`
	ThoughtProcess     string         `json:"thought_process,omitempty"`
	ProblemDescription string         `json:"problem_description"`
	SolutionAttempt    string         `json:"solution_attempt"`
	Success            bool           `json:"success"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	RetryCount         int            `json:"retry_count"`
	RequiresHuman      bool           `json:"requires_human"`
	EscalationReason   string         `json:"escalation_reason,omitempty"`
	ContextData        map[string]any `json:"context_data,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ReportResponse carries the rendered healing report.
type ReportResponse struct {
	MissionID string `json:"mission_id"`
	Phase     string `json:"phase"`
	Report    string `json:"report"`
}

func toThoughtLogResponse(e *healing.Entry) ThoughtLogResponse {
	return ThoughtLogResponse{
		ID:                 e.ID.String(),
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
		ContextData:        e.ContextData,
		CreatedAt:          e.CreatedAt,
	}
}

// thoughtLogQuery captures the optional filters on the history endpoint.
type thoughtLogQuery struct {
	// All includes internal_monologue entries. The default surfaces only
	// user_interaction entries; full technical detail stays internal unless
	// explicitly requested.
	All bool `query:"all"`
}

func (g *Gateway) handleThoughtLogList(c *okapi.Context) error {
	missionID := c.Param("mission_id")
	if missionID == "" {
		return c.AbortBadRequest("mission_id is required")
	}

	var q thoughtLogQuery
	_ = c.Bind(&q)

	var entries []healing.Entry
	var err error
	if q.All {
		entries, err = g.healer.History(c.Context(), missionID)
	} else {
		entries, err = g.healer.UserVisibleHistory(c.Context(), missionID)
	}
	if err != nil {
		return c.AbortInternalServerError("loading history failed")
	}

	out := make([]ThoughtLogResponse, len(entries))
	for i := range entries {
		out[i] = toThoughtLogResponse(&entries[i])
	}
	return c.OK(out)
}

func (g *Gateway) handleThoughtLogReport(c *okapi.Context) error {
	missionID := c.Param("mission_id")
	if missionID == "" {
		return c.AbortBadRequest("mission_id is required")
	}

	report, err := g.healer.ConsolidatedLog(c.Context(), missionID)
	if err != nil {
		return c.AbortInternalServerError("rendering report failed")
	}

	history, err := g.healer.History(c.Context(), missionID)
	if err != nil {
		return c.AbortInternalServerError("loading history failed")
	}
	state := healing.Resolve(history)

	return c.OK(ReportResponse{
		MissionID: missionID,
		Phase:     string(state.Phase),
		Report:    report,
	})
}
