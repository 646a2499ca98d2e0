package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/okutu/kazi/internal/mission"
	"github.com/okutu/kazi/internal/queue"
)

// MissionRequest is the JSON body for POST /v1/missions. Either Command
// (a bare shell payload) or Code must be set.
type MissionRequest struct {
	Command string `json:"command,omitempty"` // Bare shell command; mutually exclusive with Code.

	MissionID          string            `json:"mission_id,omitempty"` // Empty = generated.
	Code               string            `json:"code,omitempty"`
	Requirements       []string          `json:"requirements,omitempty"`
	BrowserInteraction bool              `json:"browser_interaction,omitempty"`
	KeepAlive          bool              `json:"keep_alive,omitempty"`
	TargetDeviceID     string            `json:"target_device_id,omitempty"`
	TimeoutSeconds     int               `json:"timeout,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// TaskResponse is the JSON representation of one queue record.
type TaskResponse struct {
	TaskID         int64           `json:"task_id"`
	MissionID      string          `json:"mission_id,omitempty"`
	Status         string          `json:"status"`
	Success        *bool           `json:"success,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	Result         *mission.Result `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
}

func toTaskResponse(t *queue.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:         t.ID,
		Status:         string(t.Status),
		Success:        t.Success,
		ClaimedBy:      t.ClaimedBy,
		CreatedAt:      t.CreatedAt,
		ProcessedAt:    t.ProcessedAt,
		LeaseExpiresAt: t.LeaseExpiresAt,
	}
	if m, err := t.Mission(); err == nil {
		resp.MissionID = m.ID
	}
	if t.ResultJSON != "" {
		var r mission.Result
		if err := json.Unmarshal([]byte(t.ResultJSON), &r); err == nil {
			resp.Result = &r
		}
	}
	return resp
}

func (g *Gateway) handleMissionSubmit(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req MissionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" && req.Code == "" {
		return c.AbortBadRequest("either command or code is required")
	}
	if req.Command != "" && req.Code != "" {
		return c.AbortBadRequest("command and code are mutually exclusive")
	}

	correlationID := newCorrelationID()

	var payload string
	var missionID string
	if req.Command != "" {
		// Bare shell payload: stored as-is, wrapped at claim time.
		payload = req.Command
	} else {
		m := mission.New(req.Code, req.TimeoutSeconds)
		if req.MissionID != "" {
			m.ID = req.MissionID
		}
		if m.TimeoutSeconds <= 0 {
			m.TimeoutSeconds = queue.DefaultTimeoutSeconds
		}
		m.Requirements = req.Requirements
		m.BrowserInteraction = req.BrowserInteraction
		m.KeepAlive = req.KeepAlive
		m.TargetDeviceID = req.TargetDeviceID
		m.Metadata = req.Metadata
		if err := m.Validate(); err != nil {
			return c.AbortBadRequest(err.Error())
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return c.AbortInternalServerError("encoding mission failed")
		}
		payload = string(raw)
		missionID = m.ID
	}

	taskID, err := g.tasks.Enqueue(c.Context(), payload)
	if err != nil {
		g.logger.Error("enqueue failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortServiceUnavailable("queue unavailable")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.TasksEnqueuedTotal.Inc()
	}

	g.logger.Info("mission enqueued",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("correlation_id", correlationID),
		slog.Int64("task_id", taskID),
		slog.String("mission_id", missionID),
	)

	return c.JSON(http.StatusAccepted, TaskResponse{
		TaskID:    taskID,
		MissionID: missionID,
		Status:    string(queue.StatusPending),
		CreatedAt: time.Now().UTC(),
	})
}

func (g *Gateway) handleMissionStatus(c *okapi.Context) error {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.AbortBadRequest("invalid task id")
	}

	task, err := g.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.AbortInternalServerError("loading task failed")
	}
	if task == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: fmt.Sprintf("task %d not found", taskID)})
	}

	return c.OK(toTaskResponse(task))
}

// missionListQuery captures the optional filters on GET /v1/missions.
type missionListQuery struct {
	Status string `query:"status"`
	Limit  int    `query:"limit"`
}

func (g *Gateway) handleMissionList(c *okapi.Context) error {
	var q missionListQuery
	_ = c.Bind(&q)

	status := queue.Status(q.Status)
	switch status {
	case "", queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed:
	default:
		return c.AbortBadRequest("unknown status filter")
	}

	tasks, err := g.tasks.List(c.Context(), status, q.Limit)
	if err != nil {
		return c.AbortInternalServerError("listing tasks failed")
	}

	out := make([]TaskResponse, len(tasks))
	for i := range tasks {
		out[i] = toTaskResponse(&tasks[i])
	}
	return c.OK(out)
}
