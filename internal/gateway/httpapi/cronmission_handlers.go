package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/scheduler"
)

// CronMissionRequest is the JSON body for POST/PUT /v1/cronmissions.
type CronMissionRequest struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // Standard 5-field cron expression.
	Payload  string `json:"payload"`  // Queue command payload (JSON mission or shell).
	Enabled  *bool  `json:"enabled,omitempty"` // Pointer to distinguish absent from false.
}

// CronMissionResponse is the JSON response for cron mission endpoints.
type CronMissionResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Payload   string     `json:"payload"`
	Enabled   bool       `json:"enabled"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toCronMissionResponse(cm *scheduler.CronMission) CronMissionResponse {
	return CronMissionResponse{
		ID:        cm.ID.String(),
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

func (g *Gateway) handleCronCreate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CronMissionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}
	if req.Schedule == "" {
		return c.AbortBadRequest("schedule is required")
	}
	if req.Payload == "" {
		return c.AbortBadRequest("payload is required")
	}

	now := time.Now().UTC()
	nextRun, err := scheduler.ValidateSchedule(req.Schedule, now)
	if err != nil {
		return c.AbortBadRequest(fmt.Sprintf("invalid schedule: %v", err))
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cm := &scheduler.CronMission{
		ID:        uuid.New(),
		Name:      req.Name,
		Schedule:  req.Schedule,
		Payload:   req.Payload,
		Enabled:   enabled,
		NextRunAt: nextRun,
	}
	if err := g.cronStore.Create(c.Context(), cm); err != nil {
		g.logger.Error("cron mission create failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("creating cron mission failed")
	}

	return c.JSON(http.StatusCreated, toCronMissionResponse(cm))
}

func (g *Gateway) handleCronList(c *okapi.Context) error {
	missions, err := g.cronStore.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing cron missions failed")
	}
	out := make([]CronMissionResponse, len(missions))
	for i := range missions {
		out[i] = toCronMissionResponse(&missions[i])
	}
	return c.OK(out)
}

func (g *Gateway) handleCronGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron mission id")
	}

	cm, err := g.cronStore.Get(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("loading cron mission failed")
	}
	if cm == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "cron mission not found"})
	}
	return c.OK(toCronMissionResponse(cm))
}

func (g *Gateway) handleCronUpdate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron mission id")
	}

	cm, err := g.cronStore.Get(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("loading cron mission failed")
	}
	if cm == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "cron mission not found"})
	}

	var req CronMissionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if req.Name != "" {
		cm.Name = req.Name
	}
	if req.Payload != "" {
		cm.Payload = req.Payload
	}
	if req.Schedule != "" {
		nextRun, err := scheduler.ValidateSchedule(req.Schedule, time.Now().UTC())
		if err != nil {
			return c.AbortBadRequest(fmt.Sprintf("invalid schedule: %v", err))
		}
		cm.Schedule = req.Schedule
		cm.NextRunAt = nextRun
	}
	if req.Enabled != nil {
		cm.Enabled = *req.Enabled
	}

	if err := g.cronStore.Update(c.Context(), cm); err != nil {
		return c.AbortInternalServerError("updating cron mission failed")
	}
	return c.OK(toCronMissionResponse(cm))
}

func (g *Gateway) handleCronDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron mission id")
	}
	if err := g.cronStore.Delete(c.Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "cron mission not found"})
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleCronTrigger(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron mission id")
	}

	cm, err := g.cronStore.Get(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("loading cron mission failed")
	}
	if cm == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "cron mission not found"})
	}

	taskID, err := g.tasks.Enqueue(c.Context(), cm.Payload)
	if err != nil {
		return c.AbortServiceUnavailable("queue unavailable")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.TasksEnqueuedTotal.Inc()
	}

	g.logger.Info("cron mission triggered manually",
		slog.String("cron_id", cm.ID.String()),
		slog.Int64("task_id", taskID),
	)

	return c.JSON(http.StatusAccepted, TaskResponse{
		TaskID:    taskID,
		Status:    string(queue.StatusPending),
		CreatedAt: time.Now().UTC(),
	})
}
