// Package mcpserver exposes the mission queue as MCP (Model Context
// Protocol) tools over stdio, so agent runtimes can enqueue missions and
// inspect results without speaking the HTTP API. Tools mirror the gateway's
// semantics exactly: enqueue only, no direct execution.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/mission"
	"github.com/okutu/kazi/internal/queue"
)

// Server wraps the MCP stdio server around the task queue.
type Server struct {
	tasks  queue.Store
	healer *healing.Healer
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New creates the MCP tool surface.
func New(tasks queue.Store, healer *healing.Healer, logger *slog.Logger) *Server {
	s := &Server{
		tasks:  tasks,
		healer: healer,
		logger: logger,
		mcp: server.NewMCPServer(
			"kazi",
			"0.1.0",
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the peer closes
// the stream or ctx is canceled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(
		func(context.Context) context.Context { return ctx },
	))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("submit_mission",
			mcp.WithDescription("Enqueue a mission for sandboxed execution. Returns the task id to poll with mission_status."),
			mcp.WithString("code",
				mcp.Required(),
				mcp.Description("Source code to execute"),
			),
			mcp.WithString("requirements",
				mcp.Description("Comma-separated dependency identifiers installed before the code runs"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Wall-clock budget in seconds (default 300)"),
			),
			mcp.WithBoolean("browser_interaction",
				mcp.Description("Attach the shared interactive browser session"),
			),
			mcp.WithBoolean("keep_alive",
				mcp.Description("Retain the execution environment for reuse"),
			),
		),
		s.handleSubmitMission,
	)

	s.mcp.AddTool(
		mcp.NewTool("mission_status",
			mcp.WithDescription("Get a queued task's state and, once finished, its execution result."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task id returned by submit_mission"),
			),
		),
		s.handleMissionStatus,
	)

	s.mcp.AddTool(
		mcp.NewTool("mission_report",
			mcp.WithDescription("Render the consolidated healing report for a mission's retry history."),
			mcp.WithString("mission_id",
				mcp.Required(),
				mcp.Description("Mission id whose attempt history to render"),
			),
		),
		s.handleMissionReport,
	)
}

func (s *Server) handleSubmitMission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	timeout := req.GetInt("timeout", queue.DefaultTimeoutSeconds)
	m := mission.New(code, timeout)
	m.BrowserInteraction = req.GetBool("browser_interaction", false)
	m.KeepAlive = req.GetBool("keep_alive", false)
	m.Requirements = splitRequirements(req.GetString("requirements", ""))
	if err := m.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding mission: %w", err)
	}

	taskID, err := s.tasks.Enqueue(ctx, string(payload))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", err)), nil
	}

	s.logger.Info("mission enqueued via mcp",
		slog.Int64("task_id", taskID),
		slog.String("mission_id", m.ID),
	)

	out, _ := json.Marshal(map[string]any{
		"task_id":    taskID,
		"mission_id": m.ID,
		"status":     string(queue.StatusPending),
	})
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handleMissionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return mcp.NewToolResultError("task_id must be an integer"), nil
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("loading task failed: %v", err)), nil
	}
	if task == nil {
		return mcp.NewToolResultError(fmt.Sprintf("task %d not found", taskID)), nil
	}

	out := map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	}
	if task.Success != nil {
		out["success"] = *task.Success
	}
	if task.ResultJSON != "" {
		var result mission.Result
		if err := json.Unmarshal([]byte(task.ResultJSON), &result); err == nil {
			out["result"] = result
		}
	}

	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleMissionReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	missionID, err := req.RequireString("mission_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.healer.ConsolidatedLog(ctx, missionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rendering report failed: %v", err)), nil
	}
	return mcp.NewToolResultText(report), nil
}

func splitRequirements(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
