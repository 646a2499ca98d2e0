package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/okutu/kazi/internal/browser"
)

// BrowserStartRequest is the JSON body for POST /v1/browser/start.
type BrowserStartRequest struct {
	Port int `json:"port,omitempty"` // Debugging port. 0 = configured default.
}

// BrowserStatusResponse mirrors the session manager's status.
type BrowserStatusResponse struct {
	IsRunning   bool   `json:"is_running"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	ProfileDir  string `json:"profile_dir,omitempty"`
	Kind        string `json:"browser_kind,omitempty"`
}

// BrowserRecordRequest is the JSON body for POST /v1/browser/record.
type BrowserRecordRequest struct {
	OutputPath string `json:"output_path"`
}

// BrowserRecordResponse is returned when a recording completes.
type BrowserRecordResponse struct {
	ScriptPath string `json:"script_path"`
}

// defaultDebugPort is used when the start request carries no port.
const defaultDebugPort = 9222

func toBrowserStatusResponse(s browser.Status) BrowserStatusResponse {
	return BrowserStatusResponse{
		IsRunning:   s.IsRunning,
		EndpointURL: s.EndpointURL,
		ProfileDir:  s.ProfileDir,
		Kind:        s.Kind,
	}
}

func (g *Gateway) handleBrowserStart(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req BrowserStartRequest
	_ = c.Bind(&req)
	port := req.Port
	if port == 0 {
		port = defaultDebugPort
	}
	if port < 0 || port > 65535 {
		return c.AbortBadRequest("invalid port")
	}

	endpoint, err := g.browserMgr.Start(c.Context(), port)
	if err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.BrowserSessionsTotal.WithLabelValues("start", "error").Inc()
		}
		if errors.Is(err, browser.ErrAlreadyRunning) {
			return c.JSON(http.StatusConflict, ErrorBody{Error: "a session is already running"})
		}
		g.logger.Error("browser start failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("browser launch failed")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.BrowserSessionsTotal.WithLabelValues("start", "ok").Inc()
		g.config.Metrics.BrowserSessionActive.Set(1)
	}

	g.logger.Info("browser session started via api",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("endpoint", endpoint),
	)

	return c.OK(toBrowserStatusResponse(g.browserMgr.Status()))
}

func (g *Gateway) handleBrowserStop(c *okapi.Context) error {
	// Stop is idempotent; stopping a stopped session is not an error.
	if err := g.browserMgr.Stop(); err != nil {
		g.logger.Error("browser stop failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("browser stop failed")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.BrowserSessionsTotal.WithLabelValues("stop", "ok").Inc()
		g.config.Metrics.BrowserSessionActive.Set(0)
	}

	return c.OK(toBrowserStatusResponse(g.browserMgr.Status()))
}

func (g *Gateway) handleBrowserStatus(c *okapi.Context) error {
	return c.OK(toBrowserStatusResponse(g.browserMgr.Status()))
}

func (g *Gateway) handleBrowserRecord(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req BrowserRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.OutputPath == "" {
		return c.AbortBadRequest("output_path is required")
	}

	path, err := g.browserMgr.Record(c.Context(), req.OutputPath)
	if err != nil {
		if errors.Is(err, browser.ErrNotRunning) {
			return c.JSON(http.StatusConflict, ErrorBody{Error: "no session running"})
		}
		g.logger.Error("recording failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("recording failed")
	}

	return c.OK(BrowserRecordResponse{ScriptPath: path})
}
