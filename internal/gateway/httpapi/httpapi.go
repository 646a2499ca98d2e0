// Package httpapi implements the HTTP API gateway.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/okutu/kazi/internal/browser"
	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/observability"
	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/ratelimit"
	"github.com/okutu/kazi/internal/scheduler"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string            // e.g., ":8080"
	EnableDocs bool              // Serve OpenAPI docs.
	APIKeys    map[string]string // API key → client ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway. It is the only producer-side surface of
// the queue besides MCP and cron: missions enter here, workers never do.
type Gateway struct {
	config  Config
	tasks   queue.Store
	healer  *healing.Healer
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	browserMgr *browser.Manager           // nil = browser endpoints disabled.
	cronStore  scheduler.CronMissionStore // nil = cron endpoints disabled.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, tasks queue.Store, healer *healing.Healer, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		tasks:   tasks,
		healer:  healer,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithBrowser attaches the interactive session manager to the gateway.
func (g *Gateway) WithBrowser(mgr *browser.Manager) *Gateway {
	g.browserMgr = mgr
	return g
}

// WithCronMissions attaches cron mission management to the gateway.
func (g *Gateway) WithCronMissions(store scheduler.CronMissionStore) *Gateway {
	g.cronStore = store
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "kazi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Mission endpoints.
	g.group.Post("/missions", g.handleMissionSubmit,
		okapi.DocSummary("Enqueue a mission for execution"),
		okapi.DocTags("Missions"),
		okapi.DocRequestBody(MissionRequest{}),
		okapi.DocResponse(http.StatusAccepted, TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/missions", g.handleMissionList,
		okapi.DocSummary("List queued tasks"),
		okapi.DocTags("Missions"),
		okapi.DocResponse([]TaskResponse{}),
	)
	g.group.Get("/missions/{id}", g.handleMissionStatus,
		okapi.DocSummary("Get a task and its result"),
		okapi.DocTags("Missions"),
		okapi.DocPathParam("id", "integer", "Task ID"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// ThoughtLog endpoints.
	g.group.Get("/thoughtlogs/{mission_id}", g.handleThoughtLogList,
		okapi.DocSummary("Get the attempt history of a mission"),
		okapi.DocTags("ThoughtLogs"),
		okapi.DocPathParam("mission_id", "string", "Mission ID"),
		okapi.DocResponse([]ThoughtLogResponse{}),
	)
	g.group.Get("/thoughtlogs/{mission_id}/report", g.handleThoughtLogReport,
		okapi.DocSummary("Render the consolidated healing report"),
		okapi.DocTags("ThoughtLogs"),
		okapi.DocPathParam("mission_id", "string", "Mission ID"),
		okapi.DocResponse(ReportResponse{}),
	)

	// Browser session endpoints (only if a manager is configured).
	if g.browserMgr != nil {
		g.group.Post("/browser/start", g.handleBrowserStart,
			okapi.DocSummary("Start the interactive browser session"),
			okapi.DocTags("Browser"),
			okapi.DocRequestBody(BrowserStartRequest{}),
			okapi.DocResponse(BrowserStatusResponse{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Post("/browser/stop", g.handleBrowserStop,
			okapi.DocSummary("Stop the interactive browser session"),
			okapi.DocTags("Browser"),
			okapi.DocResponse(BrowserStatusResponse{}),
		)
		g.group.Get("/browser/status", g.handleBrowserStatus,
			okapi.DocSummary("Get the interactive session state"),
			okapi.DocTags("Browser"),
			okapi.DocResponse(BrowserStatusResponse{}),
		)
		g.group.Post("/browser/record", g.handleBrowserRecord,
			okapi.DocSummary("Record user interaction into a replayable script"),
			okapi.DocTags("Browser"),
			okapi.DocRequestBody(BrowserRecordRequest{}),
			okapi.DocResponse(BrowserRecordResponse{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	// Cron mission endpoints (only if a store is configured).
	if g.cronStore != nil {
		g.group.Post("/cronmissions", g.handleCronCreate,
			okapi.DocSummary("Create a recurring mission"),
			okapi.DocTags("CronMissions"),
			okapi.DocRequestBody(CronMissionRequest{}),
			okapi.DocResponse(http.StatusCreated, CronMissionResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/cronmissions", g.handleCronList,
			okapi.DocSummary("List recurring missions"),
			okapi.DocTags("CronMissions"),
			okapi.DocResponse([]CronMissionResponse{}),
		)
		g.group.Get("/cronmissions/{id}", g.handleCronGet,
			okapi.DocSummary("Get a recurring mission by ID"),
			okapi.DocTags("CronMissions"),
			okapi.DocPathParam("id", "string", "Cron mission ID (UUID)"),
			okapi.DocResponse(CronMissionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Put("/cronmissions/{id}", g.handleCronUpdate,
			okapi.DocSummary("Update a recurring mission"),
			okapi.DocTags("CronMissions"),
			okapi.DocPathParam("id", "string", "Cron mission ID (UUID)"),
			okapi.DocRequestBody(CronMissionRequest{}),
			okapi.DocResponse(CronMissionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/cronmissions/{id}", g.handleCronDelete,
			okapi.DocSummary("Delete a recurring mission"),
			okapi.DocTags("CronMissions"),
			okapi.DocPathParam("id", "string", "Cron mission ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/cronmissions/{id}/trigger", g.handleCronTrigger,
			okapi.DocSummary("Enqueue a recurring mission immediately"),
			okapi.DocTags("CronMissions"),
			okapi.DocPathParam("id", "string", "Cron mission ID (UUID)"),
			okapi.DocResponse(http.StatusAccepted, TaskResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticate resolves the Bearer token to a client ID with constant-time
// comparison. An empty key map disables auth (local development).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "local")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// rateLimit consumes one token for the authenticated client.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(c.GetString("clientID"))
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
