package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okutu/kazi/internal/browser"
	"github.com/okutu/kazi/internal/config"
	"github.com/okutu/kazi/internal/gateway/httpapi"
	"github.com/okutu/kazi/internal/ratelimit"
	"github.com/okutu/kazi/internal/scheduler"
	"github.com/okutu/kazi/internal/worker"
	goutils "github.com/jkaninda/go-utils"
)

var (
	gatewayConfigPath string
	gatewayAddr       string
	gatewayDocs       bool
	gatewayNoWorker   bool
	gatewayDebug      bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start in gateway mode (HTTP API, scheduler, embedded worker)",
	RunE:  runGateway,
}

func init() {
	// Register flags on both root and gateway so that
	// `kazi --config path` and `kazi gateway --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&gatewayAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&gatewayDocs, "docs", false, "serve OpenAPI documentation")
		cmd.Flags().BoolVar(&gatewayNoWorker, "no-worker", false, "do not run an embedded worker; rely on external workers")
		cmd.Flags().BoolVar(&gatewayDebug, "debug", false, "enable debug logging")
	}
}

// runGateway starts the full stack in one process: HTTP API, cron
// scheduler, interactive browser session manager and (unless disabled) an
// embedded worker, all over the shared store.
func runGateway(_ *cobra.Command, _ []string) error {
	logger := newLogger(gatewayDebug)

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", gatewayConfigPath))
	if err != nil {
		return err
	}
	if gatewayAddr != "" {
		cfg.Gateway.Addr = gatewayAddr
	}

	logger.Info("starting in gateway mode", slog.String("addr", cfg.Gateway.Addr))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One readiness probe up front, so a misconfigured dependency is visible
	// in the startup log and not only on /readyz.
	if !sc.Health.Ready(ctx) {
		logger.Warn("readiness checks failing at startup; /readyz will report degraded")
	}

	// Interactive browser session manager (optional).
	var browserMgr *browser.Manager
	if cfg.Browser != nil {
		browserMgr = browser.NewManager(browser.Config{
			Binary:          cfg.Browser.Binary,
			ProfileDir:      cfg.BrowserProfileDir(),
			Headless:        cfg.Browser.Headless,
			RecorderCommand: cfg.Browser.RecorderCommand,
		}, logger)
		defer func() {
			if err := browserMgr.Stop(); err != nil {
				logger.Error("stopping browser session", slog.String("error", err.Error()))
			}
		}()
		logger.Debug("browser session manager initialized",
			slog.String("profile_dir", cfg.BrowserProfileDir()),
		)
	}

	// Cron mission scheduler (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		cronScheduler := scheduler.New(sc.Store.CronMissions(), sc.Store.Tasks(), logger).
			WithPollInterval(cfg.Scheduler.PollInterval())
		if sc.Metrics != nil {
			cronScheduler.WithMetrics(scheduler.NewMetrics(sc.Metrics.Registry))
		}
		cancelScheduler := cronScheduler.Start(ctx)
		defer cancelScheduler()

		logger.Debug("cron scheduler initialized",
			slog.String("poll_interval", cfg.Scheduler.PollInterval().String()),
		)
	}

	// Embedded worker (default on, so a single binary is a working system).
	if !gatewayNoWorker {
		executor := buildExecutor(cfg, logger)
		if browserMgr != nil {
			executor.WithEndpointProvider(browserMgr.Endpoint)
		}

		wk := worker.New(worker.Config{
			ID:            cfg.Worker.ID,
			PollInterval:  cfg.Worker.PollInterval(),
			MaxConcurrent: cfg.Worker.MaxConcurrent,
			LeaseDuration: cfg.Worker.LeaseDuration(),
			RunReclaimer:  true,
		}, sc.Store.Tasks(), executor, logger).WithHealer(sc.Healer)
		if sc.Metrics != nil {
			wk.WithMetrics(worker.NewMetrics(sc.Metrics.Registry))
		}
		go func() {
			if err := wk.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("embedded worker exited", slog.String("error", err.Error()))
			}
		}()
	}

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Gateway.Addr,
		EnableDocs:    gatewayDocs,
		HealthChecker: sc.Health,
	}
	if cfg.Gateway.APIKey != "" {
		gwCfg.APIKeys = map[string]string{cfg.Gateway.APIKey: "default"}
	}
	if sc.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		gwCfg.Metrics = sc.Metrics
	}
	if sc.Tracing != nil {
		gwCfg.Tracer = sc.Tracing.Tracer()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		BurstSize:         cfg.Gateway.BurstSize,
	})

	gw := httpapi.NewGateway(gwCfg, sc.Store.Tasks(), sc.Healer, limiter, logger)
	if browserMgr != nil {
		gw.WithBrowser(browserMgr)
	}
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		gw.WithCronMissions(sc.Store.CronMissions())
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}
