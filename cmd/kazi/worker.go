package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okutu/kazi/internal/config"
	"github.com/okutu/kazi/internal/worker"
	goutils "github.com/jkaninda/go-utils"
)

var (
	workerConfigPath string
	workerID         string
	workerDebug      bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a standalone polling worker",
	Long: `Start a worker that polls the shared queue, executes claimed missions in
sandboxed environments and writes results back. Scale out by running
multiple workers against the same PostgreSQL store; the claim protocol
guarantees no task is executed twice.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker claim identity (default: generated)")
	workerCmd.Flags().BoolVar(&workerDebug, "debug", false, "enable debug logging")
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := newLogger(workerDebug)

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", workerConfigPath))
	if err != nil {
		return err
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}

	logger.Info("starting in worker mode")

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor := buildExecutor(cfg, logger)

	wk := worker.New(worker.Config{
		ID:            cfg.Worker.ID,
		PollInterval:  cfg.Worker.PollInterval(),
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		LeaseDuration: cfg.Worker.LeaseDuration(),
		RunReclaimer:  cfg.Worker.RunReclaimer,
	}, sc.Store.Tasks(), executor, logger).WithHealer(sc.Healer)
	if sc.Metrics != nil {
		wk.WithMetrics(worker.NewMetrics(sc.Metrics.Registry))
	}

	if err := wk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("worker shut down", slog.String("worker_id", wk.ID()))
	return nil
}
