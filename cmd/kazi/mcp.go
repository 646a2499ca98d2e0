package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okutu/kazi/internal/config"
	"github.com/okutu/kazi/internal/gateway/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve mission tools over MCP on stdin/stdout",
	Long: `Expose submit_mission, mission_status and mission_report as MCP (Model
Context Protocol) tools over stdio, so agent runtimes can drive the queue
without speaking the HTTP API. Logs go to stderr; stdout carries the
protocol stream.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Logs must stay off stdout in MCP mode.
	logger := newLogger(false)

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(sc.Store.Tasks(), sc.Healer, logger)
	return srv.ServeStdio(ctx)
}
