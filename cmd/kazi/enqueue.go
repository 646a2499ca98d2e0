package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okutu/kazi/internal/config"
	"github.com/okutu/kazi/internal/mission"
	"github.com/okutu/kazi/internal/queue"
	goutils "github.com/jkaninda/go-utils"
)

var (
	enqueueConfigPath   string
	enqueueCodeFile     string
	enqueueRequirements []string
	enqueueTimeout      int
	enqueueKeepAlive    bool
	enqueueBrowser      bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [command]",
	Short: "Enqueue a mission directly into the store",
	Long: `Enqueue a mission without going through the HTTP API. A positional
argument is treated as a bare shell command; --code-file submits the file's
contents as interpreter code with optional dependencies.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	enqueueCmd.Flags().StringVar(&enqueueCodeFile, "code-file", "", "file whose contents run as mission code")
	enqueueCmd.Flags().StringSliceVar(&enqueueRequirements, "require", nil, "dependency to install before the code runs (repeatable)")
	enqueueCmd.Flags().IntVar(&enqueueTimeout, "timeout", 0, "wall-clock budget in seconds (default 300)")
	enqueueCmd.Flags().BoolVar(&enqueueKeepAlive, "keep-alive", false, "retain the execution environment for reuse")
	enqueueCmd.Flags().BoolVar(&enqueueBrowser, "browser", false, "attach the shared interactive browser session")
}

func runEnqueue(_ *cobra.Command, args []string) error {
	logger := newLogger(false)

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", enqueueConfigPath))
	if err != nil {
		return err
	}

	var payload string
	switch {
	case enqueueCodeFile != "":
		code, err := os.ReadFile(enqueueCodeFile)
		if err != nil {
			return fmt.Errorf("reading code file: %w", err)
		}
		timeout := enqueueTimeout
		if timeout <= 0 {
			timeout = queue.DefaultTimeoutSeconds
		}
		m := mission.New(string(code), timeout)
		m.Requirements = enqueueRequirements
		m.KeepAlive = enqueueKeepAlive
		m.BrowserInteraction = enqueueBrowser
		if err := m.Validate(); err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		payload = string(raw)
	case len(args) == 1 && strings.TrimSpace(args[0]) != "":
		payload = args[0]
	default:
		return fmt.Errorf("either a shell command argument or --code-file is required")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	taskID, err := sc.Store.Tasks().Enqueue(context.Background(), payload)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	fmt.Printf("task %d enqueued\n", taskID)
	return nil
}
