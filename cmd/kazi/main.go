// Kazi — mission execution and self-healing orchestration engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — mission execution and self-healing orchestration engine.",
	Long: `Kazi runs sandboxed missions from a durable task queue: producers enqueue
code or shell payloads over HTTP, MCP or cron, polling workers claim and
execute them in isolated environments, and failed missions are retried up
to three times before being escalated to a human with a consolidated
attempt report.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, workerCmd, mcpCmd, enqueueCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
