package main

import (
	"fmt"

	"github.com/rizome-dev/conductor/pkg/app"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/spf13/cobra"
)

var serveWorkflowDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conductor server",
	Long: `Start the HTTP and gRPC servers with the orchestrator behind them.

Configuration is read from --config, then CONDUCTOR_* environment
variables (a .env file is loaded first when present). The server runs
until SIGINT or SIGTERM and then drains in-flight tasks.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveWorkflowDir, "workflows", "", "Directory of workflow definitions to load")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveWorkflowDir != "" {
		cfg.Orchestrator.WorkflowDir = serveWorkflowDir
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize conductor: %w", err)
	}
	return a.Run(cmd.Context())
}
