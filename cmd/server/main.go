// Package main provides the conductor server command
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rizome-dev/conductor/internal/version"
	"github.com/rizome-dev/conductor/pkg/app"
	"github.com/rizome-dev/conductor/pkg/config"
)

var (
	configFile = flag.String("config", "", "Configuration file path (YAML or JSON)")

	// Overrides applied on top of the loaded configuration
	grpcPort    = flag.Int("grpc-port", 0, "gRPC server port")
	httpPort    = flag.Int("http-port", 0, "HTTP server port")
	host        = flag.String("host", "", "Server host")
	stateType   = flag.String("state", "", "State backend type (memory, badger, postgres)")
	runtimeType = flag.String("runtime", "", "Runtime type (docker, kubernetes)")
	workflowDir = flag.String("workflows", "", "Directory of workflow definitions to load")

	versionFlag = flag.Bool("version", false, "Show version information")
	helpFlag    = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *helpFlag {
		showHelp()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize conductor: %v\n", err)
		os.Exit(1)
	}
	a.Logger().WithField("version", version.Get()).Info("starting conductor server")

	if err := a.Run(ctx); err != nil {
		a.Logger().WithError(err).Error("conductor exited with error")
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *grpcPort > 0 {
		cfg.Server.GRPC.Port = *grpcPort
	}
	if *httpPort > 0 {
		cfg.Server.HTTP.Port = *httpPort
	}
	if *host != "" {
		cfg.Server.GRPC.Host = *host
		cfg.Server.HTTP.Host = *host
	}
	if *stateType != "" {
		cfg.State.Type = *stateType
	}
	if *runtimeType != "" {
		cfg.Runtime.Type = *runtimeType
	}
	if *workflowDir != "" {
		cfg.Orchestrator.WorkflowDir = *workflowDir
	}
}

func showHelp() {
	fmt.Printf("conductor server - agent task orchestration engine\n\n")
	fmt.Printf("Usage:\n")
	fmt.Printf("  %s [flags]\n\n", os.Args[0])
	fmt.Printf("Flags:\n")
	flag.PrintDefaults()
	fmt.Printf("\nEnvironment variables prefixed with %s override file values.\n", config.EnvPrefix)
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  # Start with defaults (in-memory state, no event sink)\n")
	fmt.Printf("  %s\n\n", os.Args[0])
	fmt.Printf("  # Start from a config file with BadgerDB state\n")
	fmt.Printf("  %s -config /etc/conductor/config.yaml -state badger\n\n", os.Args[0])
	fmt.Printf("  # Load workflow definitions from a directory\n")
	fmt.Printf("  %s -workflows ./workflows\n", os.Args[0])
}
