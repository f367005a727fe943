package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rizome-dev/conductor/pkg/client"
	"github.com/spf13/cobra"
)

var (
	serverURL     string
	apiToken      string
	configPath    string
	clientTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Agent task orchestration engine",
	Long: `Conductor schedules tasks onto typed agents and drives multi-step
workflows with conditional steps and human review checkpoints.

Run 'conductor serve' to start a server, then use the task and workflow
commands to talk to it over the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONDUCTOR_SERVER", "http://localhost:8080"), "Conductor server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CONDUCTOR_TOKEN"), "Bearer token for the API")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (YAML or JSON)")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "API request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	c, err := client.New(client.Config{
		BaseURL: serverURL,
		Token:   apiToken,
		Timeout: clientTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseJSONObject decodes a --input style flag; empty means an empty object
func parseJSONObject(raw string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if raw == "" {
		return out, nil
	}
	if raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", raw[1:], err)
		}
		raw = string(data)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
