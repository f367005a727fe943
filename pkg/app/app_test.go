package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rizome-dev/conductor/pkg/client"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/testutil"
	"github.com/rizome-dev/conductor/pkg/types"
)

const summarizeWorkflow = `
id: summarize
name: Summarize
errorHandling: stop
steps:
  - id: summarize
    agentType: summarizer
    inputMapping:
      text: text
    outputMapping:
      summary: summary
  - id: echo
    agentType: echo
    inputMapping:
      summary: summary
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = 0
	cfg.Server.GRPC.Host = "127.0.0.1"
	cfg.Server.GRPC.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Monitoring.HealthChecks.Enabled = false

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summarize.yaml"), []byte(summarizeWorkflow), 0644); err != nil {
		t.Fatalf("Failed to write workflow: %v", err)
	}
	cfg.Orchestrator.WorkflowDir = dir

	cfg.Agents = []config.AgentSpec{{
		Type:               "summarizer",
		AutoApprove:        true,
		MaxConcurrentTasks: 2,
		Image:              "example/summarizer:latest",
		RequiredInputs:     []string{"text"},
	}}
	return cfg
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *config.Config)
		wantError bool
	}{
		{"defaults", func(cfg *config.Config) {}, false},
		{"unknown sink", func(cfg *config.Config) { cfg.Events.Sink = "kafka" }, true},
		{"unknown store", func(cfg *config.Config) { cfg.State.Type = "etcd" }, true},
		{"agent without image", func(cfg *config.Config) { cfg.Agents[0].Image = "" }, true},
		{"image outside allowed registries", func(cfg *config.Config) {
			cfg.Runtime.ImagePolicy.AllowedRegistries = []string{"ghcr.io"}
		}, true},
		{"disabled agent skips policy", func(cfg *config.Config) {
			disabled := false
			cfg.Agents[0].Enabled = &disabled
			cfg.Runtime.ImagePolicy.AllowedRegistries = []string{"ghcr.io"}
		}, false},
		{"missing workflow dir", func(cfg *config.Config) { cfg.Orchestrator.WorkflowDir = "/nonexistent/conductor" }, true},
		{"auth without secret", func(cfg *config.Config) { cfg.Security.Authentication.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			a, err := New(context.Background(), cfg,
				WithLogger(logging.NewNop()),
				WithRuntime(testutil.NewMockRuntime(`{"summary":"short"}`)),
			)
			if (err != nil) != tt.wantError {
				t.Fatalf("New() error = %v, wantError %v", err, tt.wantError)
			}
			if a != nil {
				a.Shutdown(context.Background())
			}
		})
	}

	if _, err := New(context.Background(), nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	rt := testutil.NewMockRuntime(`{"summary":"short"}`)

	a, err := New(context.Background(), cfg,
		WithLogger(logging.NewNop()),
		WithRuntime(rt),
		WithHandler(testutil.NewRecordingHandler(), testutil.AgentConfig("echo", 1, true)),
	)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		if a.Orchestrator().IsRunning() || a.Server().IsRunning() {
			t.Error("Expected orchestrator and server to be stopped")
		}
	}()

	if a.Server().GRPCAddr() == "" {
		t.Error("Expected gRPC listener to be bound")
	}

	c, err := client.New(client.Config{BaseURL: "http://" + a.Server().HTTPAddr()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	ctx := context.Background()

	agents, err := c.ListAgents(ctx)
	if err != nil || len(agents) != 2 {
		t.Fatalf("Expected 2 agents, got %d (%v)", len(agents), err)
	}

	defs, err := c.ListDefinitions(ctx)
	if err != nil || len(defs) != 1 || defs[0].ID != "summarize" {
		t.Fatalf("Expected summarize definition to be loaded, got %v (%v)", defs, err)
	}

	exec, err := c.ExecuteWorkflow(ctx, types.ExecuteWorkflowRequest{
		WorkflowID: "summarize",
		Context:    map[string]interface{}{"text": "a long document"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exec, err = c.WaitForExecution(waitCtx, exec.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if exec.Status != types.WorkflowStatusCompleted {
		t.Fatalf("Expected completed, got %s (%+v)", exec.Status, exec.Error)
	}
	if exec.Context["summary"] != "short" {
		t.Errorf("Expected container output in context, got %v", exec.Context)
	}

	jobs := rt.Jobs()
	if len(jobs) != 1 || jobs[0].Image != "example/summarizer:latest" {
		t.Errorf("Expected one summarizer job, got %+v", jobs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPC.Enabled = false

	a, err := New(context.Background(), cfg,
		WithLogger(logging.NewNop()),
		WithRuntime(testutil.NewMockRuntime("")),
	)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if !testutil.WaitForCondition(a.Server().IsRunning, 2*time.Second, 5*time.Millisecond) {
		t.Fatal("Server did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
