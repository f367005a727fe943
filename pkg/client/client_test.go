package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/server"
	"github.com/rizome-dev/conductor/pkg/testutil"
	"github.com/rizome-dev/conductor/pkg/types"
)

func newTestClient(t *testing.T, secure bool) *Client {
	t.Helper()

	orch, err := orchestrator.New(orchestrator.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	orch.RegisterAgent(testutil.NewRecordingHandler(), testutil.AgentConfig("writer", 1, true))
	orch.RegisterAgent(testutil.NewRecordingHandler(), testutil.AgentConfig("reviewer", 1, true))
	if err := orch.Start(); err != nil {
		t.Fatalf("Failed to start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	appCfg := config.DefaultConfig()
	if secure {
		appCfg.Security.Authentication.Enabled = true
		appCfg.Security.Authentication.JWTConfig.SecretKey = "client-test-secret"
	}
	srv, err := server.New(server.Config{Server: appCfg.Server, Security: appCfg.Security, Orchestrator: orch})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := Config{BaseURL: ts.URL + "/"}
	if secure {
		token, err := srv.AuthService().GenerateToken("u1", "alice", []string{"admin"})
		if err != nil {
			t.Fatalf("Failed to generate token: %v", err)
		}
		cfg.Token = token
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantError bool
	}{
		{"missing url", Config{}, true},
		{"bad url", Config{BaseURL: "http://[::1"}, true},
		{"valid", Config{BaseURL: "http://localhost:8080"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantError {
				t.Errorf("New() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	c := newTestClient(t, false)
	ctx := context.Background()

	task, err := c.SubmitTaskAndWait(ctx, types.SubmitTaskRequest{
		AgentType: "writer",
		Input:     map[string]interface{}{"topic": "queues"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != types.TaskStatusCompleted || task.Output["topic"] != "queues" {
		t.Errorf("Unexpected task: %+v", task)
	}

	got, err := c.GetTask(ctx, task.ID)
	if err != nil || got.ID != task.ID {
		t.Fatalf("GetTask failed: %v", err)
	}

	tasks, err := c.ListTasks(ctx, types.TaskFilter{AgentType: "writer", Limit: 10})
	if err != nil || len(tasks) != 1 {
		t.Errorf("Expected 1 task, got %d (%v)", len(tasks), err)
	}

	if _, err := c.CancelTask(ctx, task.ID); StatusCode(err) != http.StatusConflict {
		t.Errorf("Expected 409 cancelling a completed task, got %v", err)
	}

	metrics, err := c.GetMetrics(ctx)
	if err != nil || metrics.CompletedTasks != 1 {
		t.Errorf("Unexpected metrics: %+v (%v)", metrics, err)
	}

	agents, err := c.ListAgents(ctx)
	if err != nil || len(agents) != 2 {
		t.Errorf("Expected 2 agents, got %d (%v)", len(agents), err)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	c := newTestClient(t, false)

	_, err := c.SubmitTask(context.Background(), types.SubmitTaskRequest{AgentType: "ghost"})
	if StatusCode(err) != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %v", err)
	}
	if _, err := c.GetTask(context.Background(), "missing"); StatusCode(err) != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", err)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	c := newTestClient(t, true)
	ctx := context.Background()

	if _, err := c.RegisterDefinition(ctx, testutil.TwoStepWorkflow("article", true)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defs, err := c.ListDefinitions(ctx)
	if err != nil || len(defs) != 1 {
		t.Fatalf("Expected 1 definition, got %d (%v)", len(defs), err)
	}

	exec, err := c.ExecuteWorkflow(ctx, types.ExecuteWorkflowRequest{
		WorkflowID: "article",
		Context:    map[string]interface{}{"topic": "queues"},
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
	if exec.Status != types.WorkflowStatusPaused {
		t.Fatalf("Expected paused for review, got %s", exec.Status)
	}

	if _, err := c.ResumeWorkflow(ctx, exec.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	exec, err = c.WaitForExecution(waitCtx, exec.ID, 10*time.Millisecond)
	if err != nil || exec.Status != types.WorkflowStatusCompleted {
		t.Fatalf("Expected completed, got %+v (%v)", exec, err)
	}
	if exec.Context["draft"] != "queues" {
		t.Errorf("Expected draft mapped into context, got %v", exec.Context)
	}

	execs, err := c.ListExecutions(ctx, types.ExecutionFilter{WorkflowID: "article", Status: types.WorkflowStatusCompleted})
	if err != nil || len(execs) != 1 {
		t.Errorf("Expected 1 completed execution, got %d (%v)", len(execs), err)
	}

	if _, err := c.CancelWorkflow(ctx, exec.ID); StatusCode(err) != http.StatusConflict {
		t.Errorf("Expected 409 cancelling a completed execution, got %v", err)
	}

	since := time.Now().Add(-time.Minute)
	ok := testutil.WaitForCondition(func() bool {
		evts, err := c.GetEvents(ctx, types.EventFilter{Type: types.EventTypeWorkflowCompleted, Since: since})
		return err == nil && len(evts) == 1
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Error("Expected 1 workflow:completed event")
	}
}

func TestUnauthenticatedClient(t *testing.T) {
	c := newTestClient(t, true)
	c.token = ""

	if _, err := c.ListAgents(context.Background()); StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", err)
	}
}
