package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rizome-dev/conductor/pkg/config"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/testutil"
	"github.com/rizome-dev/conductor/pkg/types"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()

	cfg := orchestrator.DefaultConfig()
	cfg.DefaultRetryAttempts = 0
	orch, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	orch.RegisterAgent(testutil.NewRecordingHandler(), testutil.AgentConfig("writer", 2, true))
	orch.RegisterAgent(testutil.NewRecordingHandler(), testutil.AgentConfig("reviewer", 1, false))
	orch.RegisterAgent(&testutil.RecordingHandler{Delay: time.Hour}, testutil.AgentConfig("slow", 1, true))
	if err := orch.Start(); err != nil {
		t.Fatalf("Failed to start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		// The slow agent only stops once shutdown gives up on it
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return orch
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	appCfg := config.DefaultConfig()
	cfg := Config{
		Server:       appCfg.Server,
		Security:     appCfg.Security,
		Orchestrator: newTestOrchestrator(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestNewRequiresOrchestrator(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error without orchestrator")
	}
}

func TestNewRequiresSecretWhenAuthEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.Authentication.Enabled = true
	_, err := New(Config{Security: cfg.Security, Orchestrator: newTestOrchestrator(t)})
	if err == nil {
		t.Error("Expected error without jwt secret")
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var body map[string]interface{}
	if code := doJSON(t, "GET", ts.URL+"/healthz", nil, &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var submitted types.SubmitTaskResponse
	code := doJSON(t, "POST", ts.URL+"/api/v1/tasks", types.SubmitTaskRequest{
		AgentType: "writer",
		Input:     map[string]interface{}{"topic": "queues"},
		Priority:  types.PriorityHigh,
	}, &submitted)
	if code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if submitted.TaskID == "" {
		t.Fatal("Expected a task id")
	}

	var task types.AgentTask
	ok := testutil.WaitForCondition(func() bool {
		doJSON(t, "GET", ts.URL+"/api/v1/tasks/"+submitted.TaskID, nil, &task)
		return task.Status == types.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Fatalf("Task did not complete, last status %s", task.Status)
	}
	if task.Output["topic"] != "queues" || task.Priority != types.PriorityHigh {
		t.Errorf("Unexpected task: %+v", task)
	}

	var tasks []types.AgentTask
	if code := doJSON(t, "GET", ts.URL+"/api/v1/tasks?agentType=writer&status=completed", nil, &tasks); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(tasks) != 1 {
		t.Errorf("Expected 1 task, got %d", len(tasks))
	}
}

func TestSubmitTaskWait(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var task types.AgentTask
	code := doJSON(t, "POST", ts.URL+"/api/v1/tasks?wait=true", types.SubmitTaskRequest{
		AgentType: "reviewer",
		Input:     map[string]interface{}{"draft": "d"},
	}, &task)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if task.Status != types.TaskStatusAwaitingReview {
		t.Errorf("Expected awaiting-review, got %s", task.Status)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", "{", http.StatusBadRequest},
		{"missing agent type", `{"input":{}}`, http.StatusBadRequest},
		{"unknown agent", `{"agentType":"ghost"}`, http.StatusUnprocessableEntity},
		{"unknown priority", `{"agentType":"writer","priority":"urgent"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
			var apiErr cerrors.APIError
			if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
				t.Fatalf("Failed to decode error: %v", err)
			}
			if apiErr.Code != tt.want || apiErr.Message == "" {
				t.Errorf("Unexpected error body: %+v", apiErr)
			}
		})
	}
}

func TestCancelTask(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var first, second types.SubmitTaskResponse
	doJSON(t, "POST", ts.URL+"/api/v1/tasks", types.SubmitTaskRequest{AgentType: "slow"}, &first)
	doJSON(t, "POST", ts.URL+"/api/v1/tasks", types.SubmitTaskRequest{AgentType: "slow"}, &second)

	var task types.AgentTask
	if code := doJSON(t, "POST", ts.URL+"/api/v1/tasks/"+second.TaskID+"/cancel", nil, &task); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if task.Status != types.TaskStatusFailed || task.Error == nil || task.Error.Code != cerrors.CodeCancelled {
		t.Errorf("Expected cancelled task, got %+v", task)
	}

	if code := doJSON(t, "POST", ts.URL+"/api/v1/tasks/"+second.TaskID+"/cancel", nil, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 for settled task, got %d", code)
	}
	if code := doJSON(t, "POST", ts.URL+"/api/v1/tasks/missing/cancel", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestListAgents(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var agents []types.AgentInfo
	if code := doJSON(t, "GET", ts.URL+"/api/v1/agents", nil, &agents); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(agents) != 3 {
		t.Fatalf("Expected 3 agents, got %d", len(agents))
	}
	if agents[0].Config.Type != "reviewer" || agents[2].Config.Type != "writer" {
		t.Errorf("Expected agents sorted by type, got %s..%s", agents[0].Config.Type, agents[2].Config.Type)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	def := testutil.TwoStepWorkflow("article", true)
	var registered types.WorkflowDefinition
	if code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/definitions", def, &registered); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}

	var defs []types.WorkflowDefinition
	doJSON(t, "GET", ts.URL+"/api/v1/workflows/definitions", nil, &defs)
	if len(defs) != 1 || defs[0].ID != "article" {
		t.Errorf("Unexpected definitions: %+v", defs)
	}

	var exec types.WorkflowExecution
	code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions", types.ExecuteWorkflowRequest{
		WorkflowID: "article",
		Context:    map[string]interface{}{"topic": "queues"},
	}, &exec)
	if code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}

	// The reviewer agent does not auto-approve and the step requires review
	ok := testutil.WaitForCondition(func() bool {
		doJSON(t, "GET", ts.URL+"/api/v1/workflows/executions/"+exec.ID, nil, &exec)
		return exec.Status == types.WorkflowStatusPaused
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Fatalf("Execution did not pause, status %s", exec.Status)
	}

	if code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions/"+exec.ID+"/resume", nil, &exec); code != http.StatusOK {
		t.Fatalf("Expected 200 on resume, got %d", code)
	}
	ok = testutil.WaitForCondition(func() bool {
		doJSON(t, "GET", ts.URL+"/api/v1/workflows/executions/"+exec.ID, nil, &exec)
		return exec.Status == types.WorkflowStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Fatalf("Execution did not complete, status %s", exec.Status)
	}

	if code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions/"+exec.ID+"/resume", nil, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 resuming a completed execution, got %d", code)
	}

	var execs []types.WorkflowExecution
	doJSON(t, "GET", ts.URL+"/api/v1/workflows/executions?workflowId=article", nil, &execs)
	if len(execs) != 1 {
		t.Errorf("Expected 1 execution, got %d", len(execs))
	}
}

func TestExecuteWorkflowValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name string
		req  types.ExecuteWorkflowRequest
		want int
	}{
		{"neither", types.ExecuteWorkflowRequest{}, http.StatusBadRequest},
		{"both", types.ExecuteWorkflowRequest{WorkflowID: "a", Definition: testutil.TwoStepWorkflow("a", false)}, http.StatusBadRequest},
		{"unknown id", types.ExecuteWorkflowRequest{WorkflowID: "missing"}, http.StatusNotFound},
		{"invalid inline", types.ExecuteWorkflowRequest{Definition: &types.WorkflowDefinition{ID: "empty"}}, http.StatusBadRequest},
		{"inline", types.ExecuteWorkflowRequest{Definition: testutil.TwoStepWorkflow("inline", false)}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions", tt.req, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestCancelWorkflowEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	def := testutil.TwoStepWorkflow("slow-flow", false)
	def.Steps[0].AgentType = "slow"

	var exec types.WorkflowExecution
	doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions", types.ExecuteWorkflowRequest{Definition: def}, &exec)

	if code := doJSON(t, "POST", ts.URL+"/api/v1/workflows/executions/"+exec.ID+"/cancel", nil, &exec); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if exec.Status != types.WorkflowStatusCancelled {
		t.Errorf("Expected cancelled, got %s", exec.Status)
	}
	if code := doJSON(t, "GET", ts.URL+"/api/v1/workflows/executions/missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestMetricsAndEvents(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var task types.AgentTask
	doJSON(t, "POST", ts.URL+"/api/v1/tasks?wait=true", types.SubmitTaskRequest{AgentType: "writer"}, &task)

	var metrics types.Metrics
	if code := doJSON(t, "GET", ts.URL+"/api/v1/metrics", nil, &metrics); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if metrics.TotalTasks != 1 || metrics.CompletedTasks != 1 || !metrics.Running {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}

	// task:completed is emitted just after the task settles
	var evts []types.Event
	ok := testutil.WaitForCondition(func() bool {
		evts = nil
		code := doJSON(t, "GET", ts.URL+"/api/v1/events?taskId="+task.ID+"&limit=10", nil, &evts)
		return code == http.StatusOK && len(evts) > 0 && evts[0].Type == types.EventTypeTaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
	if !ok {
		t.Errorf("Expected newest event to be task:completed, got %+v", evts)
	}

	for _, query := range []string{"limit=-1", "limit=x", "since=yesterday"} {
		if code := doJSON(t, "GET", ts.URL+"/api/v1/events?"+query, nil, nil); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", query, code)
		}
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.Security.Authentication.Enabled = true
		cfg.Security.Authentication.JWTConfig.SecretKey = "secret"
		cfg.Security.Authorization.Enabled = true
	})

	if code := doJSON(t, "GET", ts.URL+"/api/v1/tasks", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", code)
	}
	if code := doJSON(t, "GET", ts.URL+"/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("Expected health to stay public, got %d", code)
	}

	token, err := srv.AuthService().GenerateToken("u1", "alice", []string{"operator"})
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	body, _ := json.Marshal(types.SubmitTaskRequest{AgentType: "writer"})
	req, _ := http.NewRequest("POST", ts.URL+"/api/v1/tasks?wait=true", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var task types.AgentTask
	json.NewDecoder(resp.Body).Decode(&task)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if task.CreatedBy != "alice" {
		t.Errorf("Expected createdBy from token, got %q", task.CreatedBy)
	}
}

func TestResumeRequiresReviewer(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.Security.Authentication.Enabled = true
		cfg.Security.Authentication.JWTConfig.SecretKey = "secret"
	})

	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"operator", []string{"operator"}, http.StatusForbidden},
		{"reviewer", []string{"reviewer"}, http.StatusNotFound},
		{"admin", []string{"admin"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := srv.AuthService().GenerateToken("u1", "alice", tt.roles)
			if err != nil {
				t.Fatalf("Failed to generate token: %v", err)
			}
			req, _ := http.NewRequest("POST", ts.URL+"/api/v1/workflows/executions/missing/resume", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Security.RateLimit = config.RateLimitConfig{
			Enabled:    true,
			UserLimit:  2,
			UserWindow: time.Hour,
		}
	})

	for i := 0; i < 2; i++ {
		if code := doJSON(t, "GET", ts.URL+"/api/v1/agents", nil, nil); code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, code)
		}
	}
	if code := doJSON(t, "GET", ts.URL+"/api/v1/agents", nil, nil); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	monitor, err := monitoring.NewMonitor(&config.MonitoringConfig{
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "server_test"},
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create monitor: %v", err)
	}
	_, ts := newTestServer(t, func(cfg *Config) { cfg.Monitor = monitor })

	doJSON(t, "GET", ts.URL+"/api/v1/agents", nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `server_test_http_requests_total{method="GET",route="/api/v1/agents",status="200"} 1`) {
		t.Errorf("Expected request counter for /api/v1/agents in:\n%s", buf.String())
	}
}

func TestStartStopWithGRPCHealth(t *testing.T) {
	appCfg := config.DefaultConfig()
	appCfg.Server.HTTP.Host = "127.0.0.1"
	appCfg.Server.HTTP.Port = 0
	appCfg.Server.GRPC.Host = "127.0.0.1"
	appCfg.Server.GRPC.Port = 0
	appCfg.Server.GRPC.Enabled = true

	srv, err := New(Config{Server: appCfg.Server, Security: appCfg.Security, Orchestrator: newTestOrchestrator(t)})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Error("Expected error on second start")
	}

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/healthz")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial gRPC: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: OrchestratorService})
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	if health.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", health.Status)
	}

	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("Expected server to be stopped")
	}
	if _, err := http.Get("http://" + srv.HTTPAddr() + "/healthz"); err == nil {
		t.Error("Expected HTTP listener to be closed")
	} else if !errors.Is(err, context.Canceled) && !strings.Contains(err.Error(), "refused") {
		t.Logf("HTTP request after stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}
