// Package client provides a typed client for the conductor HTTP API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Config holds client configuration
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the conductor API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at cfg.BaseURL
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/api/v1",
		token:   cfg.Token,
		http:    httpClient,
	}, nil
}

// SubmitTask queues a task and returns its id
func (c *Client) SubmitTask(ctx context.Context, req types.SubmitTaskRequest) (string, error) {
	var resp types.SubmitTaskResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// SubmitTaskAndWait queues a task and blocks until it settles
func (c *Client) SubmitTaskAndWait(ctx context.Context, req types.SubmitTaskRequest) (*types.AgentTask, error) {
	var task types.AgentTask
	if err := c.do(ctx, http.MethodPost, "/tasks", url.Values{"wait": {"true"}}, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask returns a task by id
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	var task types.AgentTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks matching filter
func (c *Client) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error) {
	q := url.Values{}
	setIf(q, "agentType", filter.AgentType)
	setIf(q, "status", string(filter.Status))
	setIf(q, "createdBy", filter.CreatedBy)
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var tasks []*types.AgentTask
	if err := c.do(ctx, http.MethodGet, "/tasks", q, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelTask cancels a queued task and returns its final state
func (c *Client) CancelTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	var task types.AgentTask
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListAgents returns the registered agent types
func (c *Client) ListAgents(ctx context.Context) ([]types.AgentInfo, error) {
	var agents []types.AgentInfo
	if err := c.do(ctx, http.MethodGet, "/agents", nil, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListDefinitions returns the workflow definitions loaded on the server
func (c *Client) ListDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	var defs []*types.WorkflowDefinition
	if err := c.do(ctx, http.MethodGet, "/workflows/definitions", nil, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// RegisterDefinition uploads a workflow definition
func (c *Client) RegisterDefinition(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	var registered types.WorkflowDefinition
	if err := c.do(ctx, http.MethodPost, "/workflows/definitions", nil, def, &registered); err != nil {
		return nil, err
	}
	return &registered, nil
}

// ExecuteWorkflow starts an execution of a loaded or inline definition
func (c *Client) ExecuteWorkflow(ctx context.Context, req types.ExecuteWorkflowRequest) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := c.do(ctx, http.MethodPost, "/workflows/executions", nil, req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution returns a workflow execution by id
func (c *Client) GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := c.do(ctx, http.MethodGet, "/workflows/executions/"+url.PathEscape(executionID), nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns executions matching filter
func (c *Client) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error) {
	q := url.Values{}
	setIf(q, "workflowId", filter.WorkflowID)
	setIf(q, "status", string(filter.Status))
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var execs []*types.WorkflowExecution
	if err := c.do(ctx, http.MethodGet, "/workflows/executions", q, nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// ResumeWorkflow approves the paused step and continues the execution
func (c *Client) ResumeWorkflow(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := c.do(ctx, http.MethodPost, "/workflows/executions/"+url.PathEscape(executionID)+"/resume", nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelWorkflow cancels a running or paused execution
func (c *Client) CancelWorkflow(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := c.do(ctx, http.MethodPost, "/workflows/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// WaitForExecution polls until the execution reaches a terminal or paused state
func (c *Client) WaitForExecution(ctx context.Context, executionID string, interval time.Duration) (*types.WorkflowExecution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := c.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status != types.WorkflowStatusRunning {
			return exec, nil
		}

		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetMetrics returns the orchestrator counters
func (c *Client) GetMetrics(ctx context.Context) (*types.Metrics, error) {
	var metrics types.Metrics
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, nil, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// GetEvents returns persisted events, newest first
func (c *Client) GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	q := url.Values{}
	setIf(q, "type", string(filter.Type))
	setIf(q, "source", filter.Source)
	setIf(q, "taskId", filter.TaskID)
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var evts []*types.Event
	if err := c.do(ctx, http.MethodGet, "/events", q, nil, &evts); err != nil {
		return nil, err
	}
	return evts, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &cerrors.APIError{Code: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Code = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// StatusCode returns the HTTP status carried by an API error, 0 otherwise
func StatusCode(err error) int {
	var apiErr *cerrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
