// Package testutil provides shared testing utilities and helpers for conductor
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rizome-dev/conductor/pkg/runtime"
	"github.com/rizome-dev/conductor/pkg/types"
)

// RecordingHandler implements agent.Handler, recording every task it processes
type RecordingHandler struct {
	mu    sync.Mutex
	tasks []*types.AgentTask

	// ProcessFunc produces the result. Nil echoes the input back.
	ProcessFunc func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error)
	// Delay is slept before ProcessFunc runs; the sleep honours ctx
	Delay time.Duration
	// Reject makes Validate return false
	Reject bool

	active    int
	maxActive int
}

// NewRecordingHandler creates a handler that echoes its input
func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{}
}

// Process records the task and runs ProcessFunc
func (h *RecordingHandler) Process(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
	h.mu.Lock()
	h.tasks = append(h.tasks, task.Clone())
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if h.ProcessFunc != nil {
		return h.ProcessFunc(ctx, task)
	}
	return types.CopyMap(task.Input.Data), nil
}

// Validate accepts everything unless Reject is set
func (h *RecordingHandler) Validate(input map[string]interface{}) bool {
	return !h.Reject
}

// EstimateProcessingTime returns Delay
func (h *RecordingHandler) EstimateProcessingTime(input map[string]interface{}) time.Duration {
	return h.Delay
}

// Tasks returns the tasks processed so far, in call order
func (h *RecordingHandler) Tasks() []*types.AgentTask {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*types.AgentTask, len(h.tasks))
	copy(out, h.tasks)
	return out
}

// Calls returns how many times Process was invoked
func (h *RecordingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// MaxConcurrent returns the highest number of overlapping Process calls seen
func (h *RecordingHandler) MaxConcurrent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxActive
}

// MockRuntime implements runtime.Runtime with a canned result
type MockRuntime struct {
	mu   sync.Mutex
	jobs []*runtime.JobSpec

	Result *runtime.JobResult
	Err    error
}

// NewMockRuntime creates a runtime whose jobs exit 0 with stdout
func NewMockRuntime(stdout string) *MockRuntime {
	return &MockRuntime{Result: &runtime.JobResult{Stdout: stdout}}
}

// RunJob records spec and returns the configured result
func (r *MockRuntime) RunJob(ctx context.Context, spec *runtime.JobSpec) (*runtime.JobResult, error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, spec)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	result := *r.Result
	result.StartedAt = time.Now()
	result.FinishedAt = result.StartedAt
	return &result, nil
}

// Name returns "mock"
func (r *MockRuntime) Name() string {
	return "mock"
}

// Jobs returns the specs passed to RunJob
func (r *MockRuntime) Jobs() []*runtime.JobSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*runtime.JobSpec, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// GetFreePort returns a free port for testing
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration, interval time.Duration) bool {
	if condition() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return condition()
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// AssertEventually returns an error unless condition becomes true within timeout
func AssertEventually(condition func() bool, timeout time.Duration, message string) error {
	if WaitForCondition(condition, timeout, 10*time.Millisecond) {
		return nil
	}
	return fmt.Errorf("condition not met within timeout: %s", message)
}

// AgentConfig returns an enabled agent config for tests
func AgentConfig(agentType string, maxConcurrent int, autoApprove bool) types.AgentConfig {
	return types.AgentConfig{
		ID:                 agentType + "-agent",
		Type:               agentType,
		Enabled:            true,
		AutoApprove:        autoApprove,
		MaxConcurrentTasks: maxConcurrent,
		TimeoutMs:          5000,
	}
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// TwoStepWorkflow returns a writer then reviewer workflow definition
func TwoStepWorkflow(id string, reviewRequired bool) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:   id,
		Name: "two step",
		Steps: []types.WorkflowStep{
			{
				ID:            "write",
				AgentType:     "writer",
				InputMapping:  map[string]string{"topic": "topic"},
				OutputMapping: map[string]string{"draft": "topic"},
			},
			{
				ID:                  "review",
				AgentType:           "reviewer",
				InputMapping:        map[string]string{"draft": "draft"},
				HumanReviewRequired: reviewRequired,
			},
		},
		ErrorHandling: types.ErrorPolicyStop,
	}
}
