package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/runtime"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Environment variables passed to agent containers
const (
	EnvTaskInput = "CONDUCTOR_TASK_INPUT"
	EnvTaskID    = "CONDUCTOR_TASK_ID"
	EnvAgentType = "CONDUCTOR_AGENT_TYPE"
)

// maxErrorOutput caps how much stderr is copied into a task error
const maxErrorOutput = 512

// ContainerHandler runs each task as a one-shot container job
type ContainerHandler struct {
	runtime runtime.Runtime
	spec    config.AgentSpec
	logger  *logging.Logger
}

// NewContainerHandler creates a handler for a declared container agent
func NewContainerHandler(rt runtime.Runtime, spec config.AgentSpec, logger *logging.Logger) (*ContainerHandler, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("agent %s: image is required", spec.Type)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ContainerHandler{
		runtime: rt,
		spec:    spec,
		logger:  logger.WithComponent("container-agent").WithField("agent_type", spec.Type),
	}, nil
}

// Process serializes the task input into the job environment and parses stdout as output
func (h *ContainerHandler) Process(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
	payload, err := json.Marshal(task.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task input: %w", err)
	}

	env := make(map[string]string, len(h.spec.Environment)+3)
	for k, v := range h.spec.Environment {
		env[k] = v
	}
	env[EnvTaskInput] = string(payload)
	env[EnvTaskID] = task.ID
	env[EnvAgentType] = task.AgentType

	spec := &runtime.JobSpec{
		ID:          task.ID,
		AgentType:   task.AgentType,
		Image:       h.spec.Image,
		Command:     h.spec.Command,
		Args:        h.spec.Args,
		Environment: env,
		Resources: runtime.ResourceRequirements{
			CPU:    h.spec.CPU,
			Memory: h.spec.Memory,
		},
	}

	h.logger.Debug("running task %s on %s", task.ID, h.runtime.Name())

	result, err := h.runtime.RunJob(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to run agent container: %w", err)
	}

	if result.ExitCode != 0 {
		return nil, fmt.Errorf("agent container exited with code %d: %s", result.ExitCode, tail(result.Stderr, maxErrorOutput))
	}

	return ParseOutput(result.Stdout), nil
}

// Validate requires every declared input key to be present
func (h *ContainerHandler) Validate(input map[string]interface{}) bool {
	return RequireKeys(h.spec.RequiredInputs...)(input)
}

// EstimateProcessingTime returns the declared estimate
func (h *ContainerHandler) EstimateProcessingTime(input map[string]interface{}) time.Duration {
	return h.spec.EstimatedDuration
}

// ParseOutput decodes stdout as a JSON object. When the whole stream is not
// an object the last line is tried, then the raw text is returned under "stdout".
func ParseOutput(stdout string) map[string]interface{} {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return map[string]interface{}{}
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out != nil {
		return out
	}

	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed[idx+1:])), &out); err == nil && out != nil {
			return out
		}
	}

	return map[string]interface{}{"stdout": trimmed}
}

// ConfigFromSpec converts a declared agent into the scheduler's agent config
func ConfigFromSpec(spec config.AgentSpec) types.AgentConfig {
	return types.AgentConfig{
		ID:                 spec.Type,
		Type:               spec.Type,
		Enabled:            spec.IsEnabled(),
		AutoApprove:        spec.AutoApprove,
		MaxConcurrentTasks: spec.MaxConcurrentTasks,
		RetryAttempts:      spec.RetryAttempts,
		TimeoutMs:          spec.Timeout.Milliseconds(),
		ModelConfig:        spec.ModelConfig,
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
