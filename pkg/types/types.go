// Package types contains shared types for conductor
package types

import (
	"fmt"
	"strings"
	"time"
)

// Response represents a generic API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Priority is the scheduling priority of a task
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the numeric ordering value of a priority. Unknown values weigh 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// ParsePriority parses a priority name. The empty string yields medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToLower(s))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusInProgress     TaskStatus = "in-progress"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusAwaitingReview TaskStatus = "awaiting-review"
	TaskStatusFailed         TaskStatus = "failed"
)

// IsSettled reports whether a workflow step waiting on the task can stop waiting
func (s TaskStatus) IsSettled() bool {
	return s == TaskStatusCompleted || s == TaskStatusAwaitingReview || s == TaskStatusFailed
}

// AgentStatus represents the current state of an agent type
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusProcessing AgentStatus = "processing"
)

// DefaultTaskTimeout applies when an agent config leaves TimeoutMs unset
const DefaultTaskTimeout = 5 * time.Minute

// AgentConfig holds the static configuration of an agent type
type AgentConfig struct {
	ID                 string                 `json:"id" yaml:"id"`
	Type               string                 `json:"type" yaml:"type"`
	Enabled            bool                   `json:"enabled" yaml:"enabled"`
	AutoApprove        bool                   `json:"autoApprove" yaml:"autoApprove"`
	MaxConcurrentTasks int                    `json:"maxConcurrentTasks" yaml:"maxConcurrentTasks"`
	RetryAttempts      *int                   `json:"retryAttempts,omitempty" yaml:"retryAttempts,omitempty"`
	TimeoutMs          int64                  `json:"timeoutMs" yaml:"timeoutMs"`
	ModelConfig        map[string]interface{} `json:"modelConfig,omitempty" yaml:"modelConfig,omitempty"`
}

// Timeout returns the processing timeout for tasks of this agent type
func (c AgentConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTaskTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Concurrency returns the concurrency limit, never less than one
func (c AgentConfig) Concurrency() int {
	if c.MaxConcurrentTasks < 1 {
		return 1
	}
	return c.MaxConcurrentTasks
}

// AgentState is the mutable runtime state of an agent type
type AgentState struct {
	Type                  string      `json:"type"`
	Status                AgentStatus `json:"status"`
	CurrentTaskID         string      `json:"currentTaskId,omitempty"`
	QueuedTasks           int         `json:"queuedTasks"`
	CompletedTasks        int         `json:"completedTasks"`
	FailedTasks           int         `json:"failedTasks"`
	LastActivity          time.Time   `json:"lastActivity"`
	AverageProcessingTime float64     `json:"averageProcessingTimeMs"`
	SuccessRate           float64     `json:"successRate"`
}

// TaskContext carries the execution context of a task
type TaskContext struct {
	OrganizationID string `json:"organizationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	ParentTaskID   string `json:"parentTaskId,omitempty"`
}

// TaskInput is the opaque payload handed to an agent plus its context
type TaskInput struct {
	Data    map[string]interface{} `json:"data"`
	Context TaskContext            `json:"context"`
}

// TaskError describes why a task failed
type TaskError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TaskMetadata holds bookkeeping about a task
type TaskMetadata struct {
	RetryCount       int    `json:"retryCount"`
	SchemaVersion    string `json:"schemaVersion"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
}

// AgentTask is one unit of work submitted to an agent type
type AgentTask struct {
	ID          string                 `json:"id"`
	AgentType   string                 `json:"agentType"`
	Status      TaskStatus             `json:"status"`
	Priority    Priority               `json:"priority"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	CreatedBy   string                 `json:"createdBy,omitempty"`
	Input       TaskInput              `json:"input"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       *TaskError             `json:"error,omitempty"`
	Metadata    TaskMetadata           `json:"metadata"`
}

// Clone returns a copy that shares no mutable state with t
func (t *AgentTask) Clone() *AgentTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	c.Input.Data = CopyMap(t.Input.Data)
	c.Output = CopyMap(t.Output)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// TaskFilter selects tasks in list operations. Zero fields match everything.
type TaskFilter struct {
	AgentType string
	Status    TaskStatus
	CreatedBy string
	Limit     int
}

// Matches reports whether the task satisfies the filter
func (f TaskFilter) Matches(t *AgentTask) bool {
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// CopyMap makes a shallow copy of a payload map
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Metrics is a point-in-time snapshot of orchestrator counters
type Metrics struct {
	TotalTasks      int                   `json:"totalTasks"`
	QueuedTasks     int                   `json:"queuedTasks"`
	InProgressTasks int                   `json:"inProgressTasks"`
	CompletedTasks  int                   `json:"completedTasks"`
	FailedTasks     int                   `json:"failedTasks"`
	ActiveWorkflows int                   `json:"activeWorkflows"`
	Running         bool                  `json:"running"`
	Agents          map[string]AgentState `json:"agents"`
	Timestamp       time.Time             `json:"timestamp"`
}
