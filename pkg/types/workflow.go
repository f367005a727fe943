package types

import "time"

// ConditionOperator compares a context value against a condition value
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not-equals"
	OperatorGreaterThan ConditionOperator = "greater-than"
	OperatorLessThan    ConditionOperator = "less-than"
	OperatorContains    ConditionOperator = "contains"
)

// Valid reports whether the operator is supported
func (o ConditionOperator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan, OperatorContains:
		return true
	}
	return false
}

// ConditionAction is what happens when a step condition matches
type ConditionAction string

const (
	ActionSkip ConditionAction = "skip"
)

// ErrorPolicy decides what a workflow does after a failed step
type ErrorPolicy string

const (
	ErrorPolicyStop     ErrorPolicy = "stop"
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// StepCondition is evaluated against the workflow context before a step runs
type StepCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    interface{}       `json:"value" yaml:"value"`
	Action   ConditionAction   `json:"action" yaml:"action"`
}

// RetryPolicy is carried on a step for agents that honour per-step retries
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

// WorkflowStep invokes one agent task
type WorkflowStep struct {
	ID                  string            `json:"id" yaml:"id"`
	Name                string            `json:"name,omitempty" yaml:"name,omitempty"`
	AgentType           string            `json:"agentType" yaml:"agentType"`
	InputMapping        map[string]string `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
	OutputMapping       map[string]string `json:"outputMapping,omitempty" yaml:"outputMapping,omitempty"`
	Conditions          []StepCondition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	HumanReviewRequired bool              `json:"humanReviewRequired" yaml:"humanReviewRequired"`
	TimeoutMs           int64             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	RetryPolicy         *RetryPolicy      `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
}

// WorkflowDefinition is an immutable template of ordered steps
type WorkflowDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps         []WorkflowStep `json:"steps" yaml:"steps"`
	ErrorHandling ErrorPolicy    `json:"errorHandling" yaml:"errorHandling"`
}

// WorkflowStatus represents the state of a workflow execution
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus is the outcome recorded for a step
type StepStatus string

const (
	StepStatusCompleted      StepStatus = "completed"
	StepStatusAwaitingReview StepStatus = "awaiting-review"
	StepStatusFailed         StepStatus = "failed"
	StepStatusSkipped        StepStatus = "skipped"
)

// StepResult records what happened to one step
type StepResult struct {
	StepID      string                 `json:"stepId"`
	TaskID      string                 `json:"taskId,omitempty"`
	Status      StepStatus             `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       *TaskError             `json:"error,omitempty"`
}

// WorkflowError references the step that stopped a workflow
type WorkflowError struct {
	StepID  string `json:"stepId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WorkflowError) Error() string {
	return "step " + e.StepID + ": " + e.Code + ": " + e.Message
}

// WorkflowExecution is one run of a workflow definition
type WorkflowExecution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflowId"`
	Status        WorkflowStatus         `json:"status"`
	CurrentStepID string                 `json:"currentStepId,omitempty"`
	Context       map[string]interface{} `json:"context"`
	StepResults   []StepResult           `json:"stepResults"`
	StartedAt     time.Time              `json:"startedAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	Error         *WorkflowError         `json:"error,omitempty"`
	// Definition is set for executions of inline definitions, which are
	// never registered
	Definition *WorkflowDefinition `json:"definition,omitempty"`
}

// Clone returns a copy that shares no mutable state with e
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Context = CopyMap(e.Context)
	c.StepResults = make([]StepResult, len(e.StepResults))
	for i, r := range e.StepResults {
		r.Output = CopyMap(r.Output)
		if r.Error != nil {
			te := *r.Error
			r.Error = &te
		}
		if r.CompletedAt != nil {
			at := *r.CompletedAt
			r.CompletedAt = &at
		}
		c.StepResults[i] = r
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		c.CompletedAt = &at
	}
	if e.Error != nil {
		we := *e.Error
		c.Error = &we
	}
	return &c
}

// ExecutionFilter selects workflow executions. Zero fields match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     WorkflowStatus
	Limit      int
}

// Matches reports whether the execution satisfies the filter
func (f ExecutionFilter) Matches(e *WorkflowExecution) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
