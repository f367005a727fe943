package types

// SubmitTaskRequest is the body of POST /api/v1/tasks
type SubmitTaskRequest struct {
	AgentType      string                 `json:"agentType"`
	Input          map[string]interface{} `json:"input"`
	Priority       Priority               `json:"priority,omitempty"`
	CreatedBy      string                 `json:"createdBy,omitempty"`
	ParentTaskID   string                 `json:"parentTaskId,omitempty"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	UserID         string                 `json:"userId,omitempty"`
}

// SubmitTaskResponse is returned for an accepted task
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
}

// ExecuteWorkflowRequest starts an execution of either a loaded definition
// (WorkflowID) or an inline Definition
type ExecuteWorkflowRequest struct {
	WorkflowID string                 `json:"workflowId,omitempty"`
	Definition *WorkflowDefinition    `json:"definition,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// AgentInfo describes a registered agent type
type AgentInfo struct {
	Config AgentConfig `json:"config"`
	State  AgentState  `json:"state"`
}
