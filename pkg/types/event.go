package types

import "time"

// Event represents a lifecycle notification
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// EventType represents types of events
type EventType string

const (
	EventTypeAgentRegistered EventType = "agent:registered"

	EventTypeTaskQueued    EventType = "task:queued"
	EventTypeTaskStarted   EventType = "task:started"
	EventTypeTaskCompleted EventType = "task:completed"
	EventTypeTaskRetrying  EventType = "task:retrying"
	EventTypeTaskFailed    EventType = "task:failed"
	EventTypeTaskCancelled EventType = "task:cancelled"

	EventTypeWorkflowStarted        EventType = "workflow:started"
	EventTypeWorkflowStepStarted    EventType = "workflow:step-started"
	EventTypeWorkflowStepSkipped    EventType = "workflow:step-skipped"
	EventTypeWorkflowStepCompleted  EventType = "workflow:step-completed"
	EventTypeWorkflowReviewRequired EventType = "workflow:review-required"
	EventTypeWorkflowResumed        EventType = "workflow:resumed"
	EventTypeWorkflowCompleted      EventType = "workflow:completed"
	EventTypeWorkflowFailed         EventType = "workflow:failed"
	EventTypeWorkflowCancelled      EventType = "workflow:cancelled"

	EventTypeOrchestratorStarted EventType = "orchestrator:started"
	EventTypeOrchestratorStopped EventType = "orchestrator:stopped"
)

// EventFilter selects events from history. Zero fields match everything.
type EventFilter struct {
	Type   EventType
	Source string
	TaskID string
	Since  time.Time
	Limit  int
}

// Matches reports whether the event satisfies the filter
func (f EventFilter) Matches(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.TaskID != "" {
		if id, _ := e.Data["taskId"].(string); id != f.TaskID {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
