package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/rizome-dev/conductor/pkg/types"
)

// MemoryStore implements Store interface using in-memory storage
type MemoryStore struct {
	tasks      map[string]*types.AgentTask
	executions map[string]*types.WorkflowExecution
	events     []*types.Event
	mu         sync.RWMutex
}

// NewMemoryStore creates a new memory-based store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*types.AgentTask),
		executions: make(map[string]*types.WorkflowExecution),
		events:     make([]*types.Event, 0),
	}
}

// Initialize initializes the store
func (s *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Close closes the store
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// HealthCheck performs a health check
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// SaveTask creates or replaces a task
func (s *MemoryStore) SaveTask(ctx context.Context, task *types.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return task.Clone(), nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *MemoryStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*types.AgentTask
	for _, task := range s.tasks {
		if filter.Matches(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	return sortTasks(tasks, filter.Limit), nil
}

// SaveExecution creates or replaces a workflow execution
func (s *MemoryStore) SaveExecution(ctx context.Context, execution *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[execution.ID] = execution.Clone()
	return nil
}

// GetExecution retrieves a workflow execution by ID
func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return execution.Clone(), nil
}

// ListExecutions returns executions matching the filter, oldest first
func (s *MemoryStore) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var executions []*types.WorkflowExecution
	for _, execution := range s.executions {
		if filter.Matches(execution) {
			executions = append(executions, execution.Clone())
		}
	}
	return sortExecutions(executions, filter.Limit), nil
}

// RecordEvent records a lifecycle event
func (s *MemoryStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, copyEvent(event))
	return nil
}

// GetEvents retrieves events matching the filter, newest first
func (s *MemoryStore) GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*types.Event
	for i := len(s.events) - 1; i >= 0 && (filter.Limit <= 0 || len(events) < filter.Limit); i-- {
		if filter.Matches(s.events[i]) {
			events = append(events, copyEvent(s.events[i]))
		}
	}
	return events, nil
}

func copyEvent(event *types.Event) *types.Event {
	c := *event
	c.Data = types.CopyMap(event.Data)
	return &c
}

// MemoryStoreFactory creates memory store instances
type MemoryStoreFactory struct{}

// Create creates a new memory store instance
func (f *MemoryStoreFactory) Create(config Config) (Store, error) {
	return NewMemoryStore(), nil
}
