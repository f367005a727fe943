// Package state provides interfaces for persisting orchestrator state
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/types"
)

// ErrNotFound is returned when a task or execution is not stored
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// StateManager defines the interface for state management
type StateManager interface {
	// Task state management
	SaveTask(ctx context.Context, task *types.AgentTask) error
	GetTask(ctx context.Context, taskID string) (*types.AgentTask, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error)

	// Workflow execution state management
	SaveExecution(ctx context.Context, execution *types.WorkflowExecution) error
	GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error)

	// Event management. GetEvents returns the newest events first.
	RecordEvent(ctx context.Context, event *types.Event) error
	GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error)
}

// Store defines the backend storage interface
type Store interface {
	StateManager

	// Initialize the store
	Initialize(ctx context.Context) error

	// Close the store
	Close(ctx context.Context) error

	// Health check
	HealthCheck(ctx context.Context) error
}

// Config holds state store configuration
type Config struct {
	Type     string // "memory", "badger" or "postgres"
	URL      string // Connection URL for external stores
	Path     string // File path for embedded stores
	EventTTL time.Duration
}

// ConfigFrom converts the file configuration into a store Config
func ConfigFrom(cfg config.StateConfig) Config {
	return Config{
		Type:     cfg.Type,
		URL:      cfg.ConnectionURL,
		Path:     cfg.Path,
		EventTTL: cfg.EventTTL,
	}
}

// Factory creates state store instances
type Factory interface {
	Create(config Config) (Store, error)
}

// New creates and initializes the store named by config.Type
func New(ctx context.Context, config Config) (Store, error) {
	var factory Factory
	switch config.Type {
	case "", "memory":
		factory = &MemoryStoreFactory{}
	case "badger":
		factory = &BadgerStoreFactory{}
	case "postgres":
		factory = &PostgresStoreFactory{}
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", config.Type)
	}

	store, err := factory.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", config.Type, err)
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("failed to initialize %s store: %w", config.Type, err)
	}
	return store, nil
}

func sortTasks(tasks []*types.AgentTask, limit int) []*types.AgentTask {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

func sortExecutions(executions []*types.WorkflowExecution, limit int) []*types.WorkflowExecution {
	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions
}
