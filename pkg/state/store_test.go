package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
)

func newTask(id, agentType string, created time.Time) *types.AgentTask {
	return &types.AgentTask{
		ID:        id,
		AgentType: agentType,
		Status:    types.TaskStatusQueued,
		Priority:  types.PriorityMedium,
		CreatedAt: created,
		CreatedBy: "tester",
		Input: types.TaskInput{
			Data: map[string]interface{}{"prompt": "hello"},
		},
		Metadata: types.TaskMetadata{SchemaVersion: "1.0"},
	}
}

// runStoreTests exercises the StateManager contract shared by every backend
func runStoreTests(t *testing.T, store Store) {
	t.Run("tasks", func(t *testing.T) { testTaskOperations(t, store) })
	t.Run("executions", func(t *testing.T) { testExecutionOperations(t, store) })
	t.Run("events", func(t *testing.T) { testEventOperations(t, store) })
	t.Run("concurrent", func(t *testing.T) { testConcurrentOperations(t, store) })
}

func testTaskOperations(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := newTask("task-1", "writer", base)
	second := newTask("task-2", "reviewer", base.Add(time.Second))
	third := newTask("task-3", "writer", base.Add(2*time.Second))

	for _, task := range []*types.AgentTask{third, first, second} {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("Failed to save task %s: %v", task.ID, err)
		}
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.AgentType != "writer" || got.Input.Data["prompt"] != "hello" {
		t.Errorf("Unexpected task contents: %+v", got)
	}

	// Mutating the returned value must not affect the stored record
	got.Status = types.TaskStatusFailed
	again, _ := store.GetTask(ctx, "task-1")
	if again.Status != types.TaskStatusQueued {
		t.Errorf("Expected stored status queued, got %s", again.Status)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Replace
	first.Status = types.TaskStatusCompleted
	first.Output = map[string]interface{}{"result": "done"}
	if err := store.SaveTask(ctx, first); err != nil {
		t.Fatalf("Failed to update task: %v", err)
	}
	updated, _ := store.GetTask(ctx, "task-1")
	if updated.Status != types.TaskStatusCompleted || updated.Output["result"] != "done" {
		t.Errorf("Expected updated task, got %+v", updated)
	}

	all, err := store.ListTasks(ctx, types.TaskFilter{})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(all))
	}
	for i, want := range []string{"task-1", "task-2", "task-3"} {
		if all[i].ID != want {
			t.Errorf("Expected task %d to be %s, got %s", i, want, all[i].ID)
		}
	}

	tests := []struct {
		name   string
		filter types.TaskFilter
		want   int
	}{
		{"by agent type", types.TaskFilter{AgentType: "writer"}, 2},
		{"by status", types.TaskFilter{Status: types.TaskStatusCompleted}, 1},
		{"by creator", types.TaskFilter{CreatedBy: "tester"}, 3},
		{"with limit", types.TaskFilter{Limit: 2}, 2},
		{"no match", types.TaskFilter{AgentType: "unknown"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := store.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Failed to list tasks: %v", err)
			}
			if len(tasks) != tt.want {
				t.Errorf("Expected %d tasks, got %d", tt.want, len(tasks))
			}
		})
	}
}

func testExecutionOperations(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	exec1 := &types.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "review-flow",
		Status:     types.WorkflowStatusRunning,
		Context:    map[string]interface{}{"draft": "v1"},
		StartedAt:  base,
	}
	exec2 := &types.WorkflowExecution{
		ID:         "exec-2",
		WorkflowID: "other-flow",
		Status:     types.WorkflowStatusCompleted,
		Context:    map[string]interface{}{},
		StartedAt:  base.Add(time.Second),
	}

	for _, e := range []*types.WorkflowExecution{exec2, exec1} {
		if err := store.SaveExecution(ctx, e); err != nil {
			t.Fatalf("Failed to save execution: %v", err)
		}
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if got.Context["draft"] != "v1" {
		t.Errorf("Expected draft v1, got %v", got.Context["draft"])
	}

	exec1.Status = types.WorkflowStatusPaused
	exec1.CurrentStepID = "review"
	exec1.StepResults = append(exec1.StepResults, types.StepResult{StepID: "draft", Status: types.StepStatusCompleted})
	if err := store.SaveExecution(ctx, exec1); err != nil {
		t.Fatalf("Failed to update execution: %v", err)
	}
	got, _ = store.GetExecution(ctx, "exec-1")
	if got.Status != types.WorkflowStatusPaused || len(got.StepResults) != 1 {
		t.Errorf("Expected paused execution with one result, got %+v", got)
	}

	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	all, err := store.ListExecutions(ctx, types.ExecutionFilter{})
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "exec-1" {
		t.Errorf("Expected exec-1 first of 2, got %d executions", len(all))
	}

	byWorkflow, _ := store.ListExecutions(ctx, types.ExecutionFilter{WorkflowID: "other-flow"})
	if len(byWorkflow) != 1 || byWorkflow[0].ID != "exec-2" {
		t.Errorf("Expected only exec-2, got %d", len(byWorkflow))
	}

	byStatus, _ := store.ListExecutions(ctx, types.ExecutionFilter{Status: types.WorkflowStatusPaused})
	if len(byStatus) != 1 || byStatus[0].ID != "exec-1" {
		t.Errorf("Expected only exec-1, got %d", len(byStatus))
	}
}

func testEventOperations(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	events := []*types.Event{
		{ID: "ev-1", Type: types.EventTypeTaskQueued, Source: "orchestrator", Timestamp: base, Data: map[string]interface{}{"taskId": "t1"}},
		{ID: "ev-2", Type: types.EventTypeTaskStarted, Source: "orchestrator", Timestamp: base.Add(time.Second), Data: map[string]interface{}{"taskId": "t1"}},
		{ID: "ev-3", Type: types.EventTypeTaskQueued, Source: "api", Timestamp: base.Add(2 * time.Second), Data: map[string]interface{}{"taskId": "t2"}},
	}
	for _, e := range events {
		if err := store.RecordEvent(ctx, e); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}

	all, err := store.GetEvents(ctx, types.EventFilter{})
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	if all[0].ID != "ev-3" || all[2].ID != "ev-1" {
		t.Errorf("Expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	tests := []struct {
		name   string
		filter types.EventFilter
		want   []string
	}{
		{"by type", types.EventFilter{Type: types.EventTypeTaskQueued}, []string{"ev-3", "ev-1"}},
		{"by source", types.EventFilter{Source: "api"}, []string{"ev-3"}},
		{"by task", types.EventFilter{TaskID: "t1"}, []string{"ev-2", "ev-1"}},
		{"since", types.EventFilter{Since: base.Add(time.Second)}, []string{"ev-3", "ev-2"}},
		{"limit", types.EventFilter{Limit: 1}, []string{"ev-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Failed to get events: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d events, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("Expected event %d to be %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func testConcurrentOperations(t *testing.T, store Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			task := newTask(fmt.Sprintf("concurrent-%d", i), "parallel", time.Now())
			if err := store.SaveTask(ctx, task); err != nil {
				errs <- err
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			event := &types.Event{ID: fmt.Sprintf("concurrent-ev-%d", i), Type: types.EventTypeTaskQueued, Source: "parallel", Timestamp: time.Now()}
			if err := store.RecordEvent(ctx, event); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent operation failed: %v", err)
	}

	tasks, err := store.ListTasks(ctx, types.TaskFilter{AgentType: "parallel"})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 20 {
		t.Errorf("Expected 20 tasks, got %d", len(tasks))
	}
}

func newEvent(id string) *types.Event {
	return &types.Event{
		ID:        id,
		Type:      types.EventTypeTaskQueued,
		Source:    "test",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"taskId": "t1"},
	}
}
