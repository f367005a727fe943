package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

// workflowRun tracks one execution. exec is guarded by Orchestrator.mu.
type workflowRun struct {
	exec   *types.WorkflowExecution
	def    *types.WorkflowDefinition
	cancel context.CancelFunc
	// taskID of the step task currently being waited on
	taskID string
}

// ExecuteWorkflow starts an execution of an inline definition and returns
// immediately. Steps run in the background until the execution completes,
// fails, pauses for review or is cancelled. def is kept with the execution
// and does not replace a registered definition of the same id.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, def *types.WorkflowDefinition, initialContext map[string]interface{}) (*types.WorkflowExecution, error) {
	def, err := NormalizeDefinition(def)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, def, true, initialContext)
}

// ExecuteWorkflowByID starts an execution of a registered definition
func (o *Orchestrator) ExecuteWorkflowByID(ctx context.Context, workflowID string, initialContext map[string]interface{}) (*types.WorkflowExecution, error) {
	def, err := o.GetDefinition(workflowID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, def, false, initialContext)
}

func (o *Orchestrator) execute(ctx context.Context, def *types.WorkflowDefinition, inline bool, initialContext map[string]interface{}) (*types.WorkflowExecution, error) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil, cerrors.ErrStopped
	}

	exec := &types.WorkflowExecution{
		ID:            uuid.New().String(),
		WorkflowID:    def.ID,
		Status:        types.WorkflowStatusRunning,
		CurrentStepID: def.Steps[0].ID,
		Context:       types.CopyMap(initialContext),
		StepResults:   []types.StepResult{},
		StartedAt:     time.Now(),
	}
	if exec.Context == nil {
		exec.Context = map[string]interface{}{}
	}
	if inline {
		exec.Definition = def
	}
	run := &workflowRun{exec: exec, def: def}
	o.runs[exec.ID] = run
	o.activeWorkflows++
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	o.monitor.RecordWorkflowStarted()
	o.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  def.ID,
	}).Info("workflow started")
	o.emit(types.EventTypeWorkflowStarted, map[string]interface{}{
		"executionId": exec.ID,
		"workflowId":  def.ID,
	})

	o.startSteps(ctx, run, 0, "")
	return snapshot, nil
}

// ResumeWorkflow approves the step a paused execution is waiting on and
// continues with the next step
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	run, err := o.lookupRun(ctx, executionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil, cerrors.ErrStopped
	}
	exec := run.exec
	if exec.Status != types.WorkflowStatusPaused {
		status := exec.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", cerrors.ErrNotPaused, executionID, status)
	}

	stepIndex := stepIndexOf(run.def, exec.CurrentStepID)
	resultIndex := len(exec.StepResults) - 1
	if stepIndex < 0 || resultIndex < 0 || exec.StepResults[resultIndex].StepID != exec.CurrentStepID {
		o.mu.Unlock()
		return nil, fmt.Errorf("execution %s has no step awaiting review", executionID)
	}

	now := time.Now()
	result := &exec.StepResults[resultIndex]
	result.Status = types.StepStatusCompleted
	result.CompletedAt = &now
	applyOutputMapping(exec.Context, run.def.Steps[stepIndex].OutputMapping, result.Output)
	exec.Status = types.WorkflowStatusRunning
	previousTask := result.TaskID
	stepID := result.StepID
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	o.logger.WithContext(ctx).WithField("execution_id", executionID).Info("workflow resumed")
	o.emit(types.EventTypeWorkflowResumed, map[string]interface{}{
		"executionId": executionID,
		"workflowId":  snapshot.WorkflowID,
		"stepId":      stepID,
	})

	o.startSteps(ctx, run, stepIndex+1, previousTask)
	return snapshot, nil
}

// CancelWorkflow cancels a running or paused execution. A queued step task is
// cancelled as well; one already in progress runs to completion.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, executionID string) error {
	run, err := o.lookupRun(ctx, executionID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	exec := run.exec
	if exec.Status.IsTerminal() {
		status := exec.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", cerrors.ErrNotCancellable, executionID, status)
	}
	now := time.Now()
	exec.Status = types.WorkflowStatusCancelled
	exec.CompletedAt = &now
	o.activeWorkflows--
	if run.cancel != nil {
		run.cancel()
	}
	taskID := run.taskID
	snapshot := exec.Clone()
	o.mu.Unlock()

	if taskID != "" {
		if err := o.CancelTask(ctx, taskID); err != nil && !errors.Is(err, cerrors.ErrNotCancellable) {
			o.logger.WithError(err).WithField("task_id", taskID).Warn("failed to cancel step task")
		}
	}

	o.persistExecution(snapshot)
	o.monitor.RecordWorkflowFinished(string(types.WorkflowStatusCancelled), now.Sub(snapshot.StartedAt))
	o.logger.WithContext(ctx).WithField("execution_id", executionID).Info("workflow cancelled")
	o.emit(types.EventTypeWorkflowCancelled, map[string]interface{}{
		"executionId": executionID,
		"workflowId":  snapshot.WorkflowID,
	})
	return nil
}

// GetExecution returns a copy of the execution
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	o.mu.Lock()
	if run, ok := o.runs[executionID]; ok {
		exec := run.exec.Clone()
		o.mu.Unlock()
		return exec, nil
	}
	o.mu.Unlock()

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", cerrors.ErrWorkflowNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns persisted executions matching filter, oldest first
func (o *Orchestrator) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error) {
	execs, err := o.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return execs, nil
}

// lookupRun finds an execution in memory, adopting one persisted by an
// earlier process when its definition is registered
func (o *Orchestrator) lookupRun(ctx context.Context, executionID string) (*workflowRun, error) {
	o.mu.Lock()
	run, ok := o.runs[executionID]
	o.mu.Unlock()
	if ok {
		return run, nil
	}

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", cerrors.ErrWorkflowNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return o.adopt(exec)
}

func (o *Orchestrator) adopt(exec *types.WorkflowExecution) (*workflowRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if run, ok := o.runs[exec.ID]; ok {
		return run, nil
	}
	def := exec.Definition
	if def == nil {
		registered, ok := o.definitions[exec.WorkflowID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", cerrors.ErrDefinitionNotFound, exec.WorkflowID)
		}
		def = registered
	}
	run := &workflowRun{exec: exec, def: def}
	o.runs[exec.ID] = run
	if !exec.Status.IsTerminal() {
		o.activeWorkflows++
	}
	return run, nil
}

// recoverExecutions fails executions left running by an earlier process and
// adopts paused ones so they can be resumed
func (o *Orchestrator) recoverExecutions(ctx context.Context) error {
	running, err := o.store.ListExecutions(ctx, types.ExecutionFilter{Status: types.WorkflowStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running executions: %w", err)
	}
	for _, exec := range running {
		o.mu.Lock()
		_, live := o.runs[exec.ID]
		o.mu.Unlock()
		if live {
			continue
		}

		now := time.Now()
		exec.Status = types.WorkflowStatusFailed
		exec.CompletedAt = &now
		exec.Error = &types.WorkflowError{
			StepID:  exec.CurrentStepID,
			Code:    cerrors.CodeStepFailed,
			Message: "execution interrupted by orchestrator restart",
		}
		o.persistExecution(exec)
		o.emit(types.EventTypeWorkflowFailed, map[string]interface{}{
			"executionId": exec.ID,
			"workflowId":  exec.WorkflowID,
			"stepId":      exec.CurrentStepID,
		})
	}

	paused, err := o.store.ListExecutions(ctx, types.ExecutionFilter{Status: types.WorkflowStatusPaused})
	if err != nil {
		return fmt.Errorf("failed to list paused executions: %w", err)
	}
	for _, exec := range paused {
		if _, err := o.adopt(exec); err != nil {
			o.logger.WithError(err).WithField("execution_id", exec.ID).Warn("paused execution cannot be resumed")
		}
	}
	return nil
}

// startSteps runs the step loop from index start in a new goroutine. The
// loop outlives ctx's cancellation but not a shutdown.
func (o *Orchestrator) startSteps(ctx context.Context, run *workflowRun, start int, previousTask string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.workflowCtx, cancel)

	o.mu.Lock()
	run.cancel = cancel
	o.mu.Unlock()

	o.workflows.Add(1)
	go func() {
		defer o.workflows.Done()
		defer stop()
		defer cancel()
		o.runSteps(runCtx, run, start, previousTask)
	}()
}

func (o *Orchestrator) runSteps(ctx context.Context, run *workflowRun, start int, previousTask string) {
	def := run.def

	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]

		stepCtx, ok := o.beginStep(run, step)
		if !ok {
			return
		}

		if ShouldSkip(step.Conditions, stepCtx) {
			o.skipStep(run, step)
			continue
		}

		outcome := o.executeStep(ctx, run, step, stepCtx, previousTask)
		switch outcome.action {
		case stepAbort, stepPause:
			return
		case stepStop:
			o.finishWorkflow(run, types.WorkflowStatusFailed)
			return
		}
		if outcome.taskID != "" {
			previousTask = outcome.taskID
		}
	}

	o.finishWorkflow(run, types.WorkflowStatusCompleted)
}

type stepAction int

const (
	stepNext stepAction = iota
	stepPause
	stepStop
	stepAbort
)

type stepOutcome struct {
	action stepAction
	taskID string
}

// beginStep advances the step pointer and returns a copy of the context, or
// false when the execution is no longer running
func (o *Orchestrator) beginStep(run *workflowRun, step types.WorkflowStep) (map[string]interface{}, bool) {
	o.mu.Lock()
	exec := run.exec
	if exec.Status != types.WorkflowStatusRunning {
		o.mu.Unlock()
		return nil, false
	}
	exec.CurrentStepID = step.ID
	stepCtx := types.CopyMap(exec.Context)
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	o.emit(types.EventTypeWorkflowStepStarted, map[string]interface{}{
		"executionId": exec.ID,
		"workflowId":  snapshot.WorkflowID,
		"stepId":      step.ID,
		"agentType":   step.AgentType,
	})
	return stepCtx, true
}

func (o *Orchestrator) skipStep(run *workflowRun, step types.WorkflowStep) {
	now := time.Now()
	snapshot, ok := o.recordStep(run, types.StepResult{
		StepID:      step.ID,
		Status:      types.StepStatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}, nil)
	if !ok {
		return
	}

	o.emit(types.EventTypeWorkflowStepSkipped, map[string]interface{}{
		"executionId": snapshot.ID,
		"workflowId":  snapshot.WorkflowID,
		"stepId":      step.ID,
	})
}

// executeStep submits the step task, waits for it to settle and records the result
func (o *Orchestrator) executeStep(ctx context.Context, run *workflowRun, step types.WorkflowStep, stepCtx map[string]interface{}, previousTask string) stepOutcome {
	started := time.Now()
	ctx, span := o.monitor.StartSpan(ctx, "workflow.step",
		attribute.String("workflow.id", run.def.ID),
		attribute.String("workflow.execution_id", run.exec.ID),
		attribute.String("workflow.step_id", step.ID),
		attribute.String("agent.type", step.AgentType),
	)
	defer span.End()

	input := mapInput(step.InputMapping, stepCtx)
	taskID, err := o.SubmitTask(ctx, step.AgentType, input, SubmitOptions{
		Priority:     types.PriorityHigh,
		CreatedBy:    "workflow:" + run.exec.ID,
		ParentTaskID: previousTask,
	})
	if err != nil {
		span.RecordError(err)
		return o.failStep(run, step, "", started, fmt.Sprintf("failed to submit task: %v", err))
	}

	o.mu.Lock()
	run.taskID = taskID
	cancelled := run.exec.Status != types.WorkflowStatusRunning
	o.mu.Unlock()

	if cancelled {
		// CancelWorkflow ran before the task id was visible to it
		if err := o.CancelTask(context.WithoutCancel(ctx), taskID); err != nil && !errors.Is(err, cerrors.ErrNotCancellable) {
			o.logger.WithError(err).WithField("task_id", taskID).Warn("failed to cancel step task")
		}
	}

	task, err := o.waitForStep(ctx, step, taskID)

	o.mu.Lock()
	run.taskID = ""
	o.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, cerrors.ErrTimeout) {
			// Cancelled workflow or shutdown
			return stepOutcome{action: stepAbort}
		}
		span.RecordError(err)
		return o.failStep(run, step, taskID, started, err.Error())
	}

	if task.Status == types.TaskStatusFailed {
		message := "task failed"
		if task.Error != nil {
			message = task.Error.Error()
		}
		return o.failStep(run, step, taskID, started, message)
	}

	now := time.Now()
	result := types.StepResult{
		StepID:      step.ID,
		TaskID:      taskID,
		Status:      types.StepStatus(task.Status),
		StartedAt:   started,
		CompletedAt: &now,
		Output:      types.CopyMap(task.Output),
	}

	if step.HumanReviewRequired {
		result.Status = types.StepStatusAwaitingReview
		result.CompletedAt = nil
		snapshot, ok := o.pauseForReview(run, result)
		if !ok {
			return stepOutcome{action: stepAbort}
		}
		o.monitor.RecordStep(step.AgentType, string(result.Status), now.Sub(started))
		o.logger.WithFields(map[string]interface{}{
			"execution_id": snapshot.ID,
			"step_id":      step.ID,
		}).Info("workflow paused for review")
		o.emit(types.EventTypeWorkflowReviewRequired, map[string]interface{}{
			"executionId": snapshot.ID,
			"workflowId":  snapshot.WorkflowID,
			"stepId":      step.ID,
			"taskId":      taskID,
		})
		return stepOutcome{action: stepPause, taskID: taskID}
	}

	snapshot, ok := o.recordStep(run, result, step.OutputMapping)
	if !ok {
		return stepOutcome{action: stepAbort}
	}
	o.monitor.RecordStep(step.AgentType, string(result.Status), now.Sub(started))
	o.emit(types.EventTypeWorkflowStepCompleted, map[string]interface{}{
		"executionId": snapshot.ID,
		"workflowId":  snapshot.WorkflowID,
		"stepId":      step.ID,
		"taskId":      taskID,
		"status":      string(result.Status),
	})
	return stepOutcome{action: stepNext, taskID: taskID}
}

// waitForStep blocks on the task's completion notification, bounded by the step timeout
func (o *Orchestrator) waitForStep(ctx context.Context, step types.WorkflowStep, taskID string) (*types.AgentTask, error) {
	timeout := o.config.DefaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, err := o.WaitForTask(waitCtx, taskID)
	if err == nil {
		return task, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		// Leave no orphaned work behind when the task never started
		_ = o.CancelTask(context.Background(), taskID)
		return nil, fmt.Errorf("%w: step %s exceeded %s", cerrors.ErrTimeout, step.ID, timeout)
	}
	return nil, err
}

// failStep records a STEP_FAILED result and applies the error policy
func (o *Orchestrator) failStep(run *workflowRun, step types.WorkflowStep, taskID string, started time.Time, message string) stepOutcome {
	now := time.Now()
	result := types.StepResult{
		StepID:      step.ID,
		TaskID:      taskID,
		Status:      types.StepStatusFailed,
		StartedAt:   started,
		CompletedAt: &now,
		Error: &types.TaskError{
			Code:        cerrors.CodeStepFailed,
			Message:     message,
			Recoverable: false,
		},
	}

	stop := run.def.ErrorHandling != types.ErrorPolicyContinue

	o.mu.Lock()
	exec := run.exec
	if exec.Status != types.WorkflowStatusRunning {
		o.mu.Unlock()
		return stepOutcome{action: stepAbort}
	}
	exec.StepResults = append(exec.StepResults, result)
	if stop {
		exec.Error = &types.WorkflowError{StepID: step.ID, Code: cerrors.CodeStepFailed, Message: message}
	}
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	o.monitor.RecordStep(step.AgentType, string(types.StepStatusFailed), now.Sub(started))
	o.logger.WithFields(map[string]interface{}{
		"execution_id": snapshot.ID,
		"step_id":      step.ID,
		"policy":       string(run.def.ErrorHandling),
	}).Warn("workflow step failed: " + message)

	if stop {
		return stepOutcome{action: stepStop, taskID: taskID}
	}
	return stepOutcome{action: stepNext, taskID: taskID}
}

// recordStep appends a step result and merges output into the context.
// It reports false when the execution is no longer running.
func (o *Orchestrator) recordStep(run *workflowRun, result types.StepResult, outputMapping map[string]string) (*types.WorkflowExecution, bool) {
	o.mu.Lock()
	exec := run.exec
	if exec.Status != types.WorkflowStatusRunning {
		o.mu.Unlock()
		return nil, false
	}
	applyOutputMapping(exec.Context, outputMapping, result.Output)
	exec.StepResults = append(exec.StepResults, result)
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	return snapshot, true
}

func (o *Orchestrator) pauseForReview(run *workflowRun, result types.StepResult) (*types.WorkflowExecution, bool) {
	o.mu.Lock()
	exec := run.exec
	if exec.Status != types.WorkflowStatusRunning {
		o.mu.Unlock()
		return nil, false
	}
	exec.StepResults = append(exec.StepResults, result)
	exec.Status = types.WorkflowStatusPaused
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	return snapshot, true
}

func (o *Orchestrator) finishWorkflow(run *workflowRun, status types.WorkflowStatus) {
	o.mu.Lock()
	exec := run.exec
	if exec.Status != types.WorkflowStatusRunning {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
	o.activeWorkflows--
	snapshot := exec.Clone()
	o.mu.Unlock()

	o.persistExecution(snapshot)
	o.monitor.RecordWorkflowFinished(string(status), now.Sub(snapshot.StartedAt))
	o.logger.WithFields(map[string]interface{}{
		"execution_id": snapshot.ID,
		"workflow_id":  snapshot.WorkflowID,
		"status":       string(status),
	}).Info("workflow finished")

	data := map[string]interface{}{
		"executionId": snapshot.ID,
		"workflowId":  snapshot.WorkflowID,
		"status":      string(status),
	}
	if status == types.WorkflowStatusFailed && snapshot.Error != nil {
		data["stepId"] = snapshot.Error.StepID
		o.emit(types.EventTypeWorkflowFailed, data)
	}
	o.emit(types.EventTypeWorkflowCompleted, data)
}

func (o *Orchestrator) persistExecution(exec *types.WorkflowExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.SaveExecution(ctx, exec); err != nil {
		o.logger.WithError(err).WithField("execution_id", exec.ID).Warn("failed to persist execution")
	}
}

// mapInput builds task input from the workflow context. mapping is
// {inputKey: contextKey}; an empty mapping passes the whole context.
func mapInput(mapping map[string]string, values map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		return types.CopyMap(values)
	}
	input := make(map[string]interface{}, len(mapping))
	for target, source := range mapping {
		if v, ok := lookupField(values, source); ok {
			input[target] = v
		}
	}
	return input
}

// applyOutputMapping merges task output into the workflow context. mapping is
// {contextKey: outputKey}; an empty mapping merges every output key.
func applyOutputMapping(values map[string]interface{}, mapping map[string]string, output map[string]interface{}) {
	if len(mapping) == 0 {
		for k, v := range output {
			values[k] = v
		}
		return
	}
	for target, source := range mapping {
		if v, ok := lookupField(output, source); ok {
			values[target] = v
		}
	}
}
