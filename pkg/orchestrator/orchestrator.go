// Package orchestrator provides the core orchestration engine
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rizome-dev/conductor/pkg/agent"
	"github.com/rizome-dev/conductor/pkg/config"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/events"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/queue"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

const (
	eventSource       = "orchestrator"
	taskSchemaVersion = "1.0"
	persistTimeout    = 5 * time.Second
)

// Config holds orchestrator configuration. Nil collaborators are replaced
// with in-memory defaults.
type Config struct {
	Registry *agent.Registry
	Queue    *queue.TaskQueue
	Bus      *events.Bus
	Store    state.StateManager
	Monitor  *monitoring.Monitor
	Logger   *logging.Logger

	// DefaultTimeout applies to agents whose config leaves TimeoutMs unset
	DefaultTimeout time.Duration
	// DefaultRetryAttempts applies to agents whose config leaves RetryAttempts unset
	DefaultRetryAttempts int
	AutoRetry            bool
	DefaultStepTimeout   time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:       types.DefaultTaskTimeout,
		DefaultRetryAttempts: 3,
		AutoRetry:            true,
		DefaultStepTimeout:   30 * time.Minute,
	}
}

// ConfigFrom builds a Config from the orchestrator section of the file configuration
func ConfigFrom(cfg config.OrchestratorConfig) Config {
	c := DefaultConfig()
	if cfg.DefaultTimeout > 0 {
		c.DefaultTimeout = cfg.DefaultTimeout
	}
	c.DefaultRetryAttempts = cfg.DefaultRetryAttempts
	c.AutoRetry = cfg.AutoRetry
	if cfg.DefaultStepTimeout > 0 {
		c.DefaultStepTimeout = cfg.DefaultStepTimeout
	}
	return c
}

// SubmitOptions carries the optional attributes of a submitted task
type SubmitOptions struct {
	Priority       types.Priority
	CreatedBy      string
	ParentTaskID   string
	OrganizationID string
	UserID         string
}

// taskEntry is one row of the task table. done is closed once the task
// settles as completed, awaiting-review or terminally failed.
//
// writes orders the store writes and events of one task: it is held from
// before a transition is applied under o.mu until its snapshot is persisted
// and its event emitted. Always acquire it before o.mu, never while holding it.
type taskEntry struct {
	task    *types.AgentTask
	done    chan struct{}
	settled bool
	writes  sync.Mutex
}

func (e *taskEntry) settle() {
	if !e.settled {
		e.settled = true
		close(e.done)
	}
}

// newLockedEntry returns an entry for task whose writes lock is already held
func newLockedEntry(task *types.AgentTask) *taskEntry {
	entry := &taskEntry{task: task, done: make(chan struct{})}
	entry.writes.Lock()
	return entry
}

// lockEntry looks up a task and acquires its writes lock
func (o *Orchestrator) lockEntry(taskID string) (*taskEntry, bool) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.writes.Lock()
	return entry, true
}

// settleEntry wakes the waiters of a task once its final state is recorded
func (o *Orchestrator) settleEntry(entry *taskEntry) {
	o.mu.Lock()
	entry.settle()
	o.mu.Unlock()
}

// Orchestrator schedules agent tasks and drives workflow executions
type Orchestrator struct {
	registry *agent.Registry
	queue    *queue.TaskQueue
	bus      *events.Bus
	store    state.StateManager
	monitor  *monitoring.Monitor
	logger   *logging.Logger
	config   Config

	mu          sync.Mutex
	tasks       map[string]*taskEntry
	agents      map[string]*types.AgentState
	runs        map[string]*workflowRun
	definitions map[string]*types.WorkflowDefinition
	running     bool
	shutdown    bool

	totalSubmitted  int
	completedTasks  int
	failedTasks     int
	activeWorkflows int

	// ctx is handed to handlers; workflowCtx bounds the step loops
	ctx            context.Context
	cancel         context.CancelFunc
	workflowCtx    context.Context
	cancelWorkflow context.CancelFunc
	handlers       sync.WaitGroup
	workflows      sync.WaitGroup
}

// New creates a new orchestrator instance
func New(cfg Config) (*Orchestrator, error) {
	if cfg.DefaultRetryAttempts < 0 {
		return nil, fmt.Errorf("default retry attempts must not be negative")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = types.DefaultTaskTimeout
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultConfig().DefaultStepTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = agent.NewRegistry()
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(cfg.Logger)
	}
	if cfg.Store == nil {
		cfg.Store = state.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	workflowCtx, cancelWorkflow := context.WithCancel(context.Background())

	return &Orchestrator{
		registry:       cfg.Registry,
		queue:          cfg.Queue,
		bus:            cfg.Bus,
		store:          cfg.Store,
		monitor:        cfg.Monitor,
		logger:         cfg.Logger.WithComponent("orchestrator"),
		config:         cfg,
		tasks:          make(map[string]*taskEntry),
		agents:         make(map[string]*types.AgentState),
		runs:           make(map[string]*workflowRun),
		definitions:    make(map[string]*types.WorkflowDefinition),
		ctx:            ctx,
		cancel:         cancel,
		workflowCtx:    workflowCtx,
		cancelWorkflow: cancelWorkflow,
	}, nil
}

// Events returns the event bus lifecycle events are emitted on. Task
// events are delivered while the task's writes are ordered, so listeners
// must not submit or cancel tasks synchronously.
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

// Registry returns the agent registry
func (o *Orchestrator) Registry() *agent.Registry {
	return o.registry
}

// Start marks the orchestrator as running and dispatches every registered agent type
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return cerrors.ErrStopped
	}
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	o.logger.Info("orchestrator started")
	o.emit(types.EventTypeOrchestratorStarted, map[string]interface{}{})

	for _, agentType := range o.registry.Types() {
		o.dispatch(agentType)
	}
	return nil
}

// Stop stops dispatching new tasks. Tasks already in progress run to completion.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
	o.emit(types.EventTypeOrchestratorStopped, map[string]interface{}{})
	return nil
}

// Shutdown stops the orchestrator and waits for in-flight handlers. When ctx
// expires first, handlers are cancelled and their tasks requeued.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if err := o.Stop(); err != nil {
		return err
	}

	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()

	// Step loops stop waiting; interrupted executions are failed by Recover
	o.cancelWorkflow()

	done := make(chan struct{})
	go func() {
		o.handlers.Wait()
		o.workflows.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return fmt.Errorf("shutdown interrupted in-flight tasks: %w", ctx.Err())
	}
}

// IsRunning reports whether the orchestrator is dispatching tasks
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// RegisterAgent registers handler for config.Type with a fresh idle state
func (o *Orchestrator) RegisterAgent(handler agent.Handler, cfg types.AgentConfig) error {
	if err := o.registry.Register(handler, cfg); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	o.mu.Lock()
	o.agents[cfg.Type] = &types.AgentState{
		Type:         cfg.Type,
		Status:       types.AgentStatusIdle,
		QueuedTasks:  o.queue.Len(cfg.Type),
		LastActivity: time.Now(),
	}
	running := o.running
	o.mu.Unlock()

	o.logger.WithField("agent_type", cfg.Type).Info("agent registered")
	o.emit(types.EventTypeAgentRegistered, map[string]interface{}{
		"agentType":          cfg.Type,
		"maxConcurrentTasks": cfg.Concurrency(),
		"autoApprove":        cfg.AutoApprove,
	})

	if running {
		o.dispatch(cfg.Type)
	}
	return nil
}

// SubmitTask queues a task for agentType and returns its id
func (o *Orchestrator) SubmitTask(ctx context.Context, agentType string, input map[string]interface{}, opts SubmitOptions) (string, error) {
	cfg, err := o.registry.GetConfig(agentType)
	if err != nil || !cfg.Enabled {
		return "", fmt.Errorf("%w: %s", cerrors.ErrAgentUnavailable, agentType)
	}
	handler, err := o.registry.GetHandler(agentType)
	if err != nil {
		return "", fmt.Errorf("%w: %s", cerrors.ErrAgentUnavailable, agentType)
	}

	priority := opts.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", cerrors.ErrInvalidInput, priority)
	}
	if !handler.Validate(input) {
		return "", fmt.Errorf("%w: rejected by %s", cerrors.ErrInvalidInput, agentType)
	}

	task := &types.AgentTask{
		ID:        uuid.New().String(),
		AgentType: agentType,
		Status:    types.TaskStatusQueued,
		Priority:  priority,
		CreatedAt: time.Now(),
		CreatedBy: opts.CreatedBy,
		Input: types.TaskInput{
			Data: types.CopyMap(input),
			Context: types.TaskContext{
				OrganizationID: opts.OrganizationID,
				UserID:         opts.UserID,
				ParentTaskID:   opts.ParentTaskID,
			},
		},
		Metadata: types.TaskMetadata{SchemaVersion: taskSchemaVersion},
	}
	if task.Input.Data == nil {
		task.Input.Data = map[string]interface{}{}
	}

	entry := newLockedEntry(task)
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return "", cerrors.ErrStopped
	}
	o.tasks[task.ID] = entry
	o.queue.Enqueue(task)
	if st, ok := o.agents[agentType]; ok {
		st.QueuedTasks++
	}
	o.totalSubmitted++
	running := o.running
	snapshot := task.Clone()
	o.mu.Unlock()

	o.persistTask(snapshot)
	o.monitor.RecordTaskSubmitted(agentType)
	o.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": agentType,
		"priority":   string(priority),
	}).Debug("task queued")
	o.emit(types.EventTypeTaskQueued, map[string]interface{}{
		"taskId":    task.ID,
		"agentType": agentType,
		"priority":  string(priority),
	})
	entry.writes.Unlock()

	if running {
		o.dispatch(agentType)
	}
	return task.ID, nil
}

// GetTask returns a copy of the task
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	if ok {
		task := entry.task.Clone()
		o.mu.Unlock()
		return task, nil
	}
	o.mu.Unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", cerrors.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// ListTasks returns persisted tasks matching filter, oldest first
func (o *Orchestrator) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error) {
	tasks, err := o.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// WaitForTask blocks until the task is completed, awaiting review or
// terminally failed, or until ctx is done
func (o *Orchestrator) WaitForTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		// Tasks from an earlier process are only in the store and never change
		task, err := o.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !task.Status.IsSettled() {
			return nil, fmt.Errorf("task %s is not tracked by this orchestrator", taskID)
		}
		return task, nil
	}

	select {
	case <-entry.done:
		return o.GetTask(ctx, taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelTask fails a queued task with a CANCELLED error
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	entry, ok := o.lockEntry(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", cerrors.ErrTaskNotFound, taskID)
	}
	defer entry.writes.Unlock()

	o.mu.Lock()
	task := entry.task
	if task.Status != types.TaskStatusQueued || !o.queue.Remove(taskID) {
		status := task.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", cerrors.ErrNotCancellable, taskID, status)
	}

	now := time.Now()
	task.Status = types.TaskStatusFailed
	task.CompletedAt = &now
	task.Error = &types.TaskError{
		Code:        cerrors.CodeCancelled,
		Message:     "task cancelled",
		Recoverable: false,
	}
	if st, ok := o.agents[task.AgentType]; ok {
		st.QueuedTasks--
	}
	snapshot := task.Clone()
	o.mu.Unlock()

	o.persistTask(snapshot)
	o.monitor.RecordTaskCancelled(task.AgentType)
	o.logger.WithContext(ctx).WithField("task_id", taskID).Info("task cancelled")
	o.emit(types.EventTypeTaskCancelled, map[string]interface{}{
		"taskId":    taskID,
		"agentType": snapshot.AgentType,
	})
	o.settleEntry(entry)
	return nil
}

// GetMetrics returns a snapshot of the orchestrator counters
func (o *Orchestrator) GetMetrics() *types.Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := &types.Metrics{
		TotalTasks:      o.totalSubmitted,
		CompletedTasks:  o.completedTasks,
		FailedTasks:     o.failedTasks,
		ActiveWorkflows: o.activeWorkflows,
		Running:         o.running,
		Agents:          make(map[string]types.AgentState, len(o.agents)),
		Timestamp:       time.Now(),
	}
	for _, entry := range o.tasks {
		switch entry.task.Status {
		case types.TaskStatusQueued:
			m.QueuedTasks++
		case types.TaskStatusInProgress:
			m.InProgressTasks++
		}
	}
	for agentType, st := range o.agents {
		m.Agents[agentType] = *st
	}
	return m
}

// GetEvents returns recorded events matching filter, newest first
func (o *Orchestrator) GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	evts, err := o.store.GetEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return evts, nil
}

// Recover reloads work persisted by an earlier process. Queued and
// in-progress tasks of registered agents are requeued, running workflow
// executions are failed and paused executions become resumable again.
// It returns the number of requeued tasks.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	var pending []*types.AgentTask
	for _, status := range []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusInProgress} {
		tasks, err := o.store.ListTasks(ctx, types.TaskFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		pending = append(pending, tasks...)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	recovered := 0
	touched := make(map[string]bool)
	for _, task := range pending {
		if _, err := o.registry.GetConfig(task.AgentType); err != nil {
			o.logger.WithField("task_id", task.ID).WithField("agent_type", task.AgentType).
				Warn("skipping recovered task for unregistered agent")
			continue
		}

		entry := newLockedEntry(task)
		o.mu.Lock()
		if _, exists := o.tasks[task.ID]; exists {
			o.mu.Unlock()
			continue
		}
		task.Status = types.TaskStatusQueued
		task.StartedAt = nil
		o.tasks[task.ID] = entry
		o.queue.Enqueue(task)
		if st, ok := o.agents[task.AgentType]; ok {
			st.QueuedTasks++
		}
		snapshot := task.Clone()
		o.mu.Unlock()

		o.persistTask(snapshot)
		entry.writes.Unlock()
		touched[task.AgentType] = true
		recovered++
	}

	if err := o.recoverExecutions(ctx); err != nil {
		return recovered, err
	}

	o.logger.WithField("tasks", recovered).Info("recovered persisted work")
	if o.IsRunning() {
		for agentType := range touched {
			o.dispatch(agentType)
		}
	}
	return recovered, nil
}

// dispatch starts queued tasks of agentType until its concurrency limit is reached
func (o *Orchestrator) dispatch(agentType string) {
	for {
		o.mu.Lock()
		if !o.running {
			o.mu.Unlock()
			return
		}
		cfg, err := o.registry.GetConfig(agentType)
		if err != nil || !cfg.Enabled {
			o.mu.Unlock()
			return
		}
		if o.queue.GetProcessingCount(agentType) >= cfg.Concurrency() {
			o.mu.Unlock()
			return
		}
		task, ok := o.queue.Dequeue(agentType)
		if !ok {
			o.mu.Unlock()
			return
		}

		now := time.Now()
		task.Status = types.TaskStatusInProgress
		task.StartedAt = &now
		if st, ok := o.agents[agentType]; ok {
			st.Status = types.AgentStatusProcessing
			st.CurrentTaskID = task.ID
			st.QueuedTasks--
			st.LastActivity = now
		}
		entry := o.tasks[task.ID]
		snapshot := task.Clone()
		o.handlers.Add(1)
		o.mu.Unlock()

		// Waits for the queued transition of this task to be written first
		entry.writes.Lock()
		o.persistTask(snapshot)
		o.publishQueueState(agentType)
		o.emit(types.EventTypeTaskStarted, map[string]interface{}{
			"taskId":     snapshot.ID,
			"agentType":  agentType,
			"retryCount": snapshot.Metadata.RetryCount,
		})
		entry.writes.Unlock()

		go o.runTask(snapshot, cfg)
	}
}

// runTask invokes the handler for one dequeued task and records the outcome
func (o *Orchestrator) runTask(task *types.AgentTask, cfg types.AgentConfig) {
	defer o.handlers.Done()

	timeout := o.config.DefaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = cfg.Timeout()
	}

	ctx, span := o.monitor.StartSpan(o.ctx, "task.process",
		attribute.String("task.id", task.ID),
		attribute.String("agent.type", task.AgentType),
		attribute.Int("task.retry_count", task.Metadata.RetryCount),
	)

	start := time.Now()
	output, err := o.invoke(ctx, task, timeout)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err == nil {
		o.completeTask(task.ID, cfg, output, elapsed)
	} else {
		o.failTask(task.ID, cfg, err)
	}

	o.publishQueueState(task.AgentType)
	o.dispatch(task.AgentType)
}

// invoke races the handler against the timeout. A handler that ignores
// cancellation keeps running in the background after the race is lost.
func (o *Orchestrator) invoke(ctx context.Context, task *types.AgentTask, timeout time.Duration) (map[string]interface{}, error) {
	handler, err := o.registry.GetHandler(task.AgentType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output map[string]interface{}
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		output, err := handler.Process(ctx, task)
		ch <- result{output: output, err: err}
	}()

	select {
	case r := <-ch:
		return r.output, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: task exceeded %s", cerrors.ErrTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) completeTask(taskID string, cfg types.AgentConfig, output map[string]interface{}, elapsed time.Duration) {
	entry, ok := o.lockEntry(taskID)
	if !ok {
		return
	}
	defer entry.writes.Unlock()

	o.mu.Lock()
	task := entry.task
	o.queue.MarkComplete(taskID)

	now := time.Now()
	task.Output = output
	if task.Output == nil {
		task.Output = map[string]interface{}{}
	}
	task.Error = nil
	task.CompletedAt = &now
	task.Metadata.ProcessingTimeMs = elapsed.Milliseconds()
	if cfg.AutoApprove {
		task.Status = types.TaskStatusCompleted
	} else {
		task.Status = types.TaskStatusAwaitingReview
	}

	if st, ok := o.agents[task.AgentType]; ok {
		st.CompletedTasks++
		n := float64(st.CompletedTasks)
		st.AverageProcessingTime += (float64(elapsed.Milliseconds()) - st.AverageProcessingTime) / n
		st.SuccessRate = n / float64(st.CompletedTasks+st.FailedTasks)
		o.refreshAgentStatus(st, taskID, now)
	}
	o.completedTasks++
	snapshot := task.Clone()
	o.mu.Unlock()

	o.persistTask(snapshot)
	o.monitor.RecordTaskCompleted(snapshot.AgentType, string(snapshot.Status), elapsed)
	o.logger.WithFields(map[string]interface{}{
		"task_id":       taskID,
		"agent_type":    snapshot.AgentType,
		"status":        string(snapshot.Status),
		"processing_ms": snapshot.Metadata.ProcessingTimeMs,
	}).Info("task completed")
	o.emit(types.EventTypeTaskCompleted, map[string]interface{}{
		"taskId":           taskID,
		"agentType":        snapshot.AgentType,
		"status":           string(snapshot.Status),
		"processingTimeMs": snapshot.Metadata.ProcessingTimeMs,
	})
	o.settleEntry(entry)
}

// failTask requeues the task while retry budget remains, otherwise fails it
func (o *Orchestrator) failTask(taskID string, cfg types.AgentConfig, cause error) {
	maxRetries := o.config.DefaultRetryAttempts
	if cfg.RetryAttempts != nil {
		maxRetries = *cfg.RetryAttempts
	}
	interrupted := o.ctx.Err() != nil

	entry, ok := o.lockEntry(taskID)
	if !ok {
		return
	}
	defer entry.writes.Unlock()

	o.mu.Lock()
	task := entry.task
	o.queue.MarkComplete(taskID)

	now := time.Now()
	message := cause.Error()
	var eventType types.EventType

	switch {
	case interrupted:
		// Shutdown cancelled the handler; the attempt does not count
		task.Status = types.TaskStatusQueued
		task.StartedAt = nil
		o.queue.Enqueue(task)
		if st, ok := o.agents[task.AgentType]; ok {
			st.QueuedTasks++
			o.refreshAgentStatus(st, taskID, now)
		}
	case o.config.AutoRetry && task.Metadata.RetryCount < maxRetries:
		task.Metadata.RetryCount++
		task.Status = types.TaskStatusQueued
		task.StartedAt = nil
		task.Error = &types.TaskError{Code: cerrors.CodeProcessingError, Message: message, Recoverable: true}
		o.queue.Enqueue(task)
		if st, ok := o.agents[task.AgentType]; ok {
			st.QueuedTasks++
			o.refreshAgentStatus(st, taskID, now)
		}
		eventType = types.EventTypeTaskRetrying
	default:
		task.Status = types.TaskStatusFailed
		task.CompletedAt = &now
		task.Error = &types.TaskError{Code: cerrors.CodeProcessingError, Message: message, Recoverable: false}
		if st, ok := o.agents[task.AgentType]; ok {
			st.FailedTasks++
			st.SuccessRate = float64(st.CompletedTasks) / float64(st.CompletedTasks+st.FailedTasks)
			o.refreshAgentStatus(st, taskID, now)
		}
		o.failedTasks++
		eventType = types.EventTypeTaskFailed
	}
	snapshot := task.Clone()
	o.mu.Unlock()

	o.persistTask(snapshot)
	if eventType == "" {
		return
	}

	log := o.logger.WithError(cause).WithFields(map[string]interface{}{
		"task_id":     taskID,
		"agent_type":  snapshot.AgentType,
		"retry_count": snapshot.Metadata.RetryCount,
	})
	data := map[string]interface{}{
		"taskId":     taskID,
		"agentType":  snapshot.AgentType,
		"retryCount": snapshot.Metadata.RetryCount,
		"error":      message,
	}
	if eventType == types.EventTypeTaskRetrying {
		o.monitor.RecordTaskRetried(snapshot.AgentType)
		log.Warn("task failed, retrying")
	} else {
		o.monitor.RecordTaskFailed(snapshot.AgentType)
		log.Error("task failed")
	}
	o.emit(eventType, data)
	if eventType == types.EventTypeTaskFailed {
		o.settleEntry(entry)
	}
}

// refreshAgentStatus must be called with o.mu held after a task leaves processing
func (o *Orchestrator) refreshAgentStatus(st *types.AgentState, taskID string, now time.Time) {
	st.LastActivity = now
	if st.CurrentTaskID == taskID {
		st.CurrentTaskID = ""
	}
	if o.queue.GetProcessingCount(st.Type) == 0 {
		st.Status = types.AgentStatusIdle
		st.CurrentTaskID = ""
	}
}

func (o *Orchestrator) publishQueueState(agentType string) {
	o.monitor.SetQueueState(agentType, o.queue.Len(agentType), o.queue.GetProcessingCount(agentType))
}

func (o *Orchestrator) persistTask(task *types.AgentTask) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.SaveTask(ctx, task); err != nil {
		o.logger.WithError(err).WithField("task_id", task.ID).Warn("failed to persist task")
	}
}

// emit delivers an event to bus listeners and records it in the store
func (o *Orchestrator) emit(eventType types.EventType, data map[string]interface{}) {
	event := &types.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    eventSource,
		Timestamp: time.Now(),
		Data:      data,
	}

	o.bus.Emit(event)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.RecordEvent(ctx, event); err != nil {
		o.logger.WithError(err).WithField("event_type", string(eventType)).Warn("failed to record event")
	}
}
