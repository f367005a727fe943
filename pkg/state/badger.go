package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/types"
)

const (
	// Key prefixes for different data types
	taskPrefix      = "task:"
	executionPrefix = "execution:"
	eventPrefix     = "event:"

	// Index prefixes for efficient querying
	taskAgentPrefix   = "idx:task:agent:"
	eventTypePrefix   = "idx:event:type:"
	eventSourcePrefix = "idx:event:source:"

	// Default TTL for events (7 days)
	defaultEventTTL = 7 * 24 * time.Hour

	gcInterval = 5 * time.Minute
)

// BadgerStore implements Store interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	path     string
	eventTTL time.Duration
	logger   *logging.Logger
	mu       sync.RWMutex
	closed   bool
	stopGC   chan struct{}
}

// BadgerStoreConfig holds BadgerDB-specific configuration
type BadgerStoreConfig struct {
	Path     string
	EventTTL time.Duration
	InMemory bool
	Logger   *logging.Logger
}

// NewBadgerStore creates a new BadgerDB-based store
func NewBadgerStore(config BadgerStoreConfig) (*BadgerStore, error) {
	if config.Path == "" && !config.InMemory {
		return nil, fmt.Errorf("path is required for BadgerDB store")
	}

	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{
		db:       db,
		path:     config.Path,
		eventTTL: config.EventTTL,
		logger:   config.Logger.WithComponent("badger-store"),
		stopGC:   make(chan struct{}),
	}

	go store.runGC()

	return store, nil
}

// Initialize initializes the store
func (s *BadgerStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the store
func (s *BadgerStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.stopGC)
	return s.db.Close()
}

// HealthCheck performs a health check
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SaveTask creates or replaces a task
func (s *BadgerStore) SaveTask(ctx context.Context, task *types.AgentTask) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(taskPrefix+task.ID), data); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}
		// Agent type never changes, so the index entry is written once and kept
		return txn.Set([]byte(taskAgentPrefix+task.AgentType+":"+task.ID), nil)
	})
}

// GetTask retrieves a task by ID
func (s *BadgerStore) GetTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var task types.AgentTask
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, taskPrefix+taskID, &task)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *BadgerStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var tasks []*types.AgentTask
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.AgentType != "" {
			return s.scanTasksByAgent(txn, filter, &tasks)
		}
		return s.scanAllTasks(txn, filter, &tasks)
	})
	if err != nil {
		return nil, err
	}
	return sortTasks(tasks, filter.Limit), nil
}

// SaveExecution creates or replaces a workflow execution
func (s *BadgerStore) SaveExecution(ctx context.Context, execution *types.WorkflowExecution) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(executionPrefix+execution.ID), data)
	})
}

// GetExecution retrieves a workflow execution by ID
func (s *BadgerStore) GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var execution types.WorkflowExecution
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, executionPrefix+executionID, &execution)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListExecutions returns executions matching the filter, oldest first
func (s *BadgerStore) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var executions []*types.WorkflowExecution
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(executionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var execution types.WorkflowExecution
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &execution)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal execution: %w", err)
			}
			if filter.Matches(&execution) {
				executions = append(executions, &execution)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortExecutions(executions, filter.Limit), nil
}

// RecordEvent records a lifecycle event with the configured TTL
func (s *BadgerStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// Zero-padded timestamp keeps lexical order equal to time order
		suffix := fmt.Sprintf("%020d:%s", event.Timestamp.UnixNano(), event.ID)

		entry := badger.NewEntry([]byte(eventPrefix+suffix), data).WithTTL(s.eventTTL)
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}

		typeIdx := badger.NewEntry([]byte(eventTypePrefix+string(event.Type)+":"+suffix), nil).WithTTL(s.eventTTL)
		if err := txn.SetEntry(typeIdx); err != nil {
			return err
		}
		sourceIdx := badger.NewEntry([]byte(eventSourcePrefix+event.Source+":"+suffix), nil).WithTTL(s.eventTTL)
		return txn.SetEntry(sourceIdx)
	})
}

// GetEvents retrieves events matching the filter, newest first
func (s *BadgerStore) GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var events []*types.Event
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanEventsByFilter(txn, filter, &events)
	})
	return events, err
}

func getJSON(txn *badger.Txn, key string, out interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (s *BadgerStore) scanAllTasks(txn *badger.Txn, filter types.TaskFilter, tasks *[]*types.AgentTask) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(taskPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var task types.AgentTask
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if filter.Matches(&task) {
			*tasks = append(*tasks, &task)
		}
	}
	return nil
}

func (s *BadgerStore) scanTasksByAgent(txn *badger.Txn, filter types.TaskFilter, tasks *[]*types.AgentTask) error {
	prefix := taskAgentPrefix + filter.AgentType + ":"
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		taskID := strings.TrimPrefix(string(it.Item().Key()), prefix)

		var task types.AgentTask
		if err := getJSON(txn, taskPrefix+taskID, &task); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			return err
		}
		if filter.Matches(&task) {
			*tasks = append(*tasks, &task)
		}
	}
	return nil
}

func (s *BadgerStore) scanEventsByFilter(txn *badger.Txn, filter types.EventFilter, events *[]*types.Event) error {
	var prefix string
	switch {
	case filter.Type != "":
		prefix = eventTypePrefix + string(filter.Type) + ":"
	case filter.Source != "":
		prefix = eventSourcePrefix + filter.Source + ":"
	default:
		prefix = eventPrefix
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = true

	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration starts from the last key carrying the prefix
	seek := append([]byte(prefix), 0xFF)

	for it.Seek(seek); it.Valid() && (filter.Limit <= 0 || len(*events) < filter.Limit); it.Next() {
		item := it.Item()

		var event types.Event
		if prefix == eventPrefix {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
		} else {
			// Index keys end with "<timestamp>:<id>", the same suffix as the event key
			suffix := strings.TrimPrefix(string(item.Key()), prefix)
			if err := getJSON(txn, eventPrefix+suffix, &event); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
		}

		if filter.Matches(&event) {
			*events = append(*events, &event)
		}
	}

	return nil
}

// Background garbage collection
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			err := s.db.RunValueLogGC(0.7)
			s.mu.RUnlock()

			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				s.logger.WithError(err).Warn("badger value log GC failed")
			}
		}
	}
}

// BadgerStoreFactory creates BadgerDB store instances
type BadgerStoreFactory struct{}

// Create creates a new BadgerDB store instance
func (f *BadgerStoreFactory) Create(config Config) (Store, error) {
	return NewBadgerStore(BadgerStoreConfig{
		Path:     config.Path,
		EventTTL: config.EventTTL,
	})
}
