package state

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rizome-dev/conductor/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultMaxConns = 20

// PostgresStore implements Store interface on PostgreSQL. Records are kept as
// JSONB documents next to the columns used for filtering.
type PostgresStore struct {
	pool     *pgxpool.Pool
	eventTTL time.Duration
}

// PostgresStoreConfig holds PostgreSQL-specific configuration
type PostgresStoreConfig struct {
	URL      string
	MaxConns int32
	EventTTL time.Duration
}

// NewPostgresStore opens a connection pool and verifies connectivity
func NewPostgresStore(ctx context.Context, config PostgresStoreConfig) (*PostgresStore, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("connection URL is required for postgres store")
	}

	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = defaultMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, eventTTL: config.EventTTL}, nil
}

// Initialize applies pending schema migrations
func (s *PostgresStore) Initialize(ctx context.Context) error {
	return s.Migrate(ctx)
}

// Migrate applies the embedded migrations not yet recorded in schema_migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type migration struct {
		version int
		sql     string
	}
	var pending []migration

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", f.Name(), err)
		}
		pending = append(pending, migration{version: v, sql: string(body)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
			m.version, time.Now().Unix()); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveTask creates or replaces a task
func (s *PostgresStore) SaveTask(ctx context.Context, task *types.AgentTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conductor_tasks (id, agent_type, status, created_by, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		task.ID, task.AgentType, string(task.Status), task.CreatedBy, task.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*types.AgentTask, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM conductor_tasks WHERE id = $1`, taskID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task types.AgentTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *PostgresStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.AgentTask, error) {
	q := newQuery(`SELECT data FROM conductor_tasks`)
	q.where("agent_type", filter.AgentType)
	q.where("status", string(filter.Status))
	q.where("created_by", filter.CreatedBy)
	q.order("created_at ASC", filter.Limit)

	var tasks []*types.AgentTask
	err := s.scan(ctx, q, func(data []byte) error {
		var task types.AgentTask
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
		return nil
	})
	return tasks, err
}

// SaveExecution creates or replaces a workflow execution
func (s *PostgresStore) SaveExecution(ctx context.Context, execution *types.WorkflowExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conductor_executions (id, workflow_id, status, started_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		execution.ID, execution.WorkflowID, string(execution.Status), execution.StartedAt, data)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a workflow execution by ID
func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM conductor_executions WHERE id = $1`, executionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution types.WorkflowExecution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &execution, nil
}

// ListExecutions returns executions matching the filter, oldest first
func (s *PostgresStore) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]*types.WorkflowExecution, error) {
	q := newQuery(`SELECT data FROM conductor_executions`)
	q.where("workflow_id", filter.WorkflowID)
	q.where("status", string(filter.Status))
	q.order("started_at ASC", filter.Limit)

	var executions []*types.WorkflowExecution
	err := s.scan(ctx, q, func(data []byte) error {
		var execution types.WorkflowExecution
		if err := json.Unmarshal(data, &execution); err != nil {
			return fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		executions = append(executions, &execution)
		return nil
	})
	return executions, err
}

// RecordEvent records a lifecycle event and prunes events older than the TTL
func (s *PostgresStore) RecordEvent(ctx context.Context, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO conductor_events (id, type, source, created_at, data) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, string(event.Type), event.Source, event.Timestamp, data)
	if s.eventTTL > 0 {
		batch.Queue(`DELETE FROM conductor_events WHERE created_at < $1`, time.Now().Add(-s.eventTTL))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEvents retrieves events matching the filter, newest first
func (s *PostgresStore) GetEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	q := newQuery(`SELECT data FROM conductor_events`)
	q.where("type", string(filter.Type))
	q.where("source", filter.Source)
	q.where("data->'data'->>'taskId'", filter.TaskID)
	if !filter.Since.IsZero() {
		q.args = append(q.args, filter.Since)
		q.conds = append(q.conds, fmt.Sprintf("created_at >= $%d", len(q.args)))
	}
	q.order("created_at DESC, seq DESC", filter.Limit)

	var events []*types.Event
	err := s.scan(ctx, q, func(data []byte) error {
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &event)
		return nil
	})
	return events, err
}

func (s *PostgresStore) scan(ctx context.Context, q *query, fn func(data []byte) error) error {
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// query assembles a SELECT with optional equality filters
type query struct {
	base  string
	conds []string
	args  []interface{}
	tail  string
}

func newQuery(base string) *query {
	return &query{base: base}
}

// where adds "column = value" unless value is empty
func (q *query) where(column, value string) {
	if value == "" {
		return
	}
	q.args = append(q.args, value)
	q.conds = append(q.conds, fmt.Sprintf("%s = $%d", column, len(q.args)))
}

func (q *query) order(by string, limit int) {
	q.tail = " ORDER BY " + by
	if limit > 0 {
		q.tail += " LIMIT " + strconv.Itoa(limit)
	}
}

func (q *query) String() string {
	sql := q.base
	if len(q.conds) > 0 {
		sql += " WHERE " + strings.Join(q.conds, " AND ")
	}
	return sql + q.tail
}

// PostgresStoreFactory creates PostgreSQL store instances
type PostgresStoreFactory struct{}

// Create creates a new PostgreSQL store instance
func (f *PostgresStoreFactory) Create(config Config) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return NewPostgresStore(ctx, PostgresStoreConfig{
		URL:      config.URL,
		EventTTL: config.EventTTL,
	})
}
