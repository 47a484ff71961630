package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaDDL defines the SQLite schema for warm-pool slots.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS pool_tasks (
    agent_type TEXT NOT NULL,
    task_arn TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    created_at TEXT NOT NULL,
    last_used_at TEXT NOT NULL,
    instance_type TEXT NOT NULL DEFAULT '',
    ttl INTEGER,
    PRIMARY KEY (agent_type, task_arn)
);

CREATE INDEX IF NOT EXISTS idx_pool_tasks_status ON pool_tasks(agent_type, status);
`

const timeLayout = time.RFC3339Nano

// Store manages the pool_tasks table. Safe for concurrent use: every
// transition is a single conditional UPDATE checked via RowsAffected.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Init applies the pool schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("init pool schema: %w", err)
	}
	return nil
}

// Create inserts a new idle slot.
func (s *Store) Create(ctx context.Context, agentType, taskArn, instanceType string) (*TaskRecord, error) {
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pool_tasks (agent_type, task_arn, status, created_at, last_used_at, instance_type)
		 VALUES (?, ?, 'idle', ?, ?, ?)`,
		agentType, taskArn, now.Format(timeLayout), now.Format(timeLayout), instanceType)
	if err != nil {
		return nil, fmt.Errorf("create pool slot %s/%s: %w", agentType, taskArn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create pool slot %s/%s: %w", agentType, taskArn, err)
	}
	if n == 0 {
		return nil, &AlreadyExistsError{AgentType: agentType, TaskArn: taskArn}
	}
	return &TaskRecord{
		AgentType:    agentType,
		TaskArn:      taskArn,
		Status:       SlotIdle,
		CreatedAt:    now,
		LastUsedAt:   now,
		InstanceType: instanceType,
	}, nil
}

// GetIdleTasks returns up to limit idle slots for an agent type, most
// recently used first. The result is a candidate set, not a reservation:
// each entry must still be claimed with MarkInUse.
func (s *Store) GetIdleTasks(ctx context.Context, agentType string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_type, task_arn, status, created_at, last_used_at, instance_type, ttl
		 FROM pool_tasks
		 WHERE agent_type = ? AND status = 'idle'
		 ORDER BY last_used_at DESC
		 LIMIT ?`, agentType, limit)
	if err != nil {
		return nil, fmt.Errorf("get idle slots for %s: %w", agentType, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkInUse conditionally claims an idle slot. Exactly one of any number of
// concurrent callers succeeds; the rest get NotIdleError and must try a
// different candidate. Claiming also clears a pending terminating TTL (the
// condition excludes terminating slots, so the clear only matters for rows
// that raced back to idle).
func (s *Store) MarkInUse(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	now := s.nowFunc().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pool_tasks
		 SET status = 'in_use', last_used_at = ?, ttl = NULL
		 WHERE agent_type = ? AND task_arn = ? AND status = 'idle'`,
		now, agentType, taskArn)
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s in use: %w", agentType, taskArn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s in use: %w", agentType, taskArn, err)
	}
	if n == 0 {
		return nil, &NotIdleError{AgentType: agentType, TaskArn: taskArn}
	}
	return s.Get(ctx, agentType, taskArn)
}

// MarkIdle returns a slot to idle from any prior state, as long as it still
// exists. Used when a job finishes normally, and as the escape hatch that
// rescues a slot from a pending termination.
func (s *Store) MarkIdle(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	now := s.nowFunc().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pool_tasks
		 SET status = 'idle', last_used_at = ?, ttl = NULL
		 WHERE agent_type = ? AND task_arn = ?`,
		now, agentType, taskArn)
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s idle: %w", agentType, taskArn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s idle: %w", agentType, taskArn, err)
	}
	if n == 0 {
		return nil, &NotFoundError{AgentType: agentType, TaskArn: taskArn}
	}
	return s.Get(ctx, agentType, taskArn)
}

// MarkTerminating flags a slot for teardown and stamps its expiry. The slot
// stops being allocatable immediately; physical removal is the reaper's job
// once the TTL elapses.
func (s *Store) MarkTerminating(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	now := s.nowFunc().UTC()
	expiry := now.Add(TerminatingTTL).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pool_tasks
		 SET status = 'terminating', last_used_at = ?, ttl = ?
		 WHERE agent_type = ? AND task_arn = ?`,
		now.Format(timeLayout), expiry, agentType, taskArn)
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s terminating: %w", agentType, taskArn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark slot %s/%s terminating: %w", agentType, taskArn, err)
	}
	if n == 0 {
		return nil, &NotFoundError{AgentType: agentType, TaskArn: taskArn}
	}
	return s.Get(ctx, agentType, taskArn)
}

// Delete physically removes a slot regardless of state.
func (s *Store) Delete(ctx context.Context, agentType, taskArn string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pool_tasks WHERE agent_type = ? AND task_arn = ?`,
		agentType, taskArn); err != nil {
		return fmt.Errorf("delete pool slot %s/%s: %w", agentType, taskArn, err)
	}
	return nil
}

// DeleteExpired removes a slot only if it is still terminating and its TTL
// has elapsed. Returns false when the condition failed — typically because a
// MarkIdle raced in and rescued the slot before the reaper got to it.
func (s *Store) DeleteExpired(ctx context.Context, agentType, taskArn string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pool_tasks
		 WHERE agent_type = ? AND task_arn = ? AND status = 'terminating' AND ttl IS NOT NULL AND ttl <= ?`,
		agentType, taskArn, now.Unix())
	if err != nil {
		return false, fmt.Errorf("delete expired slot %s/%s: %w", agentType, taskArn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete expired slot %s/%s: %w", agentType, taskArn, err)
	}
	return n > 0, nil
}

// ListExpired returns terminating slots whose TTL has elapsed at now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_type, task_arn, status, created_at, last_used_at, instance_type, ttl
		 FROM pool_tasks
		 WHERE status = 'terminating' AND ttl IS NOT NULL AND ttl <= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired slots: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Get returns a single slot.
func (s *Store) Get(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT agent_type, task_arn, status, created_at, last_used_at, instance_type, ttl
		 FROM pool_tasks WHERE agent_type = ? AND task_arn = ?`, agentType, taskArn))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{AgentType: agentType, TaskArn: taskArn}
	}
	if err != nil {
		return nil, fmt.Errorf("get pool slot %s/%s: %w", agentType, taskArn, err)
	}
	return rec, nil
}

// FindByTaskArn returns the slot holding the given task, or nil when no
// slot tracks it.
func (s *Store) FindByTaskArn(ctx context.Context, taskArn string) (*TaskRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT agent_type, task_arn, status, created_at, last_used_at, instance_type, ttl
		 FROM pool_tasks WHERE task_arn = ? LIMIT 1`, taskArn))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pool slot by task %s: %w", taskArn, err)
	}
	return rec, nil
}

// List returns all slots, optionally filtered to one agent type.
func (s *Store) List(ctx context.Context, agentType string) ([]TaskRecord, error) {
	query := `SELECT agent_type, task_arn, status, created_at, last_used_at, instance_type, ttl
	          FROM pool_tasks`
	var args []any
	if agentType != "" {
		query += ` WHERE agent_type = ?`
		args = append(args, agentType)
	}
	query += ` ORDER BY agent_type, task_arn`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool slots: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var (
		rec        TaskRecord
		status     string
		createdAt  string
		lastUsedAt string
		ttl        sql.NullInt64
	)
	err := row.Scan(&rec.AgentType, &rec.TaskArn, &status, &createdAt, &lastUsedAt, &rec.InstanceType, &ttl)
	if err != nil {
		return nil, err
	}
	rec.Status = SlotStatus(status)
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.LastUsedAt, err = time.Parse(timeLayout, lastUsedAt); err != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", err)
	}
	if ttl.Valid {
		v := ttl.Int64
		rec.TTL = &v
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]TaskRecord, error) {
	var out []TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool slot: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool slots: %w", err)
	}
	return out, nil
}
