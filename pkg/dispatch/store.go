package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaDDL defines the SQLite schema for dispatch records.
// task_arn carries a secondary index for reverse lookup from task events.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS dispatches (
    dispatch_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    agent_type TEXT NOT NULL,
    model_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    task_arn TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    exit_code INTEGER,
    error_message TEXT NOT NULL DEFAULT '',
    stopped_reason TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatches_task_arn ON dispatches(task_arn);
CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status);
`

// timeLayout is the stored timestamp format (UTC).
const timeLayout = time.RFC3339Nano

// Store manages the dispatches table. It carries no state beyond the shared
// database handle and is safe for concurrent use; all synchronization happens
// through conditional writes on individual rows.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Init applies the dispatches schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("init dispatch schema: %w", err)
	}
	return nil
}

// CreateParams holds the caller-supplied fields for a new dispatch.
type CreateParams struct {
	UserID    string
	AgentType string
	ModelID   string
}

// Create inserts a new dispatch in PENDING with a fresh identifier.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Record, error) {
	now := s.nowFunc().UTC()
	rec := &Record{
		DispatchID: uuid.NewString(),
		UserID:     p.UserID,
		AgentType:  p.AgentType,
		ModelID:    p.ModelID,
		Status:     StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatches (dispatch_id, user_id, agent_type, model_id, status, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DispatchID, rec.UserID, rec.AgentType, rec.ModelID, string(rec.Status),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	if n == 0 {
		return nil, &AlreadyExistsError{DispatchID: rec.DispatchID}
	}
	return rec, nil
}

// AssignTask records the worker task assigned to a dispatch and promotes a
// PENDING dispatch to RUNNING. The task identifier is write-once: repeating
// the call with the same value is a no-op, and an attempt to overwrite with a
// different value is silently ignored rather than applied. A dispatch that
// already reached a terminal status is never touched; the caller gets an
// AlreadyTerminalError instead.
func (s *Store) AssignTask(ctx context.Context, dispatchID, taskArn string) error {
	now := s.nowFunc().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches
		 SET task_arn = ?,
		     status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
		     updated_at = ?
		 WHERE dispatch_id = ? AND (task_arn IS NULL OR task_arn = ?)
		   AND status IN ('PENDING', 'RUNNING')`,
		taskArn, now, dispatchID, taskArn)
	if err != nil {
		return fmt.Errorf("assign task to dispatch %s: %w", dispatchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign task to dispatch %s: %w", dispatchID, err)
	}
	if n > 0 {
		return nil
	}

	// Condition failed: the dispatch is missing, already terminal, or
	// task_arn is already set to a different value (write-once no-op).
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM dispatches WHERE dispatch_id = ?`, dispatchID).Scan(&status)
	if err == sql.ErrNoRows {
		return &NotFoundError{DispatchID: dispatchID}
	}
	if err != nil {
		return fmt.Errorf("assign task to dispatch %s: %w", dispatchID, err)
	}
	if st := Status(status); st.IsTerminal() {
		return &AlreadyTerminalError{DispatchID: dispatchID, Status: st}
	}
	return nil
}

// FindByTaskArn returns the dispatch linked to a task identifier, if any.
// Used as a fallback identity source when event metadata resolves nothing.
func (s *Store) FindByTaskArn(ctx context.Context, taskArn string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT dispatch_id FROM dispatches WHERE task_arn = ? LIMIT 1`, taskArn).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find dispatch by task %s: %w", taskArn, err)
	}
	return id, true, nil
}

// TerminalParams holds the outcome applied by TransitionToTerminal.
type TerminalParams struct {
	Status        Status
	EndedAt       time.Time
	ExitCode      *int
	ErrorMessage  string
	StoppedReason string
}

// TransitionResult reports the outcome of a terminal transition attempt.
// Updated is false when the guard (current status RUNNING) did not hold;
// PreviousStatus then carries the status observed instead.
type TransitionResult struct {
	Updated        bool
	PreviousStatus Status
}

// TransitionToTerminal applies a terminal status iff the dispatch is
// currently RUNNING. A failed guard is not an error: the record is already
// terminal (or never started) and must not be touched again, so the caller
// gets {Updated: false} and the row stays exactly as it was.
func (s *Store) TransitionToTerminal(ctx context.Context, dispatchID string, p TerminalParams) (TransitionResult, error) {
	if !p.Status.IsTerminal() {
		return TransitionResult{}, fmt.Errorf("transition dispatch %s: %q is not a terminal status", dispatchID, p.Status)
	}

	now := s.nowFunc().UTC().Format(timeLayout)
	var exitCode any
	if p.ExitCode != nil {
		exitCode = *p.ExitCode
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches
		 SET status = ?, ended_at = ?, exit_code = ?, error_message = ?, stopped_reason = ?, updated_at = ?
		 WHERE dispatch_id = ? AND status = 'RUNNING'`,
		string(p.Status), p.EndedAt.UTC().Format(timeLayout), exitCode,
		p.ErrorMessage, p.StoppedReason, now, dispatchID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition dispatch %s: %w", dispatchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition dispatch %s: %w", dispatchID, err)
	}
	if n > 0 {
		return TransitionResult{Updated: true, PreviousStatus: StatusRunning}, nil
	}

	var prev string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM dispatches WHERE dispatch_id = ?`, dispatchID).Scan(&prev)
	if err == sql.ErrNoRows {
		return TransitionResult{}, &NotFoundError{DispatchID: dispatchID}
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition dispatch %s: %w", dispatchID, err)
	}
	return TransitionResult{Updated: false, PreviousStatus: Status(prev)}, nil
}

// Cancel marks a dispatch CANCELLED iff it has not finished yet. Returns
// false when the dispatch is already terminal. This is the user-initiated
// stop path; the reconciler's RUNNING guard keeps later task events from
// clobbering a cancellation.
func (s *Store) Cancel(ctx context.Context, dispatchID string) (bool, error) {
	now := s.nowFunc().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatches
		 SET status = 'CANCELLED', ended_at = ?, updated_at = ?
		 WHERE dispatch_id = ? AND status IN ('PENDING', 'RUNNING')`,
		now, now, dispatchID)
	if err != nil {
		return false, fmt.Errorf("cancel dispatch %s: %w", dispatchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel dispatch %s: %w", dispatchID, err)
	}
	if n > 0 {
		return true, nil
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM dispatches WHERE dispatch_id = ?`, dispatchID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, &NotFoundError{DispatchID: dispatchID}
	}
	if err != nil {
		return false, fmt.Errorf("cancel dispatch %s: %w", dispatchID, err)
	}
	return false, nil
}

// GetByID returns a single dispatch record.
func (s *Store) GetByID(ctx context.Context, dispatchID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT dispatch_id, user_id, agent_type, model_id, status, task_arn,
		        started_at, ended_at, exit_code, error_message, stopped_reason, updated_at
		 FROM dispatches WHERE dispatch_id = ?`, dispatchID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{DispatchID: dispatchID}
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch %s: %w", dispatchID, err)
	}
	return rec, nil
}

// ListOpts filters a List query.
type ListOpts struct {
	Status Status // optional
	UserID string // optional
	Limit  int    // 0 = default 50
}

// List returns dispatches matching the filter, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]Record, error) {
	query := `SELECT dispatch_id, user_id, agent_type, model_id, status, task_arn,
	                 started_at, ended_at, exit_code, error_message, stopped_reason, updated_at
	          FROM dispatches WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list dispatches: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		status    string
		taskArn   sql.NullString
		startedAt string
		endedAt   sql.NullString
		exitCode  sql.NullInt64
		updatedAt string
	)
	err := row.Scan(&rec.DispatchID, &rec.UserID, &rec.AgentType, &rec.ModelID,
		&status, &taskArn, &startedAt, &endedAt, &exitCode,
		&rec.ErrorMessage, &rec.StoppedReason, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if taskArn.Valid {
		rec.TaskArn = taskArn.String
	}
	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}
