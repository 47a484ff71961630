// Package eventlog provides the durable event trail for dispatch
// reconciliation and pool allocation, stored alongside the dispatch state in
// SQLite. The reconciler appends one row per processed event; the CLI reads
// the trail back for operators.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaDDL defines the SQLite schema for the event trail.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    dispatch_id TEXT,
    task_arn TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_dispatch ON events(dispatch_id);
`

// Event trail entry types.
const (
	TypeReconciled   = "reconciled"
	TypeDuplicate    = "duplicate"
	TypeUnresolved   = "unresolved"
	TypeSlotAcquired = "slot_acquired"
	TypeSlotReleased = "slot_released"
	TypeSlotReaped   = "slot_reaped"
)

// Log appends entries to the events table.
type Log struct {
	db *sql.DB
}

// NewLog creates a Log backed by the given database handle.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Init applies the events schema.
func (l *Log) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("init eventlog schema: %w", err)
	}
	return nil
}

// Append writes one event. Failures here must never fail the operation that
// produced the event, so callers typically log and continue on error.
func (l *Log) Append(ctx context.Context, evType, source, dispatchID, taskArn, payload string) error {
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, dispatch_id, task_arn, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, dispatchID, taskArn, payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
