package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event represents a single row from the event trail.
type Event struct {
	ID         int64
	Type       string
	Source     string
	DispatchID string
	TaskArn    string
	Payload    string
	CreatedAt  time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// DispatchID filters events to a specific dispatch.
	DispatchID string

	// EventType filters to a specific event type (e.g. "reconciled").
	EventType string

	// After filters events created after this time (inclusive).
	After *time.Time

	// Before filters events created before this time (inclusive).
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event trail.
type Reader struct {
	db *sql.DB
}

// NewReader creates a Reader over the given database handle.
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			dispatchID sql.NullString
			taskArn    sql.NullString
			payload    sql.NullString
			createdAt  string
		)
		err := rows.Scan(&e.ID, &e.Type, &e.Source, &dispatchID, &taskArn, &payload, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.DispatchID = dispatchID.String
		e.TaskArn = taskArn.String
		e.Payload = payload.String

		if createdAt != "" {
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAt)
			if err != nil {
				// Fallback: timestamps written by other tools may carry a zone.
				parsed, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, dispatch_id, task_arn, payload, created_at FROM events WHERE 1=1"

	if opts.DispatchID != "" {
		conditions = append(conditions, "dispatch_id = ?")
		args = append(args, opts.DispatchID)
	}

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format("2006-01-02 15:04:05"))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
