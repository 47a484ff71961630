// Package dispatch persists dispatch records — one per job-execution request
// routed to an agent worker — and exposes the conditional state transitions
// that keep the lifecycle consistent under concurrent and duplicated writers.
//
// Every mutation is a single-record conditional write. Re-applying a
// transition whose guard no longer holds is an expected outcome, not an
// error, so at-least-once event delivery is safe by construction.
package dispatch

import "time"

// Status is the dispatch lifecycle state.
type Status string

// Dispatch status constants. The only legal moves are
// PENDING → RUNNING → one of the terminal states.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// IsTerminal reports whether the status permits no further transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Agent types supported by the worker fleet.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGemini = "gemini"
	AgentGrok   = "grok"
	AgentAider  = "aider"
)

// Record is one dispatch row. TaskArn is empty until a worker task is
// assigned and is write-once after that. EndedAt, ExitCode, ErrorMessage and
// StoppedReason are only populated once the dispatch is terminal.
type Record struct {
	DispatchID    string
	UserID        string
	AgentType     string
	ModelID       string
	Status        Status
	TaskArn       string
	StartedAt     time.Time
	EndedAt       *time.Time
	ExitCode      *int
	ErrorMessage  string
	StoppedReason string
	UpdatedAt     time.Time
}
