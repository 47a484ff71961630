package dispatch

import "fmt"

// NotFoundError indicates the referenced dispatch does not exist.
// Non-retryable: redelivery cannot make the record appear.
type NotFoundError struct {
	DispatchID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dispatch %s not found", e.DispatchID)
}

// AlreadyTerminalError indicates a task assignment arrived after the
// dispatch reached a terminal status. The record is left untouched; a caller
// holding a freshly claimed pool slot must give it back.
type AlreadyTerminalError struct {
	DispatchID string
	Status     Status
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("dispatch %s is already %s", e.DispatchID, e.Status)
}

// AlreadyExistsError indicates a dispatch identifier collision on create.
// With random identifiers this is effectively unreachable, but the store
// reports it rather than silently overwriting.
type AlreadyExistsError struct {
	DispatchID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("dispatch %s already exists", e.DispatchID)
}
