package pool

import "fmt"

// NotFoundError indicates the referenced slot does not exist.
type NotFoundError struct {
	AgentType string
	TaskArn   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pool slot %s/%s not found", e.AgentType, e.TaskArn)
}

// AlreadyExistsError indicates a slot with the same key is already pooled.
type AlreadyExistsError struct {
	AgentType string
	TaskArn   string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("pool slot %s/%s already exists", e.AgentType, e.TaskArn)
}

// NotIdleError indicates a conditional claim found the slot missing or not
// idle. Racing allocators treat this as an expected outcome and move on to
// the next candidate.
type NotIdleError struct {
	AgentType string
	TaskArn   string
}

func (e *NotIdleError) Error() string {
	return fmt.Sprintf("pool slot %s/%s is not idle", e.AgentType, e.TaskArn)
}

// NoCapacityError indicates no idle slot could be claimed for an agent type.
// The caller falls back to a cold start.
type NoCapacityError struct {
	AgentType string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no idle pool capacity for agent type %s", e.AgentType)
}
