// Package pool manages pre-warmed worker slots per agent type so dispatches
// can skip container cold starts. A slot is a provisioned worker task keyed
// by (agent type, task ARN); allocation is made race-safe entirely through
// single-row conditional writes, never locks.
package pool

import "time"

// SlotStatus is the warm-pool slot lifecycle state.
type SlotStatus string

// Slot status constants. idle ⇄ in_use is bidirectional; terminating is
// one-way and ends in physical deletion once the TTL elapses.
const (
	SlotIdle        SlotStatus = "idle"
	SlotInUse       SlotStatus = "in_use"
	SlotTerminating SlotStatus = "terminating"
)

// TerminatingTTL bounds how long a retiring slot may linger before the
// reaper is allowed to remove it.
const TerminatingTTL = 300 * time.Second

// TaskRecord is one warm-pool slot row. TTL is the expiry in epoch seconds
// and is only present while the slot is terminating.
type TaskRecord struct {
	AgentType    string
	TaskArn      string
	Status       SlotStatus
	CreatedAt    time.Time
	LastUsedAt   time.Time
	InstanceType string
	TTL          *int64
}

// Expired reports whether a terminating slot's TTL has elapsed at now.
func (r *TaskRecord) Expired(now time.Time) bool {
	return r.Status == SlotTerminating && r.TTL != nil && *r.TTL <= now.Unix()
}
