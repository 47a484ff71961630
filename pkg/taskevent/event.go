// Package taskevent defines the container-orchestrator task state change
// payload consumed by the reconciler. Field names and JSON tags mirror the
// orchestrator's wire format so events can be decoded without translation.
package taskevent

// Task lastStatus values relevant to reconciliation.
const (
	StatusStopped = "STOPPED"
	StatusRunning = "RUNNING"
)

// Stop codes reported on STOPPED events.
const (
	StopCodeUserInitiated     = "UserInitiated"
	StopCodeTaskFailedToStart = "TaskFailedToStart"
)

// WorkerContainerName is the name of the container that runs the agent CLI.
// Tasks may carry sidecar containers; the worker container's exit code is the
// one that decides the dispatch outcome.
const WorkerContainerName = "worker"

// KeyValuePair is a single environment variable entry in a container override.
type KeyValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ContainerOverride carries per-container launch overrides, including the
// environment injected at run-task time.
type ContainerOverride struct {
	Name        string         `json:"name"`
	Environment []KeyValuePair `json:"environment"`
}

// Overrides groups all container overrides attached to a task.
type Overrides struct {
	ContainerOverrides []ContainerOverride `json:"containerOverrides"`
}

// Container is the per-container status snapshot inside a task event.
// ExitCode is a pointer because the orchestrator omits it for containers
// that never ran (e.g. image pull failures).
type Container struct {
	Name       string `json:"name"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	LastStatus string `json:"lastStatus"`
	Reason     string `json:"reason,omitempty"`
}

// Tag is a key/value tag attached to a task.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is one task state change notification. Delivery is at-least-once and
// may be out of order; consumers must treat every field as potentially absent
// or stale.
type Event struct {
	TaskArn       string      `json:"taskArn"`
	ClusterArn    string      `json:"clusterArn"`
	LastStatus    string      `json:"lastStatus"`
	DesiredStatus string      `json:"desiredStatus"`
	Containers    []Container `json:"containers"`
	Overrides     Overrides   `json:"overrides"`
	StoppedReason string      `json:"stoppedReason"`
	StopCode      string      `json:"stopCode"`
	Group         string      `json:"group"`
	Tags          []Tag       `json:"tags"`
	StartedBy     string      `json:"startedBy"`
	StoppedAt     string      `json:"stoppedAt"` // RFC3339; left raw because bad timestamps must not fail reconciliation
}

// TargetContainer returns the container whose exit code decides the task
// outcome: the one named "worker" if present, otherwise the first container.
// Returns nil when the event carries no containers.
func (e *Event) TargetContainer() *Container {
	for i := range e.Containers {
		if e.Containers[i].Name == WorkerContainerName {
			return &e.Containers[i]
		}
	}
	if len(e.Containers) > 0 {
		return &e.Containers[0]
	}
	return nil
}
