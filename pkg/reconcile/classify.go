package reconcile

import (
	"fmt"
	"regexp"

	"outpost/pkg/dispatch"
	"outpost/pkg/taskevent"
)

// Classification is the terminal outcome derived from a stopped-task event.
// Reason is a short stable code identifying which rule fired, used for the
// event trail and metrics labels.
type Classification struct {
	Status   dispatch.Status
	Message  string
	ExitCode *int
	Reason   string
}

// Stop reason heuristics. Orchestrator stop reasons are free-form text, so
// classification falls back to pattern matching when the stop code alone is
// not conclusive.
var (
	cancelPattern  = regexp.MustCompile(`(?i)cancel|abort`)
	timeoutPattern = regexp.MustCompile(`(?i)timeout`)
	errorPattern   = regexp.MustCompile(`(?i)error|oom|out ?of ?memory`)
)

// rule is one (predicate, outcome) pair. Rules are evaluated strictly in
// order and the first match wins: real events routinely satisfy several
// rules at once, and the tie-break order is part of the contract.
type rule struct {
	reason string
	apply  func(ev *taskevent.Event, target *taskevent.Container) (Classification, bool)
}

var classificationRules = []rule{
	{
		// User-initiated stop with an explicit cancel/abort reason.
		reason: "user_cancelled",
		apply: func(ev *taskevent.Event, _ *taskevent.Container) (Classification, bool) {
			if ev.StopCode == taskevent.StopCodeUserInitiated && cancelPattern.MatchString(ev.StoppedReason) {
				return Classification{
					Status:  dispatch.StatusCancelled,
					Message: ev.StoppedReason,
				}, true
			}
			return Classification{}, false
		},
	},
	{
		// The task never launched (image pull failures and the like).
		reason: "failed_to_start",
		apply: func(ev *taskevent.Event, _ *taskevent.Container) (Classification, bool) {
			if ev.StopCode == taskevent.StopCodeTaskFailedToStart {
				return Classification{
					Status:  dispatch.StatusFailed,
					Message: fmt.Sprintf("task failed to start: %s", ev.StoppedReason),
				}, true
			}
			return Classification{}, false
		},
	},
	{
		reason: "timeout",
		apply: func(ev *taskevent.Event, _ *taskevent.Container) (Classification, bool) {
			if timeoutPattern.MatchString(ev.StoppedReason) {
				return Classification{
					Status:  dispatch.StatusTimeout,
					Message: ev.StoppedReason,
				}, true
			}
			return Classification{}, false
		},
	},
	{
		reason: "reason_error",
		apply: func(ev *taskevent.Event, _ *taskevent.Container) (Classification, bool) {
			if errorPattern.MatchString(ev.StoppedReason) {
				return Classification{
					Status:  dispatch.StatusFailed,
					Message: ev.StoppedReason,
				}, true
			}
			return Classification{}, false
		},
	},
	{
		// An infrastructure-initiated interruption: the orchestrator reports
		// a stop code but the worker container never produced an exit code.
		reason: "interrupted",
		apply: func(ev *taskevent.Event, target *taskevent.Container) (Classification, bool) {
			if ev.StopCode != "" && (target == nil || target.ExitCode == nil) {
				return Classification{
					Status:  dispatch.StatusFailed,
					Message: fmt.Sprintf("task interrupted: stop code %s", ev.StopCode),
				}, true
			}
			return Classification{}, false
		},
	},
	{
		reason: "clean_exit",
		apply: func(_ *taskevent.Event, target *taskevent.Container) (Classification, bool) {
			if target != nil && target.ExitCode != nil && *target.ExitCode == 0 {
				code := 0
				return Classification{
					Status:   dispatch.StatusCompleted,
					ExitCode: &code,
				}, true
			}
			return Classification{}, false
		},
	},
	{
		reason: "nonzero_exit",
		apply: func(_ *taskevent.Event, target *taskevent.Container) (Classification, bool) {
			if target != nil && target.ExitCode != nil {
				code := *target.ExitCode
				return Classification{
					Status:   dispatch.StatusFailed,
					Message:  fmt.Sprintf("worker exited with code %d", code),
					ExitCode: &code,
				}, true
			}
			return Classification{}, false
		},
	},
	{
		// Catch-all: no exit code and nothing recognizable in the stop
		// metadata. Tagged with its own reason code so these events stay
		// visible in metrics instead of blending into ordinary failures.
		reason: "unknown",
		apply: func(_ *taskevent.Event, _ *taskevent.Container) (Classification, bool) {
			return Classification{
				Status:  dispatch.StatusFailed,
				Message: "task stopped for unknown reason",
			}, true
		},
	},
}

// Classify derives the terminal outcome for a stopped task. The caller is
// responsible for the STOPPED guard; Classify assumes the task has stopped.
func Classify(ev *taskevent.Event) Classification {
	target := ev.TargetContainer()
	for _, r := range classificationRules {
		if c, ok := r.apply(ev, target); ok {
			c.Reason = r.reason
			if c.ExitCode == nil && target != nil && target.ExitCode != nil {
				c.ExitCode = target.ExitCode
			}
			return c
		}
	}
	// Unreachable: the last rule always matches.
	return Classification{Status: dispatch.StatusFailed, Reason: "unknown"}
}
