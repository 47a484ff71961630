// Package reconcile turns raw task state change events from the container
// orchestrator into definitive terminal dispatch statuses. It owns identity
// resolution from loosely populated routing metadata, the ordered
// classification of stop reasons, and the single conditional write that
// finalizes a dispatch.
package reconcile

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"outpost/pkg/taskevent"
)

// DispatchIDEnvVar is the explicit per-container override carrying the
// dispatch identifier. The most tamper-resistant source, so it wins over
// everything else.
const DispatchIDEnvVar = "DISPATCH_ID"

// groupPrefix is the task group convention used by the submission path.
const groupPrefix = "dispatch:"

// uuidPattern matches a UUID-shaped substring anywhere in a string.
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// ResolveDispatchID extracts a dispatch identifier from event metadata.
// Each source is populated by a different upstream mechanism and may be
// independently absent or malformed; the first match wins, in order of
// explicitness:
//
//  1. a DISPATCH_ID environment override on any container
//  2. the task group ("dispatch:<uuid>", falling back to any UUID substring)
//  3. a dispatch_id / dispatchId tag (key match is case-insensitive)
//  4. a UUID substring in startedBy
//
// An unresolved identity is a normal outcome, not an error: the event simply
// cannot be routed and is skipped.
func ResolveDispatchID(ev *taskevent.Event) (string, bool) {
	if id, ok := fromEnvOverrides(ev.Overrides); ok {
		return id, true
	}
	if id, ok := fromGroup(ev.Group); ok {
		return id, true
	}
	if id, ok := fromTags(ev.Tags); ok {
		return id, true
	}
	if id := uuidPattern.FindString(ev.StartedBy); id != "" {
		return strings.ToLower(id), true
	}
	return "", false
}

func fromEnvOverrides(ov taskevent.Overrides) (string, bool) {
	for _, co := range ov.ContainerOverrides {
		for _, kv := range co.Environment {
			if kv.Name == DispatchIDEnvVar && kv.Value != "" {
				return kv.Value, true
			}
		}
	}
	return "", false
}

func fromGroup(group string) (string, bool) {
	if group == "" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(group, groupPrefix); ok {
		if _, err := uuid.Parse(rest); err == nil {
			return strings.ToLower(rest), true
		}
	}
	if id := uuidPattern.FindString(group); id != "" {
		return strings.ToLower(id), true
	}
	return "", false
}

func fromTags(tags []taskevent.Tag) (string, bool) {
	for _, tag := range tags {
		if !strings.EqualFold(tag.Key, "dispatch_id") && !strings.EqualFold(tag.Key, "dispatchId") {
			continue
		}
		if tag.Value != "" {
			return tag.Value, true
		}
	}
	return "", false
}
