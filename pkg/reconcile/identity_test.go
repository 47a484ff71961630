package reconcile

import (
	"testing"

	"outpost/pkg/taskevent"
)

const (
	uuidA = "550e8400-e29b-41d4-a716-446655440000"
	uuidB = "123e4567-e89b-42d3-a456-426614174000"
)

func envOverride(name, value string) taskevent.Overrides {
	return taskevent.Overrides{
		ContainerOverrides: []taskevent.ContainerOverride{
			{Name: "worker", Environment: []taskevent.KeyValuePair{{Name: name, Value: value}}},
		},
	}
}

func TestResolveDispatchID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ev     taskevent.Event
		wantID string
		wantOK bool
	}{
		{
			name:   "env override",
			ev:     taskevent.Event{Overrides: envOverride("DISPATCH_ID", uuidA)},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name: "env override in second container",
			ev: taskevent.Event{Overrides: taskevent.Overrides{
				ContainerOverrides: []taskevent.ContainerOverride{
					{Name: "sidecar", Environment: []taskevent.KeyValuePair{{Name: "LOG_LEVEL", Value: "debug"}}},
					{Name: "worker", Environment: []taskevent.KeyValuePair{{Name: "DISPATCH_ID", Value: uuidA}}},
				},
			}},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "env override beats group uuid",
			ev:     taskevent.Event{Overrides: envOverride("DISPATCH_ID", uuidA), Group: "dispatch:" + uuidB},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "group with dispatch prefix",
			ev:     taskevent.Event{Group: "dispatch:" + uuidA},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "group with embedded uuid",
			ev:     taskevent.Event{Group: "family:agents-" + uuidA + "-prod"},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "group prefix with junk falls back to substring scan",
			ev:     taskevent.Event{Group: "dispatch:not-a-uuid-" + uuidA},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "group beats tag",
			ev:     taskevent.Event{Group: "dispatch:" + uuidA, Tags: []taskevent.Tag{{Key: "dispatch_id", Value: uuidB}}},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "snake case tag",
			ev:     taskevent.Event{Tags: []taskevent.Tag{{Key: "dispatch_id", Value: uuidA}}},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "camel case tag",
			ev:     taskevent.Event{Tags: []taskevent.Tag{{Key: "dispatchId", Value: uuidA}}},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "upper case tag key",
			ev:     taskevent.Event{Tags: []taskevent.Tag{{Key: "DISPATCH_ID", Value: uuidA}}},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "tag beats startedBy",
			ev:     taskevent.Event{Tags: []taskevent.Tag{{Key: "dispatchId", Value: uuidA}}, StartedBy: uuidB},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "startedBy substring",
			ev:     taskevent.Event{StartedBy: "submit-lambda/" + uuidA},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "empty tag value is skipped",
			ev:     taskevent.Event{Tags: []taskevent.Tag{{Key: "dispatch_id", Value: ""}}, StartedBy: uuidA},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "empty env value is skipped",
			ev:     taskevent.Event{Overrides: envOverride("DISPATCH_ID", ""), Group: "dispatch:" + uuidA},
			wantID: uuidA,
			wantOK: true,
		},
		{
			name:   "unrelated metadata resolves nothing",
			ev:     taskevent.Event{Group: "service:web", Tags: []taskevent.Tag{{Key: "team", Value: "infra"}}, StartedBy: "deploy-tool"},
			wantOK: false,
		},
		{
			name:   "empty event resolves nothing",
			ev:     taskevent.Event{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id, ok := ResolveDispatchID(&tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (id=%q)", ok, tt.wantOK, id)
			}
			if ok && id != tt.wantID {
				t.Fatalf("id = %q, want %q", id, tt.wantID)
			}
		})
	}
}
