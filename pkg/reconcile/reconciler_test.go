package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	_ "modernc.org/sqlite"

	"outpost/pkg/dispatch"
	"outpost/pkg/eventlog"
	"outpost/pkg/taskevent"
)

// newTestReconciler wires a Reconciler to a fresh SQLite-backed dispatch
// store, event trail, and an isolated metrics registry.
func newTestReconciler(t *testing.T) (*Reconciler, *dispatch.Store, *eventlog.Reader) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("set WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}

	ctx := context.Background()
	store := dispatch.NewStore(db)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init dispatch schema: %v", err)
	}
	trail := eventlog.NewLog(db)
	if err := trail.Init(ctx); err != nil {
		t.Fatalf("init eventlog schema: %v", err)
	}

	metrics := MustNewMetrics(prometheus.NewRegistry())
	return New(store, trail, metrics, nil), store, eventlog.NewReader(db)
}

// runningDispatch creates a dispatch in RUNNING linked to the given task.
func runningDispatch(t *testing.T, store *dispatch.Store, taskArn string) *dispatch.Record {
	t.Helper()

	ctx := context.Background()
	rec, err := store.Create(ctx, dispatch.CreateParams{UserID: "u1", AgentType: dispatch.AgentClaude})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	if err := store.AssignTask(ctx, rec.DispatchID, taskArn); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	rec.TaskArn = taskArn
	return rec
}

func stoppedEventFor(rec *dispatch.Record, mod func(*taskevent.Event)) *taskevent.Event {
	ev := &taskevent.Event{
		TaskArn:    rec.TaskArn,
		LastStatus: taskevent.StatusStopped,
		Group:      "dispatch:" + rec.DispatchID,
		StoppedAt:  time.Now().Add(-30 * time.Second).UTC().Format(time.RFC3339),
	}
	if mod != nil {
		mod(ev)
	}
	return ev
}

func TestHandleCleanExit(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	ev := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}}
	})

	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Status != dispatch.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}

	got, err := store.GetByID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatch.StatusCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("stored record: %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at not set")
	}
}

func TestHandleDuplicateDelivery(t *testing.T) {
	t.Parallel()

	r, store, reader := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	ev := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}}
	})

	if _, err := r.HandleTaskStateChange(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Redelivery: success, no mutation, counted as a duplicate.
	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Outcome != OutcomeAlreadyReconciled {
		t.Fatalf("outcome = %s, want already_reconciled", res.Outcome)
	}
	if res.Status != dispatch.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	if got := testutil.ToFloat64(r.metrics.duplicates); got != 1 {
		t.Fatalf("duplicate counter = %v, want 1", got)
	}

	events, err := reader.Query(ctx, eventlog.QueryOpts{DispatchID: rec.DispatchID})
	if err != nil {
		t.Fatalf("query trail: %v", err)
	}
	if len(events) != 2 || events[0].Type != eventlog.TypeDuplicate || events[1].Type != eventlog.TypeReconciled {
		t.Fatalf("unexpected trail: %+v", events)
	}
}

func TestHandleRacingClassificationsFirstWriterWins(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	failed := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(137)}}
	})
	completed := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}}
	})

	if _, err := r.HandleTaskStateChange(ctx, failed); err != nil {
		t.Fatalf("first event: %v", err)
	}
	res, err := r.HandleTaskStateChange(ctx, completed)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if res.Outcome != OutcomeAlreadyReconciled {
		t.Fatalf("outcome = %s, want already_reconciled", res.Outcome)
	}

	got, err := store.GetByID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatch.StatusFailed || *got.ExitCode != 137 {
		t.Fatalf("terminal record mutated: %+v", got)
	}
}

func TestHandleIgnoresNonStoppedEvents(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	ev := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.LastStatus = taskevent.StatusRunning
	})
	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeSkippedNotStopped {
		t.Fatalf("outcome = %s, want skipped_not_stopped", res.Outcome)
	}

	got, err := store.GetByID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatch.StatusRunning {
		t.Fatalf("status = %s, want RUNNING untouched", got.Status)
	}
}

func TestHandleUnresolvedIdentitySkips(t *testing.T) {
	t.Parallel()

	r, _, reader := newTestReconciler(t)
	ctx := context.Background()

	ev := &taskevent.Event{
		TaskArn:    "arn:task/unlinked",
		LastStatus: taskevent.StatusStopped,
		Group:      "service:web",
	}
	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved", res.Outcome)
	}

	events, err := reader.Query(ctx, eventlog.QueryOpts{EventType: eventlog.TypeUnresolved})
	if err != nil {
		t.Fatalf("query trail: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one unresolved trail entry, got %d", len(events))
	}
}

func TestHandleFallsBackToTaskArnLookup(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	// No usable metadata at all, but the task is linked via assignTask.
	ev := &taskevent.Event{
		TaskArn:    "arn:task/T1",
		LastStatus: taskevent.StatusStopped,
		Containers: []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}},
	}
	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.DispatchID != rec.DispatchID {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleDoesNotClobberCancellation(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestReconciler(t)
	ctx := context.Background()
	rec := runningDispatch(t, store, "arn:task/T1")

	if _, err := store.Cancel(ctx, rec.DispatchID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ev := stoppedEventFor(rec, func(ev *taskevent.Event) {
		ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}}
	})
	res, err := r.HandleTaskStateChange(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeAlreadyReconciled || res.Status != dispatch.StatusCancelled {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleUnknownDispatchSurfacesNotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestReconciler(t)
	ev := &taskevent.Event{
		TaskArn:    "arn:task/T1",
		LastStatus: taskevent.StatusStopped,
		Group:      "dispatch:" + uuidA,
	}
	if _, err := r.HandleTaskStateChange(context.Background(), ev); err == nil {
		t.Fatal("expected error for unknown dispatch id")
	}
}

func TestLatencyObservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		stoppedAt   string
		wantSamples int
	}{
		{"normal delay", time.Now().Add(-time.Minute).UTC().Format(time.RFC3339), 1},
		{"clock skew discarded", time.Now().Add(time.Hour).UTC().Format(time.RFC3339), 0},
		{"unparseable discarded", "not-a-timestamp", 0},
		{"absent discarded", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, store, _ := newTestReconciler(t)
			ctx := context.Background()
			rec := runningDispatch(t, store, "arn:task/T1")

			ev := stoppedEventFor(rec, func(ev *taskevent.Event) {
				ev.StoppedAt = tt.stoppedAt
				ev.Containers = []taskevent.Container{{Name: "worker", ExitCode: intPtr(0)}}
			})
			if _, err := r.HandleTaskStateChange(ctx, ev); err != nil {
				t.Fatalf("handle: %v", err)
			}

			count := histogramSampleCount(t, r.metrics.eventLatency)
			if count != uint64(tt.wantSamples) {
				t.Fatalf("latency samples = %d, want %d", count, tt.wantSamples)
			}
		})
	}
}

// histogramSampleCount extracts the observation count from a histogram.
func histogramSampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()

	pb := &dto.Metric{}
	if err := h.Write(pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return pb.GetHistogram().GetSampleCount()
}
