package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"outpost/pkg/dispatch"
	"outpost/pkg/eventlog"
	"outpost/pkg/pool"
	"outpost/pkg/reconcile"
	"outpost/pkg/spool"
	"outpost/pkg/taskevent"
)

// newTestSpoolHandler wires a handler against a fresh database, returning the
// handler plus the stores for assertions.
func newTestSpoolHandler(t *testing.T) (spool.Handler, *sql.DB, *dispatch.Store, *pool.Store) {
	t.Helper()

	db, err := openDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := initSchemas(ctx, db); err != nil {
		t.Fatalf("init schemas: %v", err)
	}

	dispatches := dispatch.NewStore(db)
	slots := pool.NewStore(db)
	trail := eventlog.NewLog(db)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	metrics := reconcile.MustNewMetrics(prometheus.NewRegistry())
	reconciler := reconcile.New(dispatches, trail, metrics, log)

	return newSpoolHandler(reconciler, slots, trail, log), db, dispatches, slots
}

func stoppedEvent(dispatchID, taskArn string, exitCode int) *taskevent.Event {
	return &taskevent.Event{
		TaskArn:    taskArn,
		LastStatus: taskevent.StatusStopped,
		Group:      "dispatch:" + dispatchID,
		StoppedAt:  "2026-08-30T12:00:00Z",
		Containers: []taskevent.Container{
			{Name: taskevent.WorkerContainerName, ExitCode: &exitCode, LastStatus: taskevent.StatusStopped},
		},
	}
}

// An event naming a dispatch the store has never seen cannot succeed on
// retry, so the handler must report it handled rather than leave the file
// wedged in the spool.
func TestSpoolHandlerDropsEventForUnknownDispatch(t *testing.T) {
	t.Parallel()

	handler, _, _, _ := newTestSpoolHandler(t)

	ev := stoppedEvent(uuid.NewString(), "arn:task/ghost", 0)
	if err := handler(context.Background(), ev); err != nil {
		t.Fatalf("handler should drop event for unknown dispatch, got %v", err)
	}
}

func TestSpoolHandlerFinalizesDispatchAndDrainsSlot(t *testing.T) {
	t.Parallel()

	handler, _, dispatches, slots := newTestSpoolHandler(t)
	ctx := context.Background()

	if _, err := slots.Create(ctx, "claude", "arn:task/warm-1", "m5.large"); err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	if _, err := slots.MarkInUse(ctx, "claude", "arn:task/warm-1"); err != nil {
		t.Fatalf("claim slot: %v", err)
	}

	rec, err := dispatches.Create(ctx, dispatch.CreateParams{UserID: "alice", AgentType: "claude"})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	if err := dispatches.AssignTask(ctx, rec.DispatchID, "arn:task/warm-1"); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	if err := handler(ctx, stoppedEvent(rec.DispatchID, "arn:task/warm-1", 0)); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	got, err := dispatches.GetByID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if got.Status != dispatch.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	slot, err := slots.Get(ctx, "claude", "arn:task/warm-1")
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if slot.Status != pool.SlotTerminating {
		t.Fatalf("slot status = %s, want terminating", slot.Status)
	}
}
