package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"outpost/pkg/dispatch"
	"outpost/pkg/pool"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("outpost %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

// submittedID extracts the dispatch id from submit output.
func submittedID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) == 0 {
		t.Fatalf("empty submit output")
	}
	return fields[0]
}

func TestSubmitWithoutCapacityStaysPending(t *testing.T) {
	home := setTestHome(t)
	runCLI(t, "init")

	out := runCLI(t, "submit", "--user", "alice")
	if !strings.Contains(out, string(dispatch.StatusPending)) {
		t.Fatalf("submit output = %q, want PENDING", out)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	db, err := openDB(paths.StateDBPath)
	if err != nil {
		t.Fatalf("open db under %s: %v", home, err)
	}
	defer db.Close()

	rec, err := dispatch.NewStore(db).GetByID(context.Background(), submittedID(t, out))
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != dispatch.StatusPending || rec.TaskArn != "" {
		t.Fatalf("record = %+v, want PENDING with no task", rec)
	}
}

func TestSubmitAcquiresWarmSlot(t *testing.T) {
	setTestHome(t)
	runCLI(t, "init")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	db, err := openDB(paths.StateDBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	slots := pool.NewStore(db)
	if _, err := slots.Create(ctx, "claude", "arn:task/warm-1", "m5.large"); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	out := runCLI(t, "submit", "--user", "alice", "--agent", "claude")
	if !strings.Contains(out, string(dispatch.StatusRunning)) || !strings.Contains(out, "arn:task/warm-1") {
		t.Fatalf("submit output = %q, want RUNNING on arn:task/warm-1", out)
	}

	rec, err := dispatch.NewStore(db).GetByID(ctx, submittedID(t, out))
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if rec.Status != dispatch.StatusRunning || rec.TaskArn != "arn:task/warm-1" {
		t.Fatalf("record = %+v, want RUNNING on warm slot", rec)
	}

	slot, err := slots.Get(ctx, "claude", "arn:task/warm-1")
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if slot.Status != pool.SlotInUse {
		t.Fatalf("slot status = %s, want in_use", slot.Status)
	}
}

func TestPlaceOnWarmSlotReleasesSlotWhenDispatchAlreadyCancelled(t *testing.T) {
	setTestHome(t)
	runCLI(t, "init")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	db, err := openDB(paths.StateDBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	slots := pool.NewStore(db)
	if _, err := slots.Create(ctx, "claude", "arn:task/warm-1", "m5.large"); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	// Cancel between creation and placement, like a user racing submit.
	store := dispatch.NewStore(db)
	rec, err := store.Create(ctx, dispatch.CreateParams{UserID: "alice", AgentType: "claude"})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	if _, err := store.Cancel(ctx, rec.DispatchID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var out bytes.Buffer
	if err := placeOnWarmSlot(ctx, &out, db, cfg, rec); err != nil {
		t.Fatalf("place on warm slot: %v", err)
	}
	if !strings.Contains(out.String(), string(dispatch.StatusCancelled)) {
		t.Fatalf("output = %q, want CANCELLED", out.String())
	}

	got, err := store.GetByID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if got.Status != dispatch.StatusCancelled || got.TaskArn != "" {
		t.Fatalf("terminal record mutated: status=%s task_arn=%q", got.Status, got.TaskArn)
	}

	slot, err := slots.Get(ctx, "claude", "arn:task/warm-1")
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if slot.Status != pool.SlotIdle {
		t.Fatalf("slot status = %s, want idle", slot.Status)
	}
}

func TestCancelSubmittedDispatch(t *testing.T) {
	setTestHome(t)
	runCLI(t, "init")

	out := runCLI(t, "submit", "--user", "alice")
	id := submittedID(t, out)

	cancelOut := runCLI(t, "cancel", id)
	if !strings.Contains(cancelOut, "cancelled") {
		t.Fatalf("cancel output = %q", cancelOut)
	}

	// Second cancel is a no-op.
	again := runCLI(t, "cancel", id)
	if !strings.Contains(again, "already CANCELLED") {
		t.Fatalf("repeat cancel output = %q", again)
	}
}
