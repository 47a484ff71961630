package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
	"outpost/pkg/eventlog"
	"outpost/pkg/pool"
)

// newSubmitCmd creates the "outpost submit" subcommand.
func newSubmitCmd() *cobra.Command {
	var (
		userID    string
		agentType string
		modelID   string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new coding-agent dispatch",
		Long: `Creates a dispatch and tries to place it on a warm pool slot.
If a slot is available the dispatch starts RUNNING immediately;
otherwise it stays PENDING until capacity frees up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}

			if agentType == "" {
				agentType = cfg.DefaultAgent
			}
			if modelID == "" {
				modelID = cfg.DefaultModel
			}

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := initSchemas(cmd.Context(), db); err != nil {
				return err
			}

			return runSubmit(cmd, db, cfg, userID, agentType, modelID)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "submitting user id")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type (claude, codex, gemini, grok, aider)")
	cmd.Flags().StringVar(&modelID, "model", "", "model id override")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSubmit(cmd *cobra.Command, db *sql.DB, cfg Config, userID, agentType, modelID string) error {
	rec, err := dispatch.NewStore(db).Create(cmd.Context(), dispatch.CreateParams{
		UserID:    userID,
		AgentType: agentType,
		ModelID:   modelID,
	})
	if err != nil {
		return err
	}
	return placeOnWarmSlot(cmd.Context(), cmd.OutOrStdout(), db, cfg, rec)
}

// placeOnWarmSlot tries to bind a dispatch to a warm pool slot. No capacity
// leaves the dispatch PENDING. A dispatch that turned terminal between
// creation and assignment (a cancel can land in that window) keeps its
// terminal record untouched and the claimed slot is given back.
func placeOnWarmSlot(ctx context.Context, w io.Writer, db *sql.DB, cfg Config, rec *dispatch.Record) error {
	store := dispatch.NewStore(db)
	allocator := pool.NewAllocator(pool.NewStore(db), nil)
	allocator.SetCandidates(cfg.Pool.Candidates)

	slot, err := allocator.Acquire(ctx, rec.AgentType)
	if err != nil {
		var noCap *pool.NoCapacityError
		if errors.As(err, &noCap) {
			fmt.Fprintf(w, "%s\t%s (no warm capacity for %s)\n", rec.DispatchID, dispatch.StatusPending, rec.AgentType)
			return nil
		}
		return err
	}

	if err := store.AssignTask(ctx, rec.DispatchID, slot.TaskArn); err != nil {
		// Whatever went wrong, the claimed slot must not stay in_use.
		_, _ = allocator.Release(ctx, slot.AgentType, slot.TaskArn)
		var term *dispatch.AlreadyTerminalError
		if errors.As(err, &term) {
			fmt.Fprintf(w, "%s\t%s (slot released)\n", rec.DispatchID, term.Status)
			return nil
		}
		return err
	}

	_ = eventlog.NewLog(db).Append(ctx, eventlog.TypeSlotAcquired, "cli", rec.DispatchID, slot.TaskArn, "")

	fmt.Fprintf(w, "%s\t%s on %s\n", rec.DispatchID, dispatch.StatusRunning, slot.TaskArn)
	return nil
}
