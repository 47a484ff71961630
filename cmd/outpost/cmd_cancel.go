package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
	"outpost/pkg/pool"
)

// newCancelCmd creates the "outpost cancel" subcommand.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <dispatch-id>",
		Short: "Cancel a pending or running dispatch",
		Long: `Marks the dispatch CANCELLED if it has not already finished.
Its pool slot, if any, is flagged for teardown. Cancelling an
already-terminal dispatch is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			dispatchID := args[0]

			store := dispatch.NewStore(db)
			cancelled, err := store.Cancel(ctx, dispatchID)
			if err != nil {
				return err
			}
			if !cancelled {
				rec, err := store.GetByID(ctx, dispatchID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s already %s, nothing to cancel\n", dispatchID, rec.Status)
				return nil
			}

			// Drain the slot the cancelled dispatch was using.
			rec, err := store.GetByID(ctx, dispatchID)
			if err == nil && rec.TaskArn != "" {
				slots := pool.NewStore(db)
				if slot, err := slots.FindByTaskArn(ctx, rec.TaskArn); err == nil && slot != nil {
					_, _ = slots.MarkTerminating(ctx, slot.AgentType, slot.TaskArn)
				}
			}

			fmt.Fprintf(w, "%s cancelled\n", dispatchID)
			return nil
		},
	}
}
