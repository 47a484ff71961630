package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
)

// newListCmd creates the "outpost list" subcommand.
func newListCmd() *cobra.Command {
	var (
		status string
		user   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatches, newest first",
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

			recs, err := dispatch.NewStore(db).List(cmd.Context(), dispatch.ListOpts{
				Status: dispatch.Status(status),
				UserID: user,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "no dispatches found")
				return nil
			}

			fmt.Fprintf(w, "%-36s %-10s %-8s %-10s %s\n", "DISPATCH", "STATUS", "AGENT", "USER", "STARTED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%-36s %-10s %-8s %-10s %s\n",
					rec.DispatchID, rec.Status, rec.AgentType, rec.UserID,
					rec.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED, TIMEOUT)")
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")

	return cmd
}
