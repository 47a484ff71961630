package main

import (
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
	"outpost/pkg/pool"
)

// newDashCmd creates the "outpost dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch the interactive dashboard",
		Long:  "Opens the outpost dashboard TUI for monitoring dispatches and the warm pool.\nWhen stdout is not a terminal, prints a JSON snapshot instead.",
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

			if err := initSchemas(cmd.Context(), db); err != nil {
				return err
			}

			dispatches := dispatch.NewStore(db)
			slots := pool.NewStore(db)

			// Robot mode for pipes and scripts.
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				snapshot, err := dashSnapshot(cmd, dispatches, slots)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(snapshot))
				return nil
			}

			p := tea.NewProgram(newDashModel(dispatches, slots), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}

// dashSnapshot returns a JSON snapshot of dispatches and pool slots.
func dashSnapshot(cmd *cobra.Command, dispatches *dispatch.Store, slots *pool.Store) ([]byte, error) {
	ctx := cmd.Context()

	recs, err := dispatches.List(ctx, dispatch.ListOpts{Limit: 100})
	if err != nil {
		return nil, err
	}
	poolRecs, err := slots.List(ctx, "")
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{
		"dispatches": recs,
		"pool":       poolRecs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}
