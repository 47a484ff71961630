package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"outpost/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	eventType string
	tail      int
	follow    bool
}

// newLogsCmd creates the "outpost logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [dispatch-id]",
		Short: "Query and tail the reconciliation event trail",
		Long:  "Displays entries from the event trail.\nOptionally filter by dispatch-id or event type, and follow new entries.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dispatchID string
			if len(args) == 1 {
				dispatchID = args[0]
			}

			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			reader := eventlog.NewReader(db)
			w := cmd.OutOrStdout()

			if cfg.follow {
				return followTrail(cmd.Context(), reader, w, dispatchID, cfg)
			}
			return printTrail(cmd.Context(), reader, w, dispatchID, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type (reconciled, duplicate, unresolved, ...)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent entries to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new entries every 1s")

	return cmd
}

// printTrail displays the last N trail entries in chronological order.
func printTrail(ctx context.Context, reader *eventlog.Reader, w io.Writer, dispatchID string, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		DispatchID: dispatchID,
		EventType:  cfg.eventType,
		Limit:      cfg.tail,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; print oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		formatTrailEvent(w, &events[i])
	}
	return nil
}

// followTrail prints the initial tail and then polls for newer entries.
func followTrail(ctx context.Context, reader *eventlog.Reader, w io.Writer, dispatchID string, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{
		DispatchID: dispatchID,
		EventType:  cfg.eventType,
		Limit:      cfg.tail,
	})
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatTrailEvent(w, &events[i])
		if events[i].ID > lastID {
			lastID = events[i].ID
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			batch, err := reader.Query(ctx, eventlog.QueryOpts{
				DispatchID: dispatchID,
				EventType:  cfg.eventType,
				Limit:      100,
			})
			if err != nil {
				return err
			}
			for i := len(batch) - 1; i >= 0; i-- {
				if batch[i].ID > lastID {
					formatTrailEvent(w, &batch[i])
					lastID = batch[i].ID
				}
			}
		}
	}
}

// formatTrailEvent writes a single trail entry in a human-readable format.
func formatTrailEvent(w io.Writer, e *eventlog.Event) {
	fmt.Fprintf(w, "%s | %-12s | %-36s | %-20s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.DispatchID, e.TaskArn, e.Payload)
}
