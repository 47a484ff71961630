package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
)

// newStatusCmd creates the "outpost status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <dispatch-id>",
		Short: "Show the state of one dispatch",
		Args:  cobra.ExactArgs(1),
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

			rec, err := dispatch.NewStore(db).GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printDispatch(cmd, rec)
			return nil
		},
	}
}

func printDispatch(cmd *cobra.Command, rec *dispatch.Record) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "dispatch:  %s\n", rec.DispatchID)
	fmt.Fprintf(w, "status:    %s\n", renderStatus(rec.Status))
	fmt.Fprintf(w, "user:      %s\n", rec.UserID)
	fmt.Fprintf(w, "agent:     %s\n", rec.AgentType)
	if rec.ModelID != "" {
		fmt.Fprintf(w, "model:     %s\n", rec.ModelID)
	}
	if rec.TaskArn != "" {
		fmt.Fprintf(w, "task:      %s\n", rec.TaskArn)
	}
	fmt.Fprintf(w, "started:   %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.EndedAt != nil {
		fmt.Fprintf(w, "ended:     %s\n", rec.EndedAt.Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(w, "exit code: %d\n", *rec.ExitCode)
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(w, "error:     %s\n", rec.ErrorMessage)
	}
	if rec.StoppedReason != "" {
		fmt.Fprintf(w, "reason:    %s\n", rec.StoppedReason)
	}
}

// renderStatus colors the status when stdout is a terminal.
func renderStatus(s dispatch.Status) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return string(s)
	}

	theme := DefaultTheme()
	var color lipgloss.Color
	switch s {
	case dispatch.StatusCompleted:
		color = theme.Success
	case dispatch.StatusFailed, dispatch.StatusTimeout:
		color = theme.Error
	case dispatch.StatusCancelled:
		color = theme.Muted
	case dispatch.StatusRunning:
		color = theme.Primary
	default:
		color = theme.Warning
	}
	return lipgloss.NewStyle().Foreground(color).Render(string(s))
}
