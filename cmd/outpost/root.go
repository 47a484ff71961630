package main

import (
	"fmt"

	"outpost/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root outpost command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "outpost",
		Short:         "Outpost coding-agent dispatch service",
		Long:          "outpost dispatches coding-agent jobs onto containerized workers.\nIt tracks dispatch lifecycles, reconciles stopped tasks, and manages the warm pool.",
		Version:       fmt.Sprintf("outpost %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newSubmitCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newListCmd(),
		newLogsCmd(),
		newPoolCmd(),
		newDashCmd(),
	)

	return cmd
}
