package main

import (
	"fmt"
	"os"
	"path/filepath"

	"outpost/pkg/spool"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "outpost init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the outpost state directory and database",
		Long: `Creates the outpost home directory layout, writes a default config.toml,
and initializes the state database schema.

Layout:
  $OUTPOST_HOME/config.toml   service configuration
  $OUTPOST_HOME/state.db      dispatch, pool, and event state
  $OUTPOST_HOME/spool/        incoming task event files

Use --force to overwrite an existing config.toml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runInit(cmd, paths, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config.toml")

	return cmd
}

func runInit(cmd *cobra.Command, paths *Paths, force bool) error {
	w := cmd.OutOrStdout()

	dirs := []string{
		paths.OutpostHome,
		paths.SpoolDir,
		filepath.Join(paths.SpoolDir, spool.QuarantineDirName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(paths.ConfigPath); err == nil && !force {
		fmt.Fprintf(w, "config already exists at %s (use --force to overwrite)\n", paths.ConfigPath)
	} else {
		if err := WriteDefaultConfig(paths.ConfigPath); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", paths.ConfigPath)
	}

	db, err := openDB(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initSchemas(cmd.Context(), db); err != nil {
		return err
	}

	fmt.Fprintf(w, "initialized %s\n", paths.StateDBPath)
	return nil
}
