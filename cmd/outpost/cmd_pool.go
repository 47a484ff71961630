package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"outpost/pkg/pool"
)

// warmManifest is the YAML document consumed by "outpost pool warm". It
// declares the warm slots that should exist, one entry per running task.
type warmManifest struct {
	Slots []warmSlot `yaml:"slots"`
}

type warmSlot struct {
	AgentType    string `yaml:"agent_type"`
	TaskArn      string `yaml:"task_arn"`
	InstanceType string `yaml:"instance_type"`
}

// newPoolCmd creates the "outpost pool" subcommand tree.
func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and manage the warm pool",
	}

	cmd.AddCommand(
		newPoolWarmCmd(),
		newPoolListCmd(),
		newPoolReleaseCmd(),
		newPoolRetireCmd(),
		newPoolReapCmd(),
	)

	return cmd
}

// openPoolStore opens the state database and returns a pool store over it.
// The caller must close the returned db.
func openPoolStore(cmd *cobra.Command) (*sql.DB, *pool.Store, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve paths: %w", err)
	}

	db, err := openDB(paths.StateDBPath)
	if err != nil {
		return nil, nil, err
	}

	store := pool.NewStore(db)
	if err := store.Init(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// newPoolWarmCmd creates "outpost pool warm".
func newPoolWarmCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Register warm slots from a YAML manifest",
		Long: `Reads a manifest of running tasks and registers each as an idle pool
slot. Slots that already exist are left untouched, so re-running the same
manifest is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				paths, err := ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				cfg, err := LoadConfig(paths.ConfigPath)
				if err != nil {
					return err
				}
				manifestPath = cfg.Pool.Manifest
			}
			if manifestPath == "" {
				return fmt.Errorf("no manifest given (use --manifest or set pool.manifest in config)")
			}

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest %s: %w", manifestPath, err)
			}
			var manifest warmManifest
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				return fmt.Errorf("parse manifest %s: %w", manifestPath, err)
			}

			db, store, err := openPoolStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			added := 0
			for _, slot := range manifest.Slots {
				if slot.AgentType == "" || slot.TaskArn == "" {
					return fmt.Errorf("manifest entry missing agent_type or task_arn")
				}
				_, err := store.Create(ctx, slot.AgentType, slot.TaskArn, slot.InstanceType)
				if err != nil {
					var exists *pool.AlreadyExistsError
					if errors.As(err, &exists) {
						continue
					}
					return err
				}
				added++
			}

			fmt.Fprintf(w, "registered %d slot(s), %d already present\n", added, len(manifest.Slots)-added)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to warm slot manifest")

	return cmd
}

// newPoolListCmd creates "outpost pool list".
func newPoolListCmd() *cobra.Command {
	var agentType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pool slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openPoolStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := store.List(cmd.Context(), agentType)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "pool is empty")
				return nil
			}

			fmt.Fprintf(w, "%-8s %-12s %-45s %-12s %s\n", "AGENT", "STATUS", "TASK", "INSTANCE", "LAST USED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%-8s %-12s %-45s %-12s %s\n",
					rec.AgentType, rec.Status, rec.TaskArn, rec.InstanceType,
					rec.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "agent", "", "filter by agent type")

	return cmd
}

// newPoolReleaseCmd creates "outpost pool release".
func newPoolReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <agent-type> <task-arn>",
		Short: "Return a slot to the idle pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openPoolStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := pool.NewAllocator(store, nil).Release(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s now %s\n", rec.AgentType, rec.TaskArn, rec.Status)
			return nil
		},
	}
}

// newPoolRetireCmd creates "outpost pool retire".
func newPoolRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <agent-type> <task-arn>",
		Short: "Flag a slot for teardown",
		Long:  "Marks the slot terminating. The reaper removes it once its TTL elapses,\nunless the slot is rescued back to idle first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openPoolStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := pool.NewAllocator(store, nil).Retire(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s now %s\n", rec.AgentType, rec.TaskArn, rec.Status)
			return nil
		},
	}
}

// newPoolReapCmd creates "outpost pool reap".
func newPoolReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove terminating slots whose TTL has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openPoolStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := pool.NewAllocator(store, nil).ReapExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d slot(s)\n", n)
			return nil
		},
	}
}
