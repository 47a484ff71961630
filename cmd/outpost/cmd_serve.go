package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"outpost/pkg/dispatch"
	"outpost/pkg/eventlog"
	"outpost/pkg/pool"
	"outpost/pkg/reconcile"
	"outpost/pkg/spool"
	"outpost/pkg/taskevent"
)

// reapInterval is how often expired terminating pool slots are swept.
const reapInterval = 60 * time.Second

// newServeCmd creates the "outpost serve" subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event reconciliation service",
		Long: `Runs the outpost service loop: watches the event spool, reconciles
stopped tasks into terminal dispatch statuses, sweeps expired pool slots,
and serves Prometheus metrics.

Blocks until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), paths, cfg)
		},
	}
}

func runServe(ctx context.Context, paths *Paths, cfg Config) error {
	log := newLogger(cfg)

	db, err := openDB(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initSchemas(ctx, db); err != nil {
		return err
	}

	dispatches := dispatch.NewStore(db)
	slots := pool.NewStore(db)
	trail := eventlog.NewLog(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := reconcile.MustNewMetrics(reg)

	reconciler := reconcile.New(dispatches, trail, metrics, log)
	allocator := pool.NewAllocator(slots, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", cfg.Metrics.Listen).Info("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Pool reaper.
	go runReaper(ctx, allocator, trail, log)

	watcher := spool.New(spool.Config{
		Dir:                  paths.SpoolDir,
		FallbackPollInterval: time.Duration(cfg.Spool.FallbackPollSeconds) * time.Second,
	}, newSpoolHandler(reconciler, slots, trail, log), log)

	log.WithFields(logrus.Fields{
		"spool": paths.SpoolDir,
		"db":    paths.StateDBPath,
	}).Info("outpost service started")

	return watcher.Run(ctx)
}

// newSpoolHandler builds the spool callback that drives the reconciler. A
// released pool slot follows every applied termination so capacity comes
// back without waiting on a sweep. Only retryable failures propagate to the
// spool; an event naming a dispatch the store has never seen is dropped,
// since redelivering it cannot make the record appear.
func newSpoolHandler(reconciler *reconcile.Reconciler, slots *pool.Store, trail *eventlog.Log, log logrus.FieldLogger) spool.Handler {
	return func(ctx context.Context, ev *taskevent.Event) error {
		res, err := reconciler.HandleTaskStateChange(ctx, ev)
		if err != nil {
			var nf *dispatch.NotFoundError
			if errors.As(err, &nf) {
				log.WithFields(logrus.Fields{
					"dispatch_id": nf.DispatchID,
					"task_arn":    ev.TaskArn,
				}).Warn("event names an unknown dispatch, dropping")
				return nil
			}
			return err
		}
		if res.Outcome == reconcile.OutcomeApplied && ev.TaskArn != "" {
			releaseSlot(ctx, slots, trail, ev, log)
		}
		return nil
	}
}

// runReaper periodically deletes expired terminating pool slots.
func runReaper(ctx context.Context, allocator *pool.Allocator, trail *eventlog.Log, log logrus.FieldLogger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := allocator.ReapExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("pool reap failed")
				continue
			}
			if n > 0 {
				log.WithField("count", n).Info("expired pool slots reaped")
				_ = trail.Append(ctx, eventlog.TypeSlotReaped, "reaper", "", "", fmt.Sprintf(`{"count":%d}`, n))
			}
		}
	}
}

// releaseSlot marks the stopped task's pool slot terminating, best effort.
// A stopped container is not reusable, so the slot drains rather than
// returning to idle.
func releaseSlot(ctx context.Context, slots *pool.Store, trail *eventlog.Log, ev *taskevent.Event, log logrus.FieldLogger) {
	rec, err := slots.FindByTaskArn(ctx, ev.TaskArn)
	if err != nil || rec == nil {
		return
	}
	if _, err := slots.MarkTerminating(ctx, rec.AgentType, rec.TaskArn); err != nil {
		log.WithField("task_arn", ev.TaskArn).WithError(err).Debug("slot release skipped")
		return
	}
	_ = trail.Append(ctx, eventlog.TypeSlotReleased, "reconciler", "", ev.TaskArn, "")
}

// newLogger builds the service logger from config.
func newLogger(cfg Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log
}
