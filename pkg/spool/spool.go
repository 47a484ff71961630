// Package spool ingests task lifecycle events from a filesystem spool
// directory. Each event arrives as one JSON file; the watcher feeds decoded
// events to a handler and disposes of the file based on the outcome: handled
// files are removed, undecodable files are quarantined, and files whose
// handler returned an error stay in place for the next sweep.
//
// Delivery is at-least-once. A crash between handling and removal redelivers
// the file, which downstream consumers must absorb.
//
// Producers must write each event to a staging path and rename(2) it into the
// spool directory. A sweep can run at any moment, and a file observed
// mid-write decodes as garbage and is quarantined.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"outpost/pkg/taskevent"
)

// QuarantineDirName is the subdirectory, inside the spool dir, that receives
// files that could not be decoded.
const QuarantineDirName = "quarantine"

// Handler consumes one decoded event. A non-nil error leaves the file in the
// spool for a later retry.
type Handler func(ctx context.Context, ev *taskevent.Event) error

// Config holds Watcher configuration.
type Config struct {
	Dir                  string        // Spool directory to watch.
	FallbackPollInterval time.Duration // Safety-net sweep interval (default 30s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FallbackPollInterval == 0 {
		out.FallbackPollInterval = 30 * time.Second
	}
	return out
}

// Watcher drains a spool directory of event files.
type Watcher struct {
	cfg     Config
	handler Handler
	log     logrus.FieldLogger
}

// New creates a Watcher. log may be nil, in which case a quiet default
// logger is used.
func New(cfg Config, handler Handler, log logrus.FieldLogger) *Watcher {
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &Watcher{cfg: cfg.withDefaults(), handler: handler, log: log}
}

// Run watches the spool directory and sweeps it on every change, with a
// periodic fallback sweep as a safety net. When fsnotify is unavailable the
// watcher degrades to pure polling. Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.cfg.Dir, QuarantineDirName), 0o755); err != nil {
		return fmt.Errorf("create spool layout: %w", err)
	}

	// Drain whatever accumulated while we were down.
	w.Sweep(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.WithError(err).Warn("fsnotify unavailable, falling back to polling")
		w.runPoll(ctx)
		return nil
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.cfg.Dir); err != nil {
		w.log.WithError(err).Warn("spool watch failed, falling back to polling")
		w.runPoll(ctx)
		return nil
	}

	fallbackTicker := time.NewTicker(w.cfg.FallbackPollInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				w.Sweep(ctx)
			}
		case err := <-watcher.Errors:
			if err != nil {
				w.log.WithError(err).Warn("spool watcher error")
			}
		case <-fallbackTicker.C:
			w.Sweep(ctx)
		}
	}
}

// runPoll is the fallback sweep loop when fsnotify is unavailable.
func (w *Watcher) runPoll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FallbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes every event file currently in the spool, in name order.
// It returns the number of files handled and removed.
func (w *Watcher) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.WithError(err).Warn("spool read failed")
		return 0
	}

	handled := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return handled
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if w.processFile(ctx, filepath.Join(w.cfg.Dir, entry.Name())) {
			handled++
		}
	}
	return handled
}

// processFile handles one spool file. Returns true when the file was handled
// and removed.
func (w *Watcher) processFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Concurrent removal by another sweep is not a problem.
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.WithField("file", path).WithError(err).Warn("spool file unreadable")
		}
		return false
	}

	var ev taskevent.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		w.quarantine(path, err)
		return false
	}

	if err := w.handler(ctx, &ev); err != nil {
		// Left in place: the next sweep retries it.
		w.log.WithFields(logrus.Fields{
			"file":     filepath.Base(path),
			"task_arn": ev.TaskArn,
		}).WithError(err).Warn("event handling failed, will retry")
		return false
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.WithField("file", path).WithError(err).Warn("spool file remove failed")
	}
	return true
}

// quarantine moves an undecodable file aside so it cannot wedge the sweep.
func (w *Watcher) quarantine(path string, cause error) {
	dest := filepath.Join(w.cfg.Dir, QuarantineDirName, filepath.Base(path))
	w.log.WithFields(logrus.Fields{
		"file": filepath.Base(path),
	}).WithError(cause).Warn("undecodable event quarantined")
	if err := os.Rename(path, dest); err != nil {
		w.log.WithField("file", path).WithError(err).Warn("quarantine move failed")
	}
}
