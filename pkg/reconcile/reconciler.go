package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"outpost/pkg/dispatch"
	"outpost/pkg/eventlog"
	"outpost/pkg/taskevent"
)

// Outcome says what the reconciler did with one event.
type Outcome string

// Reconciliation outcomes. Every value except Applied means the store was
// left untouched — either because nothing needed doing or because the work
// had already been done by an earlier delivery.
const (
	OutcomeApplied           Outcome = "applied"
	OutcomeAlreadyReconciled Outcome = "already_reconciled"
	OutcomeSkippedNotStopped Outcome = "skipped_not_stopped"
	OutcomeUnresolved        Outcome = "unresolved"
)

// Result reports how one event was handled.
type Result struct {
	Outcome    Outcome
	DispatchID string
	Status     dispatch.Status
}

// Reconciler classifies stopped-task events and drives the single
// conditional terminal write per dispatch. It is stateless between calls and
// safe to invoke concurrently; duplicate and out-of-order deliveries are
// absorbed by the store's RUNNING guard.
type Reconciler struct {
	store   *dispatch.Store
	events  *eventlog.Log
	metrics *Metrics
	log     logrus.FieldLogger
	nowFunc func() time.Time
}

// New creates a Reconciler. events and metrics may be nil; log may be nil,
// in which case a quiet default logger is used.
func New(store *dispatch.Store, events *eventlog.Log, metrics *Metrics, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &Reconciler{
		store:   store,
		events:  events,
		metrics: metrics,
		log:     log,
		nowFunc: time.Now,
	}
}

// HandleTaskStateChange processes one task lifecycle notification.
//
// Only STOPPED events trigger classification; anything else is a skip. A
// dispatch identity that cannot be resolved — from metadata or by reverse
// task lookup — is also a skip, never an error, because redelivering the
// same metadata cannot change the answer. A failed RUNNING precondition
// means another delivery (or a cancellation) already finalized the dispatch,
// which is success from the delivery fabric's point of view.
func (r *Reconciler) HandleTaskStateChange(ctx context.Context, ev *taskevent.Event) (Result, error) {
	if ev.LastStatus != taskevent.StatusStopped {
		r.metrics.EventSkipped("not_stopped")
		return Result{Outcome: OutcomeSkippedNotStopped}, nil
	}

	c := Classify(ev)

	dispatchID, ok := ResolveDispatchID(ev)
	if !ok && ev.TaskArn != "" {
		// Metadata resolved nothing, but the task may already be linked to a
		// dispatch through assignTask.
		var err error
		dispatchID, ok, err = r.store.FindByTaskArn(ctx, ev.TaskArn)
		if err != nil {
			return Result{}, fmt.Errorf("reverse lookup for task %s: %w", ev.TaskArn, err)
		}
	}
	if !ok {
		r.log.WithFields(logrus.Fields{
			"task_arn": ev.TaskArn,
			"group":    ev.Group,
		}).Warn("no dispatch identity in event metadata, skipping")
		r.metrics.EventSkipped("unresolved")
		r.appendEvent(ctx, eventlog.TypeUnresolved, "", ev.TaskArn, "")
		return Result{Outcome: OutcomeUnresolved}, nil
	}

	res, err := r.store.TransitionToTerminal(ctx, dispatchID, dispatch.TerminalParams{
		Status:        c.Status,
		EndedAt:       r.stopTime(ev),
		ExitCode:      c.ExitCode,
		ErrorMessage:  c.Message,
		StoppedReason: ev.StoppedReason,
	})
	if err != nil {
		return Result{}, err
	}

	r.observeLatency(ev)

	if !res.Updated {
		// Expected under at-least-once delivery: an earlier delivery or a
		// cancellation got there first. The record stays as it is.
		r.log.WithFields(logrus.Fields{
			"dispatch_id": dispatchID,
			"previous":    string(res.PreviousStatus),
		}).Debug("dispatch already finalized, event folded into success")
		r.metrics.DuplicateEvent()
		r.appendEvent(ctx, eventlog.TypeDuplicate, dispatchID, ev.TaskArn, "")
		return Result{Outcome: OutcomeAlreadyReconciled, DispatchID: dispatchID, Status: res.PreviousStatus}, nil
	}

	r.log.WithFields(logrus.Fields{
		"dispatch_id": dispatchID,
		"status":      string(c.Status),
		"reason":      c.Reason,
	}).Info("dispatch finalized")
	r.metrics.TerminationApplied(string(c.Status), c.Reason)

	payload, _ := json.Marshal(map[string]string{"status": string(c.Status), "reason": c.Reason})
	r.appendEvent(ctx, eventlog.TypeReconciled, dispatchID, ev.TaskArn, string(payload))

	return Result{Outcome: OutcomeApplied, DispatchID: dispatchID, Status: c.Status}, nil
}

// stopTime returns the event's stop timestamp, falling back to now when the
// event carries none or an unparseable one.
func (r *Reconciler) stopTime(ev *taskevent.Event) time.Time {
	if t, err := time.Parse(time.RFC3339, ev.StoppedAt); err == nil {
		return t
	}
	return r.nowFunc()
}

// observeLatency emits the stop-to-processing delay. Negative or
// unparseable samples are discarded: clock skew and malformed input must not
// poison the histogram.
func (r *Reconciler) observeLatency(ev *taskevent.Event) {
	stopped, err := time.Parse(time.RFC3339, ev.StoppedAt)
	if err != nil {
		return
	}
	d := r.nowFunc().Sub(stopped)
	if d < 0 {
		return
	}
	r.metrics.ObserveEventLatency(d)
}

// appendEvent writes to the event trail, best effort. Trail failures are
// logged and swallowed so they cannot fail an otherwise-applied transition.
func (r *Reconciler) appendEvent(ctx context.Context, evType, dispatchID, taskArn, payload string) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(ctx, evType, "reconciler", dispatchID, taskArn, payload); err != nil {
		r.log.WithField("type", evType).WithError(err).Warn("event trail write failed")
	}
}
