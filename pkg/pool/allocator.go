package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultCandidates is how many idle slots Acquire fetches per attempt.
const defaultCandidates = 5

// Allocator exposes the warm-pool lifecycle operations. Losing a claim race
// is routine here: Acquire walks the candidate list until one conditional
// claim lands, and only then gives up.
type Allocator struct {
	store      *Store
	candidates int
	log        logrus.FieldLogger
	nowFunc    func() time.Time
}

// NewAllocator creates an Allocator over the given store. log may be nil.
func NewAllocator(store *Store, log logrus.FieldLogger) *Allocator {
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &Allocator{
		store:      store,
		candidates: defaultCandidates,
		log:        log,
		nowFunc:    time.Now,
	}
}

// SetCandidates overrides how many idle slots Acquire examines per attempt.
// Values below one are ignored.
func (a *Allocator) SetCandidates(n int) {
	if n > 0 {
		a.candidates = n
	}
}

// Provision adds a freshly warmed task to the pool as an idle slot.
func (a *Allocator) Provision(ctx context.Context, agentType, taskArn, instanceType string) (*TaskRecord, error) {
	return a.store.Create(ctx, agentType, taskArn, instanceType)
}

// Acquire claims an idle slot for the agent type. Candidates are attempted
// in order; a claim that loses its race (NotIdleError) moves on to the next
// candidate instead of blocking. Returns NoCapacityError when every
// candidate is gone.
func (a *Allocator) Acquire(ctx context.Context, agentType string) (*TaskRecord, error) {
	candidates, err := a.store.GetIdleTasks(ctx, agentType, a.candidates)
	if err != nil {
		return nil, fmt.Errorf("acquire slot for %s: %w", agentType, err)
	}

	for _, cand := range candidates {
		rec, err := a.store.MarkInUse(ctx, agentType, cand.TaskArn)
		if err != nil {
			var notIdle *NotIdleError
			if errors.As(err, &notIdle) {
				// Lost the race for this slot; try the next one.
				a.log.WithFields(logrus.Fields{
					"agent_type": agentType,
					"task_arn":   cand.TaskArn,
				}).Debug("pool slot claimed by another caller, trying next candidate")
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, &NoCapacityError{AgentType: agentType}
}

// Release returns a slot to the pool after its job finishes.
func (a *Allocator) Release(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	return a.store.MarkIdle(ctx, agentType, taskArn)
}

// Retire flags a slot for teardown. The slot stays visible (and
// non-allocatable) until the reaper removes it after the TTL.
func (a *Allocator) Retire(ctx context.Context, agentType, taskArn string) (*TaskRecord, error) {
	return a.store.MarkTerminating(ctx, agentType, taskArn)
}

// ReapExpired removes terminating slots whose TTL has elapsed and returns
// how many were deleted. Each delete re-checks its condition, so a slot
// rescued by MarkIdle between the listing and the delete survives.
func (a *Allocator) ReapExpired(ctx context.Context) (int, error) {
	now := a.nowFunc()
	expired, err := a.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired slots: %w", err)
	}

	removed := 0
	for _, rec := range expired {
		ok, err := a.store.DeleteExpired(ctx, rec.AgentType, rec.TaskArn, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			a.log.WithFields(logrus.Fields{
				"agent_type": rec.AgentType,
				"task_arn":   rec.TaskArn,
			}).Info("reaped expired pool slot")
		}
	}
	return removed, nil
}
