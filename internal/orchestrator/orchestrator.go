package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/ratelimit"
	"github.com/selltide/marketsync/internal/retry"
)

// Orchestrator drives one sync job's item loop: request admission, apply
// the item, interpret the outcome, update the job, persist a heartbeat.
// The loop is single-threaded with respect to its job; it suspends
// cooperatively at the rate gate and at throttle pauses, and it advances
// past an item only on a terminal outcome (success or a counted failure).
type Orchestrator struct {
	jb     *job.Job
	gate   RateGate
	policy retry.Policy
	source marketplace.ItemSource
	dest   marketplace.Destination
	store  SnapshotStore
	logger *slog.Logger

	heartbeatInterval time.Duration
	onProgress        func(job.Snapshot)
	recorder          *job.StateRecorder

	items []marketplace.Item
	idx   int

	// Throttle events arrive from the gate's broadcast goroutine; the loop
	// drains them at safe points. Capacity 1: a newer event supersedes an
	// unconsumed one only in its retryAt, which the pause path rereads.
	throttleCh chan ratelimit.ThrottleEvent

	// Latest persisted snapshot, readable by outside status queries while
	// the loop owns the job aggregate itself
	snapMu   sync.RWMutex
	lastSnap job.Snapshot

	done      chan struct{}
	runResult error
}

// New creates an orchestrator for a job. The same constructor serves fresh
// jobs and jobs rebuilt from a durable snapshot after a restart.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = job.HeartbeatInterval
	}

	o := &Orchestrator{
		jb:                opts.Job,
		gate:              opts.Gate,
		policy:            opts.Policy,
		source:            opts.Source,
		dest:              opts.Destination,
		store:             opts.Store,
		logger:            opts.Logger,
		heartbeatInterval: heartbeat,
		onProgress:        opts.OnProgress,
		recorder:          opts.Recorder,
		throttleCh:        make(chan ratelimit.ThrottleEvent, 1),
		done:              make(chan struct{}),
	}
	o.lastSnap = opts.Job.Snapshot()

	return o, nil
}

// JobID returns the identifier of the job this orchestrator owns
func (o *Orchestrator) JobID() string {
	return o.jb.ID()
}

// Progress returns the most recently persisted snapshot. Safe for
// concurrent callers; the job aggregate itself is never shared.
func (o *Orchestrator) Progress() job.Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.lastSnap
}

// Done is closed when the run loop has exited
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the orchestrator-level fault, if the run ended in one
func (o *Orchestrator) Err() error {
	select {
	case <-o.done:
		return o.runResult
	default:
		return nil
	}
}

// Run executes the job to a terminal state. It blocks; callers run it in
// its own goroutine. The returned error is an orchestrator-level fault
// (per-item errors are absorbed into the job's error log instead).
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator panic recovered",
				"job_id", o.jb.ID(),
				"panic", r)
			o.fault(ctx, fmt.Errorf("orchestrator panic: %v", r))
			o.runResult = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()

	o.gate.RegisterCallback(o.jb.ID(), o.onThrottle)
	defer o.gate.Unregister(o.jb.ID())

	if err := o.loadItems(ctx); err != nil {
		o.fault(ctx, err)
		o.runResult = err
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown: leave the durable snapshot as the recovery point
			o.persist(ctx)
			o.runResult = err
			return err
		}

		switch o.jb.Status() {
		case job.StatusRunning:
			o.runProcessing(ctx)
		case job.StatusPausedRateLimit:
			o.runPaused(ctx)
		case job.StatusCompleted:
			o.runCompleted()
			return nil
		case job.StatusFailed:
			o.runFailed()
			return o.runResult
		}
	}
}

// loadItems fetches the work list and locks the job total. A recovered job
// already has a locked total; the reloaded list must still match it, and
// the loop resumes at the recorded offset, which is the item that was in
// flight when the process died.
func (o *Orchestrator) loadItems(ctx context.Context) error {
	items, err := o.source.LoadPendingItems(ctx, o.jb.ID())
	if err != nil {
		return fmt.Errorf("failed to load pending items: %w", err)
	}

	if !o.jb.TotalLocked() {
		if err := o.jb.SetTotal(len(items)); err != nil {
			return err
		}
	} else if len(items) != o.jb.Total() {
		return fmt.Errorf("pending item list changed size: have %d, job locked at %d", len(items), o.jb.Total())
	}

	o.items = items
	o.idx = o.jb.Processed()
	o.persist(ctx)

	o.logger.Info("item list locked",
		"job_id", o.jb.ID(),
		"total", o.jb.Total(),
		"resume_offset", o.idx)

	return nil
}

// runProcessing handles exactly one loop step while running: either the
// completion transition, or one attempt at the current item.
func (o *Orchestrator) runProcessing(ctx context.Context) {
	// Rule 1: attempted every item (covers total == 0)
	if o.jb.Processed() == o.jb.Total() {
		o.transition(o.jb.Complete())
		o.persist(ctx)
		return
	}

	// Defensive invariant: the loop must never outrun the item list
	if o.idx >= len(o.items) {
		o.fault(ctx, fmt.Errorf("loop index %d past item list of %d with %d of %d processed",
			o.idx, len(o.items), o.jb.Processed(), o.jb.Total()))
		return
	}

	// A throttle broadcast from another caller of the same gate pauses the
	// job before the next admission; the wait is charged to this item.
	if ev, ok := o.pendingThrottle(); ok {
		o.pauseFor(ctx, ev.RetryAt)
		return
	}

	item := o.items[o.idx]
	o.jb.BeginItem(item.ID)

	if !o.awaitAdmission(ctx) {
		return
	}

	start := time.Now()
	listingID, err := o.dest.ApplyItem(ctx, item)
	if err == nil {
		if aerr := o.jb.Advance(item.ID, time.Since(start)); aerr != nil {
			o.fault(ctx, aerr)
			return
		}
		o.idx++
		o.persist(ctx)

		o.logger.Info("item synced",
			"job_id", o.jb.ID(),
			"item_id", item.ID,
			"listing_id", listingID,
			"processed", o.jb.Processed(),
			"total", o.jb.Total())
		return
	}

	switch retry.Classify(err) {
	case retry.OutcomeRateLimited:
		o.handleRateLimited(ctx, item, err)
	default:
		o.handleTerminal(ctx, item, err)
	}
}

// handleRateLimited charges the attempt, then either converts the item into
// a counted failure (budget exhausted) or pauses the job to retry the same
// item after the wait.
func (o *Orchestrator) handleRateLimited(ctx context.Context, item marketplace.Item, cause error) {
	attempt := o.jb.RecordRetryAttempt(item.ID)

	if o.policy.Exhausted(attempt) {
		o.logger.Warn("item retry budget exhausted",
			"job_id", o.jb.ID(),
			"item_id", item.ID,
			"attempts", attempt)

		if err := o.jb.RecordFailure(item.ID, fmt.Sprintf("rate limited %d times: %v", attempt, cause)); err != nil {
			o.fault(ctx, err)
			return
		}
		o.idx++
		o.persist(ctx)
		return
	}

	// Prefer the gate-computed resume instant from the throttle broadcast
	// (it honors the Retry-After hint plus safety buffer); fall back to
	// exponential backoff when no broadcast accompanied the error.
	retryAt := time.Now().Add(o.policy.NextDelay(attempt))
	if ev, ok := o.pendingThrottle(); ok {
		retryAt = ev.RetryAt
	}

	o.logger.Warn("item rate limited",
		"job_id", o.jb.ID(),
		"item_id", item.ID,
		"attempt", attempt,
		"retry_at", retryAt)

	o.pauseFor(ctx, retryAt)
}

// handleTerminal counts the failure, logs it, and moves on. Per-item errors
// never escape the loop and never pause the job.
func (o *Orchestrator) handleTerminal(ctx context.Context, item marketplace.Item, cause error) {
	o.logger.Warn("item failed",
		"job_id", o.jb.ID(),
		"item_id", item.ID,
		"error", cause)

	if err := o.jb.RecordFailure(item.ID, cause.Error()); err != nil {
		o.fault(ctx, err)
		return
	}
	o.idx++
	o.persist(ctx)
}

// runPaused waits out the pause deadline, heartbeating at cadence, then
// resumes on the same item. Re-entrant: a recovered job enters here with
// whatever remains of its persisted retryAt, and a past deadline resumes
// immediately.
func (o *Orchestrator) runPaused(ctx context.Context) {
	o.waitUntil(ctx, o.jb.RetryAt())
	if ctx.Err() != nil {
		return
	}

	o.transition(o.jb.Resume())
	o.persist(ctx)

	o.logger.Info("resumed after rate limit pause",
		"job_id", o.jb.ID(),
		"item_id", o.jb.Snapshot().CurrentItemID)
}

// awaitAdmission blocks until the gate grants a slot. A declined admission
// is proactive pacing, not an exceptional condition: the job keeps its
// running state and heartbeats through the wait. Returns false when the
// context ended first.
func (o *Orchestrator) awaitAdmission(ctx context.Context) bool {
	for {
		adm, err := o.gate.Admit(ctx)
		if err != nil {
			return false
		}
		if adm.Admitted {
			return true
		}

		o.waitUntil(ctx, adm.RetryAt)
		if ctx.Err() != nil {
			return false
		}
	}
}

// pauseFor performs the throttle pause transition and persists it
func (o *Orchestrator) pauseFor(ctx context.Context, retryAt time.Time) {
	o.transition(o.jb.Pause(retryAt))
	o.persist(ctx)
}

// waitUntil sleeps until the deadline, bumping the heartbeat and persisting
// a snapshot at every cadence interval so status readers can tell a waiting
// worker from a stalled one
func (o *Orchestrator) waitUntil(ctx context.Context, deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}

		interval := o.heartbeatInterval
		if remaining < interval {
			interval = remaining
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			o.jb.Heartbeat()
			o.persist(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// onThrottle receives the gate's broadcast. It only queues the event; the
// loop consumes it at the next safe point.
func (o *Orchestrator) onThrottle(ev ratelimit.ThrottleEvent) {
	select {
	case o.throttleCh <- ev:
	default:
		// An unconsumed event is already pending; keep it
	}
}

// pendingThrottle drains a queued throttle event without blocking
func (o *Orchestrator) pendingThrottle() (ratelimit.ThrottleEvent, bool) {
	select {
	case ev := <-o.throttleCh:
		return ev, true
	default:
		return ratelimit.ThrottleEvent{}, false
	}
}

// fault transitions the job to failed for an orchestrator-level problem
func (o *Orchestrator) fault(ctx context.Context, cause error) {
	o.logger.Error("orchestrator fault",
		"job_id", o.jb.ID(),
		"error", cause)

	// A recovered job can fault while still paused; step it through the
	// legal path before failing
	if o.jb.Status() == job.StatusPausedRateLimit {
		o.transition(o.jb.Resume())
	}
	if o.jb.Status() == job.StatusRunning {
		o.transition(o.jb.Fail(cause))
	}
	o.runResult = cause
	o.persist(ctx)
}

// persist writes a best-effort snapshot and publishes it to readers. A
// failed write is logged and otherwise ignored; the loop must outlive a
// flaky store.
func (o *Orchestrator) persist(ctx context.Context) {
	snap := o.jb.Snapshot()

	o.snapMu.Lock()
	o.lastSnap = snap
	o.snapMu.Unlock()

	// Detached from the run context so the shutdown path can still write
	// its recovery point
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := o.store.SaveSnapshot(writeCtx, snap); err != nil {
		o.logger.Error("failed to persist job snapshot",
			"job_id", snap.JobID,
			"error", err)
	}

	if o.onProgress != nil {
		o.onProgress(snap)
	}
}

// transition records a state change for tests and logs transition errors,
// which indicate a bug in the loop rather than a runtime condition
func (o *Orchestrator) transition(err error) {
	if err != nil {
		o.logger.Error("illegal state transition",
			"job_id", o.jb.ID(),
			"error", err)
		return
	}
	if o.recorder != nil {
		o.recorder.Record(stateOf(o.jb))
	}
}

// stateOf exposes the job's current state for recording
func stateOf(j *job.Job) job.State {
	switch j.Status() {
	case job.StatusPausedRateLimit:
		return &job.PausedRateLimitState{}
	case job.StatusCompleted:
		return &job.CompletedState{}
	case job.StatusFailed:
		return &job.FailedState{}
	default:
		return &job.RunningState{}
	}
}

// runCompleted logs terminal success
func (o *Orchestrator) runCompleted() {
	snap := o.Progress()
	o.logger.Info("sync completed",
		"job_id", snap.JobID,
		"completed", snap.CompletedCount,
		"failed", snap.FailedCount,
		"rate_limit_pauses", snap.RateLimitCount)
}

// runFailed logs terminal failure
func (o *Orchestrator) runFailed() {
	snap := o.Progress()
	o.logger.Error("sync failed",
		"job_id", snap.JobID,
		"processed", snap.Processed,
		"total", snap.Total,
		"error", snap.LastError)
}
