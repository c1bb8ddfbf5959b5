package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/ratelimit"
	"github.com/selltide/marketsync/internal/retry"
)

// RateGate is the admission and throttle-broadcast surface the orchestrator
// needs from the process-wide rate gate
type RateGate interface {
	Admit(ctx context.Context) (ratelimit.Admission, error)
	RegisterCallback(jobID string, cb ratelimit.ThrottleCallback)
	Unregister(jobID string)
}

// SnapshotStore persists job progress for crash recovery. Writes are
// best-effort from the orchestrator's point of view; a failing store never
// stops the loop.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap job.Snapshot) error
}

// Options carries the orchestrator's dependencies
type Options struct {
	Job         *job.Job
	Gate        RateGate
	Policy      retry.Policy
	Source      marketplace.ItemSource
	Destination marketplace.Destination
	Store       SnapshotStore
	Logger      *slog.Logger

	// HeartbeatInterval overrides the default cadence; zero means
	// job.HeartbeatInterval
	HeartbeatInterval time.Duration

	// OnProgress, when set, receives every persisted snapshot (used by the
	// websocket progress feed)
	OnProgress func(job.Snapshot)

	// Recorder, when set, records every state transition (tests only)
	Recorder *job.StateRecorder
}

// validate checks that all required dependencies are present
func (o Options) validate() error {
	switch {
	case o.Job == nil:
		return fmt.Errorf("orchestrator requires a job")
	case o.Gate == nil:
		return fmt.Errorf("orchestrator requires a rate gate")
	case o.Source == nil:
		return fmt.Errorf("orchestrator requires an item source")
	case o.Destination == nil:
		return fmt.Errorf("orchestrator requires a destination")
	case o.Store == nil:
		return fmt.Errorf("orchestrator requires a snapshot store")
	case o.Logger == nil:
		return fmt.Errorf("orchestrator requires a logger")
	}
	return nil
}
