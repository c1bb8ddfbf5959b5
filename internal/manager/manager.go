// Package manager owns the process-wide sync lifecycle: one active job at a
// time, progress lookups, crash recovery at boot, and retention of finished
// runs.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/orchestrator"
	"github.com/selltide/marketsync/internal/retry"
)

// ErrJobNotFound is returned by Progress for an unknown job ID
var ErrJobNotFound = errors.New("manager: job not found")

// ErrJobActive is returned when an operation needs the job to be finished
var ErrJobActive = errors.New("manager: job is still active")

// Store is the durable snapshot backend the manager depends on
type Store interface {
	SaveSnapshot(ctx context.Context, snap job.Snapshot) error
	LoadSnapshot(ctx context.Context, jobID string) (*job.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]job.Snapshot, error)
	LoadInterrupted(ctx context.Context) (*job.Snapshot, error)
	DeleteSnapshot(ctx context.Context, jobID string) error
}

// Options configures a Manager
type Options struct {
	Gate        orchestrator.RateGate
	Policy      retry.Policy
	Source      marketplace.ItemSource
	Destination marketplace.Destination
	Store       Store
	Logger      *slog.Logger

	// HeartbeatInterval overrides the default snapshot cadence, for tests
	HeartbeatInterval time.Duration

	// TerminalRetention overrides how long finished runs stay queryable
	TerminalRetention time.Duration

	// GCInterval overrides the retention sweep cadence
	GCInterval time.Duration

	// OnProgress receives every persisted snapshot, for live subscribers
	OnProgress func(job.Snapshot)
}

func (o Options) validate() error {
	if o.Gate == nil {
		return errors.New("manager: gate is required")
	}
	if o.Source == nil {
		return errors.New("manager: source is required")
	}
	if o.Destination == nil {
		return errors.New("manager: destination is required")
	}
	if o.Store == nil {
		return errors.New("manager: store is required")
	}
	if o.Logger == nil {
		return errors.New("manager: logger is required")
	}
	return nil
}

// Manager runs at most one sync job at a time. A start request while a job
// is active returns that job's snapshot instead of starting another; the
// rate gate's quota is per process, so a second concurrent job could only
// starve the first.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active *orchestrator.Orchestrator

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Manager
func New(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = job.HeartbeatInterval
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = job.TerminalRetention
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		runCtx:    ctx,
		runCancel: cancel,
	}, nil
}

// StartSync begins a new sync job unless one is already active. Returns the
// job's snapshot and whether this call started it.
func (m *Manager) StartSync(ctx context.Context) (job.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && !m.activeDone() {
		snap := m.active.Progress()
		m.logger.Info("sync start refused, job already active",
			"active_job_id", snap.JobID,
			"state", snap.State)
		return snap, false, nil
	}

	jb := job.New(uuid.NewString())
	return m.launch(ctx, jb)
}

// Recover resumes the interrupted job left behind by a previous process, if
// any. Called once at boot, before the API starts accepting work.
func (m *Manager) Recover(ctx context.Context) (*job.Snapshot, error) {
	snap, err := m.opts.Store.LoadInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up interrupted job: %w", err)
	}
	if snap == nil {
		return nil, nil
	}

	jb, err := job.NewFromSnapshot(*snap)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild job %s: %w", snap.JobID, err)
	}

	m.logger.Info("recovering interrupted sync",
		"job_id", snap.JobID,
		"state", snap.State,
		"processed", snap.Processed,
		"total", snap.Total)

	m.mu.Lock()
	defer m.mu.Unlock()

	started, _, err := m.launch(ctx, jb)
	if err != nil {
		return nil, err
	}
	return &started, nil
}

// launch wires and starts an orchestrator for jb. Caller holds m.mu.
func (m *Manager) launch(_ context.Context, jb *job.Job) (job.Snapshot, bool, error) {
	orch, err := orchestrator.New(orchestrator.Options{
		Job:               jb,
		Gate:              m.opts.Gate,
		Policy:            m.opts.Policy,
		Source:            m.opts.Source,
		Destination:       m.opts.Destination,
		Store:             m.opts.Store,
		Logger:            m.logger,
		HeartbeatInterval: m.opts.HeartbeatInterval,
		OnProgress:        m.opts.OnProgress,
	})
	if err != nil {
		return job.Snapshot{}, false, err
	}

	m.active = orch

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// The job outlives the start request; only shutdown cancels it
		if err := orch.Run(m.runCtx); err != nil {
			m.logger.Error("sync run ended with error",
				"job_id", orch.JobID(),
				"error", err)
		}
	}()

	m.logger.Info("sync started", "job_id", jb.ID())
	return jb.Snapshot(), true, nil
}

// activeDone reports whether the active orchestrator has finished. Caller
// holds m.mu.
func (m *Manager) activeDone() bool {
	select {
	case <-m.active.Done():
		return true
	default:
		return false
	}
}

// Progress returns the snapshot for a job, live when it is the active run,
// otherwise from the store
func (m *Manager) Progress(ctx context.Context, jobID string) (job.Snapshot, error) {
	m.mu.Lock()
	if m.active != nil && m.active.JobID() == jobID {
		snap := m.active.Progress()
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	snap, err := m.opts.Store.LoadSnapshot(ctx, jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	if snap == nil {
		return job.Snapshot{}, ErrJobNotFound
	}
	return *snap, nil
}

// Active returns the live snapshot of the current run, if one is in flight
func (m *Manager) Active() (job.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.activeDone() {
		return job.Snapshot{}, false
	}
	return m.active.Progress(), true
}

// List returns recent runs, newest first
func (m *Manager) List(ctx context.Context, limit int) ([]job.Snapshot, error) {
	return m.opts.Store.ListSnapshots(ctx, limit)
}

// Purge removes a finished run's durable snapshot. The snapshot of the
// active run is its recovery point and cannot be purged.
func (m *Manager) Purge(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if m.active != nil && m.active.JobID() == jobID && !m.activeDone() {
		m.mu.Unlock()
		return ErrJobActive
	}
	m.mu.Unlock()

	snap, err := m.opts.Store.LoadSnapshot(ctx, jobID)
	if err != nil {
		return err
	}
	if snap == nil {
		return ErrJobNotFound
	}

	if err := m.opts.Store.DeleteSnapshot(ctx, jobID); err != nil {
		return err
	}

	m.logger.Info("purged sync snapshot", "job_id", jobID)
	return nil
}

// StartGC launches the memory sweeper. Finished runs are released from
// memory after the retention window; their durable snapshots stay in the
// store until explicitly purged.
func (m *Manager) StartGC() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.opts.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.runCtx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep releases the in-memory handle of a run that finished long enough
// ago; later progress reads come from the store
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.opts.TerminalRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || !m.activeDone() {
		return
	}
	if m.active.Progress().UpdatedAt.Before(cutoff) {
		m.logger.Info("released finished sync from memory",
			"job_id", m.active.JobID())
		m.active = nil
	}
}

// Shutdown stops the active run and the sweeper, waiting for both. The
// interrupted job's last snapshot stays in the store as the recovery point.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
