package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/marketplace"
)

// NewTestLogger creates a quiet logger for testing
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// MockStore provides an in-memory job store for testing
type MockStore struct {
	mu        sync.Mutex
	snapshots map[string]job.Snapshot
	saveErr   error
	saveCount int
}

func NewMockStore() *MockStore {
	return &MockStore{
		snapshots: make(map[string]job.Snapshot),
	}
}

// FailSaves makes every subsequent SaveSnapshot return err
func (m *MockStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *MockStore) SaveSnapshot(_ context.Context, snap job.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCount++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snapshots[snap.JobID] = snap
	return nil
}

func (m *MockStore) LoadSnapshot(_ context.Context, jobID string) (*job.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[jobID]
	if !ok {
		return nil, nil
	}
	copied := snap
	return &copied, nil
}

func (m *MockStore) ListSnapshots(_ context.Context, limit int) ([]job.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]job.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) DeleteSnapshot(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, jobID)
	return nil
}

// LoadInterrupted returns the most recently updated non-terminal snapshot
func (m *MockStore) LoadInterrupted(_ context.Context) (*job.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *job.Snapshot
	for _, snap := range m.snapshots {
		status, err := job.ParseStatus(snap.State)
		if err != nil || status.IsTerminal() {
			continue
		}
		if found == nil || snap.UpdatedAt.After(found.UpdatedAt) {
			copied := snap
			found = &copied
		}
	}
	return found, nil
}


// SaveCount returns the number of SaveSnapshot calls, successful or not
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

// Saved returns the stored snapshot for a job, if any
func (m *MockStore) Saved(jobID string) (job.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[jobID]
	return snap, ok
}

// StaticSource is an ItemSource serving a fixed list
type StaticSource struct {
	Items []marketplace.Item
	Err   error

	mu    sync.Mutex
	loads int
}

func (s *StaticSource) LoadPendingItems(_ context.Context, _ string) ([]marketplace.Item, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	return append([]marketplace.Item(nil), s.Items...), nil
}

// Loads returns how many times the pending list was requested
func (s *StaticSource) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// ScriptedDestination is a Destination whose per-item outcomes follow a
// script. Each ApplyItem call for an item pops the next scripted error; an
// exhausted or absent script means success. Rate-limited outcomes are
// reported to the throttle reporter first, the way the real client does.
type ScriptedDestination struct {
	Reporter marketplace.ThrottleReporter
	Delay    time.Duration

	mu        sync.Mutex
	scripts   map[string][]error
	applied   []string
	succeeded []string
}

func NewScriptedDestination() *ScriptedDestination {
	return &ScriptedDestination{
		scripts: make(map[string][]error),
	}
}

// Script queues outcomes for an item, in call order
func (d *ScriptedDestination) Script(itemID string, outcomes ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[itemID] = append(d.scripts[itemID], outcomes...)
}

func (d *ScriptedDestination) ApplyItem(_ context.Context, item marketplace.Item) (string, error) {
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}

	d.mu.Lock()
	d.applied = append(d.applied, item.ID)
	script := d.scripts[item.ID]
	var next error
	if len(script) > 0 {
		next = script[0]
		d.scripts[item.ID] = script[1:]
	}
	reporter := d.Reporter
	d.mu.Unlock()

	if next != nil {
		if marketplace.IsRateLimited(next) && reporter != nil {
			reporter.ReportThrottled(marketplace.RetryAfterHint(next))
		}
		return "", next
	}

	d.mu.Lock()
	d.succeeded = append(d.succeeded, item.ID)
	d.mu.Unlock()

	return fmt.Sprintf("listing-%s", item.ID), nil
}

// Applied returns every attempt in order, retries included
func (d *ScriptedDestination) Applied() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.applied...)
}

// Succeeded returns the items that completed, in order
func (d *ScriptedDestination) Succeeded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.succeeded...)
}
