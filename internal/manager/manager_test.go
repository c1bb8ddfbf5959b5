package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selltide/marketsync/internal/job"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/ratelimit"
	"github.com/selltide/marketsync/internal/retry"
	"github.com/selltide/marketsync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

type managerHarness struct {
	mgr    *Manager
	gate   *ratelimit.Gate
	source *testutil.StaticSource
	dest   *testutil.ScriptedDestination
	store  *testutil.MockStore
}

func newManagerHarness(t *testing.T, items []marketplace.Item) *managerHarness {
	t.Helper()

	config := ratelimit.DefaultConfig()
	config.PacingInterval = time.Millisecond
	config.Window = time.Second
	config.MaxPerWindow = 1000
	config.MinPause = 50 * time.Millisecond

	gate, err := ratelimit.NewGate(config, testutil.NewTestLogger())
	require.NoError(t, err)
	gate.Start()
	t.Cleanup(gate.Shutdown)

	h := &managerHarness{
		gate:   gate,
		source: &testutil.StaticSource{Items: items},
		dest:   testutil.NewScriptedDestination(),
		store:  testutil.NewMockStore(),
	}
	h.dest.Reporter = gate

	mgr, err := New(Options{
		Gate:              gate,
		Policy:            retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 10},
		Source:            h.source,
		Destination:       h.dest,
		Store:             h.store,
		Logger:            testutil.NewTestLogger(),
		HeartbeatInterval: 20 * time.Millisecond,
		TerminalRetention: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	h.mgr = mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})

	return h
}

func items(ids ...string) []marketplace.Item {
	out := make([]marketplace.Item, len(ids))
	for i, id := range ids {
		out[i] = marketplace.Item{ID: id, SKU: "sku-" + id}
	}
	return out
}

// waitForState polls until the job reaches the wanted state
func waitForState(t *testing.T, h *managerHarness, jobID, want string) job.Snapshot {
	t.Helper()

	var snap job.Snapshot
	ok := testutil.WaitFor(t, func() bool {
		s, err := h.mgr.Progress(context.Background(), jobID)
		if err != nil {
			return false
		}
		snap = s
		return s.State == want
	}, 2*time.Second, "job %s never reached %s", jobID, want)
	require.True(t, ok)

	return snap
}

// ==============================================================================
// Start and Progress
// ==============================================================================

func TestManager_StartSyncRunsToCompletion(t *testing.T) {
	h := newManagerHarness(t, items("a", "b", "c"))

	snap, started, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	require.NotEmpty(t, snap.JobID)

	final := waitForState(t, h, snap.JobID, job.StatusCompleted.String())
	assert.Equal(t, 3, final.CompletedCount)
	assert.Equal(t, 0, final.FailedCount)
}

func TestManager_SecondStartReturnsActiveJob(t *testing.T) {
	h := newManagerHarness(t, items("a", "b"))
	h.dest.Delay = 50 * time.Millisecond // keep the first run busy

	first, started, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	second, started, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	assert.False(t, started, "a second job must not start while one is active")
	assert.Equal(t, first.JobID, second.JobID)

	waitForState(t, h, first.JobID, job.StatusCompleted.String())
}

func TestManager_NewJobAfterCompletion(t *testing.T) {
	h := newManagerHarness(t, items("a"))

	first, started, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	waitForState(t, h, first.JobID, job.StatusCompleted.String())

	second, started, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, first.JobID, second.JobID)

	waitForState(t, h, second.JobID, job.StatusCompleted.String())
}

func TestManager_ProgressUnknownJob(t *testing.T) {
	h := newManagerHarness(t, nil)

	_, err := h.mgr.Progress(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_ProgressFallsBackToStore(t *testing.T) {
	h := newManagerHarness(t, nil)

	stored := job.New("old-job")
	require.NoError(t, stored.SetTotal(0))
	require.NoError(t, stored.Complete())
	require.NoError(t, h.store.SaveSnapshot(context.Background(), stored.Snapshot()))

	snap, err := h.mgr.Progress(context.Background(), "old-job")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted.String(), snap.State)
}

func TestManager_Active(t *testing.T) {
	h := newManagerHarness(t, items("a", "b"))
	h.dest.Delay = 50 * time.Millisecond

	_, ok := h.mgr.Active()
	assert.False(t, ok)

	snap, _, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)

	active, ok := h.mgr.Active()
	assert.True(t, ok)
	assert.Equal(t, snap.JobID, active.JobID)

	waitForState(t, h, snap.JobID, job.StatusCompleted.String())
}

// ==============================================================================
// Recovery
// ==============================================================================

func TestManager_RecoverNothingInterrupted(t *testing.T) {
	h := newManagerHarness(t, nil)

	snap, err := h.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestManager_RecoverResumesInterruptedJob(t *testing.T) {
	h := newManagerHarness(t, items("a", "b", "c"))

	// A previous process died paused on the second item
	retryAt := time.Now().Add(-time.Second)
	interrupted := job.Snapshot{
		JobID:          "crashed-job",
		State:          job.StatusPausedRateLimit.String(),
		Total:          3,
		CompletedCount: 1,
		Processed:      1,
		CurrentItemID:  "b",
		RetryAt:        &retryAt,
		RateLimitCount: 1,
		CreatedAt:      time.Now().Add(-time.Minute),
		UpdatedAt:      time.Now().Add(-30 * time.Second),
	}
	require.NoError(t, h.store.SaveSnapshot(context.Background(), interrupted))

	snap, err := h.mgr.Recover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "crashed-job", snap.JobID)

	final := waitForState(t, h, "crashed-job", job.StatusCompleted.String())
	assert.Equal(t, 3, final.CompletedCount)
	assert.Equal(t, 1, final.RateLimitCount)

	// Only the unfinished items were re-applied
	assert.Equal(t, []string{"b", "c"}, h.dest.Applied())
}

// ==============================================================================
// Retention
// ==============================================================================

func TestManager_SweepReleasesMemoryOnly(t *testing.T) {
	h := newManagerHarness(t, items("a"))

	snap, _, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	waitForState(t, h, snap.JobID, job.StatusCompleted.String())

	// Inside retention nothing is released
	h.mgr.sweep()
	h.mgr.mu.Lock()
	assert.NotNil(t, h.mgr.active)
	h.mgr.mu.Unlock()

	// Past retention the in-memory handle goes, the durable snapshot stays
	time.Sleep(150 * time.Millisecond)
	h.mgr.sweep()

	h.mgr.mu.Lock()
	assert.Nil(t, h.mgr.active)
	h.mgr.mu.Unlock()

	loaded, err := h.mgr.Progress(context.Background(), snap.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted.String(), loaded.State)
}

func TestManager_Purge(t *testing.T) {
	h := newManagerHarness(t, items("a"))

	snap, _, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)
	waitForState(t, h, snap.JobID, job.StatusCompleted.String())

	require.NoError(t, h.mgr.Purge(context.Background(), snap.JobID))

	_, ok := h.store.Saved(snap.JobID)
	assert.False(t, ok, "purge must remove the durable snapshot")

	assert.ErrorIs(t, h.mgr.Purge(context.Background(), snap.JobID), ErrJobNotFound)
}

func TestManager_PurgeRefusesActiveJob(t *testing.T) {
	h := newManagerHarness(t, items("a", "b"))
	h.dest.Delay = 50 * time.Millisecond

	snap, _, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, h.mgr.Purge(context.Background(), snap.JobID), ErrJobActive)

	waitForState(t, h, snap.JobID, job.StatusCompleted.String())
}

// ==============================================================================
// Shutdown
// ==============================================================================

func TestManager_ShutdownLeavesRecoveryPoint(t *testing.T) {
	h := newManagerHarness(t, items("a", "b", "c", "d", "e"))
	h.dest.Delay = 40 * time.Millisecond

	snap, _, err := h.mgr.StartSync(context.Background())
	require.NoError(t, err)

	// Let it make some progress, then stop the process
	time.Sleep(60 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	stored, ok := h.store.Saved(snap.JobID)
	require.True(t, ok, "interrupted run must leave a durable snapshot")
	assert.NotEqual(t, job.StatusCompleted.String(), stored.State)
	assert.Less(t, stored.Processed, 5)
}