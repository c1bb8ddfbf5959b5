package job

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

// newRunningJob creates a job with a locked total
func newRunningJob(t *testing.T, total int) *Job {
	t.Helper()

	j := New("job-test")
	require.NoError(t, j.SetTotal(total))
	return j
}

// ==============================================================================
// Total Locking and Progress Accounting
// ==============================================================================

// TestJob_SetTotal_LockedOnce verifies the total cannot change after the first write.
func TestJob_SetTotal_LockedOnce(t *testing.T) {
	j := New("job-1")

	require.NoError(t, j.SetTotal(5))
	assert.Error(t, j.SetTotal(7), "second SetTotal must be rejected")
	assert.Equal(t, 5, j.Total())
}

// TestJob_ProgressAccounting verifies processed, remaining, and percent stay consistent.
func TestJob_ProgressAccounting(t *testing.T) {
	j := newRunningJob(t, 4)

	require.NoError(t, j.Advance("item-1", 100*time.Millisecond))
	require.NoError(t, j.RecordFailure("item-2", "validation failed"))

	assert.Equal(t, 2, j.Processed())
	assert.Equal(t, 2, j.Remaining())
	assert.InDelta(t, 50.0, j.Percent(), 0.001)
}

// TestJob_ProcessedNeverExceedsTotal verifies the capacity invariant is enforced.
func TestJob_ProcessedNeverExceedsTotal(t *testing.T) {
	j := newRunningJob(t, 1)

	require.NoError(t, j.Advance("item-1", time.Millisecond))

	assert.Error(t, j.Advance("item-2", time.Millisecond))
	assert.Error(t, j.RecordFailure("item-2", "boom"))
	assert.Equal(t, 1, j.Processed())
}

// TestJob_ZeroTotalPercent verifies a locked zero-item job reads as 100 percent.
func TestJob_ZeroTotalPercent(t *testing.T) {
	j := newRunningJob(t, 0)

	assert.InDelta(t, 100.0, j.Percent(), 0.001)
	require.NoError(t, j.Complete())
	assert.Equal(t, StatusCompleted, j.Status())
}

// ==============================================================================
// State Machine Transitions
// ==============================================================================

// TestJob_PauseResumeCycle verifies running → paused → running with pause metadata.
func TestJob_PauseResumeCycle(t *testing.T) {
	j := newRunningJob(t, 3)
	retryAt := time.Now().Add(10 * time.Second)

	require.NoError(t, j.Pause(retryAt))
	assert.Equal(t, StatusPausedRateLimit, j.Status())
	assert.Equal(t, retryAt, j.RetryAt())
	assert.Equal(t, 1, j.RateLimitCount())

	require.NoError(t, j.Resume())
	assert.Equal(t, StatusRunning, j.Status())
	assert.True(t, j.RetryAt().IsZero(), "retryAt must be cleared on resume")
}

// TestJob_IllegalTransitions verifies the transition rules reject everything else.
func TestJob_IllegalTransitions(t *testing.T) {
	j := newRunningJob(t, 1)

	// Cannot resume a running job
	assert.Error(t, j.Resume())

	// Cannot double-pause
	require.NoError(t, j.Pause(time.Now().Add(time.Second)))
	assert.Error(t, j.Pause(time.Now().Add(time.Second)))

	// Cannot complete or fail while paused
	assert.Error(t, j.Complete())
	assert.Error(t, j.Fail(errors.New("nope")))

	// Terminal states are dead ends
	require.NoError(t, j.Resume())
	require.NoError(t, j.Advance("item-1", time.Millisecond))
	require.NoError(t, j.Complete())
	assert.Error(t, j.Pause(time.Now()))
	assert.Error(t, j.Resume())
	assert.Error(t, j.Fail(errors.New("nope")))
}

// TestJob_CompleteRequiresAllAttempted verifies rule 1: completion means every
// item was attempted, failures included.
func TestJob_CompleteRequiresAllAttempted(t *testing.T) {
	j := newRunningJob(t, 2)

	assert.Error(t, j.Complete(), "cannot complete with unattempted items")

	require.NoError(t, j.Advance("item-1", time.Millisecond))
	require.NoError(t, j.RecordFailure("item-2", "auth denied"))
	require.NoError(t, j.Complete())

	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, 1, j.Snapshot().FailedCount)
}

// TestJob_FailRecordsCause verifies orchestrator faults surface in snapshots.
func TestJob_FailRecordsCause(t *testing.T) {
	j := newRunningJob(t, 3)

	require.NoError(t, j.Fail(errors.New("item list gone")))

	snap := j.Snapshot()
	assert.Equal(t, StatusFailed.String(), snap.State)
	assert.Equal(t, "item list gone", snap.LastError)
}

// ==============================================================================
// Retry Counters, Error Log, ETA
// ==============================================================================

// TestJob_RetryAttemptTracking verifies per-item counters are independent and
// cleared once the item resolves.
func TestJob_RetryAttemptTracking(t *testing.T) {
	j := newRunningJob(t, 2)

	assert.Equal(t, 1, j.RecordRetryAttempt("item-1"))
	assert.Equal(t, 2, j.RecordRetryAttempt("item-1"))
	assert.Equal(t, 1, j.RecordRetryAttempt("item-2"))
	assert.Equal(t, 2, j.RetryAttempts("item-1"))

	require.NoError(t, j.Advance("item-1", time.Millisecond))
	assert.Equal(t, 0, j.RetryAttempts("item-1"), "resolved item's counter is discarded")
	assert.Equal(t, 1, j.RetryAttempts("item-2"))
}

// TestJob_ErrorLogBounded verifies only the most recent failures are kept.
func TestJob_ErrorLogBounded(t *testing.T) {
	j := newRunningJob(t, ErrorLogSize+5)

	for i := 0; i < ErrorLogSize+5; i++ {
		require.NoError(t, j.RecordFailure(fmt.Sprintf("item-%d", i), "rejected"))
	}

	snap := j.Snapshot()
	require.Len(t, snap.Errors, ErrorLogSize)
	assert.Equal(t, "item-5", snap.Errors[0].ItemID, "oldest retained failure")
	assert.Equal(t, fmt.Sprintf("item-%d", ErrorLogSize+4), snap.Errors[ErrorLogSize-1].ItemID)
}

// TestJob_ETANilUntilFirstCompletion verifies the estimate appears only after
// a completed item and tracks the rolling average.
func TestJob_ETANilUntilFirstCompletion(t *testing.T) {
	j := newRunningJob(t, 3)

	assert.Nil(t, j.ETASeconds())

	require.NoError(t, j.Advance("item-1", 2*time.Second))

	eta := j.ETASeconds()
	require.NotNil(t, eta)
	assert.InDelta(t, 4.0, *eta, 0.001, "2 remaining at 2s average")
}

// TestJob_AdvanceClearsStalePause verifies success wipes pause metadata left
// over from an earlier throttle.
func TestJob_AdvanceClearsStalePause(t *testing.T) {
	j := newRunningJob(t, 2)

	require.NoError(t, j.Pause(time.Now().Add(time.Second)))
	require.NoError(t, j.Resume())

	// Resume already clears retryAt; simulate a stale flag directly
	j.retryAt = time.Now().Add(time.Minute)

	require.NoError(t, j.Advance("item-1", time.Millisecond))
	assert.True(t, j.RetryAt().IsZero())
	assert.Nil(t, j.Snapshot().RetryAt)
}

// ==============================================================================
// Snapshot and Recovery
// ==============================================================================

// TestJob_SnapshotRoundTrip verifies a paused job rebuilt from its snapshot
// resumes with the same position, pause deadline, and in-flight attempt count.
func TestJob_SnapshotRoundTrip(t *testing.T) {
	j := newRunningJob(t, 5)

	require.NoError(t, j.Advance("item-1", time.Second))
	require.NoError(t, j.RecordFailure("item-2", "category missing"))
	j.BeginItem("item-3")
	j.RecordRetryAttempt("item-3")
	j.RecordRetryAttempt("item-3")

	retryAt := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
	require.NoError(t, j.Pause(retryAt))

	restored, err := NewFromSnapshot(j.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, j.ID(), restored.ID())
	assert.Equal(t, StatusPausedRateLimit, restored.Status())
	assert.Equal(t, 5, restored.Total())
	assert.Equal(t, 2, restored.Processed())
	assert.Equal(t, retryAt, restored.RetryAt())
	assert.Equal(t, 1, restored.RateLimitCount())
	assert.Equal(t, 2, restored.RetryAttempts("item-3"))

	snap := restored.Snapshot()
	assert.Equal(t, "item-3", snap.CurrentItemID)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "item-2", snap.Errors[0].ItemID)

	// Total stays locked after recovery
	assert.Error(t, restored.SetTotal(9))
}

// TestNewFromSnapshot_RejectsUnknownState verifies corrupt rows are refused.
func TestNewFromSnapshot_RejectsUnknownState(t *testing.T) {
	_, err := NewFromSnapshot(Snapshot{JobID: "job-x", State: "melted"})
	assert.Error(t, err)
}
