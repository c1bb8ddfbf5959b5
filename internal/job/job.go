package job

import (
	"fmt"
	"time"

	"github.com/selltide/marketsync/lib/ring"
)

const (
	// ErrorLogSize bounds the ring of most recent per-item failures
	ErrorLogSize = 10
	// ETAWindowSize bounds the rolling window of per-item durations
	ETAWindowSize = 10
	// HeartbeatInterval is the maximum gap between updatedAt bumps while a
	// job is alive; consumers treat anything staler as a stalled worker
	HeartbeatInterval = 3 * time.Second
	// TerminalRetention is how long a finished job stays queryable before
	// its snapshot is garbage collected
	TerminalRetention = 5 * time.Minute
)

// ItemError is one per-item failure kept in the bounded error log
type ItemError struct {
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// Job is the in-memory aggregate for one sync run. The orchestrator is the
// sole mutator; everyone else reads immutable Snapshots. None of the
// methods are safe for concurrent mutation.
type Job struct {
	id    string
	state State

	total       int
	totalLocked bool

	completedCount int
	failedCount    int

	currentItemID string
	currentStep   string

	// Pause metadata, meaningful only while paused
	retryAt        time.Time
	rateLimitCount int

	// Per-item attempt counts, reset only at job start
	retryCounts map[string]int

	errors    *ring.Ring[ItemError]
	durations *ring.Ring[time.Duration]

	lastError string

	createdAt time.Time
	updatedAt time.Time
}

// New creates a job in the running state
func New(id string) *Job {
	now := time.Now()
	return &Job{
		id:          id,
		state:       &RunningState{},
		retryCounts: make(map[string]int),
		errors:      ring.New[ItemError](ErrorLogSize),
		durations:   ring.New[time.Duration](ETAWindowSize),
		createdAt:   now,
		updatedAt:   now,
	}
}

// ID returns the job identifier
func (j *Job) ID() string {
	return j.id
}

// Status returns the serializable status of the current state
func (j *Job) Status() Status {
	return j.state.Status()
}

// SetTotal locks the item count for the job. The total can be set exactly
// once; it never changes after the first progress write.
func (j *Job) SetTotal(total int) error {
	if j.totalLocked {
		return fmt.Errorf("job %s: total already locked at %d", j.id, j.total)
	}
	if total < 0 {
		return fmt.Errorf("job %s: total must be non-negative", j.id)
	}

	j.total = total
	j.totalLocked = true
	j.touch()
	return nil
}

// Total returns the locked item count
func (j *Job) Total() int {
	return j.total
}

// TotalLocked reports whether the total has been set
func (j *Job) TotalLocked() bool {
	return j.totalLocked
}

// Processed returns the number of attempted items
func (j *Job) Processed() int {
	return j.completedCount + j.failedCount
}

// Remaining returns the number of unattempted items
func (j *Job) Remaining() int {
	return j.total - j.Processed()
}

// BeginItem marks an item as in flight
func (j *Job) BeginItem(itemID string) {
	j.currentItemID = itemID
	j.currentStep = fmt.Sprintf("syncing item %s", itemID)
	j.touch()
}

// Advance records a successful item write. Any stale pause metadata left
// over from an earlier throttle is cleared; success proves the quota has
// recovered.
func (j *Job) Advance(itemID string, took time.Duration) error {
	if err := j.checkCapacity(); err != nil {
		return err
	}

	j.completedCount++
	j.durations.Append(took)
	delete(j.retryCounts, itemID)
	j.retryAt = time.Time{}
	j.currentStep = fmt.Sprintf("synced item %s", itemID)
	j.touch()
	return nil
}

// RecordFailure counts a terminal per-item failure and logs it. The job
// stays running; per-item errors never abort the loop.
func (j *Job) RecordFailure(itemID, message string) error {
	if err := j.checkCapacity(); err != nil {
		return err
	}

	j.failedCount++
	j.errors.Append(ItemError{ItemID: itemID, Message: message})
	delete(j.retryCounts, itemID)
	j.currentStep = fmt.Sprintf("failed item %s", itemID)
	j.touch()
	return nil
}

// checkCapacity guards the processed <= total invariant
func (j *Job) checkCapacity() error {
	if j.Processed() >= j.total {
		return fmt.Errorf("job %s: processed count would exceed total %d", j.id, j.total)
	}
	return nil
}

// RecordRetryAttempt bumps and returns the attempt count for an item
func (j *Job) RecordRetryAttempt(itemID string) int {
	j.retryCounts[itemID]++
	j.touch()
	return j.retryCounts[itemID]
}

// RetryAttempts returns the attempt count for an item
func (j *Job) RetryAttempts(itemID string) int {
	return j.retryCounts[itemID]
}

// Pause transitions the job into the rate-limit pause. Legal only from
// running, and only ever invoked off an authentic throttle broadcast.
func (j *Job) Pause(retryAt time.Time) error {
	running, ok := j.state.(*RunningState)
	if !ok {
		return fmt.Errorf("job %s: cannot pause from state %s", j.id, j.state.Name())
	}

	j.state = running.ToPausedRateLimit()
	j.retryAt = retryAt
	j.rateLimitCount++
	j.currentStep = fmt.Sprintf("rate limited, resuming at %s", retryAt.Format(time.RFC3339))
	j.touch()
	return nil
}

// Resume transitions the job back to running and clears the pause metadata
func (j *Job) Resume() error {
	paused, ok := j.state.(*PausedRateLimitState)
	if !ok {
		return fmt.Errorf("job %s: cannot resume from state %s", j.id, j.state.Name())
	}

	j.state = paused.ToRunning()
	j.retryAt = time.Time{}
	j.currentStep = "resumed after rate limit pause"
	j.touch()
	return nil
}

// Complete transitions a running job into the completed terminal state.
// Success means every item was attempted, not that every item succeeded.
func (j *Job) Complete() error {
	running, ok := j.state.(*RunningState)
	if !ok {
		return fmt.Errorf("job %s: cannot complete from state %s", j.id, j.state.Name())
	}
	if j.Processed() != j.total {
		return fmt.Errorf("job %s: cannot complete with %d of %d items attempted", j.id, j.Processed(), j.total)
	}

	j.state = running.ToCompleted()
	j.currentItemID = ""
	j.currentStep = "completed"
	j.touch()
	return nil
}

// Fail transitions a running job into the failed terminal state. Reserved
// for orchestrator-level faults; per-item errors go to RecordFailure.
func (j *Job) Fail(cause error) error {
	running, ok := j.state.(*RunningState)
	if !ok {
		return fmt.Errorf("job %s: cannot fail from state %s", j.id, j.state.Name())
	}

	j.state = running.ToFailed()
	if cause != nil {
		j.lastError = cause.Error()
	}
	j.currentStep = "failed"
	j.touch()
	return nil
}

// Heartbeat bumps updatedAt without any state change, proving the loop is
// alive while idle or waiting
func (j *Job) Heartbeat() {
	j.touch()
}

// RetryAt returns the pause deadline, zero unless paused
func (j *Job) RetryAt() time.Time {
	return j.retryAt
}

// RateLimitCount returns how many throttle pauses this job has taken
func (j *Job) RateLimitCount() int {
	return j.rateLimitCount
}

// UpdatedAt returns the last heartbeat or mutation instant
func (j *Job) UpdatedAt() time.Time {
	return j.updatedAt
}

// Percent returns attempted progress as a percentage. A locked zero-item
// job is complete by definition.
func (j *Job) Percent() float64 {
	if !j.totalLocked {
		return 0
	}
	if j.total == 0 {
		return 100
	}
	return float64(j.Processed()) / float64(j.total) * 100
}

// ETASeconds estimates seconds until completion from the rolling duration
// window, nil until at least one item has completed
func (j *Job) ETASeconds() *float64 {
	samples := j.durations.Values()
	if len(samples) == 0 {
		return nil
	}

	var totalMs float64
	for _, d := range samples {
		totalMs += float64(d.Milliseconds())
	}
	avgMs := totalMs / float64(len(samples))

	eta := float64(j.Remaining()) * avgMs / 1000
	return &eta
}

func (j *Job) touch() {
	j.updatedAt = time.Now()
}
