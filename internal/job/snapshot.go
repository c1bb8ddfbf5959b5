package job

import (
	"time"

	"github.com/selltide/marketsync/lib/ring"
)

// Snapshot is an immutable copy of a job's progress, safe to hand to status
// readers and to persist for crash recovery.
type Snapshot struct {
	JobID          string      `json:"job_id"`
	State          string      `json:"state"`
	Total          int         `json:"total"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
	Processed      int         `json:"processed"`
	Percent        float64     `json:"percent"`
	CurrentItemID  string      `json:"current_item_id,omitempty"`
	CurrentStep    string      `json:"current_step,omitempty"`
	RetryAt        *time.Time  `json:"retry_at,omitempty"`
	RateLimitCount int         `json:"rate_limit_count"`
	RetryAttempts  int         `json:"retry_attempts"`
	Errors         []ItemError `json:"errors,omitempty"`
	ETASeconds     *float64    `json:"eta_seconds,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Snapshot builds an immutable copy of the job's current progress
func (j *Job) Snapshot() Snapshot {
	snap := Snapshot{
		JobID:          j.id,
		State:          j.state.Name(),
		Total:          j.total,
		CompletedCount: j.completedCount,
		FailedCount:    j.failedCount,
		Processed:      j.Processed(),
		Percent:        j.Percent(),
		CurrentItemID:  j.currentItemID,
		CurrentStep:    j.currentStep,
		RateLimitCount: j.rateLimitCount,
		RetryAttempts:  j.retryCounts[j.currentItemID],
		Errors:         j.errors.Values(),
		ETASeconds:     j.ETASeconds(),
		LastError:      j.lastError,
		CreatedAt:      j.createdAt,
		UpdatedAt:      j.updatedAt,
	}

	if !j.retryAt.IsZero() {
		retryAt := j.retryAt
		snap.RetryAt = &retryAt
	}

	return snap
}

// NewFromSnapshot rebuilds a job aggregate from its durable snapshot after
// a process restart. The rolling duration window starts empty (ETA resets),
// and only the in-flight item's attempt count survives; the rest of the
// per-item counters died with the process, which matches their lifetime.
func NewFromSnapshot(snap Snapshot) (*Job, error) {
	status, err := ParseStatus(snap.State)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:             snap.JobID,
		state:          stateForStatus(status),
		total:          snap.Total,
		totalLocked:    true,
		completedCount: snap.CompletedCount,
		failedCount:    snap.FailedCount,
		currentItemID:  snap.CurrentItemID,
		currentStep:    snap.CurrentStep,
		rateLimitCount: snap.RateLimitCount,
		retryCounts:    make(map[string]int),
		errors:         ring.New[ItemError](ErrorLogSize),
		durations:      ring.New[time.Duration](ETAWindowSize),
		lastError:      snap.LastError,
		createdAt:      snap.CreatedAt,
		updatedAt:      snap.UpdatedAt,
	}

	if snap.RetryAt != nil {
		j.retryAt = *snap.RetryAt
	}
	if snap.CurrentItemID != "" && snap.RetryAttempts > 0 {
		j.retryCounts[snap.CurrentItemID] = snap.RetryAttempts
	}
	for _, itemErr := range snap.Errors {
		j.errors.Append(itemErr)
	}

	return j, nil
}
