package job

import "fmt"

// Status represents the lifecycle state of a sync job
type Status int

const (
	// StatusRunning - the item loop is processing
	StatusRunning Status = iota
	// StatusPausedRateLimit - the downstream throttled us; waiting out retryAt
	StatusPausedRateLimit
	// StatusCompleted - every item was attempted (terminal)
	StatusCompleted
	// StatusFailed - orchestrator-level fault (terminal)
	StatusFailed
)

// String returns a human-readable representation of the job status
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPausedRateLimit:
		return "paused_rate_limit"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status allows no further transitions
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a stored status string back into a Status
func ParseStatus(s string) (Status, error) {
	switch s {
	case "running":
		return StatusRunning, nil
	case "paused_rate_limit":
		return StatusPausedRateLimit, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown job status: %q", s)
	}
}
