package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/selltide/marketsync/internal/marketplace"
)

// Outcome is the classification of a per-item failure
type Outcome int

const (
	// OutcomeTerminal - validation, auth, not-found; never retried
	OutcomeTerminal Outcome = iota
	// OutcomeRateLimited - explicit quota exhaustion; retried with backoff
	OutcomeRateLimited
)

// String returns a human-readable representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeTerminal:
		return "terminal"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Classify maps a per-item error onto an outcome. Only an error carrying an
// explicit rate-limit marker (a classified 429) is retryable; everything
// else is terminal for the item.
func Classify(err error) Outcome {
	if marketplace.IsRateLimited(err) {
		return OutcomeRateLimited
	}
	return OutcomeTerminal
}

// Policy decides retry delays and the per-item attempt ceiling
type Policy struct {
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	MaxAttempts int           `toml:"max_attempts"`
}

// DefaultPolicy returns the standard retry policy
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   10 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// NextDelay returns the backoff delay before the given attempt is retried.
// attempt is 1-based: the first rate-limited attempt waits BaseDelay,
// doubling each attempt up to MaxDelay. Used only when the throttle
// response carried no usable Retry-After hint.
func (p Policy) NextDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.MaxDelay

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// Exhausted reports whether an item has used up its retry budget
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
