package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds rate gate settings. The destination enforces both a minimum
// request spacing and a trailing-window quota; the gate enforces the
// stricter combination so outbound traffic stays under the ceiling.
type Config struct {
	PacingInterval time.Duration `toml:"pacing_interval"`
	MaxPerWindow   int           `toml:"max_per_window"`
	Window         time.Duration `toml:"window"`
	SafetyBuffer   time.Duration `toml:"safety_buffer"`
	MinPause       time.Duration `toml:"min_pause"`
	QueueSize      int           `toml:"queue_size"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		PacingInterval: 500 * time.Millisecond,
		MaxPerWindow:   100,
		Window:         60 * time.Second,
		SafetyBuffer:   1500 * time.Millisecond,
		MinPause:       15 * time.Second,
		QueueSize:      64,
	}
}

// validateConfig checks gate configuration for invalid values
func validateConfig(config Config) error {
	if config.PacingInterval <= 0 {
		return fmt.Errorf("pacing_interval must be positive")
	}
	if config.MaxPerWindow <= 0 {
		return fmt.Errorf("max_per_window must be positive")
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MinPause <= 0 {
		return fmt.Errorf("min_pause must be positive")
	}
	if config.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

// Admission is the result of one admission attempt
type Admission struct {
	// Admitted is true when the request may be issued now
	Admitted bool
	// RetryAt is the earliest instant window capacity can exist again,
	// set only when Admitted is false
	RetryAt time.Time
}

// ThrottleEvent describes an authentic downstream throttle signal
type ThrottleEvent struct {
	RetryAt    time.Time
	Code       int
	Message    string
	RetryAfter string
}

// ThrottleCallback is invoked for every reported throttle event
type ThrottleCallback func(ThrottleEvent)

// admissionRequest is one caller waiting for an admission decision
type admissionRequest struct {
	ctx   context.Context
	reply chan Admission
}

// Gate admits outbound requests one at a time. All admission decisions
// funnel through a single consumer goroutine, so the window read, the
// pacing check, and the recording of a new admission are indivisible with
// respect to concurrent callers.
type Gate struct {
	config Config
	logger *slog.Logger

	requests chan admissionRequest

	// Observer registry, one callback per active job
	mu        sync.Mutex
	observers map[string]ThrottleCallback

	rateLimitCount atomic.Int64

	// Overridable for tests
	now func() time.Time

	shutdown chan struct{}
	done     chan struct{}
}

// NewGate creates a rate gate with validated configuration
func NewGate(config Config, logger *slog.Logger) (*Gate, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Gate{
		config:    config,
		logger:    logger,
		requests:  make(chan admissionRequest, config.QueueSize),
		observers: make(map[string]ThrottleCallback),
		now:       time.Now,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the admission consumer goroutine
func (g *Gate) Start() {
	go g.run()
}

// Shutdown stops the admission consumer. Pending callers receive a
// non-admission with a zero RetryAt.
func (g *Gate) Shutdown() {
	close(g.shutdown)
	<-g.done
}

// Admit blocks until the gate grants or declines one request slot.
// A granted admission means pacing has elapsed and the sliding window has
// capacity, both recorded atomically. A declined admission carries the
// earliest instant capacity can return; the caller is expected to wait and
// re-request, treating the wait as normal cadence rather than a pause.
func (g *Gate) Admit(ctx context.Context) (Admission, error) {
	req := admissionRequest{
		ctx:   ctx,
		reply: make(chan Admission, 1),
	}

	select {
	case g.requests <- req:
	case <-ctx.Done():
		return Admission{}, ctx.Err()
	case <-g.shutdown:
		return Admission{}, fmt.Errorf("rate gate shut down")
	}

	select {
	case adm := <-req.reply:
		return adm, nil
	case <-ctx.Done():
		return Admission{}, ctx.Err()
	case <-g.shutdown:
		return Admission{}, fmt.Errorf("rate gate shut down")
	}
}

// run is the single admission consumer loop. It owns the window timestamps
// and the last-admission instant; nothing else reads or writes them.
func (g *Gate) run() {
	defer close(g.done)

	var windowTimestamps []time.Time
	var lastAdmittedAt time.Time

	for {
		select {
		case <-g.shutdown:
			return

		case req := <-g.requests:
			if req.ctx.Err() != nil {
				continue
			}

			// Enforce pacing before evaluating the window. Waiting here
			// serializes cadence across all callers: the Nth admission
			// lands no earlier than (N-1) pacing intervals after the first.
			if !lastAdmittedAt.IsZero() {
				if !g.waitPacing(req.ctx, lastAdmittedAt) {
					continue
				}
			}

			now := g.now()

			// Prune-on-read: drop timestamps outside the trailing window
			cutoff := now.Add(-g.config.Window)
			kept := windowTimestamps[:0]
			for _, ts := range windowTimestamps {
				if ts.After(cutoff) {
					kept = append(kept, ts)
				}
			}
			windowTimestamps = kept

			if len(windowTimestamps) >= g.config.MaxPerWindow {
				retryAt := windowTimestamps[0].Add(g.config.Window)
				req.reply <- Admission{Admitted: false, RetryAt: retryAt}
				continue
			}

			windowTimestamps = append(windowTimestamps, now)
			lastAdmittedAt = now
			req.reply <- Admission{Admitted: true}
		}
	}
}

// waitPacing sleeps out the remaining pacing interval. Returns false when
// the wait was abandoned (caller cancelled or gate shut down).
func (g *Gate) waitPacing(ctx context.Context, lastAdmittedAt time.Time) bool {
	remaining := g.config.PacingInterval - g.now().Sub(lastAdmittedAt)
	if remaining <= 0 {
		return true
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-g.shutdown:
		return false
	}
}

// ReportThrottled records a downstream quota-exceeded response, computes
// the instant processing may resume, and broadcasts it to all registered
// observers. This is the only path that should move a job into the
// rate-limit pause state.
func (g *Gate) ReportThrottled(retryAfter string) time.Time {
	now := g.now()
	retryAt := g.computeRetryAt(now, retryAfter)

	g.rateLimitCount.Add(1)

	event := ThrottleEvent{
		RetryAt:    retryAt,
		Code:       http.StatusTooManyRequests,
		Message:    "destination request quota exceeded",
		RetryAfter: retryAfter,
	}

	g.mu.Lock()
	callbacks := make([]ThrottleCallback, 0, len(g.observers))
	for _, cb := range g.observers {
		callbacks = append(callbacks, cb)
	}
	g.mu.Unlock()

	for _, cb := range callbacks {
		cb(event)
	}

	g.logger.Warn("downstream throttled",
		"retry_after", retryAfter,
		"retry_at", retryAt,
		"throttle_events", g.rateLimitCount.Load())

	return retryAt
}

// computeRetryAt parses a Retry-After header as either an integer second
// count or an HTTP date. A parseable positive value yields now + value +
// safety buffer; anything else (absent, garbage, zero, already past) falls
// back to the minimum pause.
func (g *Gate) computeRetryAt(now time.Time, retryAfter string) time.Time {
	header := strings.TrimSpace(retryAfter)
	if header == "" {
		return now.Add(g.config.MinPause)
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return now.Add(g.config.MinPause)
		}
		return now.Add(time.Duration(secs)*time.Second + g.config.SafetyBuffer)
	}

	if at, err := http.ParseTime(header); err == nil {
		wait := at.Sub(now)
		if wait <= 0 {
			return now.Add(g.config.MinPause)
		}
		return now.Add(wait + g.config.SafetyBuffer)
	}

	return now.Add(g.config.MinPause)
}

// RegisterCallback subscribes a job to throttle events
func (g *Gate) RegisterCallback(jobID string, cb ThrottleCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers[jobID] = cb
}

// Unregister removes a job's throttle subscription
func (g *Gate) Unregister(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.observers, jobID)
}

// RateLimitCount returns the number of throttle events observed since the
// gate was created. This counts events, not per-item attempts.
func (g *Gate) RateLimitCount() int64 {
	return g.rateLimitCount.Load()
}
