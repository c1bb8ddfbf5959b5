package job

// State is the interface implemented by all job states. Transitions are
// methods on the concrete state types, so an illegal transition does not
// compile.
type State interface {
	Name() string
	Status() Status
}

// RunningState - the item loop is processing
type RunningState struct{}

func (s *RunningState) Name() string   { return "running" }
func (s *RunningState) Status() Status { return StatusRunning }
func (s *RunningState) ToPausedRateLimit() *PausedRateLimitState {
	return &PausedRateLimitState{}
}
func (s *RunningState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *RunningState) ToFailed() *FailedState {
	return &FailedState{}
}

// PausedRateLimitState - waiting out an authentic downstream throttle.
// Only a throttle broadcast may produce this state; internal pacing waits
// never do.
type PausedRateLimitState struct{}

func (s *PausedRateLimitState) Name() string   { return "paused_rate_limit" }
func (s *PausedRateLimitState) Status() Status { return StatusPausedRateLimit }
func (s *PausedRateLimitState) ToRunning() *RunningState {
	return &RunningState{}
}

// Terminal States

// CompletedState - every item was attempted
type CompletedState struct{}

func (s *CompletedState) Name() string   { return "completed" }
func (s *CompletedState) Status() Status { return StatusCompleted }

// FailedState - orchestrator-level fault
type FailedState struct{}

func (s *FailedState) Name() string   { return "failed" }
func (s *FailedState) Status() Status { return StatusFailed }

// stateForStatus rebuilds the typed state for a persisted status, used when
// recovering a job from its durable snapshot
func stateForStatus(status Status) State {
	switch status {
	case StatusPausedRateLimit:
		return &PausedRateLimitState{}
	case StatusCompleted:
		return &CompletedState{}
	case StatusFailed:
		return &FailedState{}
	default:
		return &RunningState{}
	}
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
