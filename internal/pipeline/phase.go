package pipeline

// Phase is the lifecycle state of the coordinator.
//
//	Idle -> Starting -> Running -> Stopping -> Stopped
//
// Failed is terminal for the session but not for the coordinator: a new
// Start from Failed (or Stopped, or Idle) begins a fresh session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a session currently holds the coordinator.
func (p Phase) active() bool {
	return p == PhaseStarting || p == PhaseRunning || p == PhaseStopping
}
