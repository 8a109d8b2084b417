package service

// State is the lifecycle state of a supervised service. Healthy and
// Unhealthy are sub-states of the running phase and are only entered when
// the service has a healthcheck configured.
type State uint8

const (
	Initial State = iota
	Starting
	Running
	Healthy
	Unhealthy
	Stopping
	Stopped
	Finished
	Failed
)

var stateNames = [...]string{
	Initial:   "initial",
	Starting:  "starting",
	Running:   "running",
	Healthy:   "healthy",
	Unhealthy: "unhealthy",
	Stopping:  "stopping",
	Stopped:   "stopped",
	Finished:  "finished",
	Failed:    "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{Initial, Starting, Running, Healthy, Unhealthy, Stopping, Stopped, Finished, Failed}
}

// RunningPhase reports whether a live OS process is expected in this state.
func (s State) RunningPhase() bool {
	return s == Running || s == Healthy || s == Unhealthy
}

// Terminal reports whether the state admits no further transitions.
// Failed is not terminal here because the restart policy may still
// respawn; the orchestrator tracks exhaustion separately.
func (s State) Terminal() bool {
	return s == Stopped || s == Finished
}

// CanTransition reports whether moving from one state to another is a legal
// lifecycle transition. Illegal transitions indicate a supervisor bug and
// are logged by the caller rather than applied.
func CanTransition(from, to State) bool {
	switch from {
	case Initial:
		// A service leaves Initial when its dependencies are satisfied, or
		// when shutdown arrives before it ever started.
		return to == Starting || to == Stopping
	case Starting:
		return to == Running || to == Failed || to == Stopping
	case Running:
		return to == Healthy || to == Unhealthy || to == Finished || to == Failed || to == Stopping
	case Healthy:
		return to == Unhealthy || to == Finished || to == Failed || to == Stopping
	case Unhealthy:
		return to == Healthy || to == Finished || to == Failed || to == Stopping
	case Stopping:
		return to == Stopped
	case Failed:
		// Backoff respawn, or shutdown preempting a pending restart.
		return to == Starting || to == Stopping
	case Stopped, Finished:
		return false
	}
	return false
}
