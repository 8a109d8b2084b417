// Package event defines the ordered event stream that connects every
// producer in the supervisor (reaper, spawners, health probers, timers,
// signal watcher) to the single orchestrator goroutine that consumes it.
package event

import "time"

// Kind identifies what happened.
type Kind uint8

const (
	// Spawned: a service process started; PID is set.
	Spawned Kind = iota
	// SpawnFailed: fork/exec failed or was aborted; Err is set.
	SpawnFailed
	// Exited: a service process was reaped; PID, ExitCode and Signaled are set.
	Exited
	// ProbeHealthy: the healthcheck crossed its recovery threshold.
	ProbeHealthy
	// ProbeUnhealthy: the healthcheck crossed its failure threshold.
	ProbeUnhealthy
	// RestartDue: a backoff timer fired; Attempt guards staleness.
	RestartDue
	// GraceExpired: a stop grace timer fired; PID guards staleness.
	GraceExpired
	// KillExpired: a SIGKILL confirmation timer fired; PID guards staleness.
	KillExpired
	// ShutdownRequested: a termination signal arrived or shutdown was
	// requested through the API. Service is empty.
	ShutdownRequested
)

var kindNames = [...]string{
	Spawned:           "spawned",
	SpawnFailed:       "spawn_failed",
	Exited:            "exited",
	ProbeHealthy:      "probe_healthy",
	ProbeUnhealthy:    "probe_unhealthy",
	RestartDue:        "restart_due",
	GraceExpired:      "grace_expired",
	KillExpired:       "kill_expired",
	ShutdownRequested: "shutdown_requested",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Event is one occurrence delivered to the orchestrator. Producers fill
// only the fields their kind defines; everything else stays zero.
type Event struct {
	Kind     Kind
	Service  string
	PID      int
	ExitCode int
	Signaled bool   // exit was caused by a signal
	Attempt  uint64 // restart attempt sequence, for RestartDue
	Err      error
	At       time.Time
}

// Bus carries events to the orchestrator. Publishing blocks when the
// orchestrator is behind, which preserves per-producer ordering; with the
// spawn/reap critical sections in the supervisor this guarantees that a
// service's Spawned is always consumed before the Exited for the same PID.
type Bus struct {
	ch chan Event
}

// DefaultBuffer is sized for bursts of simultaneous exits during shutdown.
const DefaultBuffer = 256

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish enqueues e, stamping At when the producer left it zero.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.ch <- e
}

// Events returns the receive side consumed by the orchestrator.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
