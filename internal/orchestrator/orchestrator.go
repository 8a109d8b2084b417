// Package orchestrator is the single consumer of the supervisor event
// stream. It owns every service's runtime record, advances the lifecycle
// state machines, applies the restart policy, and drives reverse-order
// shutdown. Nothing else mutates lifecycle state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/initr/internal/depgraph"
	"github.com/loykin/initr/internal/env"
	"github.com/loykin/initr/internal/event"
	"github.com/loykin/initr/internal/health"
	"github.com/loykin/initr/internal/history"
	"github.com/loykin/initr/internal/metrics"
	"github.com/loykin/initr/internal/service"
	"github.com/loykin/initr/internal/supervisor"
)

// killConfirmWindow bounds the wait for a reap after SIGKILL. A process
// that survives it is stuck in the kernel; we account for it and move on.
const killConfirmWindow = 5 * time.Second

// Exit codes of the supervisor process.
const (
	ExitOK             = 0 // every service reached an expected terminal state
	ExitServicesFailed = 1 // one or more services permanently failed or were blocked
	ExitInternalError  = 2 // configuration or internal supervisor error
)

// Runner is the slice of the process supervisor the orchestrator drives.
// Results come back as events on the shared bus, never as return values.
type Runner interface {
	Spawn(ctx context.Context, spec service.Spec, env []string)
	Signal(h supervisor.Handle, sig syscall.Signal)
	Kill(h supervisor.Handle)
}

// Status is the externally visible snapshot of one service.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Ready     bool      `json:"ready"`
	Blocked   bool      `json:"blocked,omitempty"`
	Restarts  int       `json:"restarts"`
	ExitCode  int       `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ChangedAt time.Time `json:"changed_at"`
}

// record is the runtime record of one service. Only the orchestrator
// goroutine reads or writes it.
type record struct {
	spec  service.Spec
	state service.State

	pid       int
	startedAt time.Time
	lastExit  int

	restarts     int           // total respawns over the run
	attempts     int           // consecutive failed attempts
	nextDelay    time.Duration // backoff delay for the next restart
	restartSeq   uint64        // guards stale RestartDue timers
	restartTimer *time.Timer

	graceTimer *time.Timer
	killTimer  *time.Timer

	ready      bool // readiness latched; stays true once reached
	blocked    bool // dependencies can never be satisfied
	permanent  bool // Failed with no restart attempts left
	signalled  bool // stop signal sent during shutdown
	healthStop bool // stop in progress because the healthcheck failed

	spawnCancel context.CancelFunc
	probeCancel context.CancelFunc
}

func (r *record) handle() supervisor.Handle {
	return supervisor.Handle{Service: r.spec.Name, PID: r.pid, StartedAt: r.startedAt}
}

// settled reports whether the service needs no further supervision.
func (r *record) settled() bool {
	return r.state.Terminal() || r.blocked || (r.state == service.Failed && r.permanent)
}

// Orchestrator wires the dependency graph, the event bus, and the process
// runner together into the supervision loop.
type Orchestrator struct {
	specs  []service.Spec
	graph  *depgraph.Graph
	bus    *event.Bus
	runner Runner
	genv   *env.Env
	log    *slog.Logger
	rec    *history.Recorder

	records map[string]*record

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown bool

	statusMu sync.RWMutex
	statuses map[string]Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the slog logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRecorder attaches a history recorder that journals every transition.
func WithRecorder(r *history.Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// WithGlobalEnv sets KEY=VALUE pairs merged under every service's own env.
func WithGlobalEnv(kvs []string) Option {
	return func(o *Orchestrator) {
		for _, kv := range kvs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				o.genv.Set(kv[:i], kv[i+1:])
			}
		}
	}
}

// New builds the orchestrator for a validated spec set and its graph.
func New(specs []service.Spec, graph *depgraph.Graph, bus *event.Bus, runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		specs:    specs,
		graph:    graph,
		bus:      bus,
		runner:   runner,
		genv:     env.New(),
		log:      slog.Default(),
		records:  make(map[string]*record, len(specs)),
		statuses: make(map[string]Status, len(specs)),
	}
	for _, opt := range opts {
		opt(o)
	}
	now := time.Now()
	for _, s := range specs {
		s.Backoff = s.Backoff.Normalized()
		r := &record{spec: s, state: service.Initial, nextDelay: s.Backoff.Initial}
		o.records[s.Name] = r
		o.statuses[s.Name] = Status{Name: s.Name, State: service.Initial.String(), ChangedAt: now}
		metrics.SetCurrentState(s.Name, service.Initial.String(), true)
	}
	return o
}

// RequestShutdown asks the orchestrator to begin graceful shutdown. It is
// idempotent and safe to call from any goroutine.
func (o *Orchestrator) RequestShutdown() {
	o.bus.Publish(event.Event{Kind: event.ShutdownRequested})
}

// SignalService delivers a signal to a running service's process group.
// It is safe to call from any goroutine; delivery races with exit are
// tolerated.
func (o *Orchestrator) SignalService(name string, sig syscall.Signal) error {
	st, ok := o.Status(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	if st.PID == 0 {
		return fmt.Errorf("service %q has no running process", name)
	}
	o.runner.Signal(supervisor.Handle{Service: name, PID: st.PID}, sig)
	return nil
}

// Status returns the snapshot of one service.
func (o *Orchestrator) Status(name string) (Status, bool) {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	st, ok := o.statuses[name]
	return st, ok
}

// Statuses returns snapshots of all services in declaration order.
func (o *Orchestrator) Statuses() []Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	out := make([]Status, 0, len(o.specs))
	for _, s := range o.specs {
		out = append(out, o.statuses[s.Name])
	}
	return out
}

// Run starts all eligible services and processes events until every
// service has settled. Cancelling ctx is equivalent to a termination
// signal: it triggers graceful shutdown, not abandonment. The return value
// is the supervisor process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.ctx, o.cancel = context.WithCancel(context.Background())
	defer o.cancel()

	o.startEligible()
	o.detectBlocked()
	if o.allSettled() {
		return o.exitCode()
	}

	external := ctx.Done()
	for {
		select {
		case <-external:
			external = nil
			o.beginShutdown()
		case ev := <-o.bus.Events():
			o.handle(ev)
		}
		if o.shuttingDown {
			o.advanceShutdown()
		} else {
			o.startEligible()
			o.detectBlocked()
		}
		if o.allSettled() {
			return o.exitCode()
		}
	}
}

func (o *Orchestrator) exitCode() int {
	for _, r := range o.records {
		if r.blocked || r.permanent || r.state == service.Failed {
			return ExitServicesFailed
		}
	}
	return ExitOK
}

func (o *Orchestrator) allSettled() bool {
	for _, r := range o.records {
		if !r.settled() {
			return false
		}
	}
	return true
}

// handle applies one event to the state machines. Every transition in the
// system happens here.
func (o *Orchestrator) handle(ev event.Event) {
	if ev.Kind == event.ShutdownRequested {
		o.beginShutdown()
		return
	}
	r, ok := o.records[ev.Service]
	if !ok {
		o.supervisorError("event for unknown service", "service", ev.Service, "kind", ev.Kind.String())
		return
	}
	switch ev.Kind {
	case event.Spawned:
		o.onSpawned(r, ev)
	case event.SpawnFailed:
		o.onSpawnFailed(r, ev)
	case event.Exited:
		o.onExited(r, ev)
	case event.ProbeHealthy:
		o.onProbeHealthy(r)
	case event.ProbeUnhealthy:
		o.onProbeUnhealthy(r)
	case event.RestartDue:
		o.onRestartDue(r, ev)
	case event.GraceExpired:
		o.onGraceExpired(r, ev)
	case event.KillExpired:
		o.onKillExpired(r, ev)
	default:
		o.supervisorError("unhandled event kind", "kind", ev.Kind.String())
	}
}

func (o *Orchestrator) onSpawned(r *record, ev event.Event) {
	r.pid = ev.PID
	r.startedAt = ev.At
	r.spawnCancel = nil
	switch r.state {
	case service.Starting:
		o.setState(r, service.Running, "", 0)
		if r.spec.Health != nil {
			o.startProber(r)
		}
	case service.Stopping:
		// Shutdown arrived between spawn request and confirmation; stop
		// the fresh process immediately.
		o.signalStop(r)
	default:
		o.supervisorError("spawn confirmation in unexpected state", "service", r.spec.Name, "state", r.state.String())
	}
}

func (o *Orchestrator) onSpawnFailed(r *record, ev event.Event) {
	r.spawnCancel = nil
	switch r.state {
	case service.Stopping:
		// The pending spawn was aborted by shutdown; nothing ever ran.
		o.setState(r, service.Stopped, "spawn aborted", 0)
	case service.Starting:
		reason := "spawn failed"
		if ev.Err != nil {
			reason = "spawn failed: " + ev.Err.Error()
		}
		o.setState(r, service.Failed, reason, 0)
		o.evaluateRestart(r, true, 0)
	default:
		o.supervisorError("spawn failure in unexpected state", "service", r.spec.Name, "state", r.state.String())
	}
}

func (o *Orchestrator) onExited(r *record, ev event.Event) {
	if ev.PID != r.pid || r.pid == 0 {
		// Reap for a handle we no longer track, e.g. after a kill-confirm
		// force-stop. Logged and discarded.
		o.supervisorError("exit event for unknown handle", "service", r.spec.Name, "pid", ev.PID)
		return
	}
	uptime := time.Since(r.startedAt)
	r.pid = 0
	r.lastExit = ev.ExitCode
	o.stopTimers(r)
	o.stopProber(r)

	if r.state == service.Stopping {
		o.setState(r, service.Stopped, exitReason(ev), ev.ExitCode)
		return
	}
	if !r.state.RunningPhase() && r.state != service.Starting {
		o.supervisorError("exit event in unexpected state", "service", r.spec.Name, "state", r.state.String())
		return
	}

	failed := ev.ExitCode != 0 || ev.Signaled || r.healthStop
	r.healthStop = false

	if o.shuttingDown {
		// Exited on its own before we got to signal it; classify but
		// never restart.
		if failed {
			r.permanent = true
			o.setState(r, service.Failed, exitReason(ev), ev.ExitCode)
		} else {
			o.setState(r, service.Finished, exitReason(ev), ev.ExitCode)
		}
		return
	}

	switch {
	case !failed && r.spec.Policy() != service.RestartAlways:
		o.setState(r, service.Finished, exitReason(ev), ev.ExitCode)
	default:
		o.setState(r, service.Failed, exitReason(ev), ev.ExitCode)
		o.evaluateRestart(r, failed, uptime)
	}
}

func exitReason(ev event.Event) string {
	if ev.Signaled {
		return "killed by signal (exit code " + strconv.Itoa(ev.ExitCode) + ")"
	}
	return "exit code " + strconv.Itoa(ev.ExitCode)
}

// evaluateRestart applies the restart policy after a Failed transition.
// failed reports whether the attempt counts as a failure (non-zero exit,
// signal death, spawn error, or healthcheck failure).
func (o *Orchestrator) evaluateRestart(r *record, failed bool, uptime time.Duration) {
	policy := r.spec.Policy()
	restart := false
	switch policy {
	case service.RestartAlways:
		restart = true
	case service.RestartOnFailure:
		restart = failed
	}
	if !restart {
		r.permanent = true
		o.log.Error("service failed permanently", "service", r.spec.Name, "restart", string(policy))
		return
	}

	bo := r.spec.Backoff
	if uptime >= bo.ResetAfter {
		// A sustained run resets the ladder.
		r.attempts = 0
		r.nextDelay = bo.Initial
	}
	r.attempts++
	if bo.MaxAttempts > 0 && r.attempts > bo.MaxAttempts {
		r.permanent = true
		o.log.Error("service failed permanently, restart attempts exhausted",
			"service", r.spec.Name, "attempts", bo.MaxAttempts)
		return
	}

	delay := r.nextDelay
	r.nextDelay *= 2
	if r.nextDelay > bo.Max {
		r.nextDelay = bo.Max
	}
	r.restartSeq++
	seq := r.restartSeq
	name := r.spec.Name
	o.log.Info("scheduling restart", "service", name, "attempt", r.attempts, "delay", delay)
	metrics.IncRestart(name)
	r.restartTimer = time.AfterFunc(delay, func() {
		o.bus.Publish(event.Event{Kind: event.RestartDue, Service: name, Attempt: seq})
	})
}

func (o *Orchestrator) onRestartDue(r *record, ev event.Event) {
	if o.shuttingDown || ev.Attempt != r.restartSeq || r.state != service.Failed || r.permanent {
		return
	}
	r.restarts++
	o.setState(r, service.Starting, "", 0)
	o.spawn(r)
}

func (o *Orchestrator) onProbeHealthy(r *record) {
	if r.healthStop {
		// Recovery arrived after we already decided to restart.
		return
	}
	switch r.state {
	case service.Running, service.Unhealthy:
		o.setState(r, service.Healthy, "", 0)
	}
}

func (o *Orchestrator) onProbeUnhealthy(r *record) {
	if r.healthStop {
		return
	}
	switch r.state {
	case service.Running, service.Healthy:
		o.setState(r, service.Unhealthy, "healthcheck failure threshold reached", 0)
	default:
		return
	}
	if r.spec.Policy() == service.RestartNever {
		// Observable but not actionable.
		o.log.Warn("service unhealthy, restart policy forbids restart", "service", r.spec.Name)
		return
	}
	// Restart by stopping the process; the exit event drives the Failed
	// transition and the backoff schedule.
	r.healthStop = true
	o.signalStopProcess(r)
}

func (o *Orchestrator) onGraceExpired(r *record, ev event.Event) {
	if ev.PID != r.pid || r.pid == 0 {
		return
	}
	o.log.Warn("grace period expired, escalating to SIGKILL", "service", r.spec.Name, "pid", r.pid)
	o.runner.Kill(r.handle())
	pid := r.pid
	name := r.spec.Name
	r.killTimer = time.AfterFunc(killConfirmWindow, func() {
		o.bus.Publish(event.Event{Kind: event.KillExpired, Service: name, PID: pid})
	})
}

func (o *Orchestrator) onKillExpired(r *record, ev event.Event) {
	if ev.PID != r.pid || r.pid == 0 {
		return
	}
	// SIGKILL was not confirmed by a reap inside the window; the process
	// is likely stuck in uninterruptible sleep. Stop tracking the handle
	// so shutdown cannot block forever; a late reap is logged as unknown.
	o.supervisorError("process not reaped after SIGKILL, abandoning handle", "service", r.spec.Name, "pid", r.pid)
	r.pid = 0
	o.stopProber(r)
	if r.state == service.Stopping {
		o.setState(r, service.Stopped, "kill not confirmed", 0)
	} else {
		r.permanent = true
		o.setState(r, service.Failed, "kill not confirmed", 0)
	}
}

// startEligible moves every service whose dependencies are satisfied from
// Initial to Starting and requests its spawn.
func (o *Orchestrator) startEligible() {
	satisfied := make(map[string]bool, len(o.records))
	for name, r := range o.records {
		if r.ready {
			satisfied[name] = true
		}
	}
	for _, name := range o.graph.ReadyToStart(satisfied) {
		r := o.records[name]
		if r.state != service.Initial || r.blocked {
			continue
		}
		o.setState(r, service.Starting, "", 0)
		o.spawn(r)
	}
}

// detectBlocked flags services that will never start because a dependency
// settled without ever becoming ready. Spec policy decision: such services
// stay Initial, are reported once, and count as settled so the supervisor
// can exit.
func (o *Orchestrator) detectBlocked() {
	changed := true
	for changed {
		changed = false
		for _, r := range o.records {
			if r.blocked || r.state != service.Initial {
				continue
			}
			for _, dep := range o.graph.Dependencies(r.spec.Name) {
				d := o.records[dep]
				neverReady := !d.ready && (d.blocked || (d.state == service.Failed && d.permanent) || d.state.Terminal())
				if neverReady {
					r.blocked = true
					changed = true
					o.log.Error("service can never start: dependency will never become ready",
						"service", r.spec.Name, "dependency", dep)
					o.record(history.Entry{
						Service: r.spec.Name,
						From:    r.state.String(),
						To:      r.state.String(),
						Reason:  "blocked: dependency " + dep + " will never become ready",
					})
					o.publishStatus(r)
					break
				}
			}
		}
	}
	n := 0
	for _, r := range o.records {
		if r.blocked {
			n++
		}
	}
	metrics.SetBlockedServices(n)
}

// spawn requests a process for the record from the runner, with a spawn
// context so shutdown can abort a pending start delay.
func (o *Orchestrator) spawn(r *record) {
	sctx, cancel := context.WithCancel(o.ctx)
	r.spawnCancel = cancel
	o.runner.Spawn(sctx, r.spec, o.genv.Merge(r.spec.Env))
}

func (o *Orchestrator) startProber(r *record) {
	pctx, cancel := context.WithCancel(o.ctx)
	r.probeCancel = cancel
	p := health.NewProber(r.spec.Name, *r.spec.Health, o.bus, o.log)
	go p.Run(pctx)
}

func (o *Orchestrator) stopProber(r *record) {
	if r.probeCancel != nil {
		r.probeCancel()
		r.probeCancel = nil
	}
}

func (o *Orchestrator) stopTimers(r *record) {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
}

// beginShutdown preempts pending restarts and pending spawns, settles
// everything that never ran, and lets advanceShutdown walk the running
// services in reverse dependency order. Repeat requests are no-ops.
func (o *Orchestrator) beginShutdown() {
	if o.shuttingDown {
		return
	}
	o.shuttingDown = true
	o.log.Info("shutdown requested, stopping services in reverse dependency order")
	for _, name := range o.graph.ShutdownOrder() {
		r := o.records[name]
		if r.restartTimer != nil {
			r.restartTimer.Stop()
			r.restartTimer = nil
		}
		switch r.state {
		case service.Initial:
			// Never ran; nothing to stop.
			o.setState(r, service.Stopping, "", 0)
			o.setState(r, service.Stopped, "never started", 0)
		case service.Failed:
			if !r.permanent {
				// A restart was pending; it will not happen now.
				o.setState(r, service.Stopping, "", 0)
				o.setState(r, service.Stopped, "pending restart cancelled", 0)
			}
		case service.Starting:
			// Spawn in flight; abort the delay if it has not forked yet
			// and deal with the process on its Spawned event otherwise.
			o.setState(r, service.Stopping, "", 0)
			if r.spawnCancel != nil {
				r.spawnCancel()
			}
		}
	}
}

// advanceShutdown signals every running service whose dependents have all
// settled. Called after each event while shutting down, so stop order
// follows the reverse topology without ever blocking the loop.
func (o *Orchestrator) advanceShutdown() {
	for _, name := range o.graph.ShutdownOrder() {
		r := o.records[name]
		if !r.state.RunningPhase() || r.signalled {
			continue
		}
		ok := true
		for _, dep := range o.graph.Dependents(name) {
			if !o.records[dep].settled() {
				ok = false
				break
			}
		}
		if ok {
			o.signalStop(r)
		}
	}
}

// signalStop transitions a service to Stopping (when legal) and delivers
// its termination signal with grace escalation.
func (o *Orchestrator) signalStop(r *record) {
	if r.state != service.Stopping {
		o.setState(r, service.Stopping, "", 0)
	}
	r.signalled = true
	o.signalStopProcess(r)
}

// signalStopProcess sends the configured stop signal and arms the grace
// timer. Used both by shutdown and by unhealthy-restart, which keeps the
// service in its running-phase state until the exit arrives.
func (o *Orchestrator) signalStopProcess(r *record) {
	if r.pid == 0 {
		return
	}
	sig := r.spec.TerminationSignal()
	o.log.Info("stopping service", "service", r.spec.Name, "pid", r.pid, "signal", sig.String(), "grace", r.spec.Grace())
	o.runner.Signal(r.handle(), sig)
	pid := r.pid
	name := r.spec.Name
	r.graceTimer = time.AfterFunc(r.spec.Grace(), func() {
		o.bus.Publish(event.Event{Kind: event.GraceExpired, Service: name, PID: pid})
	})
}

// setState applies one legal transition, with logging, metrics, journal,
// readiness latching, and prober teardown in one place.
func (o *Orchestrator) setState(r *record, to service.State, reason string, exitCode int) {
	from := r.state
	if !service.CanTransition(from, to) {
		o.supervisorError("illegal state transition ignored",
			"service", r.spec.Name, "from", from.String(), "to", to.String())
		return
	}
	r.state = to
	if to == r.spec.ReadyState() || to == service.Finished {
		r.ready = true
	}
	if !to.RunningPhase() {
		o.stopProber(r)
	}
	o.log.Info("service state changed",
		"service", r.spec.Name, "from", from.String(), "to", to.String(),
		"pid", r.pid, "reason", reason)
	metrics.SetCurrentState(r.spec.Name, from.String(), false)
	metrics.SetCurrentState(r.spec.Name, to.String(), true)
	metrics.RecordStateTransition(r.spec.Name, from.String(), to.String())
	o.record(history.Entry{
		Service:  r.spec.Name,
		From:     from.String(),
		To:       to.String(),
		PID:      r.pid,
		ExitCode: exitCode,
		Reason:   reason,
	})
	o.publishStatus(r)
}

func (o *Orchestrator) record(e history.Entry) {
	if o.rec != nil {
		o.rec.Record(e)
	}
}

func (o *Orchestrator) publishStatus(r *record) {
	o.statusMu.Lock()
	o.statuses[r.spec.Name] = Status{
		Name:      r.spec.Name,
		State:     r.state.String(),
		PID:       r.pid,
		Ready:     r.ready,
		Blocked:   r.blocked,
		Restarts:  r.restarts,
		ExitCode:  r.lastExit,
		StartedAt: r.startedAt,
		ChangedAt: time.Now(),
	}
	o.statusMu.Unlock()
}

// supervisorError reports an internal inconsistency. Per the error policy
// these are logged, never fatal.
func (o *Orchestrator) supervisorError(msg string, args ...any) {
	o.log.Error("supervisor error: "+msg, args...)
}
