// Package supervisor owns the kernel process API: it spawns service
// processes, delivers signals to their process groups, and reaps every
// child that exits, including orphans reparented to us as PID 1. No other
// package forks, signals, or waits.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/initr/internal/event"
	"github.com/loykin/initr/internal/logger"
	"github.com/loykin/initr/internal/metrics"
	"github.com/loykin/initr/internal/service"
)

// Handle identifies one live service process attempt.
type Handle struct {
	Service   string
	PID       int
	StartedAt time.Time
}

// child is the supervisor's bookkeeping for one registered pid.
type child struct {
	name    string
	closers []io.Closer
}

// Supervisor spawns, signals, and reaps service processes, publishing
// Spawned/SpawnFailed/Exited events on the bus it was built with.
type Supervisor struct {
	bus *event.Bus
	log *slog.Logger

	// mu orders spawn registration against the reap drain: a child's pid is
	// in the table before wait4 can observe its exit, so the orchestrator
	// always sees Spawned before the matching Exited.
	mu       sync.Mutex
	children map[int]*child

	sigCh     chan os.Signal
	termSet   []os.Signal
	fwdSet    []os.Signal
	sigchldCh chan os.Signal
}

// Option tweaks supervisor construction.
type Option func(*Supervisor)

// WithTerminationSignals replaces the default SIGTERM/SIGINT set that
// triggers a shutdown event.
func WithTerminationSignals(sigs []os.Signal) Option {
	return func(s *Supervisor) {
		if len(sigs) > 0 {
			s.termSet = sigs
		}
	}
}

// WithForwardSignals sets signals the supervisor re-broadcasts to all live
// process groups instead of acting on itself.
func WithForwardSignals(sigs []os.Signal) Option {
	return func(s *Supervisor) { s.fwdSet = sigs }
}

func New(bus *event.Bus, log *slog.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		bus:       bus,
		log:       log,
		children:  make(map[int]*child),
		sigCh:     make(chan os.Signal, 8),
		termSet:   []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		sigchldCh: make(chan os.Signal, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers as child subreaper where supported and launches the
// reaper and signal loops. They run until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	if err := setChildSubreaper(); err != nil {
		s.log.Warn("could not register as child subreaper; orphans will not be reaped", "error", err)
	}
	signal.Notify(s.sigchldCh, syscall.SIGCHLD)
	notify := make([]os.Signal, 0, len(s.termSet)+len(s.fwdSet))
	notify = append(notify, s.termSet...)
	notify = append(notify, s.fwdSet...)
	signal.Notify(s.sigCh, notify...)
	go s.reapLoop(ctx)
	go s.signalLoop(ctx)
}

// Spawn asynchronously starts the service process: it waits out the spec's
// start delay, builds the command, and publishes Spawned on success or
// SpawnFailed on any error (including ctx cancellation during the delay).
// env is the already-merged environment for the child.
func (s *Supervisor) Spawn(ctx context.Context, spec service.Spec, env []string) {
	go func() {
		if spec.StartDelay > 0 {
			t := time.NewTimer(spec.StartDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				s.bus.Publish(event.Event{Kind: event.SpawnFailed, Service: spec.Name, Err: ctx.Err()})
				return
			case <-t.C:
			}
		}
		s.spawn(spec, env)
	}()
}

func (s *Supervisor) spawn(spec service.Spec, env []string) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := applyCredential(cmd, spec.User, spec.Group); err != nil {
		metrics.IncSpawnFailure(spec.Name)
		s.bus.Publish(event.Event{Kind: event.SpawnFailed, Service: spec.Name, Err: err})
		return
	}
	closers, err := wireStdio(cmd, spec)
	if err != nil {
		metrics.IncSpawnFailure(spec.Name)
		s.bus.Publish(event.Event{Kind: event.SpawnFailed, Service: spec.Name, Err: err})
		return
	}

	s.mu.Lock()
	err = cmd.Start()
	if err != nil {
		s.mu.Unlock()
		closeAll(closers)
		metrics.IncSpawnFailure(spec.Name)
		s.bus.Publish(event.Event{Kind: event.SpawnFailed, Service: spec.Name, Err: err})
		return
	}
	pid := cmd.Process.Pid
	s.children[pid] = &child{name: spec.Name, closers: closers}
	// Release the underlying process handle: the reaper collects the exit
	// status via wait4, never cmd.Wait.
	_ = cmd.Process.Release()
	s.bus.Publish(event.Event{Kind: event.Spawned, Service: spec.Name, PID: pid})
	s.mu.Unlock()
	metrics.IncSpawn(spec.Name)
	s.log.Debug("spawned service process", "service", spec.Name, "pid", pid)
}

// Signal delivers sig to the process group of h. A process that already
// exited is an expected race: the error is logged and swallowed.
func (s *Supervisor) Signal(h Handle, sig syscall.Signal) {
	if h.PID <= 0 {
		return
	}
	if err := syscall.Kill(-h.PID, sig); err != nil {
		s.log.Debug("signal not delivered", "service", h.Service, "pid", h.PID, "signal", sig.String(), "error", err)
	}
}

// Kill force-terminates the process group of h.
func (s *Supervisor) Kill(h Handle) {
	s.Signal(h, syscall.SIGKILL)
}

// Broadcast sends sig to every live registered process group.
func (s *Supervisor) Broadcast(sig syscall.Signal) {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()
	for _, pid := range pids {
		if err := syscall.Kill(-pid, sig); err != nil {
			s.log.Debug("broadcast signal not delivered", "pid", pid, "signal", sig.String(), "error", err)
		}
	}
}

// LiveChildren reports the number of registered, not yet reaped service
// processes.
func (s *Supervisor) LiveChildren() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// reapLoop blocks on SIGCHLD and drains every exited child. A coarse
// ticker backs it up in case a SIGCHLD was coalesced away while the
// channel was full.
func (s *Supervisor) reapLoop(ctx context.Context) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sigchldCh:
		case <-tick.C:
		}
		s.drain()
	}
}

// drain collects every currently-reapable child. It runs under mu so pid
// registration in spawn cannot race the exit lookup, and so a reaped pid
// cannot be reused by a concurrent spawn before its event is published.
func (s *Supervisor) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD means no children at all; both cases end the drain.
			return
		}
		if !ws.Exited() && !ws.Signaled() {
			// Stopped/continued notifications are not exits.
			continue
		}
		code := ws.ExitStatus()
		signaled := ws.Signaled()
		if signaled {
			code = 128 + int(ws.Signal())
		}
		c, ok := s.children[pid]
		metrics.IncReap(ok)
		if !ok {
			// An orphan reparented to us. Reaping it is the whole point of
			// being PID 1; there is just nobody to tell.
			s.log.Info("reaped orphan process", "pid", pid, "exit_code", code)
			continue
		}
		delete(s.children, pid)
		closeAll(c.closers)
		s.bus.Publish(event.Event{Kind: event.Exited, Service: c.name, PID: pid, ExitCode: code, Signaled: signaled})
	}
}

// signalLoop translates signals aimed at the supervisor itself: the
// termination set becomes a single shutdown event, the forward set is
// re-broadcast to all children.
func (s *Supervisor) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.sigCh:
			if s.isTermination(sig) {
				s.log.Info("termination signal received", "signal", sig.String())
				s.bus.Publish(event.Event{Kind: event.ShutdownRequested})
				continue
			}
			if ssig, ok := sig.(syscall.Signal); ok {
				s.log.Info("forwarding signal to services", "signal", sig.String())
				s.Broadcast(ssig)
			}
		}
	}
}

func (s *Supervisor) isTermination(sig os.Signal) bool {
	for _, t := range s.termSet {
		if sig == t {
			return true
		}
	}
	return false
}

// wireStdio connects the child's stdout/stderr per the spec's log config:
// inherit passes ours through, discard uses /dev/null, file mode opens
// rotated writers that are closed after the reap.
func wireStdio(cmd *exec.Cmd, spec service.Spec) ([]io.Closer, error) {
	switch spec.Log.Mode() {
	case logger.OutputInherit:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil, nil
	case logger.OutputDiscard:
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = null
		cmd.Stderr = null
		return []io.Closer{null}, nil
	default:
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, err
		}
		var closers []io.Closer
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
		return closers, nil
	}
}

// applyCredential resolves the spec's user/group to a uid/gid credential.
// Names and numeric ids are both accepted.
func applyCredential(cmd *exec.Cmd, userName, groupName string) error {
	if userName == "" && groupName == "" {
		return nil
	}
	cred := &syscall.Credential{}
	if userName != "" {
		uid, gid, err := lookupUser(userName)
		if err != nil {
			return err
		}
		cred.Uid = uid
		cred.Gid = gid
	}
	if groupName != "" {
		gid, err := lookupGroup(groupName)
		if err != nil {
			return err
		}
		cred.Gid = gid
	}
	cmd.SysProcAttr.Credential = cred
	return nil
}

func lookupUser(name string) (uid, gid uint32, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		n, nerr := strconv.Atoi(name)
		if nerr != nil {
			return 0, 0, err
		}
		if u, err = user.LookupId(name); err != nil {
			// Numeric uid without a passwd entry still works.
			return uint32(n), 0, nil
		}
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gidN, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uidN), uint32(gidN), nil
}

func lookupGroup(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		if n, nerr := strconv.Atoi(name); nerr == nil {
			return uint32(n), nil
		}
		return 0, err
	}
	gidN, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, err
	}
	return uint32(gidN), nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
