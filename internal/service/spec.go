package service

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/initr/internal/health"
	"github.com/loykin/initr/internal/logger"
)

// RestartPolicy controls what happens after a service process leaves the
// running phase on its own.
type RestartPolicy string

const (
	// RestartNever leaves the service in its terminal state after any exit.
	RestartNever RestartPolicy = "never"
	// RestartAlways respawns after every exit, clean or not.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure respawns only after a non-zero exit, a signal death,
	// a spawn error, or a failed healthcheck.
	RestartOnFailure RestartPolicy = "on-failure"
)

// Defaults applied when the corresponding spec fields are zero.
const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultBackoffReset   = 10 * time.Second
	DefaultStopGrace      = 10 * time.Second
)

// Backoff describes the delay ladder between restart attempts. The delay
// starts at Initial and doubles per consecutive failure up to Max. Running
// for at least ResetAfter resets the ladder.
type Backoff struct {
	Initial     time.Duration `json:"initial"`
	Max         time.Duration `json:"max"`
	MaxAttempts int           `json:"max_attempts"` // 0 means unlimited
	ResetAfter  time.Duration `json:"reset_after"`
}

// Normalized returns a copy with defaults filled in for zero fields.
func (b Backoff) Normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoffInitial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.ResetAfter <= 0 {
		b.ResetAfter = DefaultBackoffReset
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Spec describes one service supervised by the init process.
type Spec struct {
	Name       string        `json:"name"`
	Command    string        `json:"command"`     // command to start the service (shell-aware)
	WorkDir    string        `json:"work_dir"`    // optional working dir
	Env        []string      `json:"env"`         // optional extra env
	User       string        `json:"user"`        // optional uid or username to run as
	Group      string        `json:"group"`       // optional gid or group name
	StartAfter []string      `json:"start_after"` // names of services that must be ready first
	StartDelay time.Duration `json:"start_delay"` // extra wait after dependencies are ready
	Restart    RestartPolicy `json:"restart"`     // never (default), always, on-failure
	Backoff    Backoff       `json:"backoff"`
	StopSignal string        `json:"stop_signal"` // signal name for graceful stop (default SIGTERM)
	StopGrace  time.Duration `json:"stop_grace"`  // wait before escalating to SIGKILL
	Health     *health.Check `json:"health,omitempty"`
	Log        logger.Config `json:"log"` // child stdout/stderr destination
}

// Validate checks the spec for configuration errors. It does not touch the
// system: user lookup and path existence are deferred to spawn time so they
// surface as spawn failures, not config failures.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service requires name")
	}
	if !isSafeName(name) {
		return fmt.Errorf("service %q: name may only contain [A-Za-z0-9._-]", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q requires command", name)
	}
	switch s.Restart {
	case "", RestartNever, RestartAlways, RestartOnFailure:
	default:
		return fmt.Errorf("service %q: unknown restart policy %q", name, s.Restart)
	}
	if s.StartDelay < 0 {
		return fmt.Errorf("service %q: start_delay must not be negative", name)
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("service %q: stop_grace must not be negative", name)
	}
	if s.StopSignal != "" {
		if _, err := ParseSignal(s.StopSignal); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	for _, dep := range s.StartAfter {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("service %q: empty name in start_after", name)
		}
		if dep == name {
			return fmt.Errorf("service %q depends on itself", name)
		}
	}
	if s.Health != nil {
		if err := s.Health.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	return nil
}

// Policy returns the restart policy with the zero value resolved to never.
func (s *Spec) Policy() RestartPolicy {
	if s.Restart == "" {
		return RestartNever
	}
	return s.Restart
}

// TerminationSignal returns the configured stop signal, defaulting to
// SIGTERM. The spec must have been validated.
func (s *Spec) TerminationSignal() syscall.Signal {
	if s.StopSignal == "" {
		return syscall.SIGTERM
	}
	sig, err := ParseSignal(s.StopSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return sig
}

// Grace returns the stop grace window, defaulting when unset.
func (s *Spec) Grace() time.Duration {
	if s.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return s.StopGrace
}

// ReadyState is the state at which this service satisfies its dependents:
// Running when no healthcheck is configured, Healthy otherwise.
func (s *Spec) ReadyState() State {
	if s.Health != nil {
		return Healthy
	}
	return Running
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// ok: intentional execution, input is validated and safe
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// If after is wrapped in single or double quotes, strip one pair so that
			// we pass the actual script to the shell (the outer quotes would otherwise
			// inhibit parsing/redirection inside the script).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

// isSafeName validates service names to avoid path traversal when used in
// log filenames and API routes.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
