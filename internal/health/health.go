// Package health probes running services and reports threshold crossings
// as events. Probers never mutate lifecycle state themselves.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/initr/internal/event"
	"github.com/loykin/initr/internal/metrics"
)

// Probe types.
const (
	TypeCommand = "command"
	TypeHTTP    = "http"
)

// Defaults applied when the corresponding check fields are zero.
const (
	DefaultInterval   = 10 * time.Second
	DefaultTimeout    = 5 * time.Second
	DefaultFailures   = 3
	DefaultRecoveries = 1
)

// Check describes how a running service is probed.
type Check struct {
	Type       string        `json:"type"`              // "command" or "http"
	Command    string        `json:"command,omitempty"` // for command probes
	URL        string        `json:"url,omitempty"`     // for http probes
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Failures   int           `json:"failures"`   // consecutive failures before unhealthy
	Recoveries int           `json:"recoveries"` // consecutive successes before healthy
}

// Validate checks the probe configuration.
func (c *Check) Validate() error {
	switch c.Type {
	case TypeCommand:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("command healthcheck requires command")
		}
	case TypeHTTP:
		u := strings.TrimSpace(c.URL)
		if u == "" {
			return fmt.Errorf("http healthcheck requires url")
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("http healthcheck url must start with http:// or https://")
		}
	default:
		return fmt.Errorf("unknown healthcheck type %q", c.Type)
	}
	if c.Interval < 0 || c.Timeout < 0 {
		return fmt.Errorf("healthcheck interval and timeout must not be negative")
	}
	if c.Failures < 0 || c.Recoveries < 0 {
		return fmt.Errorf("healthcheck thresholds must not be negative")
	}
	return nil
}

// Normalized returns a copy with defaults filled in for zero fields.
func (c Check) Normalized() Check {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Failures <= 0 {
		c.Failures = DefaultFailures
	}
	if c.Recoveries <= 0 {
		c.Recoveries = DefaultRecoveries
	}
	return c
}

// tracker folds a stream of probe results into threshold crossings.
// It reports a transition only when the consecutive count reaches the
// configured threshold and the direction differs from the last report.
type tracker struct {
	failures   int
	recoveries int

	fails     int
	successes int
	reported  bool
	healthy   bool
}

// observe records one probe result and reports whether a transition
// occurred; healthy is only meaningful when crossed is true.
func (t *tracker) observe(ok bool) (crossed, healthy bool) {
	if ok {
		t.fails = 0
		t.successes++
		if (!t.reported || !t.healthy) && t.successes >= t.recoveries {
			t.reported, t.healthy = true, true
			return true, true
		}
		return false, false
	}
	t.successes = 0
	t.fails++
	if (!t.reported || t.healthy) && t.fails >= t.failures {
		t.reported, t.healthy = true, false
		return true, false
	}
	return false, false
}

// Prober runs one service's check on its interval and publishes
// ProbeHealthy/ProbeUnhealthy events on threshold crossings. One prober is
// started per running service and cancelled when the service leaves the
// running phase.
type Prober struct {
	service string
	check   Check
	bus     *event.Bus
	client  *http.Client
	log     *slog.Logger
}

func NewProber(service string, c Check, bus *event.Bus, log *slog.Logger) *Prober {
	c = c.Normalized()
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		service: service,
		check:   c,
		bus:     bus,
		client:  &http.Client{Timeout: c.Timeout},
		log:     log,
	}
}

// Run probes until ctx is cancelled. The first probe fires after one full
// interval so the service has a chance to come up.
func (p *Prober) Run(ctx context.Context) {
	tick := time.NewTicker(p.check.Interval)
	defer tick.Stop()
	tr := tracker{failures: p.check.Failures, recoveries: p.check.Recoveries}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		ok := p.probe(ctx)
		metrics.IncHealthcheck(p.service, ok)
		crossed, healthy := tr.observe(ok)
		if !crossed {
			continue
		}
		// An in-flight result may cross the threshold just as the service
		// is stopping; the orchestrator drops reports for dead runs.
		if ctx.Err() != nil {
			return
		}
		kind := event.ProbeUnhealthy
		if healthy {
			kind = event.ProbeHealthy
		}
		p.bus.Publish(event.Event{Kind: kind, Service: p.service})
	}
}

// probe runs a single check attempt. Every error, including timeout, is a
// plain failure; the distinction only matters for logging.
func (p *Prober) probe(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.check.Timeout)
	defer cancel()
	var err error
	switch p.check.Type {
	case TypeHTTP:
		err = p.probeHTTP(cctx)
	default:
		err = p.probeCommand(cctx)
	}
	if err != nil {
		p.log.Debug("healthcheck probe failed", "service", p.service, "error", err)
		return false
	}
	return true
}

func (p *Prober) probeCommand(ctx context.Context) error {
	cmd := buildProbeCommand(ctx, p.check.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

func (p *Prober) probeHTTP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.check.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused between probes.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New("unexpected status " + resp.Status)
	}
	return nil
}

// buildProbeCommand constructs an *exec.Cmd for a probe command.
// Avoids invoking a shell unless obvious shell metacharacters are present
// (G204 mitigation).
func buildProbeCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}
