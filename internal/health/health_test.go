package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/initr/internal/event"
)

func TestCheckValidate(t *testing.T) {
	cases := []struct {
		name  string
		check Check
		want  string
	}{
		{"unknown type", Check{Type: "tcp"}, "unknown healthcheck type"},
		{"command missing command", Check{Type: TypeCommand}, "requires command"},
		{"http missing url", Check{Type: TypeHTTP}, "requires url"},
		{"http bad scheme", Check{Type: TypeHTTP, URL: "ftp://x"}, "http://"},
		{"negative interval", Check{Type: TypeCommand, Command: "true", Interval: -time.Second}, "negative"},
		{"negative thresholds", Check{Type: TypeCommand, Command: "true", Failures: -1}, "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.check.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
	ok := Check{Type: TypeHTTP, URL: "http://localhost:8080/ping"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid check rejected: %v", err)
	}
}

func TestCheckNormalized(t *testing.T) {
	c := Check{Type: TypeCommand, Command: "true"}.Normalized()
	if c.Interval != DefaultInterval || c.Timeout != DefaultTimeout {
		t.Fatalf("zero durations not defaulted: %+v", c)
	}
	if c.Failures != DefaultFailures || c.Recoveries != DefaultRecoveries {
		t.Fatalf("zero thresholds not defaulted: %+v", c)
	}
}

func TestTrackerThresholds(t *testing.T) {
	tr := tracker{failures: 3, recoveries: 2}

	// First two failures are below threshold.
	for i := 0; i < 2; i++ {
		if crossed, _ := tr.observe(false); crossed {
			t.Fatalf("crossed after %d failures, threshold is 3", i+1)
		}
	}
	crossed, healthy := tr.observe(false)
	if !crossed || healthy {
		t.Fatalf("third failure should report unhealthy, got crossed=%v healthy=%v", crossed, healthy)
	}
	// Further failures do not re-report.
	if crossed, _ := tr.observe(false); crossed {
		t.Fatal("repeated failures must not re-report")
	}

	// One success resets the failure streak but is below the recovery threshold.
	if crossed, _ := tr.observe(true); crossed {
		t.Fatal("crossed after one success, threshold is 2")
	}
	crossed, healthy = tr.observe(true)
	if !crossed || !healthy {
		t.Fatalf("second success should report healthy, got crossed=%v healthy=%v", crossed, healthy)
	}
	if crossed, _ = tr.observe(true); crossed {
		t.Fatal("repeated successes must not re-report")
	}
}

func TestTrackerInterleavedResetsStreak(t *testing.T) {
	tr := tracker{failures: 2, recoveries: 1}
	tr.observe(false)
	tr.observe(true) // resets the failure count and reports healthy
	if crossed, _ := tr.observe(false); crossed {
		t.Fatal("single failure after a success should not cross a threshold of 2")
	}
	crossed, healthy := tr.observe(false)
	if !crossed || healthy {
		t.Fatal("second consecutive failure should report unhealthy")
	}
}

func TestProberHTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	bus := event.NewBus(16)
	p := NewProber("web", Check{
		Type:     TypeHTTP,
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Failures: 2,
	}, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := waitEvent(t, bus, 2*time.Second)
	if ev.Kind != event.ProbeHealthy || ev.Service != "web" {
		t.Fatalf("expected ProbeHealthy for web, got %+v", ev)
	}

	status.Store(http.StatusInternalServerError)
	ev = waitEvent(t, bus, 2*time.Second)
	if ev.Kind != event.ProbeUnhealthy {
		t.Fatalf("expected ProbeUnhealthy after failures, got %+v", ev)
	}

	status.Store(http.StatusOK)
	ev = waitEvent(t, bus, 2*time.Second)
	if ev.Kind != event.ProbeHealthy {
		t.Fatalf("expected recovery report, got %+v", ev)
	}
}

func TestProberCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	bus := event.NewBus(16)
	p := NewProber("job", Check{
		Type:     TypeCommand,
		Command:  "false",
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Failures: 1,
	}, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := waitEvent(t, bus, 2*time.Second)
	if ev.Kind != event.ProbeUnhealthy {
		t.Fatalf("failing command should report unhealthy, got %+v", ev)
	}
}

func TestProberTimeoutCountsAsFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	bus := event.NewBus(16)
	p := NewProber("slow", Check{
		Type:     TypeHTTP,
		URL:      slow.URL,
		Interval: 10 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
		Failures: 1,
	}, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := waitEvent(t, bus, 2*time.Second)
	if ev.Kind != event.ProbeUnhealthy {
		t.Fatalf("timed-out probe should count as failure, got %+v", ev)
	}
}

func waitEvent(t *testing.T, bus *event.Bus, timeout time.Duration) event.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}
