package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Register latches package-level state, so registration, the helpers, and
// idempotence are exercised in one ordered test.
func TestRegisterAndHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	IncSpawn("web")
	IncSpawnFailure("web")
	IncRestart("web")
	RecordStateTransition("web", "starting", "running")
	SetCurrentState("web", "running", true)
	IncHealthcheck("web", true)
	IncHealthcheck("web", false)
	IncReap(true)
	IncReap(false)
	SetBlockedServices(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"initr_service_spawns_total",
		"initr_service_spawn_failures_total",
		"initr_service_restarts_total",
		"initr_service_state_transitions_total",
		"initr_service_current_state",
		"initr_healthcheck_probes_total",
		"initr_reaper_reaps_total",
		"initr_service_blocked",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}

	// Repeat registrations after success are no-ops, with any registry.
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("Register with another registry: %v", err)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}
