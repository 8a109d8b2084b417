package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/loykin/initr/internal/depgraph"
	"github.com/loykin/initr/internal/event"
	"github.com/loykin/initr/internal/orchestrator"
	"github.com/loykin/initr/internal/service"
	"github.com/loykin/initr/internal/supervisor"
)

type nopRunner struct{}

func (nopRunner) Spawn(context.Context, service.Spec, []string) {}
func (nopRunner) Signal(supervisor.Handle, syscall.Signal)      {}
func (nopRunner) Kill(supervisor.Handle)                        {}

func testHandler(t *testing.T) http.Handler {
	t.Helper()
	specs := []service.Spec{
		{Name: "db", Command: "true"},
		{Name: "web", Command: "true", StartAfter: []string{"db"}},
	}
	g, err := depgraph.Build(specs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	orch := orchestrator.New(specs, g, event.NewBus(64), nopRunner{})
	return NewRouter(orch, "", false).Handler()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListServices(t *testing.T) {
	h := testHandler(t)
	w := do(t, h, http.MethodGet, "/api/services")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var statuses []orchestrator.Status
	if err := json.Unmarshal(w.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 2 || statuses[0].Name != "db" || statuses[1].Name != "web" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
	if statuses[0].State != "initial" {
		t.Fatalf("fresh service should be initial, got %q", statuses[0].State)
	}
}

func TestGetOneService(t *testing.T) {
	h := testHandler(t)
	w := do(t, h, http.MethodGet, "/api/services/web")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var st orchestrator.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Name != "web" {
		t.Fatalf("got %+v", st)
	}

	w = do(t, h, http.MethodGet, "/api/services/ghost")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown service should 404, got %d", w.Code)
	}
}

func TestSignalValidation(t *testing.T) {
	h := testHandler(t)
	if w := do(t, h, http.MethodPost, "/api/signal"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing params should 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/signal?name=web&signal=SIGBOGUS"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad signal should 400, got %d", w.Code)
	}
	// Known signal, but the service has no live process yet.
	if w := do(t, h, http.MethodPost, "/api/signal?name=web&signal=HUP"); w.Code != http.StatusBadRequest {
		t.Fatalf("signalling a non-running service should 400, got %d", w.Code)
	}
}

func TestShutdownAndHealthz(t *testing.T) {
	h := testHandler(t)
	if w := do(t, h, http.MethodPost, "/api/shutdown"); w.Code != http.StatusOK {
		t.Fatalf("shutdown: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestBasePathMounting(t *testing.T) {
	specs := []service.Spec{{Name: "db", Command: "true"}}
	g, err := depgraph.Build(specs)
	if err != nil {
		t.Fatal(err)
	}
	orch := orchestrator.New(specs, g, event.NewBus(64), nopRunner{})
	h := NewRouter(orch, "supervisor", false).Handler()

	if w := do(t, h, http.MethodGet, "/supervisor/api/healthz"); w.Code != http.StatusOK {
		t.Fatalf("base path not honored: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/healthz"); w.Code == http.StatusOK {
		t.Fatal("unprefixed path should not be served when base path is set")
	}
}
