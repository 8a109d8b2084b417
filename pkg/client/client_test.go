package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeAPI(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]ServiceStatus{
			{Name: "db", State: "healthy", PID: 42, Ready: true},
			{Name: "web", State: "running", PID: 43},
		})
	})
	mux.HandleFunc("GET /api/services/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "db" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown service"})
			return
		}
		_ = json.NewEncoder(w).Encode(ServiceStatus{Name: "db", State: "healthy"})
	})
	mux.HandleFunc("POST /api/signal", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("signal") == "SIGBOGUS" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown signal"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestIsReachable(t *testing.T) {
	srv, c := fakeAPI(t)
	assert.True(t, c.IsReachable(context.Background()))
	srv.Close()
	assert.False(t, c.IsReachable(context.Background()))
}

func TestServices(t *testing.T) {
	_, c := fakeAPI(t)
	statuses, err := c.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name)
	assert.True(t, statuses[0].Ready)
	assert.Equal(t, "running", statuses[1].State)
}

func TestService(t *testing.T) {
	_, c := fakeAPI(t)
	st, err := c.Service(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.State)

	_, err = c.Service(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestSignalAndShutdown(t *testing.T) {
	_, c := fakeAPI(t)
	require.NoError(t, c.Signal(context.Background(), "db", "SIGHUP"))
	require.Error(t, c.Signal(context.Background(), "db", "SIGBOGUS"))
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.BaseURL)
	assert.NotZero(t, cfg.Timeout)
	assert.NotNil(t, New(Config{}))
}
