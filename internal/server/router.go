// Package server exposes the read-mostly control API over the running
// supervisor. It can run standalone or be mounted into an existing mux.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/initr/internal/metrics"
	"github.com/loykin/initr/internal/orchestrator"
	"github.com/loykin/initr/internal/service"
)

// Router provides embeddable HTTP handlers for querying and controlling
// the supervisor.
// Endpoints:
//
//	GET  {basePath}/api/services         list all service statuses
//	GET  {basePath}/api/services/:name   one service status
//	POST {basePath}/api/signal           query: name=...&signal=TERM
//	POST {basePath}/api/shutdown         begin graceful shutdown
//	GET  {basePath}/api/healthz          liveness of the supervisor itself
//	GET  {basePath}/metrics              Prometheus metrics (when enabled)
type Router struct {
	orch     *orchestrator.Orchestrator
	basePath string
	metrics  bool
}

// NewRouter constructs a Router with a configurable basePath; enable
// metrics to also serve the Prometheus handler.
func NewRouter(orch *orchestrator.Orchestrator, basePath string, enableMetrics bool) *Router {
	return &Router{orch: orch, basePath: sanitizeBase(basePath), metrics: enableMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/api/services", r.handleServices)
	group.GET("/api/services/:name", r.handleService)
	group.POST("/api/signal", r.handleSignal)
	group.POST("/api/shutdown", r.handleShutdown)
	group.GET("/api/healthz", r.handleHealthz)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down by calling Close or Shutdown on the returned server.
func NewServer(addr string, orch *orchestrator.Orchestrator, enableMetrics bool) (*http.Server, error) {
	r := NewRouter(orch, "", enableMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Statuses())
}

func (r *Router) handleService(c *gin.Context) {
	name := c.Param("name")
	st, ok := r.orch.Status(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSignal(c *gin.Context) {
	name := c.Query("name")
	sigName := c.Query("signal")
	if name == "" || sigName == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name and signal query params required"})
		return
	}
	sig, err := service.ParseSignal(sigName)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.orch.SignalService(name, sig); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleShutdown(c *gin.Context) {
	r.orch.RequestShutdown()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
