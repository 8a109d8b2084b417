// Package initr is the embeddable facade over the supervision core: it
// wires the dependency graph, the process supervisor, the healthcheck
// probers, and the orchestrator together behind a small API. The initr
// binary in cmd/initr is a thin CLI over this package.
package initr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/initr/internal/config"
	"github.com/loykin/initr/internal/depgraph"
	"github.com/loykin/initr/internal/event"
	"github.com/loykin/initr/internal/history"
	"github.com/loykin/initr/internal/history/factory"
	"github.com/loykin/initr/internal/logger"
	"github.com/loykin/initr/internal/metrics"
	"github.com/loykin/initr/internal/orchestrator"
	"github.com/loykin/initr/internal/server"
	"github.com/loykin/initr/internal/service"
	"github.com/loykin/initr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = service.Spec

type Status = orchestrator.Status

// Exit codes of Run.
const (
	ExitOK             = orchestrator.ExitOK
	ExitServicesFailed = orchestrator.ExitServicesFailed
	ExitInternalError  = orchestrator.ExitInternalError
)

// Supervisor is the assembled supervision engine for one fixed service set.
type Supervisor struct {
	specs    []service.Spec
	graph    *depgraph.Graph
	bus      *event.Bus
	sup      *supervisor.Supervisor
	orch     *orchestrator.Orchestrator
	recorder *history.Recorder
	log      *slog.Logger
}

type options struct {
	log       *slog.Logger
	globalEnv []string
	sinks     []history.Sink
	histBuf   int
	termSigs  []os.Signal
	fwdSigs   []os.Signal
}

// Option configures New.
type Option func(*options)

// WithLogger sets the supervisor's own logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithGlobalEnv sets KEY=VALUE pairs merged under every service's env.
func WithGlobalEnv(kvs []string) Option {
	return func(o *options) { o.globalEnv = kvs }
}

// WithHistorySinks attaches lifecycle journal sinks.
func WithHistorySinks(sinks []history.Sink, buffer int) Option {
	return func(o *options) { o.sinks = sinks; o.histBuf = buffer }
}

// WithTerminationSignals overrides the signals that trigger shutdown
// (default SIGTERM, SIGINT).
func WithTerminationSignals(sigs []os.Signal) Option {
	return func(o *options) { o.termSigs = sigs }
}

// WithForwardSignals sets signals re-broadcast to all services.
func WithForwardSignals(sigs []os.Signal) Option {
	return func(o *options) { o.fwdSigs = sigs }
}

// New validates the service set, builds the dependency graph, and wires
// the supervision engine. Descriptor and topology problems are returned
// as errors before anything runs.
func New(specs []Spec, opts ...Option) (*Supervisor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, err
		}
	}
	graph, err := depgraph.Build(specs)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(0)
	supOpts := []supervisor.Option{}
	if len(o.termSigs) > 0 {
		supOpts = append(supOpts, supervisor.WithTerminationSignals(o.termSigs))
	}
	if len(o.fwdSigs) > 0 {
		supOpts = append(supOpts, supervisor.WithForwardSignals(o.fwdSigs))
	}
	sup := supervisor.New(bus, o.log, supOpts...)

	var rec *history.Recorder
	orchOpts := []orchestrator.Option{orchestrator.WithLogger(o.log)}
	if len(o.sinks) > 0 {
		rec = history.NewRecorder(o.sinks, o.histBuf, o.log)
		orchOpts = append(orchOpts, orchestrator.WithRecorder(rec))
	}
	if len(o.globalEnv) > 0 {
		orchOpts = append(orchOpts, orchestrator.WithGlobalEnv(o.globalEnv))
	}
	orch := orchestrator.New(specs, graph, bus, sup, orchOpts...)

	return &Supervisor{
		specs:    specs,
		graph:    graph,
		bus:      bus,
		sup:      sup,
		orch:     orch,
		recorder: rec,
		log:      o.log,
	}, nil
}

// FromCommand wraps a single command in a one-service supervisor: initr
// acts as a plain init for that command and exits with its outcome.
func FromCommand(command string, opts ...Option) (*Supervisor, error) {
	return New([]Spec{{Name: "main", Command: command}}, opts...)
}

// Run starts everything and blocks until all services have settled or a
// shutdown completed. It returns the supervisor process exit code.
// Cancelling ctx triggers graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) int {
	// The reaper and signal loops must outlive the caller's ctx: a
	// cancellation means "shut services down", and collecting their exits
	// is exactly what the reap loop is still needed for. They stop once
	// the orchestrator has drained everything.
	supCtx, stopSup := context.WithCancel(context.Background())
	defer stopSup()
	s.sup.Start(supCtx)
	code := s.orch.Run(ctx)
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn("closing history sinks failed", "error", err)
		}
	}
	return code
}

// Orchestrator exposes the running engine for status queries, signals,
// and shutdown requests (used by the control API).
func (s *Supervisor) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// StartOrder returns the topological start order of the service set.
func (s *Supervisor) StartOrder() []string { return s.graph.StartOrder() }

// ShutdownOrder returns the reverse dependency order used on shutdown.
func (s *Supervisor) ShutdownOrder() []string { return s.graph.ShutdownOrder() }

// LoadConfig loads and validates the main config file.
func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// LoadServicesDir loads one-service-per-file descriptors from a directory.
func LoadServicesDir(dir string) ([]Spec, error) { return cfg.LoadServicesDir(dir) }

// NewLogger builds the supervisor's slog logger (formats: text, json,
// color).
func NewLogger(level, format string) *slog.Logger { return logger.Setup(level, format) }

// NewHistorySink creates a journal sink from a DSN (sqlite, postgres,
// clickhouse).
func NewHistorySink(dsn string) (history.Sink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts the control API server on addr for a running
// supervisor.
func NewHTTPServer(addr string, s *Supervisor, enableMetrics bool) (*http.Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty listen address")
	}
	return server.NewServer(addr, s.orch, enableMetrics)
}

// APIHandler returns the control API handler for mounting into an
// existing mux or framework.
func APIHandler(s *Supervisor, basePath string, enableMetrics bool) http.Handler {
	return server.NewRouter(s.orch, basePath, enableMetrics).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
