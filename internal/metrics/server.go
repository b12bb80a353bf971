// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joss/scholar/internal/logging"
)

// Metrics holds runtime counters of the client.
type Metrics struct {
	// Connection lifecycle
	Connects        atomic.Int64
	ConnectFailures atomic.Int64
	ConnectionsLost atomic.Int64

	// Agent pushes by kind
	Steps       atomic.Int64
	Results     atomic.Int64
	AgentErrors atomic.Int64
	Dropped     atomic.Int64

	// Queries
	Queries       atomic.Int64
	QueryAborts   atomic.Int64
	QueryTimeouts atomic.Int64

	// Duration of the last finished query in ms
	LastQueryDurationMs atomic.Int64

	// Panics recovered in the client loop
	Panics atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New creates an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordConnect records the outcome of a dial.
func (m *Metrics) RecordConnect(success bool) {
	if success {
		m.Connects.Add(1)
	} else {
		m.ConnectFailures.Add(1)
	}
}

// RecordQueryEnd records how a query finished and how long it took.
func (m *Metrics) RecordQueryEnd(reason string, d time.Duration) {
	switch reason {
	case "aborted":
		m.QueryAborts.Add(1)
	case "timeout":
		m.QueryTimeouts.Add(1)
	}
	m.LastQueryDurationMs.Store(d.Milliseconds())
}

type sample struct {
	name, help, kind string
	value            any
}

func (m *Metrics) samples() []sample {
	return []sample{
		{"scholar_uptime_seconds", "Time since the client started", "gauge", fmt.Sprintf("%.2f", time.Since(m.startTime).Seconds())},
		{"scholar_connects_total", "Successful connections to the agent", "counter", m.Connects.Load()},
		{"scholar_connect_failures_total", "Failed dials to the agent", "counter", m.ConnectFailures.Load()},
		{"scholar_connections_lost_total", "Connections that ended abnormally", "counter", m.ConnectionsLost.Load()},
		{"scholar_steps_total", "Step events received", "counter", m.Steps.Load()},
		{"scholar_results_total", "Result events received", "counter", m.Results.Load()},
		{"scholar_agent_errors_total", "Error events received", "counter", m.AgentErrors.Load()},
		{"scholar_dropped_payloads_total", "Payloads that could not be classified", "counter", m.Dropped.Load()},
		{"scholar_queries_total", "Queries sent", "counter", m.Queries.Load()},
		{"scholar_query_aborts_total", "Queries ended by a connection failure", "counter", m.QueryAborts.Load()},
		{"scholar_query_timeouts_total", "Queries ended by the idle timeout", "counter", m.QueryTimeouts.Load()},
		{"scholar_last_query_duration_ms", "Duration of the last finished query", "gauge", m.LastQueryDurationMs.Load()},
		{"scholar_panics_total", "Panics recovered in the client loop", "counter", m.Panics.Load()},
	}
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for i, s := range m.samples() {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %v\n", s.name, s.value)
		}
	}
}

// Server wraps the metrics HTTP server
type Server struct {
	srv *http.Server
	log *logging.Logger
}

// NewServer creates a metrics server for m listening on addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logging.New("metrics").With("addr", addr),
	}
}

// Start binds the listener and serves in background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	logging.SafeGo("metrics-server", func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve_failed", nil, err)
		}
	})
	s.log.Info("listening", nil)
	return nil
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
