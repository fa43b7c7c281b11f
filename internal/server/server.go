// Package server exposes the ingester's observation surface over HTTP:
// liveness and readiness probes, a streaming status endpoint, and
// Prometheus metrics. The handler is wrapped in h2c, so HTTP/1.1 and
// cleartext HTTP/2 clients share one port; no RPC routes are served.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"driftlog/internal/ingest"
	"driftlog/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// StatusSource exposes the ingester lifecycle status. Implemented by
// ingest.StatusWatcher; defined here at the consumer site to keep the
// dependency narrow.
type StatusSource interface {
	Current() ingest.Status
	WaitFor(ctx context.Context, pred func(ingest.Status) bool) (ingest.Status, error)
}

// Config configures a Server.
type Config struct {
	// Listen is the address to bind, e.g. ":7180".
	Listen string

	// Status is the ingester status source backing /readyz and /status.
	Status StatusSource

	// NodeID identifies this ingester in responses.
	NodeID string

	// ShutdownGrace bounds graceful shutdown. Defaults to 5 seconds.
	ShutdownGrace time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	// The server scopes this logger with component="server".
	Logger *slog.Logger
}

// Server is the HTTP observation surface of an ingester node.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server. The listener is opened by Run.
func New(cfg Config) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Server{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "server"),
	}
}

// handler builds the route table.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return h2c.NewHandler(mux, &http2.Server{})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.logger.Info("listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleReadyz reports 200 only while the ingester is Ready, so
// routers stop sending batches to initializing or failed nodes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := s.cfg.Status.Current()
	if status == ingest.StatusReady {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "%s\n", status)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = fmt.Fprintf(w, "%s\n", status)
}

// statusEvent is one line of the /status stream.
type statusEvent struct {
	NodeID  string `json:"node_id"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// handleStatus streams the current status and every subsequent change
// as JSON lines until the client disconnects. Watch semantics: a slow
// client observes the latest value, not necessarily every transition.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")

	enc := json.NewEncoder(w)
	last := s.cfg.Status.Current()
	if err := enc.Encode(statusEvent{NodeID: s.cfg.NodeID, Status: last.String(), Version: Version}); err != nil {
		return
	}
	flusher.Flush()

	for {
		next, err := s.cfg.Status.WaitFor(r.Context(), func(status ingest.Status) bool {
			return status != last
		})
		if err != nil {
			return // client gone
		}
		last = next
		if err := enc.Encode(statusEvent{NodeID: s.cfg.NodeID, Status: last.String(), Version: Version}); err != nil {
			return
		}
		flusher.Flush()
	}
}
