package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/lsoa-ingest/internal/handlers"
)

// Server serves health and metrics while an ingestion runs.
type Server struct {
	httpServer *http.Server
	logger     logrus.FieldLogger
	listener   net.Listener
}

// New creates a new HTTP server exposing GET /health and GET /metrics.
func New(
	logger logrus.FieldLogger,
	addr string,
	gatherer prometheus.Gatherer,
	status *handlers.RunStatus,
) *Server {
	logger = logger.WithField("component", "server")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health(status))
	logger.WithField("route", "GET /health").Debug("Registered route")

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	logger.WithField("route", "GET /metrics").Debug("Registered route")

	// Apply middleware chain: Logging → Recovery
	handler := logging(logger)(mux)
	handler = recovery(logger)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	s.listener = ln

	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.httpServer.Addr
}

// Serve serves requests until Shutdown (blocking call). It binds the
// address first when Listen was not called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.WithField("addr", s.Addr()).Info("Starting metrics server")

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down metrics server")

	return s.httpServer.Shutdown(ctx)
}
