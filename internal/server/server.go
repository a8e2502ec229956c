// Package server exposes the approval core over HTTP: create, query,
// resolve, long-poll wait, the audit trail, health, metrics, and the web
// channel's websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/internal/auth"
	"github.com/haasonsaas/gatekeeper/internal/channels/web"
	"github.com/haasonsaas/gatekeeper/internal/observability"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server is the HTTP surface over the approval service.
type Server struct {
	cfg     Config
	svc     *approvals.Service
	hub     *web.Hub
	jwt     *auth.JWTService
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server. hub may be nil when the web channel is disabled; jwt
// may be nil to leave the API unauthenticated.
func New(cfg Config, svc *approvals.Service, hub *web.Hub, jwt *auth.JWTService, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		jwt:     jwt,
		logger:  logger.With("component", "server"),
		metrics: metrics,
	}
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/approvals", s.handleCreate)
	api.HandleFunc("GET /api/v1/approvals", s.handleListPending)
	api.HandleFunc("GET /api/v1/approvals/{id}", s.handleGet)
	api.HandleFunc("GET /api/v1/approvals/{id}/wait", s.handleWait)
	api.HandleFunc("POST /api/v1/approvals/{id}/resolve", s.handleResolve)
	api.HandleFunc("GET /api/v1/audit", s.handleAudit)

	mux.Handle("/api/", s.instrument(s.authenticate(api)))
	return mux
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// No global write timeout: /wait long-polls for up to the
		// approval timeout.
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
