package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/statesync/internal/replica"
)

// Server is the admin HTTP API of a node.
type Server struct {
	config      Config
	http        *http.Server
	engine      *replica.Engine
	metrics     *Metrics
	rateLimiter *RateLimiter
	listener    net.Listener
	cancel      context.CancelFunc
}

// NewServer creates a new Server for the given engine.
func NewServer(cfg Config, engine *replica.Engine) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	s := &Server{
		config:      cfg,
		engine:      engine,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.rateLimiter.run(ctx, 5*time.Minute)

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.requireAuth(s.handleMetrics))
	mux.HandleFunc("GET /v1/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /v1/workflow", s.requireAuth(s.handleWorkflow))

	// Entities
	mux.HandleFunc("POST /v1/entities", s.requireAuth(s.withRateLimit(s.handleCreateEntity)))
	mux.HandleFunc("GET /v1/entities", s.requireAuth(s.handleListEntities))
	mux.HandleFunc("GET /v1/entities/{id}", s.requireAuth(s.handleGetEntity))
	mux.HandleFunc("PATCH /v1/entities/{id}", s.requireAuth(s.withRateLimit(s.handleUpdateEntity)))
	mux.HandleFunc("POST /v1/entities/{id}/transition", s.requireAuth(s.withRateLimit(s.handleTransition)))
	mux.HandleFunc("DELETE /v1/entities/{id}", s.requireAuth(s.withRateLimit(s.handleDeleteEntity)))
	mux.HandleFunc("GET /v1/entities/{id}/activity", s.requireAuth(s.handleActivity))

	// Peers
	mux.HandleFunc("GET /v1/peers", s.requireAuth(s.handleListPeers))
	mux.HandleFunc("POST /v1/peers", s.requireAuth(s.withRateLimit(s.handleAddPeer)))
	mux.HandleFunc("DELETE /v1/peers", s.requireAuth(s.withRateLimit(s.handleRemovePeer)))
	mux.HandleFunc("POST /v1/flush", s.requireAuth(s.withRateLimit(s.handleFlush)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, s.corsMiddleware, maxBytesMiddleware(1<<20))
}

// handleHealth reports whether the node can accept writes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "detail": "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.engine.NodeID()})
}

// handleMetrics returns a snapshot of admin API metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
