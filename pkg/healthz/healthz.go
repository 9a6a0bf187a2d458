// Package healthz serves the operational HTTP surface: a JSON health
// endpoint and the Prometheus metrics endpoint. The listener binds loopback
// only unless remote binding is explicitly allowed.
package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// Server is the health and metrics listener.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Server struct {
	ops         *persistence.DatabaseOperations
	port        int
	allowRemote bool
	logger      *logx.Logger
	boundAddr   string
}

// New creates a health server. Port 0 disables the listener entirely.
func New(ops *persistence.DatabaseOperations, port int, allowRemote bool) *Server {
	return &Server{
		ops:         ops,
		port:        port,
		allowRemote: allowRemote,
		logger:      logx.NewLogger("healthz"),
	}
}

// Start binds the listener and serves until ctx is canceled. Returns
// immediately after binding; a zero port is a no-op.
func (s *Server) Start(ctx context.Context) error {
	if s.port == 0 {
		s.logger.Info("health listener disabled (port 0)")
		return nil
	}

	host := "127.0.0.1"
	if s.allowRemote {
		host = ""
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.port))
	if err != nil {
		return fmt.Errorf("failed to bind health listener: %w", err)
	}
	s.serve(ctx, ln)
	return nil
}

// Addr returns the bound listener address, or "" when disabled.
func (s *Server) Addr() string {
	return s.boundAddr
}

// serve runs the HTTP server on an existing listener and shuts it down
// gracefully when ctx is canceled.
func (s *Server) serve(ctx context.Context, ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.boundAddr = ln.Addr().String()
	s.logger.Info("health listener on http://%s", s.boundAddr)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		// The parent context is already canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // fresh context required after parent cancellation
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health server shutdown failed: %v", err)
		}
	}()
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"schema_version": persistence.CurrentSchemaVersion,
	}

	if running, err := s.ops.ListRunsByStatus(proto.RunStatusRunning); err == nil {
		response["active_runs"] = len(running)
	} else {
		response["status"] = "degraded"
		response["error"] = err.Error()
	}
	if pending, err := s.ops.ListPendingFeatures(); err == nil {
		response["pending_features"] = len(pending)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
