package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"noesis/internal/api/health"
	"noesis/internal/api/stream"
	"noesis/internal/metrics"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// ServerConfig contains configuration for HTTP server
type ServerConfig struct {
	Port         int
	ServiceName  string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates and configures HTTP server with all routes
func NewServer(cfg ServerConfig, reasoning *ReasoningHandler, healthHandler *health.Handler, hub *stream.Hub, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	// Reasoning session endpoints
	mux.HandleFunc("POST /reason", reasoning.HandleReason)
	mux.HandleFunc("GET /sessions/{id}/status", reasoning.HandleStatus)
	mux.HandleFunc("POST /sessions/{id}/cancel", reasoning.HandleCancel)
	mux.HandleFunc("POST /sessions/{id}/resume", reasoning.HandleResume)
	mux.HandleFunc("GET /sessions/{id}/log", reasoning.HandleSessionLog)
	mux.HandleFunc("GET /sessions/{id}/stream", hub.HandleSubscribe)

	// Checkpoint store maintenance
	mux.HandleFunc("GET /checkpoints/stats", reasoning.HandleCheckpointStats)
	mux.HandleFunc("POST /checkpoints/cleanup", reasoning.HandleCheckpointCleanup)

	// Health check endpoints (Kubernetes probes)
	mux.HandleFunc("/health", healthHandler.HandleHealth)
	mux.HandleFunc("/ready", healthHandler.HandleReadiness)
	mux.HandleFunc("/live", healthHandler.HandleLiveness)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", metrics.Handler())

	// Root endpoint (service info)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"service":"%s","version":"%s","status":"running"}`,
			cfg.ServiceName, cfg.Version)
	})

	port := 8080
	if cfg.Port > 0 {
		port = cfg.Port
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		// Synchronous /reason responses can take a whole session budget
		writeTimeout = 10 * time.Minute
	}

	log.Infof("HTTP server configured on port %d", port)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		log:        log,
	}
}

// Start begins listening for HTTP requests
// Blocks until server is stopped or encounters an error
func (s *Server) Start() error {
	s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
// Waits for active connections to complete within timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}

	s.log.Info("✓ HTTP server stopped")
	return nil
}
