// Package health provides the liveness, readiness and metrics endpoints.
//
// Docker and Kubernetes use /healthz to monitor the daemon's liveness.
// /readyz additionally runs the registered checks (e.g. "ffmpeg can be
// located") so that traffic is only routed to an instance that can finish a
// synthesis. /metrics serves Prometheus metrics when a handler is installed.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports why a dependency is unusable, or nil.
type Check func(ctx context.Context) error

// Server is a lightweight HTTP server that exposes /healthz, /readyz and /metrics.
type Server struct {
	port    int
	ready   atomic.Bool
	metrics http.Handler
	server  *http.Server

	mu     sync.RWMutex
	checks map[string]Check
}

// New creates a new health check server.
func New(port int) *Server {
	return &Server{port: port, checks: make(map[string]Check)}
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// AddCheck registers a readiness check.
func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// SetMetricsHandler mounts h on /metrics. Must be called before ListenAndServe.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
		writeStatus(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if failed := s.runChecks(ctx); len(failed) > 0 {
			writeStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failed})
			return
		}
		writeStatus(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) runChecks(ctx context.Context) map[string]string {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	failed := map[string]string{}
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

func writeStatus(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port, "metrics", s.metrics != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
