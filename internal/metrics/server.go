package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource reports overall process health for the /healthz endpoint.
type HealthSource interface {
	IsHealthy() bool
}

// Server exposes /metrics and /healthz. NewServer listens on the given
// port as is; the caller does not create a server when the configured
// port is 0.
type Server struct {
	set    *Set
	health HealthSource
	srv    *http.Server
}

// NewServer creates the exposition server.
func NewServer(set *Set, health HealthSource, port int) *Server {
	s := &Server{set: set, health: health}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(set.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocking; run in a goroutine.
func (s *Server) Start() error {
	slog.Info("starting metrics server", "address", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthy := s.health == nil || s.health.IsHealthy()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
}
