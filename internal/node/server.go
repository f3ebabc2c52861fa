package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/cheddar/seaport/internal/metrics"
	"github.com/cheddar/seaport/internal/registry"
)

const maxWait = 30 * time.Second

// Server exposes the registry over HTTP: metrics, health and read-only
// queries.
type Server struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
}

// NewServer creates a new HTTP server instance.
func NewServer(reg *registry.Registry, m *metrics.Metrics) *Server {
	return &Server{
		registry: reg,
		metrics:  m,
	}
}

// Handler routes /metrics, /healthz and /services.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.Health)
	mux.HandleFunc("/services", s.Services)
	return mux
}

// Health reports whether the registry is still running.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.Host(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Services handles GET /services?filter=role@range. With wait=<duration>
// it blocks until a match exists or the wait expires.
func (s *Server) Services(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter := r.URL.Query().Get("filter")

	var (
		services []registry.Service
		err      error
	)
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		wait, perr := time.ParseDuration(waitStr)
		if perr != nil || wait <= 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		services, err = s.registry.Get(ctx, filter)
		if errors.Is(err, context.DeadlineExceeded) {
			services, err = []registry.Service{}, nil
		}
	} else {
		services, err = s.registry.Query(filter)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(services); err != nil {
		glog.Errorf("[%s] failed to write services response: %v", s.registry.ID(), err)
	}
}
