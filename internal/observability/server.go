package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/effbench/internal/logging"
)

// Server exposes /metrics and /health while a run is in progress.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
	addr   string
}

// NewRouter builds the HTTP routes for m.
func NewRouter(m *Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	}).Methods("GET")
	return router
}

// NewServer creates a server for addr. Nothing listens until Start.
func NewServer(addr string, m *Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Component("metrics"),
		addr:   addr,
	}
}

// Start binds the listener and serves in the background. A bind failure is
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.logger.Info("Metrics endpoint listening", map[string]interface{}{"url": "http://" + s.addr + "/metrics"})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
