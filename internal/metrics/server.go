package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Superhepper/parsec/internal/logging"
)

// ServerConfig holds the metrics endpoint configuration.
type ServerConfig struct {
	// Enabled gates the whole endpoint. Disabled servers bind nothing.
	Enabled bool

	// Addr is the listen address.
	Addr string

	// ReadTimeout bounds reading a scrape request.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a scrape response.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the defaults: disabled, port 9090.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:      false,
		Addr:         "127.0.0.1:9090",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves /metrics and /healthz. Scrape traffic stays off the request
// socket entirely.
type Server struct {
	config ServerConfig
	log    *logging.Logger

	ln     net.Listener
	server *http.Server
}

// NewServer creates the metrics server. Nothing is bound until Start.
func NewServer(config ServerConfig, log *logging.Logger) *Server {
	return &Server{config: config, log: log}
}

// Start binds the listener and serves in the background. A disabled server
// starts successfully and binds nothing.
func (s *Server) Start() error {
	if !s.config.Enabled {
		return nil
	}

	InitMetrics()

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.Info("metrics endpoint listening on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			// Scrapes are non-critical; the service keeps running.
			s.log.Warn("metrics server stopped: %v", err)
		}
	}()

	return nil
}

// Stop shuts the endpoint down, waiting for in-flight scrapes up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or "" when not started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
