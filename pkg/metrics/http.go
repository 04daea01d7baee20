package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsReadTimeout       = 10 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 120 * time.Second
	metricsShutdownTimeout   = 15 * time.Second
)

// Server exposes /metrics, /health, /healthz and /readyz.
type Server struct {
	mux       *http.ServeMux
	collector *Collector
	health    *Health
	logger    zerolog.Logger
}

// ServerConfig configures the observability server.
type ServerConfig struct {
	// Collector defaults to Global().
	Collector *Collector
	Version   string
	// SelfTest adds the power-on self test result as a health check.
	SelfTest bool
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// NewServer creates an observability server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}

	s := &Server{
		mux:       http.NewServeMux(),
		collector: cfg.Collector,
		health:    NewHealth(cfg.Collector, cfg.Version),
		logger:    componentLogger(cfg.Logger, "metrics"),
	}
	if cfg.SelfTest {
		s.health.AddCheck("selftest", SelfTestCheck())
		s.health.AddCheck("rng", RNGCheck())
	}

	s.mux.Handle("/metrics", cfg.Collector.Handler())
	s.mux.Handle("/health", s.health.Handler())
	s.mux.Handle("/healthz", s.health.LivenessHandler())
	s.mux.Handle("/readyz", s.health.ReadinessHandler())
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// AddHealthCheck adds a health check to the server.
func (s *Server) AddHealthCheck(name string, check CheckFunc) {
	s.health.AddCheck(name, check)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := newHTTPServer(ln.Addr().String(), s.mux)

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server started")

	select {
	case err := <-errC:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "metrics server shutdown")
	}
	if err := <-errC; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "metrics server")
	}
	s.logger.Info().Msg("metrics server stopped")
	return nil
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		ReadTimeout:       metricsReadTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
}
