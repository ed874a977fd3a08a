// Package server implements the admin HTTP server of the reconciliation
// service: the /v1 API, health endpoints and, optionally, /metrics on one
// chi router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sornon/member-sub002/internal/logging"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("server closed")

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// RequestTimeout bounds API handlers. Scans of large collections may
	// need several minutes.
	RequestTimeout time.Duration

	TLS TLSConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    15 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RequestTimeout:  10 * time.Minute,
	}
}

// Routes collects what the router serves. Nil members are skipped.
type Routes struct {
	API     *API
	Health  *Health
	Metrics http.Handler
	// RequestMetrics observes every API request.
	RequestMetrics RequestMetrics
}

// NewRouter builds the chi router. Health and metrics endpoints sit outside
// the API middleware stack so probes never hit the request timeout.
func NewRouter(cfg Config, routes Routes, logger *logging.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if routes.Health != nil {
		routes.Health.Register(r)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}
	if routes.API != nil {
		r.Group(func(r chi.Router) {
			r.Use(RequestID)
			r.Use(AccessLog(logger, routes.RequestMetrics))
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			routes.API.Register(r)
		})
	}
	return r
}

// Server runs the admin router on one listener.
type Server struct {
	cfg     Config
	handler http.Handler
	logger  *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	reloader *CertReloader
	closed   atomic.Bool
	errCh    chan error
}

// New creates a Server. Call Start to begin serving.
func New(cfg Config, handler http.Handler, logger *logging.Logger) *Server {
	d := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{cfg: cfg, handler: handler, logger: logger, errCh: make(chan error, 1)}
}

// Start listens on the configured address and serves in the background.
// Serve errors are delivered on Err.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background, wrapping it in TLS when configured.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		ln.Close()
		return ErrServerClosed
	}

	scheme := "http"
	if s.cfg.TLS.Enabled() {
		reloader, err := NewCertReloader(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, s.logger)
		if err != nil {
			ln.Close()
			return err
		}
		reloader.Watch(30 * time.Second)
		s.reloader = reloader
		ln = newTLSListener(ln, reloader)
		scheme = "https"
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.logger.Infof("admin server listening", map[string]any{"addr": ln.Addr().String(), "scheme": scheme})

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("admin server error", map[string]any{"error": err.Error()})
			s.errCh <- err
		}
	}()
	return nil
}

// Err receives the error that stopped the server, if any.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// shutdown timeout or ctx, whichever ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.mu.Lock()
	srv, reloader := s.server, s.reloader
	s.mu.Unlock()

	if reloader != nil {
		reloader.Stop()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
