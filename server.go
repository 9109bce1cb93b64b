package frpauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP front of the webhook. frps posts to /handler; the
// remaining routes are for operators and probes.
type Server struct {
	// Addr is the listen address, e.g. "127.0.0.1:7005".
	Addr string

	// Handler answers POST /handler.
	Handler *Handler

	// Admin, if set, serves /health, /reload and /status.
	Admin *AdminAPI

	// Health, if set, serves /healthz and /readyz.
	Health *HealthChecker

	// Metrics, if set, is served at /metrics.
	Metrics *Metrics

	// RateLimiter, if set, throttles the admin routes and /metrics.
	RateLimiter *RateLimiter

	// Compression, if set, compresses admin responses.
	Compression *CompressionConfig

	// MaxBodySize caps plugin request bodies. Zero means no limit.
	MaxBodySize int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a Server for the given plugin handler.
func NewServer(addr string, h *Handler) *Server {
	return &Server{
		Addr:        addr,
		Handler:     h,
		MaxBodySize: DefaultMaxBodySize,
		Logger:      slog.Default(),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.With(LimitBody(s.MaxBodySize)).Post("/handler", s.Handler.ServeHTTP)

	if s.Health != nil {
		r.Get("/healthz", s.Health.HandleHealthz)
		r.Get("/readyz", s.Health.HandleReadyz)
	}

	r.Group(func(r chi.Router) {
		if s.RateLimiter != nil {
			r.Use(s.RateLimiter.Middleware)
		}
		if s.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		}
		if s.Admin != nil {
			r.Group(func(r chi.Router) {
				if s.Compression != nil {
					r.Use(Compress(*s.Compression))
				}
				s.Admin.Routes(r)
			})
		}
	})

	return r
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.Logger.Handler(), slog.LevelError),
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	if s.Health != nil {
		s.Health.SetAlive(true)
		s.Health.SetReady(true)
	}

	s.Logger.Info("plugin server listening", "addr", l.Addr().String())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Health != nil {
		s.Health.SetReady(false)
	}

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
