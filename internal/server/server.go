// Package server provides HTTP server functionality for EcoFlowMon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbuchboeck/EcoFlowMon/internal/config"
	"github.com/tbuchboeck/EcoFlowMon/internal/security"
)

const (
	maxRequestBytes   = 1 << 20
	limiterIdleWindow = 10 * time.Minute
)

// createHTTPServer creates a configured HTTP server with standard timeouts.
func createHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// SetupRoutes configures and returns the HTTP routes of the exporter.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h.MetricsHandler())
	mux.HandleFunc("GET /health", h.HealthHandler)
	mux.HandleFunc("GET /{$}", h.InfoHandler)
	mux.HandleFunc("GET /debug", h.DebugHandler)

	mux.HandleFunc("GET /livez", h.LivenessHandler)
	mux.HandleFunc("GET /readyz", h.ReadinessHandler)
	mux.HandleFunc("GET /startupz", h.StartupHandler)
	mux.HandleFunc("GET /healthz", h.DetailedHealthHandler)

	return mux
}

// Middleware wraps a handler with the security middleware chain. A nil
// limiter disables rate limiting.
func Middleware(next http.Handler, limiter *security.RateLimiter) http.Handler {
	handler := security.RequestSizeLimitMiddleware(maxRequestBytes)(next)
	handler = security.RateLimitMiddleware(limiter)(handler)
	return security.SecurityHeadersMiddleware(handler)
}

// NewRateLimiter builds the per-client limiter for rps requests per second,
// or nil when rps is zero.
func NewRateLimiter(rps float64) *security.RateLimiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return security.NewRateLimiter(rps, burst)
}

// Server runs the exporter's listeners.
type Server struct {
	cfg      config.Config
	handler  http.Handler
	limiter  *security.RateLimiter
	shutdown *ShutdownManager
}

// New creates a server for the given handlers. Servers it starts are
// registered with shutdown.
func New(cfg config.Config, h *Handlers, shutdown *ShutdownManager) *Server {
	limiter := NewRateLimiter(cfg.HTTPRateLimit)
	return &Server{
		cfg:      cfg,
		handler:  Middleware(SetupRoutes(h), limiter),
		limiter:  limiter,
		shutdown: shutdown,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on the standalone listener and, when enabled, on tsnet until
// ctx is cancelled or a listener fails. Either way the shutdown manager is
// triggered before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	listeners := []namedListener{{name: "local", ln: ln}}

	if s.cfg.UseTsnet {
		tsServer, tsLn, err := listenTsnet(s.cfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			if err := tsServer.Close(); err != nil {
				slog.Warn("failed to close tsnet server", "error", err)
			}
		}()
		listeners = append(listeners, namedListener{name: "tsnet", ln: tsLn})
	}

	return s.serve(ctx, listeners...)
}

type namedListener struct {
	name string
	ln   net.Listener
}

// serve runs one HTTP server per listener under an errgroup.
func (s *Server) serve(ctx context.Context, listeners ...namedListener) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		srv := createHTTPServer(l.ln.Addr().String(), s.handler)
		s.shutdown.AddHTTPServer(srv)

		g.Go(func() error {
			slog.Info("server ready", "listener", l.name, "bind", l.ln.Addr().String())
			if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s http serve failed: %w", l.name, err)
			}
			return nil
		})
	}

	if s.limiter != nil {
		g.Go(func() error {
			s.cleanupLimiter(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown.Shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(limiterIdleWindow); n > 0 {
				slog.Debug("rate limiter cleanup", "removed_clients", n)
			}
		}
	}
}
