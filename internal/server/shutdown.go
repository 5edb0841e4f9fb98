// Package server provides graceful shutdown management for the exporter's
// HTTP servers and background components.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrShuttingDown is reported by the readiness component once shutdown began.
var ErrShuttingDown = errors.New("shutting down")

// ShutdownManager runs registered hooks in priority order and then stops the
// HTTP servers.
type ShutdownManager struct {
	timeout     time.Duration
	hooks       []ShutdownHook
	httpServers []*http.Server
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	once        sync.Once
	done        chan struct{}

	duration prometheus.Histogram
	failures *prometheus.CounterVec
}

// ShutdownHook is a named step of the shutdown sequence. Lower priorities run
// first.
type ShutdownHook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Handler  func(ctx context.Context) error
}

// NewShutdownManager creates a manager bounded by timeout overall. Its
// metrics are registered with reg when reg is not nil.
func NewShutdownManager(timeout time.Duration, reg prometheus.Registerer) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	factory := promauto.With(reg)

	return &ShutdownManager{
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecoflowmon_shutdown_duration_seconds",
			Help:    "Time taken to gracefully shutdown the application",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecoflowmon_shutdown_errors_total",
			Help: "Number of errors during shutdown",
		}, []string{"component"}),
	}
}

func (sm *ShutdownManager) AddHTTPServer(server *http.Server) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.httpServers = append(sm.httpServers, server)
}

func (sm *ShutdownManager) RegisterHook(hook ShutdownHook) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 30 * time.Second
	}

	sm.hooks = append(sm.hooks, hook)
	slices.SortStableFunc(sm.hooks, func(a, b ShutdownHook) int {
		return a.Priority - b.Priority
	})
}

// Shutdown runs the shutdown sequence once. Later calls wait for the first
// one to finish.
func (sm *ShutdownManager) Shutdown() {
	sm.once.Do(func() {
		defer close(sm.done)

		start := time.Now()
		defer func() {
			sm.duration.Observe(time.Since(start).Seconds())
		}()

		slog.Info("starting graceful shutdown", "timeout", sm.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()

		sm.cancel()

		sm.executeShutdownHooks(ctx)
		sm.shutdownHTTPServers(ctx)

		slog.Info("graceful shutdown completed", "duration", time.Since(start))
	})
	<-sm.done
}

func (sm *ShutdownManager) shutdownHTTPServers(ctx context.Context) {
	sm.mutex.RLock()
	servers := slices.Clone(sm.httpServers)
	sm.mutex.RUnlock()

	if len(servers) == 0 {
		return
	}

	slog.Info("shutting down HTTP servers", "count", len(servers))

	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
				sm.failures.WithLabelValues("http_server").Inc()
				if closeErr := srv.Close(); closeErr != nil {
					slog.Error("HTTP server close error", "addr", srv.Addr, "error", closeErr)
				}
			} else {
				slog.Info("HTTP server shutdown complete", "addr", srv.Addr)
			}
		}(server)
	}

	wg.Wait()
}

func (sm *ShutdownManager) executeShutdownHooks(ctx context.Context) {
	sm.mutex.RLock()
	hooks := slices.Clone(sm.hooks)
	sm.mutex.RUnlock()

	if len(hooks) == 0 {
		return
	}

	slog.Info("executing shutdown hooks", "count", len(hooks))

	for _, hook := range hooks {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown timeout reached, skipping remaining hooks")
			return
		default:
		}

		sm.executeHook(ctx, hook)
	}
}

func (sm *ShutdownManager) executeHook(ctx context.Context, hook ShutdownHook) {
	hookStart := time.Now()

	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	slog.Debug("executing shutdown hook", "name", hook.Name, "timeout", hook.Timeout)

	done := make(chan error, 1)
	go func() {
		done <- hook.Handler(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("shutdown hook failed", "name", hook.Name, "error", err)
			sm.failures.WithLabelValues(hook.Name).Inc()
		} else {
			slog.Debug("shutdown hook completed", "name", hook.Name, "duration", time.Since(hookStart))
		}
	case <-hookCtx.Done():
		slog.Warn("shutdown hook timeout", "name", hook.Name, "timeout", hook.Timeout)
		sm.failures.WithLabelValues(hook.Name).Inc()
	}
}

// Context is cancelled as soon as shutdown begins.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	select {
	case <-sm.ctx.Done():
		return true
	default:
		return false
	}
}

// ComponentName implements health.ComponentChecker.
func (sm *ShutdownManager) ComponentName() string {
	return "shutdown"
}

// CheckHealth fails once shutdown began.
func (sm *ShutdownManager) CheckHealth(context.Context) error {
	if sm.IsShuttingDown() {
		return ErrShuttingDown
	}
	return nil
}
