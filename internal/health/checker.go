// Package health provides readiness checks for EcoFlowMon components.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check for a specific component.
type CheckResult struct {
	Component   string        `json:"component"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
}

// HealthStatus represents the overall health status and individual component checks.
type HealthStatus struct {
	Overall Status                 `json:"overall"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checking functionality.
type Checker interface {
	LivenessCheck(ctx context.Context) error
	ReadinessCheck(ctx context.Context) error
	StartupCheck(ctx context.Context) error
	GetHealthStatus(ctx context.Context) HealthStatus
}

// ComponentChecker defines the interface for individual component health checks.
type ComponentChecker interface {
	CheckHealth(ctx context.Context) error
	ComponentName() string
}

// HealthChecker runs the registered component checks.
type HealthChecker struct {
	components  map[string]ComponentChecker
	mu          sync.RWMutex
	lastChecks  map[string]CheckResult
	startupTime time.Time
	// StartupGrace is how long StartupCheck only requires liveness.
	StartupGrace time.Duration
	// CheckTimeout bounds a single readiness pass.
	CheckTimeout time.Duration
}

// NewHealthChecker creates a new health checker instance.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		components:   make(map[string]ComponentChecker),
		lastChecks:   make(map[string]CheckResult),
		startupTime:  time.Now(),
		StartupGrace: 30 * time.Second,
		CheckTimeout: 10 * time.Second,
	}
}

// RegisterComponent adds checker, replacing one with the same name.
func (hc *HealthChecker) RegisterComponent(checker ComponentChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[checker.ComponentName()] = checker
}

// LivenessCheck has no dependencies; it only fails on a done context.
func (hc *HealthChecker) LivenessCheck(ctx context.Context) error {
	return ctx.Err()
}

// ReadinessCheck runs every component and reports all failures.
func (hc *HealthChecker) ReadinessCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hc.CheckTimeout)
	defer cancel()

	var errs []error
	for _, component := range hc.snapshot() {
		if err := component.CheckHealth(ctx); err != nil {
			errs = append(errs, fmt.Errorf("component %s not ready: %w", component.ComponentName(), err))
		}
	}
	return errors.Join(errs...)
}

// StartupCheck only requires liveness during the grace period after start.
func (hc *HealthChecker) StartupCheck(ctx context.Context) error {
	if time.Since(hc.startupTime) < hc.StartupGrace {
		return hc.LivenessCheck(ctx)
	}
	return hc.ReadinessCheck(ctx)
}

// GetHealthStatus runs every component and records the results. A check
// slower than half the timeout marks the component degraded.
func (hc *HealthChecker) GetHealthStatus(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	previous := hc.lastChecks
	hc.mu.RUnlock()

	results := make(map[string]CheckResult)
	overall := StatusHealthy

	for _, component := range hc.snapshot() {
		name := component.ComponentName()
		start := time.Now()
		err := component.CheckHealth(ctx)
		now := time.Now()

		result := CheckResult{
			Component: name,
			Status:    StatusHealthy,
			Duration:  now.Sub(start),
			Timestamp: now,
		}

		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			if prev, ok := previous[name]; ok {
				result.LastSuccess = prev.LastSuccess
			}
			overall = StatusUnhealthy
		} else {
			result.LastSuccess = &now
			if result.Duration > hc.CheckTimeout/2 {
				result.Status = StatusDegraded
				if overall == StatusHealthy {
					overall = StatusDegraded
				}
			}
		}
		results[name] = result
	}

	hc.mu.Lock()
	hc.lastChecks = results
	hc.mu.Unlock()

	return HealthStatus{Overall: overall, Checks: results}
}

// snapshot returns the registered components ordered by name.
func (hc *HealthChecker) snapshot() []ComponentChecker {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	names := make([]string, 0, len(hc.components))
	for name := range hc.components {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ComponentChecker, 0, len(names))
	for _, name := range names {
		out = append(out, hc.components[name])
	}
	return out
}

// CacheHealthChecker reports the snapshot cache unhealthy when its newest
// snapshot is older than maxAge. An empty cache is healthy: the first cycle
// may still be running.
type CacheHealthChecker struct {
	cache  *cache.MetricsCache
	maxAge time.Duration
}

// NewCacheHealthChecker creates a cache health checker. A zero maxAge
// disables the staleness check.
func NewCacheHealthChecker(c *cache.MetricsCache, maxAge time.Duration) *CacheHealthChecker {
	return &CacheHealthChecker{cache: c, maxAge: maxAge}
}

func (cc *CacheHealthChecker) ComponentName() string {
	return "snapshot_cache"
}

func (cc *CacheHealthChecker) CheckHealth(ctx context.Context) error {
	if cc.cache == nil {
		return fmt.Errorf("cache not initialized")
	}

	stats := cc.cache.Stats()
	if cc.maxAge <= 0 || stats.LastUpdate.IsZero() {
		return nil
	}
	if age := time.Since(stats.LastUpdate); age > cc.maxAge {
		return fmt.Errorf("newest snapshot is %s old, limit %s", age.Round(time.Second), cc.maxAge)
	}
	return nil
}

// WriteHealthResponse writes status as JSON with the given HTTP status.
func WriteHealthResponse(w http.ResponseWriter, status HealthStatus, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	body := struct {
		Status    Status                 `json:"status"`
		Timestamp string                 `json:"timestamp"`
		Checks    map[string]CheckResult `json:"checks"`
	}{
		Status:    status.Overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    status.Checks,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

func DetermineHTTPStatus(status Status) int {
	switch status {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		return http.StatusOK
	case StatusUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
