// Package server provides HTTP handlers for the EcoFlowMon server.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
	"github.com/tbuchboeck/EcoFlowMon/internal/health"
	"github.com/tbuchboeck/EcoFlowMon/internal/metrics"
)

// Build information, set by SetVersion from linker flags.
var (
	version   = "dev"
	buildTime = "unknown"
)

// SetVersion sets the version and build time reported by the handlers.
func SetVersion(v string, bt string) {
	version = v
	buildTime = bt
}

// Version returns the version reported by the handlers.
func Version() string {
	return version
}

// Dependencies are the components the handlers report on. Every field except
// Registry may be nil.
type Dependencies struct {
	Registry  *metrics.Registry
	Health    *health.HealthChecker
	Collector *metrics.Collector
	Scheduler *metrics.Scheduler
	Snapshots *cache.MetricsCache
}

// Handlers serves the exporter's HTTP endpoints.
type Handlers struct {
	deps      Dependencies
	startTime time.Time
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{deps: deps, startTime: time.Now()}
}

type infoResponse struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Endpoints   map[string]string `json:"endpoints"`
}

// InfoHandler describes the exporter and its endpoints.
func (h *Handlers) InfoHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Name:        "EcoFlowMon",
		Description: "Prometheus exporter for EcoFlow devices",
		Version:     version,
		Endpoints: map[string]string{
			"/metrics":  "Prometheus metrics",
			"/health":   "Health check",
			"/":         "This info page",
			"/livez":    "Liveness probe",
			"/readyz":   "Readiness probe",
			"/startupz": "Startup probe",
			"/healthz":  "Detailed component health",
			"/debug":    "Devices, cache and scheduler state",
		},
	})
}

// HealthHandler is the unconditional liveness check.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// MetricsHandler serves the exposition of the registry.
func (h *Handlers) MetricsHandler() http.Handler {
	return h.deps.Registry.Handler()
}

// LivenessHandler provides the liveness probe endpoint.
func (h *Handlers) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, 5*time.Second, "ok", "unhealthy", func(ctx context.Context) error {
		return h.deps.Health.LivenessCheck(ctx)
	})
}

// ReadinessHandler reports ready once every registered component is healthy.
func (h *Handlers) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, 10*time.Second, "ready", "not ready", func(ctx context.Context) error {
		return h.deps.Health.ReadinessCheck(ctx)
	})
}

func (h *Handlers) StartupHandler(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, 30*time.Second, "started", "not started", func(ctx context.Context) error {
		return h.deps.Health.StartupCheck(ctx)
	})
}

func (h *Handlers) DetailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: "not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	status := h.deps.Health.GetHealthStatus(ctx)
	health.WriteHealthResponse(w, status, health.DetermineHTTPStatus(status.Overall))
}

type probeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handlers) probe(w http.ResponseWriter, r *http.Request, timeout time.Duration, ok, failed string, check func(context.Context) error) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusOK, probeResponse{Status: "not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: failed, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Status: ok})
}

type debugDevice struct {
	SN         string     `json:"sn"`
	Name       string     `json:"name"`
	Online     bool       `json:"online"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	Quotas     int        `json:"quotas"`
}

type debugResponse struct {
	Version        string        `json:"version"`
	BuildTime      string        `json:"build_time"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	CollectorState string        `json:"collector_state,omitempty"`
	Devices        []debugDevice `json:"devices"`
	Cache          *cache.Stats  `json:"cache,omitempty"`
	NextRun        *time.Time    `json:"next_run,omitempty"`
	Gauges         int           `json:"gauges"`
}

// DebugHandler reports the device roster, cache and scheduler state.
func (h *Handlers) DebugHandler(w http.ResponseWriter, _ *http.Request) {
	resp := debugResponse{
		Version:       version,
		BuildTime:     buildTime,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Devices:       []debugDevice{},
	}

	if c := h.deps.Collector; c != nil {
		resp.CollectorState = c.State().String()
		for _, d := range c.Devices() {
			dd := debugDevice{SN: d.SN.String(), Name: d.Name.String(), Online: d.Online}
			if entry, ok := c.CachedSnapshot(d.SN); ok {
				ts := entry.Timestamp
				dd.LastUpdate = &ts
				dd.Quotas = entry.Quotas.Len()
			}
			resp.Devices = append(resp.Devices, dd)
		}
	}
	if h.deps.Snapshots != nil {
		stats := h.deps.Snapshots.Stats()
		resp.Cache = &stats
	}
	if h.deps.Scheduler != nil {
		resp.NextRun = h.deps.Scheduler.NextRun()
	}
	if h.deps.Registry != nil {
		resp.Gauges = len(h.deps.Registry.GaugeNames())
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
