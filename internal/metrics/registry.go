package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
	"github.com/tbuchboeck/EcoFlowMon/internal/types"
)

type registeredGauge struct {
	vec        *prometheus.GaugeVec
	labelNames []string // sorted
}

// Registry holds one gauge vector per device metric name on a private
// prometheus.Registry, next to the Go runtime, process and exporter metrics.
//
// Update replaces the whole device metric set under the write lock and the
// exposition handler gathers under the read lock, so a scrape sees either
// the previous cycle or the new one, never a reset registry.
type Registry struct {
	mu       sync.RWMutex
	registry *prometheus.Registry
	gauges   map[types.MetricName]*registeredGauge
	self     *SelfMetrics
}

// NewRegistry creates a registry with the runtime collectors and the
// exporter's self metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		registry: reg,
		gauges:   make(map[types.MetricName]*registeredGauge),
		self:     NewSelfMetrics(reg),
	}
}

// Self returns the exporter's own metrics.
func (r *Registry) Self() *SelfMetrics {
	return r.self
}

// Registerer exposes the underlying registry for components that own
// metrics of their own, such as the snapshot cache.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gather collects every metric family while holding the read lock.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.Gather()
}

// Handler serves the exposition format negotiated from the Accept header.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	})
}

// GaugeNames returns the registered device metric names, sorted.
func (r *Registry) GaugeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		names = append(names, name.String())
	}
	slices.Sort(names)
	return names
}

// Update resets every device gauge and sets the given batch. Metrics with a
// nil value or a name that sanitizes to nothing are skipped. A metric whose
// label names differ from its registered gauge is rejected; all rejections
// are returned together after the rest of the batch has been applied.
func (r *Registry) Update(batch []Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.gauges {
		g.vec.Reset()
	}

	var errs []error
	for _, m := range batch {
		if m.Value == nil {
			continue
		}
		name := types.SanitizeMetricName(m.Name)
		if name == "" {
			slog.Debug("skipping metric with unusable name", "metric", m.Name)
			continue
		}

		g, err := r.gaugeFor(name, m)
		if err != nil {
			if errors.Is(err, apperrors.ErrLabelShapeMismatch) {
				r.self.labelShapeMismatch()
			}
			slog.Warn("rejecting metric", "metric", name.String(), "error", err)
			errs = append(errs, err)
			continue
		}

		gauge, err := g.vec.GetMetricWith(labelMap(m.Labels))
		if err != nil {
			slog.Warn("rejecting metric labels", "metric", name.String(), "error", err)
			errs = append(errs, fmt.Errorf("metric %s: %w", name, err))
			continue
		}
		gauge.Set(*m.Value)
	}

	r.self.gaugesRegistered(len(r.gauges))
	return errors.Join(errs...)
}

// gaugeFor must be called with the write lock held.
func (r *Registry) gaugeFor(name types.MetricName, m Metric) (*registeredGauge, error) {
	names := m.LabelNames()
	slices.Sort(names)

	if g, ok := r.gauges[name]; ok {
		if !slices.Equal(g.labelNames, names) {
			return nil, fmt.Errorf("%w: metric %s has labels %v, registered with %v",
				apperrors.ErrLabelShapeMismatch, name, names, g.labelNames)
		}
		return g, nil
	}

	help := m.Help
	if help == "" {
		help = name.String()
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name.String(),
		Help: help,
	}, names)
	if err := r.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("failed to register metric %s: %w", name, err)
	}

	g := &registeredGauge{vec: vec, labelNames: names}
	r.gauges[name] = g
	return g, nil
}

func labelMap(labels []Label) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		out[l.Name] = l.Value
	}
	return out
}
