package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SelfMetrics are the exporter's own operational metrics. A nil *SelfMetrics
// is valid and records nothing.
type SelfMetrics struct {
	// APICallDuration tracks the duration of API calls by endpoint and status.
	APICallDuration *prometheus.HistogramVec

	// CollectionErrors counts failed quota fetches per device.
	CollectionErrors *prometheus.CounterVec

	CollectionDuration prometheus.Histogram
	LastCollectionTime prometheus.Gauge
	CollectedMetrics   prometheus.Gauge
	CollectionCycles   *prometheus.CounterVec

	DeviceCount        prometheus.Gauge
	OnlineDevicesCount prometheus.Gauge

	// LabelShapeMismatches counts samples rejected because their label
	// names differ from the registered gauge.
	LabelShapeMismatches prometheus.Counter

	RegisteredGauges prometheus.Gauge
}

// NewSelfMetrics creates the exporter metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewSelfMetrics(reg prometheus.Registerer) *SelfMetrics {
	factory := promauto.With(reg)
	return &SelfMetrics{
		APICallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ecoflowmon_api_call_duration_seconds",
				Help:    "EcoFlow API call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		CollectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecoflowmon_collection_errors_total",
				Help: "Failed quota fetches by device",
			},
			[]string{"device_sn"},
		),
		CollectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecoflowmon_collection_duration_seconds",
			Help:    "Time spent in one collection cycle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		LastCollectionTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_last_collection_timestamp_seconds",
			Help: "Unix timestamp of the last completed collection cycle",
		}),
		CollectedMetrics: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_collected_metrics",
			Help: "Number of device metrics produced by the last collection cycle",
		}),
		CollectionCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecoflowmon_collection_cycles_total",
				Help: "Collection cycles by result",
			},
			[]string{"result"},
		),
		DeviceCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_devices",
			Help: "Number of devices in the roster",
		}),
		OnlineDevicesCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_online_devices",
			Help: "Number of devices reported online at startup",
		}),
		LabelShapeMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecoflowmon_label_shape_mismatches_total",
			Help: "Samples rejected because their label names differ from the registered gauge",
		}),
		RegisteredGauges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_registered_gauges",
			Help: "Number of distinct device metric names registered",
		}),
	}
}

// ObserveAPICall implements api.CallObserver.
func (m *SelfMetrics) ObserveAPICall(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.APICallDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

func (m *SelfMetrics) collectionFailed(sn string) {
	if m == nil {
		return
	}
	m.CollectionErrors.WithLabelValues(sn).Inc()
}

func (m *SelfMetrics) rosterLoaded(devices, online int) {
	if m == nil {
		return
	}
	m.DeviceCount.Set(float64(devices))
	m.OnlineDevicesCount.Set(float64(online))
}

func (m *SelfMetrics) cycleCompleted(start time.Time, produced int, result string) {
	if m == nil {
		return
	}
	m.CollectionDuration.Observe(time.Since(start).Seconds())
	m.CollectionCycles.WithLabelValues(result).Inc()
	if result != cycleResultError {
		m.LastCollectionTime.SetToCurrentTime()
		m.CollectedMetrics.Set(float64(produced))
	}
}

func (m *SelfMetrics) cycleSkipped() {
	if m == nil {
		return
	}
	m.CollectionCycles.WithLabelValues(cycleResultSkipped).Inc()
}

func (m *SelfMetrics) labelShapeMismatch() {
	if m == nil {
		return
	}
	m.LabelShapeMismatches.Inc()
}

func (m *SelfMetrics) gaugesRegistered(n int) {
	if m == nil {
		return
	}
	m.RegisteredGauges.Set(float64(n))
}
