// Package metrics turns EcoFlow quota snapshots into Prometheus metrics: it
// flattens snapshots, collects them from the API on a schedule and exposes
// them through a private registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
	"github.com/tbuchboeck/EcoFlowMon/internal/types"
	"github.com/tbuchboeck/EcoFlowMon/pkg/device"
)

// QuotaSource is the part of the API client the collector needs.
type QuotaSource interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetAllQuotas(ctx context.Context, sn types.SerialNumber) (quota.Mapping, error)
}

// State is the lifecycle state of a Collector.
type State int

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// CollectResult is the outcome of one Collect call.
type CollectResult struct {
	Metrics []Metric
	// Failures holds one *apperrors.CollectionError per device that could not
	// be fetched. Those devices contribute no metrics to this cycle.
	Failures []error
}

// Collector manages the device roster and polls every device's quotas.
type Collector struct {
	source QuotaSource
	cache  *cache.MetricsCache
	self   *SelfMetrics

	mu      sync.RWMutex
	state   State
	devices []device.Device
}

// NewCollector creates an uninitialized collector. snapshots and self may be
// nil.
func NewCollector(source QuotaSource, snapshots *cache.MetricsCache, self *SelfMetrics) *Collector {
	if snapshots == nil {
		snapshots = cache.NewMetricsCache(nil)
	}
	return &Collector{
		source: source,
		cache:  snapshots,
		self:   self,
	}
}

// Initialize fetches the device roster. On failure the collector stays
// uninitialized and the error is an *errors.InitializationError.
func (c *Collector) Initialize(ctx context.Context) ([]device.Device, error) {
	slog.Info("fetching device list")

	devices, err := c.source.ListDevices(ctx)
	if err != nil {
		slog.Error("failed to initialize collector", "error", err)
		return nil, &apperrors.InitializationError{Underlying: err}
	}

	online := 0
	serials := make([]types.SerialNumber, 0, len(devices))
	for _, d := range devices {
		if d.Online {
			online++
		}
		serials = append(serials, d.SN)
		slog.Info("found device", "device_name", d.Name.String(), "device_sn", d.SN.String(), "online", d.Online)
	}
	slog.Info("device list loaded", "device_count", len(devices), "online_count", online)

	if removed := c.cache.Retain(serials); removed > 0 {
		slog.Debug("dropped cached snapshots of devices no longer listed", "count", removed)
	}

	c.mu.Lock()
	c.devices = append([]device.Device(nil), devices...)
	c.state = StateReady
	c.mu.Unlock()

	c.self.rosterLoaded(len(devices), online)
	return c.Devices(), nil
}

// Collect polls every device once, in roster order. A device whose fetch
// fails is logged, counted and skipped; its cached snapshot is kept.
func (c *Collector) Collect(ctx context.Context) (CollectResult, error) {
	c.mu.RLock()
	state := c.state
	devices := c.devices
	c.mu.RUnlock()

	if state != StateReady {
		return CollectResult{}, apperrors.ErrNotReady
	}

	var result CollectResult
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		slog.Debug("collecting metrics", "device_name", d.Name.String(), "device_sn", d.SN.String())

		snapshot, err := c.source.GetAllQuotas(ctx, d.SN)
		if err != nil {
			collErr := &apperrors.CollectionError{
				SN:         d.SN.String(),
				DeviceName: d.Name.String(),
				Underlying: err,
			}
			slog.Error("failed to collect metrics",
				"device_name", d.Name.String(),
				"device_sn", d.SN.String(),
				"retryable", retryable(err),
				"error", err,
			)
			c.self.collectionFailed(d.SN.String())
			result.Failures = append(result.Failures, collErr)
			continue
		}

		c.cache.Set(d, snapshot)
		result.Metrics = append(result.Metrics, Flatten(d, snapshot)...)
	}

	return result, nil
}

// Devices returns a copy of the roster.
func (c *Collector) Devices() []device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]device.Device(nil), c.devices...)
}

// State returns the lifecycle state.
func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CachedSnapshot returns the last successful snapshot of one device.
func (c *Collector) CachedSnapshot(sn types.SerialNumber) (cache.Entry, bool) {
	return c.cache.Get(sn)
}

// CachedSnapshots returns the last successful snapshot of every device that
// has one.
func (c *Collector) CachedSnapshots() []cache.Entry {
	return c.cache.All()
}

// ComponentName implements health.ComponentChecker.
func (c *Collector) ComponentName() string {
	return "collector"
}

// CheckHealth implements health.ComponentChecker.
func (c *Collector) CheckHealth(ctx context.Context) error {
	if s := c.State(); s != StateReady {
		return fmt.Errorf("collector is %s: %w", s, apperrors.ErrNotReady)
	}
	return nil
}

func retryable(err error) bool {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return apperrors.IsTransport(err)
}
