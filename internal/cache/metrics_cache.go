// Package cache keeps the last successfully fetched quota snapshot per device.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
	"github.com/tbuchboeck/EcoFlowMon/internal/types"
	"github.com/tbuchboeck/EcoFlowMon/pkg/device"
)

// Entry is the last-known-good snapshot of one device.
type Entry struct {
	Device    device.Device
	Quotas    quota.Mapping
	Timestamp time.Time
}

// Age returns how long ago the snapshot was stored.
func (e Entry) Age() time.Duration {
	return time.Since(e.Timestamp)
}

// Stats provides statistics about cache usage.
type Stats struct {
	HitCount   uint64    `json:"hit_count"`
	MissCount  uint64    `json:"miss_count"`
	HitRatio   float64   `json:"hit_ratio"`
	EntryCount int       `json:"entry_count"`
	LastUpdate time.Time `json:"last_update"`
}

// MetricsCache is a thread-safe map from serial number to the latest
// snapshot. A failed fetch never touches the cache, so an entry always holds
// the last good data for its device.
type MetricsCache struct {
	entries    map[types.SerialNumber]Entry
	lastUpdate time.Time
	mutex      sync.RWMutex
	hitCount   uint64
	missCount  uint64
	now        func() time.Time

	size     prometheus.Gauge
	hitRatio prometheus.Gauge
	updates  prometheus.Counter
}

// NewMetricsCache creates an empty cache. Its own gauges are registered with
// reg when reg is not nil.
func NewMetricsCache(reg prometheus.Registerer) *MetricsCache {
	factory := promauto.With(reg)
	return &MetricsCache{
		entries: make(map[types.SerialNumber]Entry),
		now:     time.Now,
		size: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_cache_entries",
			Help: "Number of devices with a cached quota snapshot",
		}),
		hitRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecoflowmon_cache_hit_ratio",
			Help: "Ratio of snapshot lookups that found an entry",
		}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecoflowmon_cache_updates_total",
			Help: "Number of snapshots written to the cache",
		}),
	}
}

// Set stores the snapshot for d, replacing any previous entry.
func (c *MetricsCache) Set(d device.Device, quotas quota.Mapping) {
	now := c.now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[d.SN] = Entry{
		Device:    d,
		Quotas:    quotas,
		Timestamp: now,
	}
	c.lastUpdate = now
	c.updates.Inc()
	c.updateMetrics()
}

// Get returns the cached snapshot of one device.
func (c *MetricsCache) Get(sn types.SerialNumber) (Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.entries[sn]
	if ok {
		atomic.AddUint64(&c.hitCount, 1)
	} else {
		atomic.AddUint64(&c.missCount, 1)
	}
	c.updateMetrics()

	return entry, ok
}

// All returns every cached snapshot ordered by serial number.
func (c *MetricsCache) All() []Entry {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Device.SN < entries[j].Device.SN
	})
	return entries
}

// Len returns the number of cached devices.
func (c *MetricsCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Retain drops every entry whose serial is not in keep. It is used when the
// roster is replaced.
func (c *MetricsCache) Retain(keep []types.SerialNumber) int {
	wanted := make(map[types.SerialNumber]struct{}, len(keep))
	for _, sn := range keep {
		wanted[sn] = struct{}{}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var removed int
	for sn := range c.entries {
		if _, ok := wanted[sn]; !ok {
			delete(c.entries, sn)
			removed++
		}
	}
	if removed > 0 {
		c.updateMetrics()
	}
	return removed
}

// Clear removes all entries and resets the counters.
func (c *MetricsCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[types.SerialNumber]Entry)
	c.lastUpdate = time.Time{}
	atomic.StoreUint64(&c.hitCount, 0)
	atomic.StoreUint64(&c.missCount, 0)
	c.hitRatio.Set(0)
	c.updateMetrics()
}

// Stats returns current cache statistics.
func (c *MetricsCache) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	hits := atomic.LoadUint64(&c.hitCount)
	misses := atomic.LoadUint64(&c.missCount)

	return Stats{
		HitCount:   hits,
		MissCount:  misses,
		HitRatio:   ratio(hits, misses),
		EntryCount: len(c.entries),
		LastUpdate: c.lastUpdate,
	}
}

// updateMetrics must be called with the mutex held.
func (c *MetricsCache) updateMetrics() {
	hits := atomic.LoadUint64(&c.hitCount)
	misses := atomic.LoadUint64(&c.missCount)
	if hits+misses > 0 {
		c.hitRatio.Set(ratio(hits, misses))
	}
	c.size.Set(float64(len(c.entries)))
}

func ratio(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
