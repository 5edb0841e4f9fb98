package metrics

import (
	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
	"github.com/tbuchboeck/EcoFlowMon/pkg/device"
)

const (
	namespace = "ecoflow"

	// OnlineMetricName is the synthetic per-device online gauge.
	OnlineMetricName = namespace + "_device_online"
	onlineHelp       = "Device online status (1=online, 0=offline)"

	LabelDeviceName = "device_name"
	LabelDeviceSN   = "device_sn"
	LabelOnline     = "online"
)

// Label is one name/value pair of a metric.
type Label struct {
	Name  string
	Value string
}

// Metric is one flattened sample. A nil Value is skipped by the registry.
type Metric struct {
	Name   string
	Value  *float64
	Labels []Label
	Help   string
}

// LabelNames returns the label names in order.
func (m Metric) LabelNames() []string {
	names := make([]string, len(m.Labels))
	for i, l := range m.Labels {
		names[i] = l.Name
	}
	return names
}

// Flatten turns one device snapshot into metrics. Nested mappings are walked
// depth-first in wire order and their keys joined with "_". Only numeric
// leaves, or strings that parse as numbers, become metrics; sequences,
// booleans and nulls are dropped. The online metric is always appended last.
func Flatten(d device.Device, snapshot quota.Mapping) []Metric {
	labels := deviceLabels(d)
	out := make([]Metric, 0, snapshot.Len()+1)

	var walk func(m quota.Mapping, prefix string)
	walk = func(m quota.Mapping, prefix string) {
		for _, e := range m.Entries() {
			path := e.Key
			if prefix != "" {
				path = prefix + "_" + e.Key
			}

			switch v := e.Value.(type) {
			case quota.Mapping:
				walk(v, path)
			case quota.Scalar:
				f, ok := v.Float()
				if !ok {
					continue
				}
				out = append(out, Metric{
					Name:   namespace + "_" + path,
					Value:  &f,
					Labels: labels,
					Help:   "EcoFlow " + path + " for " + d.Name.String(),
				})
			}
		}
	}
	walk(snapshot, "")

	online := d.OnlineValue()
	out = append(out, Metric{
		Name:   OnlineMetricName,
		Value:  &online,
		Labels: labels,
		Help:   onlineHelp,
	})
	return out
}

func deviceLabels(d device.Device) []Label {
	return []Label{
		{Name: LabelDeviceName, Value: d.Name.String()},
		{Name: LabelDeviceSN, Value: d.SN.String()},
		{Name: LabelOnline, Value: d.OnlineLabel()},
	}
}
