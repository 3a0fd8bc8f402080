package telemetry

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gossipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Subsystem: "gossip",
			Name:      "events_total",
			Help:      "Protocol event counters (ping.send, join.recv, membership-update.*, ...).",
		},
		[]string{"event"},
	)

	gossipGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrmesh",
			Subsystem: "gossip",
			Name:      "gauge",
			Help:      "Protocol gauges (num-members, ...).",
		},
		[]string{"name"},
	)

	gossipTimings = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrmesh",
			Subsystem: "gossip",
			Name:      "operation_duration_seconds",
			Help:      "Latency of protocol operations (ping, ping-req, updates, ...).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)
)

func init() {
	Registry.MustRegister(gossipEvents, gossipGauges, gossipTimings)
}

// GossipStats adapts the Prometheus registry to the gossip.StatsSink
// interface. Event names keep their dotted protocol form as a label value;
// Prometheus metric names stay fixed.
type GossipStats struct{}

func (GossipStats) Inc(name string) {
	gossipEvents.WithLabelValues(name).Inc()
}

func (GossipStats) Gauge(name string, v float64) {
	gossipGauges.WithLabelValues(name).Set(v)
}

func (GossipStats) Timing(name string, d time.Duration) {
	gossipTimings.WithLabelValues(name).Observe(d.Seconds())
}

// GetStats summarizes the registry for the stats-hooks registry: one entry
// per gossip metric family, mapping label value to current counter/gauge
// value.
func (GossipStats) GetStats() map[string]any {
	out := make(map[string]any)
	families, err := Registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "zephyrmesh_gossip_") {
			continue
		}
		vals := make(map[string]float64)
		for _, m := range mf.GetMetric() {
			label := ""
			if len(m.GetLabel()) > 0 {
				label = m.GetLabel()[0].GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				vals[label] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				vals[label] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				vals[label] = float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = vals
	}
	return out
}
