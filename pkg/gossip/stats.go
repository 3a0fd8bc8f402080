package gossip

import (
	"sync"
	"time"
)

// StatsSink is the abstraction counters, gauges and timings are reported
// through. Production code injects a Prometheus-backed sink (see
// internal/telemetry); tests and library consumers that don't care about
// observability get NopStats.
type StatsSink interface {
	Inc(name string)
	Gauge(name string, v float64)
	Timing(name string, d time.Duration)
}

// NopStats discards everything. It is the default for any Config that
// doesn't set Stats, matching the "mutable process-wide logger/statsd
// singletons" being replaced by an injected no-op per the design notes.
type NopStats struct{}

func (NopStats) Inc(string)                  {}
func (NopStats) Gauge(string, float64)       {}
func (NopStats) Timing(string, time.Duration) {}

// StatsProvider is the interface a named stats hook exposes.
type StatsProvider interface {
	GetStats() map[string]any
}

// StatsRegistry is a lookup table of name -> StatsProvider, guarded
// against duplicate registration, mirroring the "stats hooks registry"
// design note.
type StatsRegistry struct {
	mu        sync.Mutex
	providers map[string]StatsProvider
}

// NewStatsRegistry builds an empty registry.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{providers: make(map[string]StatsProvider)}
}

// Register adds a named provider. Returns a ConfigurationError if the name
// is already registered.
func (r *StatsRegistry) Register(name string, p StatsProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return newError(ErrConfiguration, "stats.register", "duplicate-stats-hook", nil)
	}
	r.providers[name] = p
	return nil
}

// GetStats aggregates every registered provider's stats by hook name.
func (r *StatsRegistry) GetStats() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]any, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.GetStats()
	}
	return out
}
