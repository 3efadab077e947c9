// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the service's counters. A nil *Collector is a no-op.
type Collector struct {
	transitions *prometheus.CounterVec
	conflicts   prometheus.Counter
	codeChecks  *prometheus.CounterVec
	watchers    prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgate_transitions_total",
			Help: "Session and registrant transitions by operation and result.",
		}, []string{"op", "result"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "examgate_store_conflicts_total",
			Help: "Optimistic write conflicts that forced a retry.",
		}),
		codeChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgate_code_checks_total",
			Help: "Room code and PIN checks by kind and result.",
		}, []string{"kind", "result"}),
		watchers: f.NewGauge(prometheus.GaugeOpts{
			Name: "examgate_watchers",
			Help: "Observers currently waiting on session changes.",
		}),
	}
}

// Transition counts one operation outcome.
func (c *Collector) Transition(op, result string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(op, result).Inc()
}

// Conflict counts one lost compare-and-swap.
func (c *Collector) Conflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

// CodeCheck counts a room code or PIN check.
func (c *Collector) CodeCheck(kind string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "mismatch"
	}
	c.codeChecks.WithLabelValues(kind, result).Inc()
}

// WatcherAdded and WatcherDone track live waiters.
func (c *Collector) WatcherAdded() {
	if c == nil {
		return
	}
	c.watchers.Inc()
}

func (c *Collector) WatcherDone() {
	if c == nil {
		return
	}
	c.watchers.Dec()
}
