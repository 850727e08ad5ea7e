// Package metrics exposes prometheus instrumentation for consensus rounds.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "caspaxos"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeOther   = "other"
)

// Metrics groups the collectors shared by the log and register clients.
type Metrics struct {
	rounds    *prometheus.CounterVec
	fastPath  *prometheus.CounterVec
	broadcast *prometheus.HistogramVec
	views     prometheus.Counter
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Number of consensus phases run, by client, phase and outcome",
		}, []string{"client", "phase", "outcome"}),
		fastPath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_path_total",
			Help:      "Number of one round trip write attempts, by client and outcome",
		}, []string{"client", "outcome"}),
		broadcast: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time taken for a quorum broadcast to resolve",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"client", "phase"}),
		views: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Number of times a register client switched its replica view",
		}),
	}

	err := errors.Join(
		registerer.Register(m.rounds),
		registerer.Register(m.fastPath),
		registerer.Register(m.broadcast),
		registerer.Register(m.views),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Round records the outcome of one phase.
func (m *Metrics) Round(client, phase, outcome string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(client, phase, outcome).Inc()
}

// FastPath records a fast path attempt.
func (m *Metrics) FastPath(client string, ok bool) {
	if m == nil {
		return
	}
	outcome := OutcomeFailure
	if ok {
		outcome = OutcomeSuccess
	}
	m.fastPath.WithLabelValues(client, outcome).Inc()
}

// ObserveBroadcast records the time since start for a broadcast of phase.
func (m *Metrics) ObserveBroadcast(client, phase string, start time.Time) {
	if m == nil {
		return
	}
	m.broadcast.WithLabelValues(client, phase).Observe(time.Since(start).Seconds())
}

// ViewChanged counts a replica view swap.
func (m *Metrics) ViewChanged() {
	if m == nil {
		return
	}
	m.views.Inc()
}
