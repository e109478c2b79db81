package handoff

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors describing handshakes. A nil
// *Metrics records nothing.
type Metrics struct {
	handshakes   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	forcedAborts prometheus.Counter
	leader       prometheus.Gauge
}

// NewMetrics creates the handoff collectors and registers them with reg. If
// reg is nil they are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "handshakes_total",
			Help:      "Handshakes completed, by role and outcome.",
		}, []string{"role", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "handoff",
			Name:      "handshake_duration_seconds",
			Help:      "Time from starting a handshake to its outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"role"}),
		forcedAborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "handoff",
			Name:      "forced_aborts_total",
			Help:      "Channels aborted by a forced teardown or a stale segment reclaim.",
		}),
		leader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "handoff",
			Name:      "leader",
			Help:      "1 while this process holds the leader lock.",
		}),
	}
}

func (m *Metrics) observeHandshake(role Role, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(string(role), outcome.String()).Inc()
	m.duration.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (m *Metrics) observeForcedAbort() {
	if m == nil {
		return
	}
	m.forcedAborts.Inc()
}

func (m *Metrics) setLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}
