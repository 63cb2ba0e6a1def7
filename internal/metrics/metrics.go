// Package metrics holds the relay's prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "huddle"

type Metrics struct {
	sessions     prometheus.Gauge
	events       *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	backpressure prometheus.Counter
	relays       prometheus.Gauge
	forwarded    prometheus.Counter
	dropped      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_sessions",
			Help:      "Open signaling connections.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_events_total",
			Help:      "Inbound signaling messages by method and result.",
		}, []string{"method", "result"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_rejected_total",
			Help:      "Inbound signaling messages refused before handling.",
		}, []string{"reason"}),
		backpressure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_backpressure_total",
			Help:      "Notifications dropped because a member's queue was full.",
		}),
		relays: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sfu_relays",
			Help:      "Running producer relays.",
		}),
		forwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sfu_rtp_forwarded_total",
			Help:      "RTP packets written to consumer tracks.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sfu_rtp_write_errors_total",
			Help:      "RTP writes that failed and removed the consumer track.",
		}),
	}
}

// RegisterRooms exposes the live room count through fn.
func (m *Metrics) RegisterRooms(reg prometheus.Registerer, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Rooms with at least one member.",
	}, fn)
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Event(method, result string) {
	if m != nil {
		m.events.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Backpressure() {
	if m != nil {
		m.backpressure.Inc()
	}
}

func (m *Metrics) RelayStarted() {
	if m != nil {
		m.relays.Inc()
	}
}

func (m *Metrics) RelayStopped() {
	if m != nil {
		m.relays.Dec()
	}
}

func (m *Metrics) Forwarded(n int) {
	if m != nil {
		m.forwarded.Add(float64(n))
	}
}

func (m *Metrics) WriteFailed() {
	if m != nil {
		m.dropped.Inc()
	}
}
