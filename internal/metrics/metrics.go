// Package metrics exposes the relay's Prometheus instrumentation. Wired
// the same way the teacher wires its Hook interface: a side observer the
// hot path calls into, never a dependency the hot path needs to succeed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anamnesos/squidrelay/internal/pending"
)

// Metrics groups every counter/gauge the relay records.
type Metrics struct {
	FramesTotal         *prometheus.CounterVec
	PendingEntries      prometheus.Gauge
	PendingOutcomeTotal *prometheus.CounterVec
	PairingAttemptTotal *prometheus.CounterVec
	ConnectedDevices    prometheus.Gauge
}

// New registers every metric against reg and returns the collector set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squidrelay_frames_total",
			Help: "Frames processed by the relay, by wire type.",
		}, []string{"type"}),
		PendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squidrelay_pending_entries",
			Help: "Current count of in-flight pending-ack entries.",
		}),
		PendingOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squidrelay_pending_outcome_total",
			Help: "Terminal pending-entry transitions, by outcome.",
		}, []string{"outcome"}),
		PairingAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squidrelay_pairing_attempt_total",
			Help: "Pairing join attempts, by result.",
		}, []string{"result"}),
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squidrelay_connected_devices",
			Help: "Currently registered devices.",
		}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.PendingEntries,
		m.PendingOutcomeTotal,
		m.PairingAttemptTotal,
		m.ConnectedDevices,
	)
	return m
}

// PendingObserver returns a pending.Observer that records terminal
// transitions into PendingOutcomeTotal.
func (m *Metrics) PendingObserver() pending.Observer {
	return func(e *pending.Entry, outcome pending.Outcome) {
		m.PendingOutcomeTotal.WithLabelValues(string(outcome)).Inc()
	}
}

// RecordFrame increments the frame counter for the given wire type.
func (m *Metrics) RecordFrame(frameType string) {
	m.FramesTotal.WithLabelValues(frameType).Inc()
}

// RecordPairingResult increments the pairing-attempt counter. result is
// either "success" or one of the wire.Pairing* failure reasons.
func (m *Metrics) RecordPairingResult(result string) {
	m.PairingAttemptTotal.WithLabelValues(result).Inc()
}
