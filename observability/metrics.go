package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records phase-engine and escrow activity plus security-relevant
// rejections (replays, unauthorized calls).
type EngineMetrics struct {
	transitions *prometheus.CounterVec
	escrowOps   *prometheus.CounterVec
	security    *prometheus.CounterVec
	ledger      *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Metrics returns the lazily-initialised metrics registry shared by the phase
// engine and escrow manager.
func Metrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acp",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Total phase-engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acp",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Total escrow manager operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			security: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acp",
				Subsystem: "security",
				Name:      "rejections_total",
				Help:      "Replay and unauthorized-access rejections segmented by event type.",
			}, []string{"event"}),
			ledger: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "acp",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for external ledger client calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"call"}),
		}
		prometheus.MustRegister(
			engineRegistry.transitions,
			engineRegistry.escrowOps,
			engineRegistry.security,
			engineRegistry.ledger,
		)
	})
	return engineRegistry
}

// RecordTransition counts one phase-engine operation outcome.
func (m *EngineMetrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// RecordEscrowOp counts one escrow manager operation outcome.
func (m *EngineMetrics) RecordEscrowOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.escrowOps.WithLabelValues(operation, outcome).Inc()
}

// RecordSecurityEvent counts a replay or unauthorized rejection.
func (m *EngineMetrics) RecordSecurityEvent(event string) {
	if m == nil {
		return
	}
	m.security.WithLabelValues(event).Inc()
}

// ObserveLedgerCall records the latency of one ledger client call.
func (m *EngineMetrics) ObserveLedgerCall(call string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledger.WithLabelValues(call).Observe(elapsed.Seconds())
}
