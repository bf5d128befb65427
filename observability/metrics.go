package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"escrowflow/order"
)

// EscrowMetrics groups the counters and histograms exported by the escrow workflow.
type EscrowMetrics struct {
	transitions   *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepOrders   *prometheus.CounterVec
	notifyErrors  *prometheus.CounterVec
	outbox        *prometheus.CounterVec
	fulfillment   *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "order",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "escalation",
				Name:      "opened_total",
				Help:      "Escalations opened segmented by escalation type.",
			}, []string{"type"}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "scanner",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of deadline sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			sweepOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scanner",
				Name:      "orders_total",
				Help:      "Orders visited by the deadline scanner segmented by result.",
			}, []string{"result"}),
			notifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "notify",
				Name:      "failures_total",
				Help:      "Notification deliveries that failed, by event type.",
			}, []string{"event"}),
			outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "outbox",
				Name:      "messages_total",
				Help:      "Outbox relay results segmented by topic and outcome.",
			}, []string{"topic", "outcome"}),
			fulfillment: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "fulfillment",
				Name:      "signals_total",
				Help:      "Fulfillment signals handled segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.escalations,
			escrowRegistry.sweepDuration,
			escrowRegistry.sweepOrders,
			escrowRegistry.notifyErrors,
			escrowRegistry.outbox,
			escrowRegistry.fulfillment,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome label of an engine entry point.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *EscrowMetrics) EscalationOpened(escalationType string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(escalationType).Inc()
}

// ObserveSweep records one scanner pass.
func (m *EscrowMetrics) ObserveSweep(d time.Duration, escalated, skipped, failed int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepOrders.WithLabelValues("escalated").Add(float64(escalated))
	m.sweepOrders.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepOrders.WithLabelValues("failed").Add(float64(failed))
}

func (m *EscrowMetrics) NotificationFailed(event string) {
	if m == nil {
		return
	}
	m.notifyErrors.WithLabelValues(event).Inc()
}

func (m *EscrowMetrics) OutboxRelayed(topic, outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(topic, outcome).Inc()
}

func (m *EscrowMetrics) FulfillmentHandled(kind string, err error) {
	if m == nil {
		return
	}
	m.fulfillment.WithLabelValues(kind, Outcome(err)).Inc()
}

// Outcome maps an error onto a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, order.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, order.ErrNotAParty):
		return "not_a_party"
	case errors.Is(err, order.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, order.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, order.ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
