package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	StageTransitions *prometheus.CounterVec
	TransitionErrors *prometheus.CounterVec
	DealsCreated     prometheus.Counter
	EscrowOps        *prometheus.CounterVec
	DisputesOpened   prometheus.Counter
	DisputesAdvanced *prometheus.CounterVec
	StaleRetries     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		StageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deals_stage_transitions_total",
				Help: "Total deal stage transitions.",
			},
			[]string{"from", "to"},
		),
		TransitionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deals_operation_errors_total",
				Help: "Total rejected deal operations by operation and error kind.",
			},
			[]string{"operation", "kind"},
		),
		DealsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deals_created_total",
				Help: "Total deals created.",
			},
		),
		EscrowOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deals_escrow_operations_total",
				Help: "Total escrow fund and release operations.",
			},
			[]string{"kind", "status"},
		),
		DisputesOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deals_disputes_opened_total",
				Help: "Total disputes opened.",
			},
		),
		DisputesAdvanced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deals_disputes_advanced_total",
				Help: "Total dispute status changes.",
			},
			[]string{"status"},
		),
		StaleRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deals_stale_retries_total",
				Help: "Conditional updates that lost a race and were retried.",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.StageTransitions,
		m.TransitionErrors,
		m.DealsCreated,
		m.EscrowOps,
		m.DisputesOpened,
		m.DisputesAdvanced,
		m.StaleRetries,
	)
	return m
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncError(operation, kind string) {
	if m == nil {
		return
	}
	m.TransitionErrors.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) IncCreated() {
	if m == nil {
		return
	}
	m.DealsCreated.Inc()
}

func (m *Metrics) IncEscrow(kind, status string) {
	if m == nil {
		return
	}
	m.EscrowOps.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncDisputeOpened() {
	if m == nil {
		return
	}
	m.DisputesOpened.Inc()
}

func (m *Metrics) IncDisputeAdvanced(status string) {
	if m == nil {
		return
	}
	m.DisputesAdvanced.WithLabelValues(status).Inc()
}

func (m *Metrics) IncStaleRetry(operation string) {
	if m == nil {
		return
	}
	m.StaleRetries.WithLabelValues(operation).Inc()
}
