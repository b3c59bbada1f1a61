package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BalanceOps      *prometheus.CounterVec
	OperationErrors *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	MatchDuration   *prometheus.HistogramVec
	VenueOrders     *prometheus.CounterVec
	Reconciled      *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BalanceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_balance_operations_total",
				Help: "Total balance operations by kind and status.",
			},
			[]string{"operation", "status"},
		),
		OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_operation_errors_total",
				Help: "Total rejected exchange operations by operation and error kind.",
			},
			[]string{"operation", "kind"},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_placed_total",
				Help: "Total orders accepted.",
			},
			[]string{"pair", "side", "type"},
		),
		OrdersCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_cancelled_total",
				Help: "Total orders cancelled by reason.",
			},
			[]string{"reason"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_trades_total",
				Help: "Total trades executed.",
			},
			[]string{"pair"},
		),
		MatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_matching_duration_seconds",
				Help:    "Duration of one matching pass including settlement.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pair"},
		),
		VenueOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_venue_orders_total",
				Help: "Total market orders relayed to the external venue by outcome.",
			},
			[]string{"pair", "status"},
		),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_venue_reconciled_total",
				Help: "Pending venue orders resolved by the reconciler.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.BalanceOps,
		m.OperationErrors,
		m.OrdersPlaced,
		m.OrdersCancelled,
		m.Trades,
		m.MatchDuration,
		m.VenueOrders,
		m.Reconciled,
	)
	return m
}

func (m *Metrics) IncBalance(operation, status string) {
	if m == nil {
		return
	}
	m.BalanceOps.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncError(operation, kind string) {
	if m == nil {
		return
	}
	m.OperationErrors.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) IncPlaced(pair, side, orderType string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(pair, side, orderType).Inc()
}

func (m *Metrics) IncCancelled(reason string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddTrades(pair string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Trades.WithLabelValues(pair).Add(float64(n))
}

func (m *Metrics) ObserveMatch(pair string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(pair).Observe(d.Seconds())
}

func (m *Metrics) IncVenue(pair, status string) {
	if m == nil {
		return
	}
	m.VenueOrders.WithLabelValues(pair, status).Inc()
}

func (m *Metrics) IncReconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(outcome).Inc()
}
