// Package metrics exposes Prometheus counters and gauges for the
// execution engine. All Metrics methods are safe to call on a nil
// receiver so callers can run without metrics wired up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by the engine and reconciler.
type Metrics struct {
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled prometheus.Counter
	conflicts      *prometheus.CounterVec
	tradeResults   *prometheus.CounterVec
	divergences    *prometheus.CounterVec
	openTrades     prometheus.Gauge
	realizedPnL    prometheus.Gauge
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelhouse_orders_placed_total",
				Help: "Orders submitted to the brokerage, by role",
			},
			[]string{"role"}, // parent|take_profit|stop_loss|restore
		),
		ordersCanceled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wheelhouse_orders_canceled_total",
				Help: "Cancel requests issued by the engine",
			},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelhouse_conflicts_total",
				Help: "Conflicting orders handled before entry, by outcome",
			},
			[]string{"outcome"}, // cancelled|restored|restore_failed|abort
		),
		tradeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelhouse_trades_total",
				Help: "Trades reaching a terminal state, by result",
			},
			[]string{"result"}, // take_profit|stop_loss|failed
		),
		divergences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelhouse_divergences_total",
				Help: "Reconciliation divergences detected, by kind",
			},
			[]string{"kind"},
		),
		openTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wheelhouse_open_trades",
				Help: "Trades currently in a non-terminal state",
			},
		),
		realizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wheelhouse_realized_pnl_usd",
				Help: "Cumulative realized P&L in USD",
			},
		),
	}

	reg.MustRegister(
		m.ordersPlaced,
		m.ordersCanceled,
		m.conflicts,
		m.tradeResults,
		m.divergences,
		m.openTrades,
		m.realizedPnL,
	)
	return m
}

// OrderPlaced records a submitted order. Role is one of parent,
// take_profit, stop_loss, or restore.
func (m *Metrics) OrderPlaced(role string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(role).Inc()
}

// OrderCanceled records a cancel request.
func (m *Metrics) OrderCanceled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

// ConflictOutcome records the result of handling a conflicting order.
func (m *Metrics) ConflictOutcome(outcome string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(outcome).Inc()
}

// TradeResult records a trade reaching a terminal state.
func (m *Metrics) TradeResult(result string) {
	if m == nil {
		return
	}
	m.tradeResults.WithLabelValues(result).Inc()
}

// DivergenceDetected records a reconciliation divergence.
func (m *Metrics) DivergenceDetected(kind string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(kind).Inc()
}

// SetOpenTrades updates the open trade gauge.
func (m *Metrics) SetOpenTrades(n int) {
	if m == nil {
		return
	}
	m.openTrades.Set(float64(n))
}

// SetRealizedPnL updates the cumulative realized P&L gauge.
func (m *Metrics) SetRealizedPnL(v float64) {
	if m == nil {
		return
	}
	m.realizedPnL.Set(v)
}
