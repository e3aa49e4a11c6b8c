// Package metrics registers the engine's Prometheus counters and
// gauges, labelled per monitor where it matters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_submitted_total",
		Help: "Orders submitted, by side and monitor.",
	}, []string{"monitor", "side"})

	OrdersFilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_filled_total",
		Help: "Orders filled, by side and monitor.",
	}, []string{"monitor", "side"})

	OrdersTimeout = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_timeout_total",
		Help: "Orders that hit the price-chase timeout handler, by side.",
	}, []string{"monitor", "side"})

	SignalsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_emitted_total",
		Help: "Signals emitted by the strategy, by action.",
	}, []string{"monitor", "action"})

	GateRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_gate_rejections_total",
		Help: "Signals dropped by a pre-order risk/gate check, by reason.",
	}, []string{"monitor", "reason"})

	SeatVersionBumps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_seat_version_bumps_total",
		Help: "Seat version bumps, by monitor and direction.",
	}, []string{"monitor", "direction"})

	RecoveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_recovery_outcomes_total",
		Help: "Startup recovery outcomes (success/fail-fast).",
	}, []string{"outcome"})

	LifecycleState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_lifecycle_state",
		Help: "Day lifecycle state as a gauge (1 for the active label, 0 otherwise).",
	}, []string{"state"})

	TradingEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_trading_enabled",
		Help: "1 when is_trading_enabled is true, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersFilled,
		OrdersTimeout,
		SignalsEmitted,
		GateRejections,
		SeatVersionBumps,
		RecoveryOutcomes,
		LifecycleState,
		TradingEnabled,
	)
}

// SetTradingEnabled sets the trading-enabled gauge from a bool.
func SetTradingEnabled(v bool) {
	if v {
		TradingEnabled.Set(1)
	} else {
		TradingEnabled.Set(0)
	}
}
