// Package metrics defines the Prometheus instrumentation shared across the
// supervisor. All collectors are registered on the default registry and
// exposed by the control-plane server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts scan pipeline runs per pair.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_scans_total",
		Help: "Number of confluence scans executed.",
	}, []string{"pair"})

	// StrategyTimeouts counts strategies that missed their evaluation deadline.
	StrategyTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_strategy_timeouts_total",
		Help: "Strategy evaluations that exceeded their deadline.",
	}, []string{"strategy"})

	// StrategyPanics counts recovered strategy panics.
	StrategyPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_strategy_panics_total",
		Help: "Strategy evaluations that panicked and were neutralized.",
	}, []string{"strategy"})

	// OutlierBarsRejected counts candles rejected by the outlier filter.
	OutlierBarsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_outlier_bars_rejected_total",
		Help: "Candles rejected because the close moved beyond the outlier threshold.",
	}, []string{"pair"})

	// OrdersPlaced counts orders sent to the exchange (or paper-filled).
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_orders_placed_total",
		Help: "Orders placed, by side and mode.",
	}, []string{"side", "mode"})

	// OrdersFailed counts terminal order failures.
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_orders_failed_total",
		Help: "Orders that failed after all retries, by error kind.",
	}, []string{"kind"})

	// RiskRejections counts trades rejected by the risk gate chain.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_risk_rejections_total",
		Help: "Trade intents rejected by a risk gate, by reason.",
	}, []string{"reason"})

	// MirrorDrops counts analytics mirror events dropped under pressure.
	MirrorDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "novapulse_mirror_drops_total",
		Help: "Analytics mirror events dropped instead of blocking trading.",
	})

	// ReconcileGhosts gauges exchange positions with no local record.
	ReconcileGhosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "novapulse_reconcile_ghosts",
		Help: "Exchange positions with no matching local open trade.",
	})

	// ReconcileOrphans gauges local open trades with no exchange position.
	ReconcileOrphans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "novapulse_reconcile_orphans",
		Help: "Local open trades with no matching exchange position.",
	})

	// BreakerTrips counts circuit breaker activations.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "novapulse_breaker_trips_total",
		Help: "Health circuit breaker trips, by breaker.",
	}, []string{"breaker"})

	// OpenPositions gauges currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "novapulse_open_positions",
		Help: "Number of currently open positions.",
	})

	// WSReconnects counts websocket reconnect attempts.
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "novapulse_ws_reconnects_total",
		Help: "Market data websocket reconnect attempts.",
	})
)
