// Package metrics declares the Prometheus series of the risk engine. They are
// registered on the default registry and served by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "condorbot"

// ============ Feed ============

// TicksReceived counts decoded ticks.
var TicksReceived = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "ticks_received_total",
		Help:      "Ticks decoded from the broker stream",
	},
)

// TickerReconnects counts successful ticker reconnects.
var TickerReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "ticker_reconnects_total",
		Help:      "Successful ticker websocket reconnects",
	},
)

// SubscribedTokens is the number of instruments currently streamed.
var SubscribedTokens = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "subscribed_tokens",
		Help:      "Instrument tokens subscribed on the ticker",
	},
)

// ============ Risk ============

// Evaluations counts per-position evaluations by outcome.
var Evaluations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "evaluations_total",
		Help:      "Position evaluations by underlying",
	},
	[]string{"underlying"},
)

// EvaluationSkips counts evaluations skipped for a transient reason.
var EvaluationSkips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "skipped_total",
		Help:      "Position evaluations skipped, by reason",
	},
	[]string{"reason"},
)

// EvaluationLatency is the time to evaluate every ACTIVE position once.
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "evaluation_latency_ms",
		Help:      "Time to evaluate all active positions in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
)

// Alerts counts alerts raised, by kind.
var Alerts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "alerts_total",
		Help:      "Alerts raised by kind",
	},
	[]string{"kind"},
)

// Conflicts counts writes abandoned on a status or version mismatch.
var Conflicts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "conflicts_total",
		Help:      "Conditional writes lost to a concurrent writer",
	},
	[]string{"writer"},
)

// ActivePositions is the number of ACTIVE positions seen by the last pass.
var ActivePositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "active_positions",
		Help:      "ACTIVE positions in the ledger",
	},
)

// ============ Exits ============

// Exits counts finished exits by side and final status.
var Exits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "exits_total",
		Help:      "Exit sequences by side and final status",
	},
	[]string{"side", "status"},
)

// OrderLatency is the broker round trip of one exit order.
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      "order_latency_ms",
		Help:      "Broker order placement latency in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"transaction_type"},
)

// ============ Reconciliation ============

// Scans counts scanner passes by result.
var Scans = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "scans_total",
		Help:      "Reconciliation passes by result",
	},
	[]string{"result"},
)
