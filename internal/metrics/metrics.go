// Package metrics holds the Prometheus collectors of the grid process.
//
// Exposed series:
//   - grid_ticks_total{symbol}                 ticks delivered to engines
//   - grid_tick_errors_total{symbol,reason}    tick handler errors and panics
//   - grid_ticks_coalesced_total{symbol}       ticks replaced in a mailbox before delivery
//   - grid_feed_errors_total                   transport errors
//   - grid_feed_reconnects_total               successful redials
//   - grid_orders_total{strategy,action,outcome}
//   - grid_events_total{kind}
//   - grid_position{strategy,symbol,side}
//   - grid_status{strategy,status}             1 for the current status, 0 otherwise
//
// Collectors register in init() and are served by Handler at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_ticks_total",
			Help: "Price ticks delivered to engines",
		},
		[]string{"symbol"},
	)

	tickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_tick_errors_total",
			Help: "Tick handler failures by reason (error|panic)",
		},
		[]string{"symbol", "reason"},
	)

	ticksCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_ticks_coalesced_total",
			Help: "Ticks replaced by a newer price before the engine consumed them",
		},
		[]string{"symbol"},
	)

	feedErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_feed_errors_total",
			Help: "Price feed transport errors",
		},
	)

	feedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_feed_reconnects_total",
			Help: "Price feed reconnections",
		},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_total",
			Help: "Resolved grid orders by action and outcome",
		},
		[]string{"strategy", "action", "outcome"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_events_total",
			Help: "Strategy events by kind",
		},
		[]string{"kind"},
	)

	position = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_position",
			Help: "Current position quantity per strategy",
		},
		[]string{"strategy", "symbol", "side"},
	)

	// grid_status flips labeled series between 0/1 so dashboards can filter on status.
	status = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_status",
			Help: "Engine status indicator",
		},
		[]string{"strategy", "status"},
	)
)

func init() {
	prometheus.MustRegister(ticks, tickErrors, ticksCoalesced)
	prometheus.MustRegister(feedErrors, feedReconnects)
	prometheus.MustRegister(orders, events, position, status)
}

func Handler() http.Handler { return promhttp.Handler() }

func IncTick(symbol string)              { ticks.WithLabelValues(symbol).Inc() }
func IncTickError(symbol, reason string) { tickErrors.WithLabelValues(symbol, reason).Inc() }
func IncTickCoalesced(symbol string)     { ticksCoalesced.WithLabelValues(symbol).Inc() }
func IncFeedError()                      { feedErrors.Inc() }
func IncFeedReconnect()                  { feedReconnects.Inc() }

func IncOrder(strategy, action, outcome string) {
	orders.WithLabelValues(strategy, action, outcome).Inc()
}
