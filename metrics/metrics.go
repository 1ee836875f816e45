// Package metrics exposes the engine's operational counters in
// Prometheus text format:
//
//	engine_orders_total{mode,side}      – orders placed (mode: paper|live)
//	engine_order_failures_total{reason} – terminal order failures
//	engine_exits_total{reason}          – risk exits (stop_loss|take_profit|trailing_stop)
//	engine_cycle_seconds                – last analysis cycle duration
//	engine_nav                          – last known net asset value
//	engine_consecutive_timeouts         – circuit-breaker strike count
//	engine_heartbeat_seconds            – unix time of the last heartbeat
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_order_failures_total",
			Help: "Terminal order failures",
		},
		[]string{"reason"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Risk exits by reason",
		},
		[]string{"reason"},
	)

	CycleSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_cycle_seconds",
			Help: "Duration of the last analysis cycle",
		},
	)

	NAV = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_nav",
			Help: "Last known net asset value",
		},
	)

	ConsecutiveTimeouts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_consecutive_timeouts",
			Help: "Consecutive cycles that hit the batch timeout",
		},
	)

	Heartbeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_heartbeat_seconds",
			Help: "Unix time of the last liveness heartbeat",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders, OrderFailures, Exits,
		CycleSeconds, NAV, ConsecutiveTimeouts, Heartbeat,
	)
}

// TouchHeartbeat records liveness for the watchdog's metrics view.
func TouchHeartbeat() {
	Heartbeat.Set(float64(time.Now().Unix()))
}

// Serve starts the /metrics endpoint on addr. Blocks; run it on its
// own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
