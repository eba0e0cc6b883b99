// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes counters for routed, published and delivered events, gauges for
// connections and pending timers, and a histogram for routing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsRouted counts inbound events accepted by the router, by type.
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_events_routed_total",
		Help: "Inbound chat events handled by the router",
	}, []string{"type"})

	// EventsPublished counts events successfully handed to the broker.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_events_published_total",
		Help: "Chat events published to the shared subject",
	}, []string{"type"})

	// PublishFailures counts events lost because the broker send failed.
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wchat_publish_failures_total",
		Help: "Chat events dropped because publishing failed",
	})

	// EventsDelivered counts event frames written to local sessions,
	// labeled by destination kind: "room" or "agents".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_events_delivered_total",
		Help: "Chat event frames written to local sessions",
	}, []string{"destination_kind"})

	// MalformedEvents counts broker payloads and callbacks that failed to parse.
	MalformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wchat_malformed_events_total",
		Help: "Payloads dropped because they could not be decoded",
	})

	// StoreErrors counts room-state store failures by operation ("get", "set").
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_store_errors_total",
		Help: "Room state store failures",
	}, []string{"op"})

	// BotForwards counts outbound bot calls by result: "ok", "error", "dropped".
	BotForwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_bot_forwards_total",
		Help: "Customer messages forwarded to the bot service",
	}, []string{"result"})

	// BotCallbacks counts bot replies injected into the fan-out.
	BotCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wchat_bot_callbacks_total",
		Help: "Bot replies received on the callback endpoint",
	})

	// TimersPending tracks scheduled tasks per registry ("inactivity", "greeting").
	TimersPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wchat_timers_pending",
		Help: "Pending scheduled tasks",
	}, []string{"kind"})

	// TimersFired counts scheduled tasks that ran.
	TimersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wchat_timers_fired_total",
		Help: "Scheduled tasks that fired",
	}, []string{"kind"})

	// RouteLatency records the time spent in Router.Handle.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wchat_route_latency_seconds",
		Help:    "Time spent routing one inbound event",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsRouted,
		EventsPublished,
		PublishFailures,
		EventsDelivered,
		MalformedEvents,
		StoreErrors,
		BotForwards,
		BotCallbacks,
		TimersPending,
		TimersFired,
		RouteLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
