// Package metrics provides Prometheus instrumentation for the chat client
// core. It exposes counters for message flow, a gauge for the online-user
// set, and a histogram for history load latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSent counts messages successfully persisted by this client.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_sent_total",
		Help: "Total number of messages sent by this client",
	})

	// MessagesReceived counts live messages appended to the room log.
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_received_total",
		Help: "Total number of live messages appended to the room log",
	})

	// DuplicatesSuppressed counts re-delivered messages dropped by the
	// idempotent append.
	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_duplicate_messages_total",
		Help: "Total number of duplicate live messages suppressed",
	})

	// OnlineUsers tracks the size of the current presence set (excluding self).
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current number of other users online",
	})

	// TypingBroadcasts counts typing start/stop events broadcast by this client.
	TypingBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_typing_broadcasts_total",
		Help: "Total number of typing signals broadcast",
	})

	// HistoryLoadDuration records how long the initial history fetch takes.
	HistoryLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_history_load_seconds",
		Help:    "Room history load latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		MessagesReceived,
		DuplicatesSuppressed,
		OnlineUsers,
		TypingBroadcasts,
		HistoryLoadDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
