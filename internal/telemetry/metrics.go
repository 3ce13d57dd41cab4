package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quizlive"

// Outcomes of reducing a server event.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
)

var (
	EventsReduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_reduced_total",
		Help:      "Server events handled by a reducer, by reducer, type and outcome.",
	}, []string{"reducer", "type", "outcome"})

	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnects_total",
		Help:      "Times the real-time connection was lost and redialled.",
	})

	TransportConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connected",
		Help:      "1 while the real-time connection is established.",
	})

	TransportDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_publish_dropped_total",
		Help:      "Publishes dropped because the connection was down.",
	})

	AutoLeave = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auto_leave_total",
		Help:      "Auto-leave decisions, by result.",
	}, []string{"result"})

	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "REST calls to the quiz backend, by operation and status code.",
	}, []string{"op", "code"})
)

func init() {
	prometheus.MustRegister(
		EventsReduced,
		TransportReconnects,
		TransportConnected,
		TransportDropped,
		AutoLeave,
		APIRequests,
	)
}
