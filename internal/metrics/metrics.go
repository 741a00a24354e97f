// Package metrics holds the relay's Prometheus collectors.
//
// Each Metrics owns its registry, so tests and multiple relays in one
// process do not collide on the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "friendrelay"

// Outcome label values for EventsTotal and AuthTotal.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeConflict    = "conflict"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeInternal    = "internal"
)

// Delivery label values for DeliveriesTotal.
const (
	DeliveryLive    = "live"
	DeliveryOffline = "offline"
	DeliveryFailed  = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	// EventsTotal counts dispatched inbound events.
	// Labels: type (wire type), outcome (ok, invalid, conflict, ...)
	EventsTotal *prometheus.CounterVec

	// DeliveriesTotal counts targeted live pushes.
	// Labels: type (outbound wire type), result (live, offline, failed)
	DeliveriesTotal *prometheus.CounterVec

	// BroadcastsTotal counts presence broadcasts.
	BroadcastsTotal prometheus.Counter

	// ActiveSessions is the number of registered live sessions.
	ActiveSessions prometheus.Gauge

	// SessionsTotal counts session starts and ends.
	// Labels: event (connected, replaced, disconnected, stale)
	SessionsTotal *prometheus.CounterVec

	// AuthTotal counts signup and login attempts.
	// Labels: op (signup, login), outcome
	AuthTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound client events by type and outcome.",
		}, []string{"type", "outcome"}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Targeted live pushes by event type and result.",
		}, []string{"type", "result"}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "Presence user_list broadcasts.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently registered live sessions.",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"event"}),
		AuthTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Signup and login attempts by outcome.",
		}, []string{"op", "outcome"}),
	}
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
