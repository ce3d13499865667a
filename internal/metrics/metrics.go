// Package metrics owns the prometheus registry for a relay process. All
// metrics live on an instance-owned registry rather than the package
// default so that tests and multi-broker setups never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the relay's metrics.
type Registry struct {
	registry *prometheus.Registry

	publishedTotal  *prometheus.CounterVec
	deliveredTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	reconnectsTotal prometheus.Counter

	activeSubscriptions *prometheus.GaugeVec
	activeSessions      prometheus.Gauge
}

// NewRegistry creates a Registry with all metrics registered.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_published_total",
				Help: "Events accepted by the broker, per topic.",
			},
			[]string{"topic"},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_delivered_total",
				Help: "Events enqueued to subscriber queues, per topic.",
			},
			[]string{"topic"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_dropped_total",
				Help: "Events dropped from full subscriber queues (drop-oldest policy), per topic.",
			},
			[]string{"topic"},
		),
		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_client_reconnect_attempts_total",
				Help: "Reconnection attempts made by the relay client.",
			},
		),
		activeSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_subscriptions",
				Help: "Live subscriptions registered with the broker, per topic.",
			},
			[]string{"topic"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Open relay websocket sessions.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.publishedTotal,
		r.deliveredTotal,
		r.droppedTotal,
		r.reconnectsTotal,
		r.activeSubscriptions,
		r.activeSessions,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// EventPublished records an accepted publish on topic.
func (r *Registry) EventPublished(topic string) {
	r.publishedTotal.WithLabelValues(topic).Inc()
}

// EventDelivered records a successful enqueue to one subscriber.
func (r *Registry) EventDelivered(topic string) {
	r.deliveredTotal.WithLabelValues(topic).Inc()
}

// EventDropped records a drop-oldest eviction on one subscriber queue.
func (r *Registry) EventDropped(topic string) {
	r.droppedTotal.WithLabelValues(topic).Inc()
}

// ReconnectAttempt records one relay-client reconnection attempt.
func (r *Registry) ReconnectAttempt() {
	r.reconnectsTotal.Inc()
}

// SubscriptionOpened / SubscriptionClosed track the live subscription gauge.
func (r *Registry) SubscriptionOpened(topic string) {
	r.activeSubscriptions.WithLabelValues(topic).Inc()
}

func (r *Registry) SubscriptionClosed(topic string) {
	r.activeSubscriptions.WithLabelValues(topic).Dec()
}

// SessionOpened / SessionClosed track the open session gauge.
func (r *Registry) SessionOpened() { r.activeSessions.Inc() }
func (r *Registry) SessionClosed() { r.activeSessions.Dec() }
