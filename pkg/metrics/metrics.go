// Package metrics provides Prometheus collectors for watchsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics on a private registry.
type Metrics struct {
	// Connections
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Sessions
	SessionsActive prometheus.Gauge
	ViewersActive  prometheus.Gauge
	SessionsSwept  prometheus.Counter

	// Intents by event and result (ok, invalid, forbidden, error)
	Intents       *prometheus.CounterVec
	IntentLatency *prometheus.HistogramVec

	// Broadcast fan-out
	Deliveries *prometheus.CounterVec
	Drops      prometheus.Counter

	// Snapshot endpoint cache
	SnapshotCache *prometheus.CounterVec

	// Errors
	PanicsTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates collectors under namespace and registers them.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections_active", Help: "Number of open push connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_connections_total", Help: "Total push connections accepted",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Sessions held by the store",
		}),
		ViewersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "viewers_active", Help: "Viewers attached across all sessions",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_swept_total", Help: "Expired sessions removed by the sweep",
		}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total", Help: "Intents applied by event and result",
		}, []string{"event", "result"}),
		IntentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "intent_duration_seconds", Help: "Intent apply latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"event"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_deliveries_total", Help: "Frames delivered to subscribers by event",
		}, []string{"event"}),
		Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_drops_total", Help: "Frames skipped because a subscriber queue was full",
		}),
		SnapshotCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_cache_total", Help: "Snapshot cache lookups by result",
		}, []string{"result"}),
		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "panics_total", Help: "Total panics recovered",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.SessionsActive,
		m.ViewersActive,
		m.SessionsSwept,
		m.Intents,
		m.IntentLatency,
		m.Deliveries,
		m.Drops,
		m.SnapshotCache,
		m.PanicsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Intent records one applied intent.
func (m *Metrics) Intent(event, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Intents.WithLabelValues(event, result).Inc()
	m.IntentLatency.WithLabelValues(event).Observe(seconds)
}

// Delivered records fan-out of one frame to n subscribers.
func (m *Metrics) Delivered(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(event).Add(float64(n))
}

// Dropped records frames skipped for full subscriber queues.
func (m *Metrics) Dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Drops.Add(float64(n))
}
