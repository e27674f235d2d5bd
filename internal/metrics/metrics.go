// Package metrics exposes the mapcluster Prometheus instruments and the
// registry plumbing that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/mapcluster/internal/cluster"
)

// Metrics contains all mapcluster instruments.
type Metrics struct {
	// Engine metrics
	PassesTotal       *prometheus.CounterVec
	PassDuration      prometheus.Histogram
	Points            prometheus.Gauge
	VisibleItems      prometheus.Gauge
	Clusters          prometheus.Gauge
	ClusteredPoints   prometheus.Gauge
	DeltaItems        *prometheus.CounterVec
	CacheRebuilds     prometheus.Counter
	RecomputeRequests *prometheus.CounterVec

	// Feed metrics
	FeedPackets *prometheus.CounterVec
	FeedPoints  prometheus.Counter

	// Stream metrics
	StreamClients prometheus.Gauge
	StreamDropped prometheus.Counter

	// NATS metrics
	NATSConnected prometheus.Gauge
	NATSPublished prometheus.Counter
	NATSErrors    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		PassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "passes_total",
				Help:      "Total number of clustering passes by outcome",
			},
			[]string{"status"},
		),

		PassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "pass_duration_seconds",
				Help:      "Clustering pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		Points: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "points",
				Help:      "Number of input points in the set",
			},
		),

		VisibleItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "visible_items",
				Help:      "Number of items in the committed visible set",
			},
		),

		Clusters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "clusters",
				Help:      "Cluster count from the last committed pass",
			},
		),

		ClusteredPoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "clustered_points",
				Help:      "Points absorbed into clusters in the last committed pass",
			},
		),

		DeltaItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "delta_items_total",
				Help:      "Total visible-set delta items by operation",
			},
			[]string{"op"},
		),

		CacheRebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "cache_rebuilds_total",
				Help:      "Total neighbor cache rebuilds",
			},
		),

		RecomputeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "engine",
				Name:      "recompute_requests_total",
				Help:      "Total recompute requests by trigger",
			},
			[]string{"trigger"},
		),

		FeedPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "feed",
				Name:      "packets_total",
				Help:      "Total UDP feed packets by status",
			},
			[]string{"status"},
		),

		FeedPoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "feed",
				Name:      "points_total",
				Help:      "Total points accepted from the UDP feed",
			},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected websocket clients",
			},
		),

		StreamDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "stream",
				Name:      "dropped_messages_total",
				Help:      "Messages dropped because a client send buffer was full",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mapcluster",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "nats",
				Name:      "published_total",
				Help:      "Total deltas published to NATS",
			},
		),

		NATSErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mapcluster",
				Subsystem: "nats",
				Name:      "errors_total",
				Help:      "Total NATS publish errors",
			},
		),
	}
}

// ObservePass updates the engine instruments from one pass record. Both
// committed and superseded passes are counted; only committed passes move
// the gauges.
func (m *Metrics) ObservePass(st cluster.PassStats) {
	status := "committed"
	if st.Superseded {
		status = "superseded"
	}
	m.PassesTotal.WithLabelValues(status).Inc()
	m.PassDuration.Observe(st.Duration.Seconds())
	if st.CacheRebuilt {
		m.CacheRebuilds.Inc()
	}
	if st.Superseded {
		return
	}
	m.Points.Set(float64(st.PointCount))
	m.VisibleItems.Set(float64(st.VisibleCount))
	m.Clusters.Set(float64(st.ClusterCount))
	m.ClusteredPoints.Set(float64(st.ClusteredPoints))
}

// ObserveDelta counts the add/remove volume of a committed delta.
func (m *Metrics) ObserveDelta(d cluster.Delta) {
	if n := len(d.ToAdd); n > 0 {
		m.DeltaItems.WithLabelValues("add").Add(float64(n))
	}
	if n := len(d.ToRemove); n > 0 {
		m.DeltaItems.WithLabelValues("remove").Add(float64(n))
	}
}

// ObserveRecompute counts a recompute request by its trigger.
func (m *Metrics) ObserveRecompute(trigger string) {
	m.RecomputeRequests.WithLabelValues(trigger).Inc()
}

// Registry couples the mapcluster instruments with a dedicated Prometheus
// registry so tests never collide on the global default.
type Registry struct {
	prom    *prometheus.Registry
	Metrics *Metrics
}

// NewRegistry creates a registry with all mapcluster instruments plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	m := NewMetrics()

	prom.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.Points,
		m.VisibleItems,
		m.Clusters,
		m.ClusteredPoints,
		m.DeltaItems,
		m.CacheRebuilds,
		m.RecomputeRequests,
		m.FeedPackets,
		m.FeedPoints,
		m.StreamClients,
		m.StreamDropped,
		m.NATSConnected,
		m.NATSPublished,
		m.NATSErrors,
	)

	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{prom: prom, Metrics: m}
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Handler returns the scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
