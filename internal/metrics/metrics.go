package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seaport"

// Metrics holds the collectors updated by the registry and node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	services        prometheus.Gauge
	streams         prometheus.Gauge
	updatesApplied  prometheus.Counter
	updatesRejected *prometheus.CounterVec
	decodeFailures  prometheus.Counter
	evictions       prometheus.Counter
	heartbeats      prometheus.Counter
}

// New creates the collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services",
			Help:      "Live service records in the local document.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Open gossip streams.",
		}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Document updates written locally or accepted from peers.",
		}),
		updatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "Remote updates that failed verification.",
		}, []string{"reason"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_decode_failures_total",
			Help:      "Streams torn down because the peer sent malformed data.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Service records removed for a stale heartbeat.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat rounds over this node's services.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.services,
		m.streams,
		m.updatesApplied,
		m.updatesRejected,
		m.decodeFailures,
		m.evictions,
		m.heartbeats,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetServices records the number of live service records.
func (m *Metrics) SetServices(n int) {
	if m != nil {
		m.services.Set(float64(n))
	}
}

// StreamOpened counts a stream that completed its handshake.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streams.Inc()
	}
}

// StreamClosed counts a handshaken stream that ended.
func (m *Metrics) StreamClosed() {
	if m != nil {
		m.streams.Dec()
	}
}

// UpdateApplied counts an update written locally or accepted from a peer.
func (m *Metrics) UpdateApplied() {
	if m != nil {
		m.updatesApplied.Inc()
	}
}

// UpdateRejected counts a remote update that failed verification.
func (m *Metrics) UpdateRejected(reason string) {
	if m != nil {
		m.updatesRejected.WithLabelValues(reason).Inc()
	}
}

// DecodeFailure counts a stream torn down on malformed input.
func (m *Metrics) DecodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

// Evicted counts services removed for missing heartbeats.
func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.evictions.Add(float64(n))
	}
}

// Heartbeat counts a heartbeat round over this node's services.
func (m *Metrics) Heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}
