// Package metrics exposes relay counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vhostrelay"

// Metrics owns a private registry so several relays can run in one process
// (tests do this) without colliding on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  *prometheus.GaugeVec
	Sessions        *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	Responses       *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec
	RoutingFailures *prometheus.CounterVec
	BytesRelayed    *prometheus.CounterVec
	CertsIssued     prometheus.Counter
	CertCacheHits   prometheus.Counter
	CertIssueTime   prometheus.Histogram
}

// New creates a fresh set of relay metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of client sessions currently open",
		}, []string{"listener"}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted client sessions",
		}, []string{"listener"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Relayed requests by body framing",
		}, []string{"framing"}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Relayed responses by status class and body framing",
		}, []string{"class", "framing"}),
		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Session errors by error code",
		}, []string{"code"}),
		RoutingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Requests that matched no virtual host or path",
		}, []string{"reason"}),
		BytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes copied between client and upstream",
		}, []string{"direction"}),
		CertsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates minted by the local CA",
		}),
		CertCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_cache_hits_total",
			Help:      "Handshakes served from the leaf certificate cache",
		}),
		CertIssueTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "certificate_issue_seconds",
			Help:      "Time spent minting a leaf certificate",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass maps a status code to "1xx" .. "5xx".
func StatusClass(status int) string {
	switch {
	case status < 100:
		return "other"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	case status < 600:
		return "5xx"
	}
	return "other"
}
