package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "egressguard_sessions_active",
		Help: "Number of client sessions currently being served.",
	})
	sessionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "egressguard_sessions_total",
		Help: "Client sessions accepted, by kind: plain, tunnel, tls or transparent.",
	}, []string{"kind"})
	decisions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "egressguard_decisions_total",
		Help: "Policy decisions, by action and reason.",
	}, []string{"action", "reason"})
	upstreamErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "egressguard_upstream_errors_total",
		Help: "Failed upstream exchanges, by kind.",
	}, []string{"kind"})
	certificatesIssued = factory.NewCounter(prometheus.CounterOpts{
		Name: "egressguard_certificates_issued_total",
		Help: "Leaf certificates generated by the local authority.",
	})
	upstreamDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egressguard_upstream_duration_seconds",
		Help:    "Time from forwarding a request to receiving the final response head.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"status"})
	bytesRelayed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "egressguard_bytes_relayed_total",
		Help: "Body bytes relayed, by direction (upload or download).",
	}, []string{"direction"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the collector registry for tests and embedding.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// SessionOpened records an accepted session of the given kind.
func SessionOpened(kind string) {
	sessionsTotal.WithLabelValues(kind).Inc()
	sessionsActive.Inc()
}

// SessionClosed marks a session as finished.
func SessionClosed() {
	sessionsActive.Dec()
}

// RecordDecision counts a policy decision.
func RecordDecision(action, reason string) {
	decisions.WithLabelValues(action, reason).Inc()
}

// RecordUpstreamError counts a failed upstream exchange.
func RecordUpstreamError(kind string) {
	upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordCertificateIssued counts a generated leaf certificate.
func RecordCertificateIssued() {
	certificatesIssued.Inc()
}

// ObserveUpstreamDuration records the latency of an upstream round trip.
func ObserveUpstreamDuration(status int, dur time.Duration) {
	upstreamDuration.WithLabelValues(strconv.Itoa(status)).Observe(dur.Seconds())
}

// AddBytesRelayed counts relayed body bytes.
func AddBytesRelayed(direction string, n int64) {
	if n > 0 {
		bytesRelayed.WithLabelValues(direction).Add(float64(n))
	}
}
