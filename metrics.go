package serverbox

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors the lifecycle manager, resume
// coordinator, and instance proxy report to. All methods are safe to call
// on a nil *Metrics (metrics are optional), matching the teacher's
// nil-receiver-safe Metrics methods.
type Metrics struct {
	registry *prometheus.Registry

	transitionsTotal *prometheus.CounterVec
	resumeJoinsTotal *prometheus.CounterVec
	resumeCallsTotal prometheus.Counter
	proxyRequestsTotal *prometheus.CounterVec
	proxyForwardSeconds prometheus.Histogram
}

// NewMetrics builds a Metrics sink registered on a private registry (not
// the global default), matching the teacher's convention of isolating
// collectors from whatever else shares the process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serverbox_instance_transitions_total",
			Help: "Count of lifecycle manager operations by operation and resulting state.",
		}, []string{"operation", "state"}),
		resumeJoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serverbox_resume_joins_total",
			Help: "Count of ensureRunning calls by outcome (joined_inflight, triggered, already_running).",
		}, []string{"outcome"}),
		resumeCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serverbox_resume_calls_total",
			Help: "Count of underlying provider resume calls actually issued.",
		}),
		proxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serverbox_proxy_requests_total",
			Help: "Count of proxied requests by status class.",
		}, []string{"status_class"}),
		proxyForwardSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "serverbox_proxy_forward_seconds",
			Help:    "Latency of upstream forwarding, from dispatch to first response byte.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.transitionsTotal, m.resumeJoinsTotal, m.resumeCallsTotal, m.proxyRequestsTotal, m.proxyForwardSeconds)
	return m
}

// Handler returns an http.Handler serving this Metrics' collectors in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncTransition records a lifecycle manager operation and its resulting state.
func (m *Metrics) IncTransition(operation, state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(operation, state).Inc()
}

// IncResumeJoin records an ensureRunning outcome.
func (m *Metrics) IncResumeJoin(outcome string) {
	if m == nil {
		return
	}
	m.resumeJoinsTotal.WithLabelValues(outcome).Inc()
}

// IncResumeCall records one underlying provider resume call.
func (m *Metrics) IncResumeCall() {
	if m == nil {
		return
	}
	m.resumeCallsTotal.Inc()
}

// IncProxyRequest records a proxied request's response status class, e.g.
// "2xx", "4xx", "5xx".
func (m *Metrics) IncProxyRequest(statusClass string) {
	if m == nil {
		return
	}
	m.proxyRequestsTotal.WithLabelValues(statusClass).Inc()
}

// ObserveProxyForward records the latency of one upstream forward.
func (m *Metrics) ObserveProxyForward(seconds float64) {
	if m == nil {
		return
	}
	m.proxyForwardSeconds.Observe(seconds)
}
