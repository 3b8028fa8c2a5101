// Package metrics exposes turnstile's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records authentication and authorization outcomes. It satisfies
// service.AuthMetrics.
type Collector struct {
	logins        *prometheus.CounterVec
	tokenFailures *prometheus.CounterVec
	lockouts      prometheus.Counter
	decisions     *prometheus.CounterVec
	syncEvents    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	reg           prometheus.Registerer
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		tokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_token_failures_total",
			Help: "Rejected tokens by reason.",
		}, []string{"reason"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_lockouts_total",
			Help: "Identifiers locked out after repeated login failures.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_gate_decisions_total",
			Help: "Authorization decisions by result.",
		}, []string{"result"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_sync_events_total",
			Help: "Sync bus events seen by the server, by type.",
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnstile_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reg: reg,
	}

	reg.MustRegister(
		c.logins,
		c.tokenFailures,
		c.lockouts,
		c.decisions,
		c.syncEvents,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

// ObserveLogin counts one login attempt.
func (c *Collector) ObserveLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// ObserveTokenFailure counts one rejected token.
func (c *Collector) ObserveTokenFailure(reason string) {
	c.tokenFailures.WithLabelValues(reason).Inc()
}

// ObserveLockout counts one identifier becoming locked.
func (c *Collector) ObserveLockout(string) {
	c.lockouts.Inc()
}

// ObserveDecision counts one gate decision. result is "allowed" or the deny reason.
func (c *Collector) ObserveDecision(result string) {
	c.decisions.WithLabelValues(result).Inc()
}

// ObserveSyncEvent counts one sync bus event.
func (c *Collector) ObserveSyncEvent(eventType string) {
	c.syncEvents.WithLabelValues(eventType).Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// TrackLockouts exports the size of the lockout table as a gauge.
func (c *Collector) TrackLockouts(size func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "turnstile_lockout_records",
		Help: "Identifiers currently tracked by the lockout guard.",
	}, func() float64 { return float64(size()) }))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
