// Package metrics provides Prometheus metrics for the interaction service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/pkg/circuitbreaker"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ChecksTotal         *prometheus.CounterVec
	CheckDuration       prometheus.Histogram
	WarningsTotal       *prometheus.CounterVec
	OverridesTotal      prometheus.Counter
	SubmissionsTotal    *prometheus.CounterVec
	ActiveDrafts        prometheus.Gauge
	CacheLookups        *prometheus.CounterVec
	OutboxPublished     *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_checks_total",
			Help: "Interaction checks by outcome",
		}, []string{"outcome"}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ddi_check_duration_seconds",
			Help:    "Rule lookup and matching duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		WarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_warnings_total",
			Help: "Interaction warnings raised by severity",
		}, []string{"severity"}),
		OverridesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddi_overrides_total",
			Help: "Submissions that carried an override justification",
		}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_submissions_total",
			Help: "Submission attempts by result",
		}, []string{"result"}),
		ActiveDrafts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prescription_drafts_active",
			Help: "Open prescription drafts",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddi_rule_cache_lookups_total",
			Help: "Rule cache lookups by result",
		}, []string{"result"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox publish attempts by topic and result",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.ChecksTotal,
		m.CheckDuration,
		m.WarningsTotal,
		m.OverridesTotal,
		m.SubmissionsTotal,
		m.ActiveDrafts,
		m.CacheLookups,
		m.OutboxPublished,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveCheck implements interaction.Observer
func (m *Metrics) ObserveCheck(outcome interaction.Outcome, d time.Duration, warnings []interaction.Warning) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != interaction.OutcomeSkipped {
		m.CheckDuration.Observe(d.Seconds())
	}
	for _, w := range warnings {
		m.WarningsTotal.WithLabelValues(w.Severity.String()).Inc()
	}
}

// ObserveCache records a rule cache hit or miss
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveOutbox records one relay publish attempt
func (m *Metrics) ObserveOutbox(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboxPublished.WithLabelValues(topic, result).Inc()
}

// ObserveBreaker records a circuit breaker transition
func (m *Metrics) ObserveBreaker(name string, state circuitbreaker.State) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveSubmission records a submission attempt. result is "submitted",
// "replayed" or a validation code.
func (m *Metrics) ObserveSubmission(result string, overridden bool) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
	if overridden {
		m.OverridesTotal.Inc()
	}
}

// SetActiveDrafts records the number of open drafts
func (m *Metrics) SetActiveDrafts(n int) {
	if m == nil {
		return
	}
	m.ActiveDrafts.Set(float64(n))
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveRequest records an HTTP request
func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
