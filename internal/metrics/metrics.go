package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Intake
	Clicks    *prometheus.CounterVec
	PageViews *prometheus.CounterVec

	// Dedup
	DedupAdmissions *prometheus.CounterVec
	DedupFallbacks  prometheus.Counter

	// Attribution codes
	CodeAttempts prometheus.Histogram

	// Storage
	StoreLatency  *prometheus.HistogramVec
	MirrorDropped prometheus.Counter

	// HTTP
	HTTPRequests  *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec
	Panics        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all collectors and registers them on reg.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Clicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clicks_total",
				Help:      "Clicks received, by subject type and outcome",
			},
			[]string{"subject", "outcome"},
		),
		PageViews: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_views_total",
				Help:      "Page views recorded",
			},
			[]string{"is_bot"},
		),
		DedupAdmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_admissions_total",
				Help:      "Dedup admission decisions",
			},
			[]string{"result"},
		),
		DedupFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_fallbacks_total",
				Help:      "Admissions served by the local cache because Redis failed",
			},
		),
		CodeAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "code_generation_attempts",
				Help:      "Attempts needed to find an unused attribution code",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
		),
		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_latency_seconds",
				Help:      "Backing store operation latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"op"},
		),
		MirrorDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_dropped_total",
				Help:      "Log entries not exported because the buffer was full",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"endpoint"},
		),
		Panics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Handler panics turned into 500 responses",
			},
			[]string{"method"},
		),
		gatherer: reg,
	}
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordClick counts a click outcome (accepted, bot, duplicate, inactive, not_found, error).
func (m *Metrics) RecordClick(subject, outcome string) {
	m.Clicks.WithLabelValues(subject, outcome).Inc()
}

func (m *Metrics) RecordPageView(isBot bool) {
	m.PageViews.WithLabelValues(strconv.FormatBool(isBot)).Inc()
}

func (m *Metrics) RecordDedup(admitted bool) {
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.DedupAdmissions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDedupFallback() {
	m.DedupFallbacks.Inc()
}

func (m *Metrics) RecordCodeAttempts(attempts int) {
	m.CodeAttempts.Observe(float64(attempts))
}

func (m *Metrics) RecordStoreLatency(op string, d time.Duration) {
	m.StoreLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordMirrorDrop() {
	m.MirrorDropped.Inc()
}

func (m *Metrics) RecordHTTPRequest(method string, status int) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordPanic(method string) {
	m.Panics.WithLabelValues(method).Inc()
}
