// Package metrics holds the Prometheus collectors for the context cache and
// the question answering path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memberqa"

// Metrics contains every collector the service exports.
type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	CachePopulations *prometheus.CounterVec
	PopulateDuration prometheus.Histogram
	CacheGeneration  prometheus.Gauge
	CachedRecords    prometheus.Gauge
	Invalidations    prometheus.Counter
	Answers          *prometheus.CounterVec
	AnswerDuration   prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Context cache lookups by result (hit, miss, join, force)",
			},
			[]string{"result"},
		),
		CachePopulations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "populations_total",
				Help:      "Context cache populations by record origin",
			},
			[]string{"origin"},
		),
		PopulateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "populate_duration_seconds",
				Help:      "Time spent fetching and formatting one cache generation",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CacheGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "generation",
				Help:      "Generation of the published cache entry",
			},
		),
		CachedRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "records",
				Help:      "Number of records in the published cache entry",
			},
		),
		Invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Explicit cache invalidations",
			},
		),
		Answers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "answer",
				Name:      "requests_total",
				Help:      "Questions answered by outcome",
			},
			[]string{"outcome"},
		),
		AnswerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "answer",
				Name:      "duration_seconds",
				Help:      "Answering model latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.CacheLookups,
		m.CachePopulations,
		m.PopulateDuration,
		m.CacheGeneration,
		m.CachedRecords,
		m.Invalidations,
		m.Answers,
		m.AnswerDuration,
		m.HTTPRequests,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
