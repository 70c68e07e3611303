// Package metrics provides Prometheus metrics for the analysis service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, so library packages can take it as an optional dependency.
type Metrics struct {
	AnalysesTotal         *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	AnalysisDuration      prometheus.Histogram
	ActiveAnalyses        prometheus.Gauge
	MatchesTotal          *prometheus.CounterVec
	CatalogErrors         *prometheus.CounterVec
	CatalogProducts       prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates all metrics and registers them with reg. A nil reg registers
// with a fresh private registry, which Handler then serves.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxscan_analyses_total",
			Help: "Total prescription analyses by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxscan_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"stage"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxscan_analysis_duration_seconds",
			Help:    "End-to-end analysis duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ActiveAnalyses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxscan_analyses_active",
			Help: "Currently running analyses",
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxscan_matches_total",
			Help: "Resolved medicine entries by match tier",
		}, []string{"tier"}),
		CatalogErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxscan_catalog_errors_total",
			Help: "Catalog lookups that failed, by operation",
		}, []string{"operation"}),
		CatalogProducts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxscan_catalog_products",
			Help: "Products in the in-memory catalog snapshot",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	}
	reg.MustRegister(
		m.AnalysesTotal,
		m.StageDuration,
		m.AnalysisDuration,
		m.ActiveAnalyses,
		m.MatchesTotal,
		m.CatalogErrors,
		m.CatalogProducts,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAnalysis counts a finished analysis.
func (m *Metrics) RecordAnalysis(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

// TrackActive increments the active gauge and returns the matching decrement.
func (m *Metrics) TrackActive() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveAnalyses.Inc()
	return m.ActiveAnalyses.Dec
}

// RecordMatch counts an entry resolved at tier.
func (m *Metrics) RecordMatch(tier string) {
	if m == nil {
		return
	}
	m.MatchesTotal.WithLabelValues(tier).Inc()
}

// RecordCatalogError counts a failed catalog lookup.
func (m *Metrics) RecordCatalogError(operation string) {
	if m == nil {
		return
	}
	m.CatalogErrors.WithLabelValues(operation).Inc()
}

// SetCatalogSize records the size of the current catalog snapshot.
func (m *Metrics) SetCatalogSize(n int) {
	if m == nil {
		return
	}
	m.CatalogProducts.Set(float64(n))
}

// SetBreakerState records a breaker state transition.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// MessageProduced counts a Kafka record written.
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a Kafka record read.
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	if m != nil && m.registry != nil {
		return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
