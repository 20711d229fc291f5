// Package metrics holds the Prometheus collectors shared by the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sceneforge"

var (
	// GenerationCounter counts generation calls by kind (image|video) and
	// result (ok|error|no_output).
	GenerationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "total",
			Help:      "Number of scene generations by kind and result",
		}, []string{"kind", "result"})
	// GenerationDuration observes end-to-end generation latency.
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Duration of scene generations",
			Buckets:   []float64{5, 15, 30, 60, 120, 240, 480, 900},
		}, []string{"kind"})
	// GenerationsInFlight tracks running generations.
	GenerationsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "in_flight",
			Help:      "Generations currently running",
		}, []string{"kind"})
	// GenerationStageCounter counts stage transitions of generation calls.
	GenerationStageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "stage_total",
			Help:      "Stage transitions of generation calls",
		}, []string{"stage"})
	// ScriptCounter counts script agent runs by result.
	ScriptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "total",
			Help:      "Number of script generations by result",
		}, []string{"result"})
	// HTTPRequestDuration observes API latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"})
)

// InitMetrics registers every collector on registry, along with the Go
// runtime and process collectors.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(GenerationCounter)
	registry.MustRegister(GenerationDuration)
	registry.MustRegister(GenerationsInFlight)
	registry.MustRegister(GenerationStageCounter)
	registry.MustRegister(ScriptCounter)
	registry.MustRegister(HTTPRequestDuration)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// NewGauge registers a gauge whose value is read from fn on every scrape.
func NewGauge(registry *prometheus.Registry, name, help string, fn func() float64) {
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gather prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gather, promhttp.HandlerOpts{})
}

// ObserveGeneration records one finished generation.
func ObserveGeneration(kind, result string, started time.Time) {
	GenerationCounter.WithLabelValues(kind, result).Inc()
	GenerationDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
