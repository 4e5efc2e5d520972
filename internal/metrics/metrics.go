// Package metrics exposes pipeline counters on a caller-supplied
// Prometheus registry. Each Metrics value owns its collectors, so
// tests can register against independent registries without collector
// conflicts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	OCRCalls       *prometheus.CounterVec
	OCRRetries     *prometheus.CounterVec
	PipelineErrors *prometheus.CounterVec
	JobsInflight   prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OCRCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handlens_ocr_calls_total",
			Help: "OCR service calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		OCRRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handlens_ocr_retries_total",
			Help: "OCR retry attempts by operation.",
		}, []string{"op"}),
		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handlens_pipeline_errors_total",
			Help: "Per-item pipeline failures by kind.",
		}, []string{"kind"}),
		JobsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handlens_jobs_inflight",
			Help: "Jobs currently running.",
		}),
	}
	reg.MustRegister(m.OCRCalls, m.OCRRetries, m.PipelineErrors, m.JobsInflight)
	return m
}

// NewNop returns metrics registered on a throwaway registry, for
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the scrape endpoint for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
