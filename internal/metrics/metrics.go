// Package metrics exposes the gateway's Prometheus metrics: request
// counters and latency histograms, in-flight requests, GPU-mutex wait time,
// per-category routing counts, and the resident model gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector the gateway registers.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	ResidentModel   *prometheus.GaugeVec
	CategoryTotal   *prometheus.CounterVec
	GPUWaitSeconds  prometheus.Histogram
}

// New creates and registers the gateway's metric collectors on a dedicated
// registry (kept separate from the default registry so tests can create
// independent instances without collector-already-registered panics).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled, by model and outcome status.",
		}, []string{"model", "status"}),
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds, by model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		ActiveRequests: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Number of requests currently in flight.",
		}),
		ResidentModel: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_resident_model",
			Help: "1 for the currently GPU-resident model, 0 otherwise.",
		}, []string{"model_id"}),
		CategoryTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_category_total",
			Help: "Total number of requests routed to each classifier category.",
		}, []string{"category"}),
		GPUWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_gpu_wait_seconds",
			Help:    "Time spent waiting to acquire the GPU mutex.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	return m
}

// Handler returns the HTTP handler serving this Metrics instance's
// registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetResidentModel sets modelID's gauge to 1 and every other id in known
// to 0; with modelID "" every id in known is set to 0.
func (m *Metrics) SetResidentModel(modelID string, known []string) {
	for _, id := range known {
		if id == modelID {
			m.ResidentModel.WithLabelValues(id).Set(1)
		} else {
			m.ResidentModel.WithLabelValues(id).Set(0)
		}
	}
}
