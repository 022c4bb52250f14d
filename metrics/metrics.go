// Package metrics exposes Prometheus collectors for the inference server and the webcam client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	ModelLoads        *prometheus.CounterVec
	ModelLoadDuration *prometheus.HistogramVec
	WebcamFrames      *prometheus.CounterVec
	WebcamLatency     prometheus.Histogram
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jackfruit_predict_requests_total",
			Help: "Predict requests by outcome code",
		}, []string{"code"}),
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jackfruit_inference_duration_seconds",
			Help:    "Time spent in model inference and annotation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"model"}),
		ModelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jackfruit_model_loads_total",
			Help: "Model load attempts by model and result",
		}, []string{"model", "result"}),
		ModelLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jackfruit_model_load_duration_seconds",
			Help:    "Time taken to load a model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}, []string{"model"}),
		WebcamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jackfruit_webcam_frames_total",
			Help: "Webcam frames by outcome (annotated, fallback, skipped)",
		}, []string{"outcome"}),
		WebcamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jackfruit_webcam_roundtrip_seconds",
			Help:    "Capture to display latency of webcam frames",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.Requests,
		m.InferenceDuration,
		m.ModelLoads,
		m.ModelLoadDuration,
		m.WebcamFrames,
		m.WebcamLatency,
	)
	return m
}

// ObserveModelLoad has the signature of a registry load observer.
func (m *Metrics) ObserveModelLoad(model string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelLoads.WithLabelValues(model, result).Inc()
	if err == nil {
		m.ModelLoadDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}

// RegisterGaugeFunc adds a gauge computed on scrape.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
