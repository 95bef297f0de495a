package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// JobsFinished counts route plan jobs by terminal state
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_plan_jobs_total", Help: "Route plan jobs by terminal state."},
		[]string{"state"},
	)
	// JobDuration measures submit-to-terminal time
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_plan_job_duration_seconds", Help: "Route plan job duration from submission to terminal state.", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}},
	)
	// SolveDuration tracks solver wall time by algorithm
	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_solve_duration_seconds", Help: "Solver wall time by algorithm.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}},
		[]string{"algorithm"},
	)
	// MatrixRequests counts matrix lookups by source (primary, fallback, cache)
	MatrixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "matrix_requests_total", Help: "Distance/time matrix lookups by source."},
		[]string{"source"},
	)
	// MatrixFallbacks counts primary provider failures that fell back to the estimator
	MatrixFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "matrix_fallbacks_total", Help: "Matrix provider failures recovered with the straight-line estimator."},
	)
	// QueueDepth is the number of route plan jobs waiting for a worker
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "route_plan_queue_depth", Help: "Route plan jobs waiting for a worker."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(JobsFinished)
		Registry.MustRegister(JobDuration)
		Registry.MustRegister(SolveDuration)
		Registry.MustRegister(MatrixRequests)
		Registry.MustRegister(MatrixFallbacks)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
