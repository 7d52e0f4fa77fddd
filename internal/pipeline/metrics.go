package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus metrics for the request pipeline.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	stageErrorsTotal *prometheus.CounterVec
	breakerOpenTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetPipelineMetrics returns the process-wide pipeline metrics.
func GetPipelineMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_requests_total",
					Help: "Total number of requests by method and status",
				},
				[]string{"method", "status"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_request_duration_seconds",
					Help:    "Request duration in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
				[]string{"method"},
			),
			stageErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_stage_errors_total",
					Help: "Total number of pipeline stage failures",
				},
				[]string{"stage", "code"},
			),
			breakerOpenTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_breaker_open_total",
					Help: "Total number of requests rejected by an open circuit breaker",
				},
				[]string{"endpoint"},
			),
		}
	})
	return metrics
}
