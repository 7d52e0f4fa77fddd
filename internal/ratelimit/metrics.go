package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus metrics for rate limit operations.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	limitedTotal      *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetRateLimitMetrics returns the process-wide rate limit metrics.
func GetRateLimitMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_ratelimit_requests_total",
					Help: "Total number of rate limit checks",
				},
				[]string{"backend"},
			),
			limitedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_ratelimit_limited_total",
					Help: "Total number of requests rejected by rate limiting",
				},
				[]string{"backend"},
			),
			operationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_ratelimit_operation_duration_seconds",
					Help:    "Duration of rate limit operations in seconds",
					Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
				},
				[]string{"backend", "operation"},
			),
		}
	})
	return metrics
}
