package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus metrics for cache operations.
type Metrics struct {
	hitsTotal          *prometheus.CounterVec
	missesTotal        *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	sizeGauge          *prometheus.GaugeVec
	operationDuration  *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetCacheMetrics returns the process-wide cache metrics.
func GetCacheMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			hitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_cache_hits_total",
					Help: "Total number of cache hits",
				},
				[]string{"backend"},
			),
			missesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_cache_misses_total",
					Help: "Total number of cache misses",
				},
				[]string{"backend"},
			),
			evictionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_cache_evictions_total",
					Help: "Total number of cache entries removed by expiry sweeps",
				},
				[]string{"backend"},
			),
			invalidationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_cache_invalidations_total",
					Help: "Total number of cache entries removed by invalidation",
				},
				[]string{"backend", "kind"},
			),
			errorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_cache_errors_total",
					Help: "Total number of cache backend errors",
				},
				[]string{"backend", "operation"},
			),
			sizeGauge: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gantry_cache_entries",
					Help: "Current number of cache entries",
				},
				[]string{"backend"},
			),
			operationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_cache_operation_duration_seconds",
					Help:    "Duration of cache operations in seconds",
					Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
				},
				[]string{"backend", "operation"},
			),
		}
	})
	return metrics
}
