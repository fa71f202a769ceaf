package lnlstm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haste_lnlstm_calls_total",
		Help: "Total number of recurrence engine invocations",
	}, []string{"pass", "dtype"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "haste_lnlstm_duration_seconds",
		Help:    "Wall time per recurrence engine invocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass", "dtype"})

	cacheElements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haste_lnlstm_cache_elements",
		Help: "Element count of the most recently allocated activation cache",
	})
)

// dtypeOf names the element type for metric labels.
func dtypeOf[T any]() string {
	switch any(*new(T)).(type) {
	case float32:
		return "fp32"
	case float64:
		return "fp64"
	default:
		return "unknown"
	}
}
