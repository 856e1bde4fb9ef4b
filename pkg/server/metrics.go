package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the tool handlers. All metrics are labelled by
// tool name so one noisy tool cannot hide another's failures.
type Metrics struct {
	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	dbRetries    prometheus.Counter
	cacheDrops   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name.",
		}, []string{"tool"}),
		toolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "tool_errors_total",
			Help:      "Tool invocations that returned isError.",
		}, []string{"tool", "kind"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Name:      "tool_duration_seconds",
			Help:      "Tool handler wall clock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		dbRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "db_retries_total",
			Help:      "Database operations retried after a transient failure.",
		}),
		cacheDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "cache_invalidations_total",
			Help:      "Cached retrievals dropped after a save.",
		}),
	}
}

func (m *Metrics) observeCall(tool string, start time.Time) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeError(tool, kind string) {
	if m == nil {
		return
	}
	m.toolErrors.WithLabelValues(tool, kind).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.dbRetries.Inc()
}

func (m *Metrics) observeInvalidation() {
	if m == nil {
		return
	}
	m.cacheDrops.Inc()
}
