package analytics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// sinkMetrics mirrors the lazily-initialized, package-level metrics handle
// pattern in services/escrow-gateway/webhook_queue.go's queueMetrics,
// swapped from an otel meter to a prometheus registry since the rest of
// this module's ambient stack (observability/metrics) is prometheus-based.
type sinkMetrics struct {
	dropped     prometheus.Counter
	stageErrors prometheus.Counter
	flushed     prometheus.Counter
}

var (
	sinkMetricsOnce sync.Once
	sharedSinkMetrics *sinkMetrics
)

func sinkMetricsInstance() *sinkMetrics {
	sinkMetricsOnce.Do(func() {
		sharedSinkMetrics = &sinkMetrics{
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ballotd_analytics_rows_dropped_total",
				Help: "Analytics rows dropped because the in-memory buffer was full.",
			}),
			stageErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ballotd_analytics_stage_errors_total",
				Help: "Errors writing an analytics row to the durable stage.",
			}),
			flushed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ballotd_analytics_rows_flushed_total",
				Help: "Analytics rows successfully flushed to Parquet.",
			}),
		}
		prometheus.MustRegister(sharedSinkMetrics.dropped, sharedSinkMetrics.stageErrors, sharedSinkMetrics.flushed)
	})
	return sharedSinkMetrics
}
