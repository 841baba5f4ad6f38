// Package metrics holds the engine's Prometheus collectors: boot decisions
// served, node-lock wait time, task retry counts, and audit/notify queue
// depth. Collectors are registered on the default registry exactly once, the
// way pkg/http/middleware.go's RequestMetrics registers its request-count
// and request-duration vectors, so the engine's own metrics surface next to
// any process-standard collectors (go_*, process_*) on the same /metrics
// endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var once sync.Once

var (
	bootDecisions   *prometheus.CounterVec
	lockWaitSeconds *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
)

func register() {
	once.Do(func() {
		bootDecisions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pureboot_boot_decisions_total",
				Help: "Count of boot decisions served, by kind (await/install/local/deny).",
			},
			[]string{"kind"},
		)
		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pureboot_node_lock_wait_seconds",
				Help:    "Time spent waiting to acquire a per-node lock.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		)
		taskRetries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pureboot_task_retries_total",
				Help: "Count of workflow task retry attempts.",
			},
			[]string{"task"},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pureboot_queue_depth",
				Help: "Depth of an internal bounded queue (audit, notify).",
			},
			[]string{"queue"},
		)
	})
}

// ObserveBootDecision records one decision.Engine.Decide outcome.
func ObserveBootDecision(kind string) {
	register()
	bootDecisions.WithLabelValues(kind).Inc()
}

// ObserveLockWait records how long AcquireNodeLock waited before succeeding
// or timing out.
func ObserveLockWait(outcome string, seconds float64) {
	register()
	lockWaitSeconds.WithLabelValues(outcome).Observe(seconds)
}

// IncTaskRetry records one workflow task retry attempt.
func IncTaskRetry(task string) {
	register()
	taskRetries.WithLabelValues(task).Inc()
}

// SetQueueDepth records the current depth of a named bounded queue.
func SetQueueDepth(queue string, depth float64) {
	register()
	queueDepth.WithLabelValues(queue).Set(depth)
}
