// Package metrics provides Prometheus metrics for monitoring message dispatch.
package metrics

import (
	"time"

	"github.com/nadmax/relayq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_submitted_total",
			Help: "Total number of dispatch tasks submitted to the queue",
		},
		[]string{"kind"},
	)
	TasksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_sent_total",
			Help: "Total number of tasks delivered successfully",
		},
		[]string{"kind"},
	)
	AttemptsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_attempts_failed_total",
			Help: "Total number of failed delivery attempts",
		},
		[]string{"kind", "reason"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_retried_total",
			Help: "Total number of task retries scheduled",
		},
		[]string{"kind"},
	)
	TasksExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_tasks_exhausted_total",
			Help: "Total number of tasks that failed on their last allowed attempt",
		},
		[]string{"kind"},
	)
	TasksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_tasks_recovered_total",
			Help: "Total number of stalled in-flight tasks returned to pending",
		},
	)
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_lock_contention_total",
			Help: "Total number of attempts that found the account lock held",
		},
	)
	TasksInQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_tasks_in_queue",
			Help: "Current number of queued tasks by status",
		},
		[]string{"status", "kind"},
	)
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_attempt_duration_seconds",
			Help:    "Delivery attempt duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_task_wait_time_seconds",
			Help:    "Time tasks spend past their scheduled time before a worker picks them up",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_queue_depth",
			Help: "Current number of pending tasks",
		},
	)
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_tasks_in_flight",
			Help: "Current number of leased tasks",
		},
	)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_runs_total",
			Help: "Total number of run status transitions",
		},
		[]string{"status"},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_workers_active",
			Help: "Number of currently active workers",
		},
	)
)

func RecordTasksSubmitted(kind task.MessageKind, n int) {
	TasksSubmitted.WithLabelValues(string(kind)).Add(float64(n))
}

func RecordTaskSent(kind task.MessageKind, duration time.Duration) {
	TasksSent.WithLabelValues(string(kind)).Inc()
	AttemptDuration.WithLabelValues(string(kind), "completed").Observe(duration.Seconds())
}

func RecordAttemptFailed(kind task.MessageKind, reason string, duration time.Duration) {
	AttemptsFailed.WithLabelValues(string(kind), reason).Inc()
	AttemptDuration.WithLabelValues(string(kind), "failed").Observe(duration.Seconds())
}

func RecordTaskRetried(kind task.MessageKind) {
	TasksRetried.WithLabelValues(string(kind)).Inc()
}

func RecordTaskExhausted(kind task.MessageKind) {
	TasksExhausted.WithLabelValues(string(kind)).Inc()
}

func RecordTasksRecovered(n int) {
	TasksRecovered.Add(float64(n))
}

func RecordLockContention() {
	LockContention.Inc()
}

func RecordTaskWaitTime(kind task.MessageKind, waitTime time.Duration) {
	if waitTime < 0 {
		waitTime = 0
	}
	TaskWaitTime.WithLabelValues(string(kind)).Observe(waitTime.Seconds())
}

func UpdateTaskGauges(tasksByStatus map[task.TaskStatus]map[task.MessageKind]int) {
	TasksInQueue.Reset()
	for status, kindMap := range tasksByStatus {
		for kind, count := range kindMap {
			TasksInQueue.WithLabelValues(string(status), string(kind)).Set(float64(count))
		}
	}
}

func UpdateQueueDepth(pending, inFlight int64) {
	QueueDepth.Set(float64(pending))
	TasksInFlight.Set(float64(inFlight))
}

// RecordRunTransition counts runs reaching status. Stopping a project can move several
// runs at once.
func RecordRunTransition(status string, n int) {
	RunsTotal.WithLabelValues(status).Add(float64(n))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
