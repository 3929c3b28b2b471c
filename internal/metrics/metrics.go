// Package metrics exposes the engine's Prometheus instrumentation:
// counters for task claims/completions/failures and driver rotations, and
// a queue-depth gauge, grounded on the teacher's
// internal/controller/metrics package (promauto counter vectors).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_claimed_total",
			Help: "Total tasks claimed by the worker pool, by kind.",
		},
		[]string{"kind"},
	)

	tasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_completed_total",
			Help: "Total tasks completed successfully, by kind.",
		},
		[]string{"kind"},
	)

	tasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_failed_total",
			Help: "Total tasks that ended in a FAILED state, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	activityRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_activity_retries_total",
			Help: "Total activity retry schedules, by activity name.",
		},
		[]string{"activity"},
	)

	driverRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_driver_rotations_total",
			Help: "Total STEP driver task rotations across all workflows.",
		},
	)

	workflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflows_started_total",
			Help: "Total workflows started, by workflow name.",
		},
		[]string{"workflow"},
	)

	workflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflows_finished_total",
			Help: "Total workflows reaching a terminal status, by workflow name and status.",
		},
		[]string{"workflow", "status"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Approximate number of PENDING tasks the last time it was sampled.",
		},
	)
)

// RecordClaim increments the claim counter for a task kind.
func RecordClaim(kind string) { tasksClaimed.WithLabelValues(kind).Inc() }

// RecordCompleted increments the completion counter for a task kind.
func RecordCompleted(kind string) { tasksCompleted.WithLabelValues(kind).Inc() }

// RecordFailed increments the failure counter for a task kind and reason
// (e.g. "permanent", "non_deterministic", "workflow_failed").
func RecordFailed(kind, reason string) { tasksFailed.WithLabelValues(kind, reason).Inc() }

// RecordActivityRetry increments the retry counter for an activity name.
func RecordActivityRetry(activity string) { activityRetries.WithLabelValues(activity).Inc() }

// RecordDriverRotation increments the driver rotation counter.
func RecordDriverRotation() { driverRotations.Inc() }

// RecordWorkflowStarted increments the workflow-started counter.
func RecordWorkflowStarted(workflow string) { workflowsStarted.WithLabelValues(workflow).Inc() }

// RecordWorkflowFinished increments the workflow-finished counter.
func RecordWorkflowFinished(workflow, status string) {
	workflowsFinished.WithLabelValues(workflow, status).Inc()
}

// SetQueueDepth sets the queue-depth gauge to the last sampled value.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// Handler returns the Prometheus scrape endpoint handler, grounded on the
// teacher's use of promhttp in internal/daemon/metrics_handler.go.
func Handler() http.Handler { return promhttp.Handler() }
