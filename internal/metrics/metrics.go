// Package metrics registers the Prometheus instrumentation for both
// engine cores, wiring promauto collectors once at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_workflow_tasks_submitted_total",
		Help: "Total tasks submitted to the workflow engine",
	}, []string{"priority"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_workflow_tasks_completed_total",
		Help: "Total tasks reaching a terminal status",
	}, []string{"status"})

	TaskExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcs_workflow_task_duration_seconds",
		Help:    "Task execute() wall-clock duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	ResourceUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcs_resource_utilization_ratio",
		Help: "used/capacity ratio per resource",
	}, []string{"resource_id"})

	ResourceWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcs_resource_waiters",
		Help: "Number of goroutines waiting to acquire a lock on a resource",
	}, []string{"resource_id"})

	LockWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcs_resource_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a resource lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_id", "mode"})

	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_kv_commands_processed_total",
		Help: "Total RESP commands dispatched by the command handler",
	}, []string{"command"})

	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_kv_command_errors_total",
		Help: "Total RESP commands that returned an error reply",
	}, []string{"command"})

	AofBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_aof_bytes_written_total",
		Help: "Total bytes appended to the AOF",
	}, []string{})

	SnapshotCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_snapshot_total",
		Help: "Total MCDB snapshots written",
	}, []string{"trigger"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_connected_clients",
		Help: "Number of currently connected RESP clients",
	})
)
