// Package metrics exposes Prometheus collectors for the control plane,
// scheduler, and checkpoint coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slot metrics
	SlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_slots_total",
			Help: "Total number of slots by state (free/allocated/active)",
		},
		[]string{"state"},
	)

	TaskExecutorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_task_executors_total",
			Help: "Total number of registered task executors",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_executions_total",
			Help: "Total number of ExecutionVertex attempts by state",
		},
		[]string{"state"},
	)

	// Coordination metrics
	IsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_is_leader",
			Help: "Whether this process holds leadership for a given path (1 = leader, 0 = not)",
		},
		[]string{"path"},
	)

	HeartbeatTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_heartbeat_timeouts_total",
			Help: "Total heartbeat timeouts observed, by monitored target kind",
		},
		[]string{"target_kind"},
	)

	// Scheduling metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_scheduling_latency_seconds",
			Help:    "Time from slot request to slot assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_restarts_total",
			Help: "Total ExecutionVertex restarts triggered by the failure handler",
		},
		[]string{"reason"},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_checkpoint_duration_seconds",
			Help:    "End-to-end duration of completed checkpoints",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_checkpoints_completed_total",
			Help: "Total checkpoints promoted to completed",
		},
	)

	CheckpointsDeclinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_checkpoints_declined_total",
			Help: "Total checkpoints declined or aborted, by cause",
		},
		[]string{"cause"},
	)
)

func init() {
	prometheus.MustRegister(
		SlotsTotal,
		TaskExecutorsTotal,
		JobsTotal,
		ExecutionsTotal,
		IsLeader,
		HeartbeatTimeoutsTotal,
		SchedulingLatency,
		RestartsTotal,
		CheckpointDuration,
		CheckpointsCompletedTotal,
		CheckpointsDeclinedTotal,
	)
}

// Timer measures elapsed wall time for histogram observations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format, for mounting on a process's metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
