package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the scheduler. Registered once at package
// init, updated by the monitor and the scheduler components.
var (
	cpuUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})
	memoryUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_memory_usage_percent",
		Help: "Current memory usage percentage",
	})
	diskUsageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_disk_usage_percent",
		Help: "Current disk usage percentage",
	})
	loadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_load_1",
		Help: "One-minute load average",
	})

	pressureTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "karakuri_pressure_transitions_total",
		Help: "Resource pressure level transitions",
	}, []string{"level"})

	// Scheduler metrics, updated from internal/scheduler

	TasksQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karakuri_tasks_queued_total",
		Help: "Tasks accepted into the queue",
	})
	TasksRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karakuri_tasks_rejected_total",
		Help: "Tasks rejected at admission",
	})
	TasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karakuri_tasks_dropped_total",
		Help: "Queued tasks dropped under resource pressure",
	})
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "karakuri_tasks_completed_total",
		Help: "Executed tasks by outcome",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_queue_depth",
		Help: "Current task queue depth",
	})
	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_active_workers",
		Help: "Workers currently executing tasks",
	})
	AllocatedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_allocated_workers",
		Help: "Worker count of the most recent allocation",
	})
	FallbackAllocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karakuri_fallback_allocations_total",
		Help: "Allocations computed without live metrics",
	})

	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "karakuri_batch_duration_seconds",
		Help:    "Wall-clock duration of executed batches",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "karakuri_task_duration_seconds",
		Help:    "Execution time of individual tasks",
		Buckets: prometheus.DefBuckets,
	})

	Aggressiveness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karakuri_aggressiveness",
		Help: "Current adaptive aggressiveness parameter",
	})
)

func init() {
	prometheus.MustRegister(
		cpuUsageGauge,
		memoryUsageGauge,
		diskUsageGauge,
		loadGauge,
		pressureTransitions,
		TasksQueued,
		TasksRejected,
		TasksDropped,
		TasksCompleted,
		QueueDepth,
		ActiveWorkers,
		AllocatedWorkers,
		FallbackAllocations,
		BatchDuration,
		TaskDuration,
		Aggressiveness,
	)
}

func updateResourceGauges(snap ResourceSnapshot) {
	cpuUsageGauge.Set(snap.CPUPercent)
	memoryUsageGauge.Set(snap.MemoryPercent)
	diskUsageGauge.Set(snap.DiskPercent)
	loadGauge.Set(snap.Load1)
}
