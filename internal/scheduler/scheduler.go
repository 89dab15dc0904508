package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/hardware"
	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// BatchRecord summarizes one executed batch for the journal
type BatchRecord struct {
	StartedAt  time.Time
	Duration   time.Duration
	MaxWorkers int
	Fallback   bool
	Results    []TaskResult
}

// BatchJournal persists batch outcomes. Implementations must be safe
// for concurrent use; failures are the implementation's to log, the
// scheduler only degrades to not journaling.
type BatchJournal interface {
	RecordBatch(ctx context.Context, record BatchRecord) error
}

// Report is the operator-facing resource view
type Report struct {
	CPUPercent         float64                     `json:"cpu_percent"`
	MemoryPercent      float64                     `json:"memory_percent"`
	DiskPercent        float64                     `json:"disk_percent"`
	OptimalConcurrency int                         `json:"optimal_concurrency"`
	Fallback           bool                        `json:"fallback"`
	Pressure           string                      `json:"pressure"`
	QueueDepth         int                         `json:"queue_depth"`
	Aggressiveness     float64                     `json:"aggressiveness"`
	RecentHistory      []PerformanceRecord         `json:"recent_history"`
	HistoryStats       HistoryStats                `json:"history_stats"`
	Machine            hardware.MachineSpecs       `json:"machine"`
	Snapshot           monitoring.ResourceSnapshot `json:"snapshot"`
}

// Stats are cumulative scheduler counters
type Stats struct {
	Queued    uint64 `json:"queued"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Batches   uint64 `json:"batches"`
	Uptime    string `json:"uptime"`
}

// Scheduler owns the queue, monitor, allocator, pool, and controller,
// and runs the background dispatch loop. All collaborators are
// injected at construction; there is no ambient shared state.
type Scheduler struct {
	logger *zap.Logger
	cfg    *config.Config
	specs  hardware.MachineSpecs

	monitor    *monitoring.Monitor
	queue      *TaskQueue
	allocator  *Allocator
	pool       *ExecutionPool
	controller *AdaptiveController
	history    *History
	journal    BatchJournal

	pressure atomic.Int32

	stats struct {
		queued    atomic.Uint64
		rejected  atomic.Uint64
		dropped   atomic.Uint64
		completed atomic.Uint64
		failed    atomic.Uint64
		batches   atomic.Uint64
	}
	startTime time.Time

	admitting atomic.Bool
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a scheduler from configuration. journal may be nil.
func New(logger *zap.Logger, cfg *config.Config, specs hardware.MachineSpecs, journal BatchJournal) *Scheduler {
	monitor := monitoring.NewMonitor(logger.Named("monitor"), monitoring.Config{
		SampleInterval:     cfg.Monitoring.SampleInterval,
		CPUWarnPercent:     cfg.Monitoring.CPUWarnPercent,
		CPUCriticalPercent: cfg.Monitoring.CPUCriticalPercent,
		MemWarnPercent:     cfg.Monitoring.MemWarnPercent,
		MemCriticalPercent: cfg.Monitoring.MemCriticalPercent,
		DiskPath:           cfg.Monitoring.DiskPath,
		SustainedSamples:   cfg.Monitoring.SustainedSamples,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:     logger,
		cfg:        cfg,
		specs:      specs,
		monitor:    monitor,
		queue:      NewTaskQueue(logger.Named("queue"), cfg.Queue.MaxDepth),
		controller: NewAdaptiveController(logger.Named("adaptive"), cfg.Adaptation),
		history:    NewHistory(cfg.Pool.HistorySize),
		journal:    journal,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.allocator = NewAllocator(logger.Named("allocator"), specs, cfg, monitor)
	s.pool = NewExecutionPool(logger.Named("pool"), monitor, cfg.Pool.SampleTaskUsage)
	s.admitting.Store(true)

	return s
}

// Monitor exposes the resource monitor, mainly so callers can inject
// a probe before Start
func (s *Scheduler) Monitor() *monitoring.Monitor { return s.monitor }

// Start launches the sampler, pressure loop, and dispatch loop
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.logger.Info("Starting scheduler",
		zap.String("mode", string(s.cfg.Mode)),
		zap.Int("queue_depth", s.cfg.Queue.MaxDepth),
		zap.Int("max_workers", s.cfg.Pool.MaxWorkers),
		zap.Int("physical_cores", s.specs.PhysicalCores),
	)

	if err := s.monitor.Start(); err != nil {
		s.running.Store(false)
		return err
	}

	s.wg.Add(2)
	go s.pressureLoop(s.monitor.Subscribe())
	go s.dispatchLoop()

	return nil
}

// Stop performs a graceful drain: admission stops immediately, the
// dispatch loop exits, and in-flight tasks get up to the configured
// drain timeout before being abandoned.
func (s *Scheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return fmt.Errorf("scheduler not running")
	}

	s.logger.Info("Stopping scheduler, draining in-flight tasks",
		zap.Duration("drain_timeout", s.cfg.Pool.DrainTimeout),
	)

	s.admitting.Store(false)
	s.cancel()
	s.wg.Wait()

	if !s.pool.Drain(s.cfg.Pool.DrainTimeout) {
		s.logger.Warn("Drain timeout exceeded, abandoning in-flight tasks")
	}

	if remaining := s.queue.Len(); remaining > 0 {
		s.logger.Warn("Shutting down with tasks still queued",
			zap.Int("remaining", remaining),
		)
	}

	s.monitor.Stop()

	s.logger.Info("Scheduler stopped",
		zap.Uint64("tasks_completed", s.stats.completed.Load()),
		zap.Uint64("tasks_failed", s.stats.failed.Load()),
		zap.Uint64("batches", s.stats.batches.Load()),
	)

	return nil
}

// QueueTask admits a task. Returns false when the queue is full or
// admission has stopped; never an error (capacity exhaustion is an
// expected condition, not a failure).
func (s *Scheduler) QueueTask(task Task) bool {
	if !s.admitting.Load() {
		s.stats.rejected.Add(1)
		return false
	}

	if !s.queue.Enqueue(task) {
		s.stats.rejected.Add(1)
		s.logger.Debug("Task rejected, queue full",
			zap.String("task_id", task.ID()),
			zap.String("kind", task.Kind()),
		)
		return false
	}

	s.stats.queued.Add(1)
	return true
}

// RunTasks executes the given tasks directly as one batch, bypassing
// the queue. The allocation is computed from live metrics.
func (s *Scheduler) RunTasks(ctx context.Context, tasks []Task) []TaskResult {
	if len(tasks) == 0 {
		return nil
	}

	alloc := s.allocator.Allocate(ctx, len(tasks))
	return s.runBatch(ctx, tasks, alloc)
}

// QueueDepth returns the current number of queued tasks
func (s *Scheduler) QueueDepth() int { return s.queue.Len() }

// ApplyConfig applies a reloaded configuration. Only the allocator
// clamps take effect live; structural settings (queue depth, storage,
// API) need a restart.
func (s *Scheduler) ApplyConfig(cfg *config.Config) {
	s.allocator.UpdateLimits(cfg.Mode, cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers, cfg.Pool.PerCoreMultiplier)
	s.logger.Info("Applied reloaded configuration",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("min_workers", cfg.Pool.MinWorkers),
		zap.Int("max_workers", cfg.Pool.MaxWorkers),
	)
}

// dispatchLoop periodically drains the queue into batches
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Pool.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOnce()
		}
	}
}

func (s *Scheduler) dispatchOnce() {
	pending := s.queue.Len()
	if pending == 0 {
		return
	}

	alloc := s.allocator.Allocate(s.ctx, pending)
	if alloc.MaxWorkers == 0 {
		return
	}

	tasks := s.queue.DequeueN(alloc.MaxWorkers)
	if len(tasks) == 0 {
		return
	}

	s.runBatch(s.ctx, tasks, alloc)
}

func (s *Scheduler) runBatch(ctx context.Context, tasks []Task, alloc Allocation) []TaskResult {
	started := time.Now()
	results := s.pool.RunBatch(ctx, tasks, alloc)
	elapsed := time.Since(started)

	s.stats.batches.Add(1)

	var succeeded int
	var totalDuration time.Duration
	for _, r := range results {
		if r.Success {
			succeeded++
			s.stats.completed.Add(1)
		} else {
			s.stats.failed.Add(1)
		}
		totalDuration += r.Duration

		record := PerformanceRecord{
			TaskID:    r.TaskID,
			Kind:      r.Kind,
			Success:   r.Success,
			Duration:  r.Duration,
			Timestamp: r.StartedAt,
		}
		if r.Usage != nil {
			record.CPUPercent = r.Usage.CPUPercent
			record.MemoryPercent = r.Usage.MemoryPercent
		}
		s.history.Append(record)
	}

	stats := BatchStats{
		Tasks:     len(results),
		Succeeded: succeeded,
	}
	if len(results) > 0 {
		stats.MeanDuration = totalDuration / time.Duration(len(results))
	}

	if s.cfg.Adaptation.Enabled {
		s.allocator.SetAggressiveness(s.controller.Observe(stats))
	}

	if s.journal != nil {
		record := BatchRecord{
			StartedAt:  started,
			Duration:   elapsed,
			MaxWorkers: alloc.MaxWorkers,
			Fallback:   alloc.Fallback,
			Results:    results,
		}
		if err := s.journal.RecordBatch(ctx, record); err != nil {
			s.logger.Warn("Failed to journal batch", zap.Error(err))
		}
	}

	s.logger.Info("Batch complete",
		zap.Int("tasks", len(results)),
		zap.Int("succeeded", succeeded),
		zap.Int("max_workers", alloc.MaxWorkers),
		zap.Duration("elapsed", elapsed),
		zap.Bool("fallback_allocation", alloc.Fallback),
	)

	return results
}

// pressureLoop reacts to sustained pressure from the monitor: the
// allocator shrinks admission, and on critical pressure low-priority
// queued tasks are evicted above the configured floor
func (s *Scheduler) pressureLoop(events <-chan monitoring.PressureEvent) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-events:
			s.pressure.Store(int32(event.Level))
			s.allocator.SetPressure(event.Level)

			if event.Level == monitoring.PressureCritical {
				dropped := s.queue.DropBelow(s.cfg.Queue.PriorityFloor)
				if dropped > 0 {
					s.stats.dropped.Add(uint64(dropped))
				}
			}
		}
	}
}

// ResourceReport builds the operator-facing report. Between sampling
// ticks the snapshot-derived fields are stable, so repeated calls
// return identical values.
func (s *Scheduler) ResourceReport(ctx context.Context) Report {
	report := Report{
		Pressure:       monitoring.PressureLevel(s.pressure.Load()).String(),
		QueueDepth:     s.queue.Len(),
		Aggressiveness: s.controller.Value(),
		RecentHistory:  s.history.Recent(20),
		HistoryStats:   s.history.Stats(),
		Machine:        s.specs,
	}

	optimal, fallback := s.allocator.OptimalConcurrency(ctx)
	report.OptimalConcurrency = optimal
	report.Fallback = fallback

	if snap, err := s.monitor.Current(ctx); err == nil {
		report.CPUPercent = snap.CPUPercent
		report.MemoryPercent = snap.MemoryPercent
		report.DiskPercent = snap.DiskPercent
		report.Snapshot = snap
	} else {
		report.Fallback = true
	}

	return report
}

// Stats returns cumulative counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Queued:    s.stats.queued.Load(),
		Rejected:  s.stats.rejected.Load(),
		Dropped:   s.stats.dropped.Load(),
		Completed: s.stats.completed.Load(),
		Failed:    s.stats.failed.Load(),
		Batches:   s.stats.batches.Load(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
}
