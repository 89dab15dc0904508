package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// ExecutionPool runs one batch of tasks at a bounded concurrency.
// Task errors and panics become failure records; nothing a task does
// can take the pool down.
type ExecutionPool struct {
	logger      *zap.Logger
	sampler     SnapshotSource
	sampleUsage bool

	activeWorkers sync.WaitGroup
}

// NewExecutionPool creates an execution pool. sampler may be nil when
// per-task usage sampling is disabled.
func NewExecutionPool(logger *zap.Logger, sampler SnapshotSource, sampleUsage bool) *ExecutionPool {
	return &ExecutionPool{
		logger:      logger,
		sampler:     sampler,
		sampleUsage: sampleUsage && sampler != nil,
	}
}

// RunBatch executes tasks with at most alloc.MaxWorkers in flight.
// Higher-priority tasks are dispatched first. Tasks not started
// before ctx is canceled are recorded as failures; in-flight tasks
// run to completion under their own timeouts. One TaskResult is
// returned per input task, in dispatch order.
func (p *ExecutionPool) RunBatch(ctx context.Context, tasks []Task, alloc Allocation) []TaskResult {
	if len(tasks) == 0 {
		return nil
	}

	workers := alloc.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	now := time.Now()
	sort.SliceStable(ordered, func(i, j int) bool {
		return EffectivePriority(ordered[i], now) > EffectivePriority(ordered[j], now)
	})

	p.logger.Debug("Running batch",
		zap.Int("tasks", len(ordered)),
		zap.Int("max_workers", workers),
		zap.Bool("fallback_allocation", alloc.Fallback),
	)

	batchStart := time.Now()
	results := make([]TaskResult, len(ordered))
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i, task := range ordered {
		// Admission stops at cancellation; whatever is already past
		// the semaphore finishes on its own timeout
		select {
		case <-ctx.Done():
			results[i] = TaskResult{
				TaskID:  task.ID(),
				Kind:    task.Kind(),
				Success: false,
				Error:   fmt.Sprintf("abandoned: %v", ctx.Err()),
			}
			monitoring.TasksCompleted.WithLabelValues("abandoned").Inc()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		p.activeWorkers.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			defer p.activeWorkers.Done()
			defer func() { <-sem }()

			monitoring.ActiveWorkers.Inc()
			defer monitoring.ActiveWorkers.Dec()

			results[idx] = p.executeOne(ctx, t)
		}(i, task)
	}

	wg.Wait()
	monitoring.BatchDuration.Observe(time.Since(batchStart).Seconds())

	return results
}

// executeOne runs a single task with timing, timeout, and panic
// recovery
func (p *ExecutionPool) executeOne(ctx context.Context, task Task) (result TaskResult) {
	result = TaskResult{
		TaskID:    task.ID(),
		Kind:      task.Kind(),
		StartedAt: time.Now(),
	}

	taskCtx := ctx
	if timeout := task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		result.Duration = time.Since(result.StartedAt)
		monitoring.TaskDuration.Observe(result.Duration.Seconds())

		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
			p.logger.Error("Task panicked",
				zap.String("task_id", task.ID()),
				zap.String("kind", task.Kind()),
				zap.Any("panic", r),
			)
		}

		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		monitoring.TasksCompleted.WithLabelValues(outcome).Inc()
	}()

	if p.sampleUsage {
		taskDone := make(chan struct{})
		usageDone := make(chan struct{})
		go p.sampleDuringExecution(taskCtx, &result, taskDone, usageDone)

		// Deferred so the sampler cannot outlive this call when the
		// task panics; it must not write result after we return
		defer func() {
			close(taskDone)
			<-usageDone
		}()
	}

	if err := task.Execute(taskCtx); err != nil {
		result.Success = false
		result.Error = err.Error()
		p.logger.Debug("Task failed",
			zap.String("task_id", task.ID()),
			zap.String("kind", task.Kind()),
			zap.Error(err),
		)
		return result
	}

	result.Success = true
	return result
}

// sampleDuringExecution attaches one mid-execution resource reading
// to the result. Taken halfway into the task's first second so very
// short tasks simply go unsampled.
func (p *ExecutionPool) sampleDuringExecution(ctx context.Context, result *TaskResult, taskDone <-chan struct{}, done chan struct{}) {
	defer close(done)

	select {
	case <-ctx.Done():
		return
	case <-taskDone:
		return
	case <-time.After(500 * time.Millisecond):
	}

	snap, err := p.sampler.Current(ctx)
	if err != nil {
		return
	}

	result.Usage = &UsageSample{
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryPercent,
	}
}

// Drain waits for all in-flight tasks across batches to finish, up to
// the timeout. Returns true when everything finished in time.
func (p *ExecutionPool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.activeWorkers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
