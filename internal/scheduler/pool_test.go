package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

func TestRunBatchRespectsWorkerCeiling(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = NewFuncTask("load", 1, func(ctx context.Context) error {
			current := active.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}

	pool := NewExecutionPool(zap.NewNop(), nil, false)
	results := pool.RunBatch(context.Background(), tasks, Allocation{MaxWorkers: 4})

	require.Len(t, results, 10, "one result per submitted task")
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Positive(t, r.Duration)
	}
	assert.LessOrEqual(t, peak.Load(), int32(4), "pool must not exceed the allocation")
	assert.Zero(t, active.Load())
}

func TestRunBatchRecordsFailuresWithoutStopping(t *testing.T) {
	t.Parallel()

	shouldFail := map[int]bool{1: true, 4: true, 7: true}
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = NewFuncTask(fmt.Sprintf("job-%d", i), 1, func(ctx context.Context) error {
			if shouldFail[i] {
				return errors.New("injected failure")
			}
			return nil
		})
	}

	pool := NewExecutionPool(zap.NewNop(), nil, false)
	results := pool.RunBatch(context.Background(), tasks, Allocation{MaxWorkers: 3})

	require.Len(t, results, 10)

	failures := 0
	for _, r := range results {
		if !r.Success {
			failures++
			assert.Equal(t, "injected failure", r.Error)
		}
	}
	assert.Equal(t, 3, failures, "success flags must match the injected outcomes")
}

func TestRunBatchRecoversFromPanics(t *testing.T) {
	t.Parallel()

	tasks := []Task{
		NewFuncTask("panics", 1, func(ctx context.Context) error {
			panic("boom")
		}),
		NewFuncTask("fine", 1, func(ctx context.Context) error {
			return nil
		}),
	}

	pool := NewExecutionPool(zap.NewNop(), nil, false)
	results := pool.RunBatch(context.Background(), tasks, Allocation{MaxWorkers: 2})

	require.Len(t, results, 2)

	byKind := map[string]TaskResult{}
	for _, r := range results {
		byKind[r.Kind] = r
	}

	assert.False(t, byKind["panics"].Success)
	assert.Contains(t, byKind["panics"].Error, "panic: boom")
	assert.True(t, byKind["fine"].Success, "a panicking task must not take the batch down")
}

func TestRunBatchTaskTimeout(t *testing.T) {
	t.Parallel()

	task := NewFuncTask("slow", 1, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}).WithTimeout(50 * time.Millisecond)

	pool := NewExecutionPool(zap.NewNop(), nil, false)

	start := time.Now()
	results := pool.RunBatch(context.Background(), []Task{task}, Allocation{MaxWorkers: 1})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must cut the task short")
}

func TestRunBatchDispatchesHighPriorityFirst(t *testing.T) {
	t.Parallel()

	var order []string
	done := make(chan string, 3)

	mk := func(name string, priority int) Task {
		return NewFuncTask(name, priority, func(ctx context.Context) error {
			done <- name
			return nil
		})
	}

	// Single worker serializes execution, so completion order is
	// dispatch order
	tasks := []Task{mk("low", 1), mk("high", 9), mk("mid", 5)}

	pool := NewExecutionPool(zap.NewNop(), nil, false)
	results := pool.RunBatch(context.Background(), tasks, Allocation{MaxWorkers: 1})
	require.Len(t, results, 3)

	close(done)
	for name := range done {
		order = append(order, name)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestRunBatchAbandonsUnstartedOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})

	tasks := []Task{
		NewFuncTask("running", 1, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}),
		NewFuncTask("waiting", 1, func(ctx context.Context) error {
			return nil
		}),
	}

	pool := NewExecutionPool(zap.NewNop(), nil, false)

	resultCh := make(chan []TaskResult, 1)
	go func() {
		resultCh <- pool.RunBatch(ctx, tasks, Allocation{MaxWorkers: 1})
	}()

	<-started
	cancel()
	// Give the dispatcher a moment to observe the cancellation while
	// the single worker slot is still occupied
	time.Sleep(50 * time.Millisecond)
	close(release)

	results := <-resultCh
	require.Len(t, results, 2)

	byKind := map[string]TaskResult{}
	for _, r := range results {
		byKind[r.Kind] = r
	}

	assert.True(t, byKind["running"].Success, "in-flight work finishes")
	assert.False(t, byKind["waiting"].Success)
	assert.Contains(t, byKind["waiting"].Error, "abandoned")
}

func TestRunBatchSamplesLongTaskUsage(t *testing.T) {
	t.Parallel()

	sampler := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 50, MemoryPercent: 60}}
	pool := NewExecutionPool(zap.NewNop(), sampler, true)

	task := NewFuncTask("long", 1, func(ctx context.Context) error {
		time.Sleep(700 * time.Millisecond)
		return nil
	})

	results := pool.RunBatch(context.Background(), []Task{task}, Allocation{MaxWorkers: 1})
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Usage)
	assert.Equal(t, 50.0, results[0].Usage.CPUPercent)
	assert.Equal(t, 60.0, results[0].Usage.MemoryPercent)
}

func TestRunBatchPanicStopsUsageSampler(t *testing.T) {
	t.Parallel()

	sampler := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 50}}
	pool := NewExecutionPool(zap.NewNop(), sampler, true)

	task := NewFuncTask("panics", 1, func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		panic("boom")
	})

	results := pool.RunBatch(context.Background(), []Task{task}, Allocation{MaxWorkers: 1})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "panic: boom")

	// The sampler fires half a second into a task's execution; wait
	// past that point to catch a leaked goroutine writing into the
	// returned result
	time.Sleep(600 * time.Millisecond)
	assert.Nil(t, results[0].Usage)
}

func TestRunBatchEmpty(t *testing.T) {
	t.Parallel()

	pool := NewExecutionPool(zap.NewNop(), nil, false)
	assert.Nil(t, pool.RunBatch(context.Background(), nil, Allocation{MaxWorkers: 4}))
}
