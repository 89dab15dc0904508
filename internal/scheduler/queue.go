package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// TaskQueue is a bounded priority queue. Higher effective priority
// dequeues first; equal priorities dequeue in insertion order so that
// old tasks are never starved. Admission at capacity is a boolean
// reject, not an error.
type TaskQueue struct {
	logger   *zap.Logger
	maxDepth int

	mu    sync.Mutex
	items queueHeap
	seq   uint64
}

type queueItem struct {
	task     Task
	priority int
	seq      uint64
}

// NewTaskQueue creates a queue with the given maximum depth
func NewTaskQueue(logger *zap.Logger, maxDepth int) *TaskQueue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &TaskQueue{
		logger:   logger,
		maxDepth: maxDepth,
	}
}

// Enqueue admits a task. Returns false when the queue is full.
func (q *TaskQueue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.maxDepth {
		monitoring.TasksRejected.Inc()
		return false
	}

	q.seq++
	heap.Push(&q.items, &queueItem{
		task:     task,
		priority: EffectivePriority(task, time.Now()),
		seq:      q.seq,
	})

	monitoring.TasksQueued.Inc()
	monitoring.QueueDepth.Set(float64(q.items.Len()))
	return true
}

// Dequeue removes and returns the highest-priority task, or nil when
// the queue is empty
func (q *TaskQueue) Dequeue() Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.items).(*queueItem)
	monitoring.QueueDepth.Set(float64(q.items.Len()))
	return item.task
}

// DequeueN removes up to n tasks in priority order
func (q *TaskQueue) DequeueN(n int) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.items.Len() {
		n = q.items.Len()
	}
	if n <= 0 {
		return nil
	}

	tasks := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&q.items).(*queueItem)
		tasks = append(tasks, item.task)
	}

	monitoring.QueueDepth.Set(float64(q.items.Len()))
	return tasks
}

// Len returns the current queue depth
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// DropBelow rebuilds the queue keeping only entries at or above the
// priority floor. Used under sustained resource pressure; the discard
// is explicit and logged, never silent. Returns the number dropped.
func (q *TaskQueue) DropBelow(floor int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, item := range q.items {
		if item.priority >= floor {
			kept = append(kept, item)
		} else {
			dropped++
		}
	}

	if dropped == 0 {
		return 0
	}

	// Clear the tail so dropped items are collectable
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)

	monitoring.TasksDropped.Add(float64(dropped))
	monitoring.QueueDepth.Set(float64(q.items.Len()))

	q.logger.Warn("Dropped queued tasks under pressure",
		zap.Int("dropped", dropped),
		zap.Int("priority_floor", floor),
		zap.Int("remaining", q.items.Len()),
	)

	return dropped
}

// queueHeap implements heap.Interface. Max-heap on priority with the
// sequence number breaking ties FIFO.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueItem))
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
