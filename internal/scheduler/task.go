package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResourceHint declares how heavy a task expects to be. It only
// influences queue ordering; the pool never enforces it.
type ResourceHint int

const (
	HintLight ResourceHint = iota
	HintNormal
	HintHeavy
)

func (h ResourceHint) String() string {
	switch h {
	case HintLight:
		return "light"
	case HintHeavy:
		return "heavy"
	default:
		return "normal"
	}
}

// Task is a unit of work. Payloads are opaque: they may block on
// arbitrary I/O and may fail, neither of which is the scheduler's
// concern beyond recording the outcome.
type Task interface {
	ID() string
	Kind() string
	Priority() int
	Deadline() time.Time
	Timeout() time.Duration
	ResourceHint() ResourceHint
	Execute(ctx context.Context) error
}

// TaskResult records the outcome of one task execution
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Kind      string        `json:"kind"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Usage     *UsageSample  `json:"usage,omitempty"`
}

// UsageSample is a resource reading taken while a task was executing
type UsageSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// FuncTask wraps a plain function as a Task
type FuncTask struct {
	id       string
	kind     string
	priority int
	deadline time.Time
	timeout  time.Duration
	hint     ResourceHint
	fn       func(context.Context) error
}

// NewFuncTask creates a task around fn with a generated ID
func NewFuncTask(kind string, priority int, fn func(context.Context) error) *FuncTask {
	return &FuncTask{
		id:       uuid.NewString(),
		kind:     kind,
		priority: priority,
		timeout:  5 * time.Minute,
		hint:     HintNormal,
		fn:       fn,
	}
}

// WithDeadline sets a completion deadline used for priority boosting
func (t *FuncTask) WithDeadline(deadline time.Time) *FuncTask {
	t.deadline = deadline
	return t
}

// WithTimeout sets the per-execution timeout
func (t *FuncTask) WithTimeout(timeout time.Duration) *FuncTask {
	t.timeout = timeout
	return t
}

// WithHint sets the declared resource hint
func (t *FuncTask) WithHint(hint ResourceHint) *FuncTask {
	t.hint = hint
	return t
}

func (t *FuncTask) ID() string                        { return t.id }
func (t *FuncTask) Kind() string                      { return t.kind }
func (t *FuncTask) Priority() int                     { return t.priority }
func (t *FuncTask) Deadline() time.Time               { return t.deadline }
func (t *FuncTask) Timeout() time.Duration            { return t.timeout }
func (t *FuncTask) ResourceHint() ResourceHint        { return t.hint }
func (t *FuncTask) Execute(ctx context.Context) error { return t.fn(ctx) }

// EffectivePriority derives the queue ordering priority from task
// metadata: the declared priority, deadline proximity, and declared
// resource weight. Higher dequeues first.
func EffectivePriority(t Task, now time.Time) int {
	p := t.Priority()

	if deadline := t.Deadline(); !deadline.IsZero() {
		switch remaining := deadline.Sub(now); {
		case remaining <= time.Minute:
			p += 3
		case remaining <= 5*time.Minute:
			p += 2
		case remaining <= 15*time.Minute:
			p++
		}
	}

	switch t.ResourceHint() {
	case HintLight:
		p++
	case HintHeavy:
		p--
	}

	return p
}
