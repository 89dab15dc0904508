package scheduler

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/hardware"
	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// SnapshotSource supplies the latest resource reading. The monitor
// implements it; tests substitute fakes.
type SnapshotSource interface {
	Current(ctx context.Context) (monitoring.ResourceSnapshot, error)
}

// Allocation is one admission decision: how many workers the next
// batch may use and whether live metrics backed the decision
type Allocation struct {
	MaxWorkers   int     `json:"max_workers"`
	CPUBudget    float64 `json:"cpu_budget_percent"`
	MemoryBudget uint64  `json:"memory_budget_bytes"`

	// Fallback marks an allocation computed without live metrics so
	// callers can tell a conservative default from a measured decision
	Fallback bool `json:"fallback"`

	Pressure monitoring.PressureLevel `json:"pressure"`
}

// Allocator turns resource headroom and pending work into worker
// counts. It never errors: missing metrics produce a conservative
// fallback, and sustained pressure shrinks admission via a scale
// factor set by the scheduler's pressure loop.
type Allocator struct {
	logger *zap.Logger
	specs  hardware.MachineSpecs

	source SnapshotSource

	mu                sync.RWMutex
	mode              config.Mode
	minWorkers        int
	maxWorkers        int
	perCoreMultiplier float64
	pressure          monitoring.PressureLevel
	aggressiveness    float64
}

// NewAllocator creates an allocator clamped by the machine specs and
// pool configuration
func NewAllocator(logger *zap.Logger, specs hardware.MachineSpecs, cfg *config.Config, source SnapshotSource) *Allocator {
	return &Allocator{
		logger:            logger,
		specs:             specs,
		mode:              cfg.Mode,
		minWorkers:        cfg.Pool.MinWorkers,
		maxWorkers:        cfg.Pool.MaxWorkers,
		perCoreMultiplier: cfg.Pool.PerCoreMultiplier,
		source:            source,
		aggressiveness:    1.0,
	}
}

// SetPressure records the current pressure level; subsequent
// allocations shrink accordingly
func (a *Allocator) SetPressure(level monitoring.PressureLevel) {
	a.mu.Lock()
	a.pressure = level
	a.mu.Unlock()
}

// SetAggressiveness sets the adaptive multiplier from the controller
func (a *Allocator) SetAggressiveness(value float64) {
	a.mu.Lock()
	a.aggressiveness = value
	a.mu.Unlock()
}

// Allocate computes the worker count for the given amount of pending
// work. The result is min(headroom-derived, static per-core cap,
// pending), clamped to the configured floor and ceiling. It never
// returns more workers than there is work.
func (a *Allocator) Allocate(ctx context.Context, pending int) Allocation {
	if pending <= 0 {
		return Allocation{Pressure: a.currentPressure()}
	}

	snap, err := a.source.Current(ctx)
	if err != nil {
		return a.fallback(pending, err)
	}

	workers := a.computeWorkers(snap, pending)

	alloc := Allocation{
		MaxWorkers:   workers,
		CPUBudget:    math.Max(0, 100-snap.CPUPercent),
		MemoryBudget: snap.MemoryFree,
		Pressure:     a.currentPressure(),
	}

	monitoring.AllocatedWorkers.Set(float64(alloc.MaxWorkers))
	return alloc
}

// OptimalConcurrency reports the worker count the machine could
// sustain right now, ignoring pending work. Pure with respect to the
// latest snapshot, so repeated calls between sampling ticks agree.
func (a *Allocator) OptimalConcurrency(ctx context.Context) (int, bool) {
	snap, err := a.source.Current(ctx)
	if err != nil {
		return a.conservativeWorkers(), true
	}

	a.mu.RLock()
	ceiling := a.maxWorkers
	a.mu.RUnlock()

	return a.computeWorkers(snap, ceiling), false
}

func (a *Allocator) computeWorkers(snap monitoring.ResourceSnapshot, pending int) int {
	a.mu.RLock()
	pressure := a.pressure
	aggressiveness := a.aggressiveness
	multiplier := a.perCoreMultiplier * a.modeFactor()
	floor := a.minWorkers
	ceiling := a.maxWorkers
	a.mu.RUnlock()

	// One worker per 10% of idle CPU
	headroom := int((100 - snap.CPUPercent) / 10)

	static := int(float64(a.specs.PhysicalCores) * multiplier * aggressiveness)

	workers := headroom
	if static < workers {
		workers = static
	}
	if pending < workers {
		workers = pending
	}

	// Memory pressure halves admission before the clamp
	if snap.MemoryPercent >= 90 {
		workers /= 2
	}

	switch pressure {
	case monitoring.PressureWarning:
		workers /= 2
	case monitoring.PressureCritical:
		workers /= 4
	}

	return clampWorkers(workers, pending, floor, ceiling)
}

// clampWorkers applies the floor and ceiling. The ceiling always wins
// over instantaneous headroom; the floor never exceeds pending.
func clampWorkers(workers, pending, floor, ceiling int) int {
	if floor > pending {
		floor = pending
	}
	if workers < floor {
		workers = floor
	}
	if workers > ceiling {
		workers = ceiling
	}
	return workers
}

func (a *Allocator) fallback(pending int, err error) Allocation {
	workers := a.conservativeWorkers()
	if pending < workers {
		workers = pending
	}

	a.logger.Warn("Metrics unavailable, using fallback allocation",
		zap.Int("max_workers", workers),
		zap.Error(err),
	)
	monitoring.FallbackAllocations.Inc()
	monitoring.AllocatedWorkers.Set(float64(workers))

	return Allocation{
		MaxWorkers: workers,
		Fallback:   true,
		Pressure:   a.currentPressure(),
	}
}

// conservativeWorkers is the fixed fallback used when live metrics
// cannot be read: half the physical cores, at least one
func (a *Allocator) conservativeWorkers() int {
	a.mu.RLock()
	ceiling := a.maxWorkers
	a.mu.RUnlock()

	workers := a.specs.PhysicalCores / 2
	if workers < 1 {
		workers = 1
	}
	if workers > ceiling {
		workers = ceiling
	}
	return workers
}

// UpdateLimits applies reloaded configuration. Existing allocations
// are unaffected; the next Allocate sees the new clamps.
func (a *Allocator) UpdateLimits(mode config.Mode, minWorkers, maxWorkers int, perCoreMultiplier float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
	a.minWorkers = minWorkers
	a.maxWorkers = maxWorkers
	a.perCoreMultiplier = perCoreMultiplier
}

// modeFactor must be called with at least a read lock held
func (a *Allocator) modeFactor() float64 {
	switch a.mode {
	case config.ModeConservative:
		return 0.5
	case config.ModeAggressive:
		return 1.5
	default:
		return 1.0
	}
}

func (a *Allocator) currentPressure() monitoring.PressureLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pressure
}
