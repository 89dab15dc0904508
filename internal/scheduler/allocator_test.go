package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/hardware"
	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// fakeSource is a SnapshotSource with canned readings
type fakeSource struct {
	snap monitoring.ResourceSnapshot
	err  error
}

func (f *fakeSource) Current(ctx context.Context) (monitoring.ResourceSnapshot, error) {
	return f.snap, f.err
}

func testSpecs() hardware.MachineSpecs {
	return hardware.MachineSpecs{
		PhysicalCores:  8,
		LogicalThreads: 16,
		TotalMemory:    16 << 30,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.MinWorkers = 1
	cfg.Pool.MaxWorkers = 16
	cfg.Pool.PerCoreMultiplier = 2.0
	return cfg
}

func TestAllocateNeverExceedsPendingOrCeiling(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 5, MemoryPercent: 30}}
	cfg := testConfig()
	cfg.Pool.MaxWorkers = 4
	a := NewAllocator(zap.NewNop(), testSpecs(), cfg, source)

	for pending := 0; pending <= 50; pending++ {
		alloc := a.Allocate(context.Background(), pending)
		assert.LessOrEqual(t, alloc.MaxWorkers, pending,
			"never allocate more workers than there is work")
		assert.LessOrEqual(t, alloc.MaxWorkers, 4,
			"ceiling wins over instantaneous headroom")
		assert.False(t, alloc.Fallback)
	}
}

func TestAllocateZeroPending(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 5}}
	a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

	alloc := a.Allocate(context.Background(), 0)
	assert.Zero(t, alloc.MaxWorkers)
}

func TestAllocateHeadroomScaling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cpuPercent float64
		pending    int
		want       int
	}{
		{"idle machine", 0, 100, 10},
		{"half loaded", 50, 100, 5},
		{"nearly saturated", 95, 100, 1},
		{"fully saturated still admits floor", 100, 100, 1},
		{"work-bounded", 0, 3, 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: tt.cpuPercent}}
			a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

			alloc := a.Allocate(context.Background(), tt.pending)
			assert.Equal(t, tt.want, alloc.MaxWorkers)
		})
	}
}

func TestAllocateFallbackWhenMetricsFail(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: errors.New("sampler down")}
	a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

	alloc := a.Allocate(context.Background(), 10)
	require.True(t, alloc.Fallback, "failed metrics must be visible to the caller")
	assert.GreaterOrEqual(t, alloc.MaxWorkers, 1)
	assert.LessOrEqual(t, alloc.MaxWorkers, 10)

	// Zero pending stays zero even without metrics
	assert.Zero(t, a.Allocate(context.Background(), 0).MaxWorkers)
}

func TestAllocatePressureShrinksAdmission(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 10}}
	a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

	baseline := a.Allocate(context.Background(), 100).MaxWorkers
	require.Greater(t, baseline, 2)

	a.SetPressure(monitoring.PressureWarning)
	warn := a.Allocate(context.Background(), 100).MaxWorkers
	assert.Less(t, warn, baseline)

	a.SetPressure(monitoring.PressureCritical)
	critical := a.Allocate(context.Background(), 100).MaxWorkers
	assert.LessOrEqual(t, critical, warn)
	assert.GreaterOrEqual(t, critical, 1, "pressure degrades throughput, never halts it")

	a.SetPressure(monitoring.PressureNone)
	assert.Equal(t, baseline, a.Allocate(context.Background(), 100).MaxWorkers)
}

func TestAllocateMemoryPressureHalves(t *testing.T) {
	t.Parallel()

	low := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 10, MemoryPercent: 40}}
	high := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 10, MemoryPercent: 95}}

	a1 := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), low)
	a2 := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), high)

	relaxed := a1.Allocate(context.Background(), 100).MaxWorkers
	squeezed := a2.Allocate(context.Background(), 100).MaxWorkers
	assert.Less(t, squeezed, relaxed)
}

func TestAllocateModeFactor(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 0}}

	conservative := testConfig()
	conservative.Mode = config.ModeConservative
	aggressive := testConfig()
	aggressive.Mode = config.ModeAggressive

	// High pending so the static per-core term is the binding one
	ac := NewAllocator(zap.NewNop(), testSpecs(), conservative, source)
	aa := NewAllocator(zap.NewNop(), testSpecs(), aggressive, source)

	assert.Less(t,
		ac.Allocate(context.Background(), 1000).MaxWorkers,
		aa.Allocate(context.Background(), 1000).MaxWorkers)
}

func TestUpdateLimitsTakesEffect(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 0}}
	a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

	require.Greater(t, a.Allocate(context.Background(), 100).MaxWorkers, 2)

	a.UpdateLimits(config.ModeBalanced, 1, 2, 2.0)
	assert.Equal(t, 2, a.Allocate(context.Background(), 100).MaxWorkers)
}

func TestOptimalConcurrencyIdempotent(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snap: monitoring.ResourceSnapshot{CPUPercent: 35, MemoryPercent: 50}}
	a := NewAllocator(zap.NewNop(), testSpecs(), testConfig(), source)

	first, fallback1 := a.OptimalConcurrency(context.Background())
	second, fallback2 := a.OptimalConcurrency(context.Background())
	assert.Equal(t, first, second, "same snapshot must yield the same answer")
	assert.Equal(t, fallback1, fallback2)
	assert.False(t, fallback1)
}
