package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMonitorConfig() Config {
	return Config{
		SampleInterval:     10 * time.Millisecond,
		CPUWarnPercent:     80,
		CPUCriticalPercent: 95,
		MemWarnPercent:     75,
		MemCriticalPercent: 90,
		SustainedSamples:   2,
	}
}

func TestMonitorCurrentReturnsLatestSample(t *testing.T) {
	t.Parallel()

	m := NewMonitor(zap.NewNop(), testMonitorConfig())
	m.SetProbe(func() (ResourceSnapshot, error) {
		return ResourceSnapshot{CPUPercent: 42, MemoryPercent: 37, Timestamp: time.Now()}, nil
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	snap, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.CPUPercent)
	assert.Equal(t, 37.0, snap.MemoryPercent)
}

func TestMonitorCurrentWaitsForFirstSample(t *testing.T) {
	t.Parallel()

	cfg := testMonitorConfig()
	cfg.SampleInterval = 500 * time.Millisecond

	m := NewMonitor(zap.NewNop(), cfg)
	m.SetProbe(func() (ResourceSnapshot, error) {
		// Slow first sample: Current must block for it instead of
		// returning an empty snapshot
		time.Sleep(50 * time.Millisecond)
		return ResourceSnapshot{CPUPercent: 11}, nil
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	snap, err := m.Current(context.Background())
	require.NoError(t, err, "Current should wait up to one interval for a sample")
	assert.Equal(t, 11.0, snap.CPUPercent)
}

func TestMonitorCurrentTimesOutWithoutSamples(t *testing.T) {
	t.Parallel()

	cfg := testMonitorConfig()
	cfg.SampleInterval = 20 * time.Millisecond

	m := NewMonitor(zap.NewNop(), cfg)
	m.SetProbe(func() (ResourceSnapshot, error) {
		return ResourceSnapshot{}, errors.New("sampler broken")
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	_, err := m.Current(context.Background())
	assert.Error(t, err, "a broken sampler degrades to an error, not a hang")
}

func TestMonitorEmitsSustainedPressureAndRecovery(t *testing.T) {
	t.Parallel()

	var cpu atomic.Value
	cpu.Store(10.0)

	m := NewMonitor(zap.NewNop(), testMonitorConfig())
	m.SetProbe(func() (ResourceSnapshot, error) {
		return ResourceSnapshot{CPUPercent: cpu.Load().(float64), Timestamp: time.Now()}, nil
	})

	events := m.Subscribe()
	require.NoError(t, m.Start())
	defer m.Stop()

	// Push CPU above critical and hold it there
	cpu.Store(99.0)

	select {
	case event := <-events:
		assert.Equal(t, PressureCritical, event.Level)
		assert.Equal(t, 99.0, event.Snapshot.CPUPercent)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a critical pressure event")
	}

	// Recovery emits a transition back to none
	cpu.Store(10.0)

	select {
	case event := <-events:
		assert.Equal(t, PressureNone, event.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a recovery event")
	}
}

func TestMonitorSingleBreachDoesNotFire(t *testing.T) {
	t.Parallel()

	cfg := testMonitorConfig()
	cfg.SustainedSamples = 100 // would need a second of sustained load

	var calls atomic.Int32
	m := NewMonitor(zap.NewNop(), cfg)
	m.SetProbe(func() (ResourceSnapshot, error) {
		// Breach exactly once
		if calls.Add(1) == 1 {
			return ResourceSnapshot{CPUPercent: 99}, nil
		}
		return ResourceSnapshot{CPUPercent: 5}, nil
	})

	events := m.Subscribe()
	require.NoError(t, m.Start())
	defer m.Stop()

	select {
	case event := <-events:
		t.Fatalf("unexpected pressure event: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPressureLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", PressureNone.String())
	assert.Equal(t, "warning", PressureWarning.String())
	assert.Equal(t, "critical", PressureCritical.String())
}
