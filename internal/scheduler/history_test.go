package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryBoundedEviction(t *testing.T) {
	t.Parallel()

	const capacity = 10
	h := NewHistory(capacity)

	for i := 0; i < capacity*3; i++ {
		h.Append(PerformanceRecord{
			TaskID:   fmt.Sprintf("task-%d", i),
			Success:  true,
			Duration: time.Duration(i) * time.Millisecond,
		})
	}

	require.Equal(t, capacity, h.Len(), "history must never exceed its cap")

	// The survivors are exactly the most recent entries, oldest first
	recent := h.Recent(capacity)
	require.Len(t, recent, capacity)
	for i, r := range recent {
		assert.Equal(t, fmt.Sprintf("task-%d", capacity*2+i), r.TaskID)
	}
}

func TestHistoryRecentSubset(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	for i := 0; i < 5; i++ {
		h.Append(PerformanceRecord{TaskID: fmt.Sprintf("t%d", i)})
	}

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "t3", recent[0].TaskID)
	assert.Equal(t, "t4", recent[1].TaskID)

	assert.Len(t, h.Recent(50), 5, "asking for more than stored returns all")
}

func TestHistoryStats(t *testing.T) {
	t.Parallel()

	h := NewHistory(10)
	assert.Zero(t, h.Stats().Count)

	h.Append(PerformanceRecord{Success: true, Duration: 100 * time.Millisecond})
	h.Append(PerformanceRecord{Success: true, Duration: 300 * time.Millisecond})
	h.Append(PerformanceRecord{Success: false, Duration: 200 * time.Millisecond})
	h.Append(PerformanceRecord{Success: false, Duration: 200 * time.Millisecond})

	stats := h.Stats()
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, stats.MeanDuration)
	assert.Greater(t, stats.StdDuration, time.Duration(0))
}
