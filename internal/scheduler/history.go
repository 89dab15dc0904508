package scheduler

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PerformanceRecord captures one task execution for the adaptation loop
type PerformanceRecord struct {
	TaskID        string        `json:"task_id"`
	Kind          string        `json:"kind"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	Timestamp     time.Time     `json:"timestamp"`
}

// HistoryStats summarizes the recorded history
type HistoryStats struct {
	Count        int           `json:"count"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
	StdDuration  time.Duration `json:"std_duration"`
}

// History is a bounded, oldest-first-evicting record of task
// executions. It never grows past its cap.
type History struct {
	mu      sync.Mutex
	records []PerformanceRecord
	cap     int
}

// NewHistory creates a history with the given capacity
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		records: make([]PerformanceRecord, 0, capacity),
		cap:     capacity,
	}
}

// Append adds a record, evicting the oldest entry at capacity
func (h *History) Append(record PerformanceRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == h.cap {
		copy(h.records, h.records[1:])
		h.records[len(h.records)-1] = record
		return
	}
	h.records = append(h.records, record)
}

// Len returns the number of stored records
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Recent returns up to n of the most recent records, oldest first
func (h *History) Recent(n int) []PerformanceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > len(h.records) {
		n = len(h.records)
	}
	out := make([]PerformanceRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// Stats computes aggregate statistics over the stored records
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HistoryStats{Count: len(h.records)}
	if len(h.records) == 0 {
		return stats
	}

	durations := make([]float64, len(h.records))
	succeeded := 0
	for i, r := range h.records {
		durations[i] = r.Duration.Seconds()
		if r.Success {
			succeeded++
		}
	}

	stats.SuccessRate = float64(succeeded) / float64(len(h.records))

	mean, std := stat.MeanStdDev(durations, nil)
	stats.MeanDuration = time.Duration(mean * float64(time.Second))
	if len(durations) > 1 {
		stats.StdDuration = time.Duration(std * float64(time.Second))
	}

	return stats
}
