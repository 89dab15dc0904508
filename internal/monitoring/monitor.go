package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// PressureLevel classifies sustained resource pressure
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "none"
	}
}

// ResourceSnapshot is a point-in-time reading of system utilization
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryFree    uint64    `json:"memory_free_bytes"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load_1"`
	Timestamp     time.Time `json:"timestamp"`
}

// PressureEvent is emitted when utilization stays above a threshold
// for the configured number of consecutive samples, and again when it
// recovers
type PressureEvent struct {
	Level    PressureLevel    `json:"level"`
	Snapshot ResourceSnapshot `json:"snapshot"`
}

// Config configures the resource monitor
type Config struct {
	SampleInterval     time.Duration
	CPUWarnPercent     float64
	CPUCriticalPercent float64
	MemWarnPercent     float64
	MemCriticalPercent float64
	DiskPath           string
	SustainedSamples   int
}

// ProbeFunc reads current system utilization. The default probe uses
// gopsutil; tests substitute their own.
type ProbeFunc func() (ResourceSnapshot, error)

// Monitor samples system resources on a fixed interval and publishes
// pressure events on sustained threshold breaches. Snapshot reads are
// lock-protected and never block once the first sample exists.
type Monitor struct {
	logger *zap.Logger
	config Config
	probe  ProbeFunc

	mu       sync.RWMutex
	latest   ResourceSnapshot
	hasValue bool

	// closed once the first sample lands
	firstSample chan struct{}
	firstOnce   sync.Once

	subscribers []chan PressureEvent
	subMu       sync.Mutex

	// consecutive breach counters
	warnStreak     int
	criticalStreak int
	currentLevel   PressureLevel

	sampleErrors uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewMonitor creates a resource monitor
func NewMonitor(logger *zap.Logger, config Config) *Monitor {
	if config.SampleInterval == 0 {
		config.SampleInterval = 5 * time.Second
	}
	if config.SustainedSamples == 0 {
		config.SustainedSamples = 3
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		logger:      logger,
		config:      config,
		firstSample: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.probe = m.systemProbe

	return m
}

// SetProbe replaces the sampling probe. Must be called before Start.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.probe = probe
}

// Start begins background sampling
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Starting resource monitor",
		zap.Duration("interval", m.config.SampleInterval),
		zap.Float64("cpu_warn", m.config.CPUWarnPercent),
		zap.Float64("cpu_critical", m.config.CPUCriticalPercent),
	)

	m.wg.Add(1)
	go m.sampleLoop()

	return nil
}

// Stop stops background sampling and waits for the loop to exit
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Resource monitor stopped",
		zap.Uint64("sample_errors", m.sampleErrors),
	)
}

// Subscribe returns a channel receiving pressure events. The channel
// is buffered; events are dropped rather than blocking the sampler.
func (m *Monitor) Subscribe() <-chan PressureEvent {
	ch := make(chan PressureEvent, 8)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

// Current returns the latest snapshot. If no sample exists yet it
// waits up to one sample interval for the first one.
func (m *Monitor) Current(ctx context.Context) (ResourceSnapshot, error) {
	m.mu.RLock()
	if m.hasValue {
		snap := m.latest
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()

	select {
	case <-m.firstSample:
		m.mu.RLock()
		snap := m.latest
		m.mu.RUnlock()
		return snap, nil
	case <-time.After(m.config.SampleInterval):
		return ResourceSnapshot{}, fmt.Errorf("no resource sample available yet")
	case <-ctx.Done():
		return ResourceSnapshot{}, ctx.Err()
	}
}

func (m *Monitor) sampleLoop() {
	defer m.wg.Done()

	// Take one sample immediately so Current does not have to wait a
	// full interval after startup
	m.sampleOnce()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	snap, err := m.probe()
	if err != nil {
		m.sampleErrors++
		m.logger.Warn("Resource sample failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.latest = snap
	m.hasValue = true
	m.mu.Unlock()

	m.firstOnce.Do(func() { close(m.firstSample) })

	updateResourceGauges(snap)
	m.evaluatePressure(snap)
}

func (m *Monitor) evaluatePressure(snap ResourceSnapshot) {
	critical := snap.CPUPercent >= m.config.CPUCriticalPercent ||
		snap.MemoryPercent >= m.config.MemCriticalPercent
	warning := snap.CPUPercent >= m.config.CPUWarnPercent ||
		snap.MemoryPercent >= m.config.MemWarnPercent

	switch {
	case critical:
		m.criticalStreak++
		m.warnStreak++
	case warning:
		m.criticalStreak = 0
		m.warnStreak++
	default:
		m.criticalStreak = 0
		m.warnStreak = 0
	}

	level := PressureNone
	if m.criticalStreak >= m.config.SustainedSamples {
		level = PressureCritical
	} else if m.warnStreak >= m.config.SustainedSamples {
		level = PressureWarning
	}

	if level == m.currentLevel {
		return
	}

	m.logger.Info("Resource pressure changed",
		zap.String("from", m.currentLevel.String()),
		zap.String("to", level.String()),
		zap.Float64("cpu_percent", snap.CPUPercent),
		zap.Float64("memory_percent", snap.MemoryPercent),
	)

	m.currentLevel = level
	pressureTransitions.WithLabelValues(level.String()).Inc()

	m.publish(PressureEvent{Level: level, Snapshot: snap})
}

func (m *Monitor) publish(event PressureEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop rather than stall the sampler
		}
	}
}

// systemProbe reads utilization via gopsutil
func (m *Monitor) systemProbe() (ResourceSnapshot, error) {
	snap := ResourceSnapshot{Timestamp: time.Now()}

	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return snap, fmt.Errorf("cpu sample failed: %w", err)
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return snap, fmt.Errorf("memory sample failed: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.MemoryFree = vm.Available

	if usage, err := disk.Usage(m.config.DiskPath); err == nil {
		snap.DiskPercent = usage.UsedPercent
	}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
	}

	return snap, nil
}
