package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/monitoring"
)

// BatchStats summarizes one executed batch for the controller
type BatchStats struct {
	Tasks        int           `json:"tasks"`
	Succeeded    int           `json:"succeeded"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// SuccessRate returns the fraction of tasks that succeeded
func (s BatchStats) SuccessRate() float64 {
	if s.Tasks == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Tasks)
}

// AdaptiveController nudges an aggressiveness parameter up or down by
// comparing each batch to an exponentially-weighted baseline. It is a
// plain hysteresis controller: better-or-equal batches step the
// parameter up, worse ones step it down, always inside the configured
// floor and ceiling.
type AdaptiveController struct {
	logger *zap.Logger
	config config.AdaptationConfig

	mu               sync.Mutex
	aggressiveness   float64
	baselineSuccess  float64
	baselineDuration float64 // seconds
	observed         int
}

// NewAdaptiveController creates a controller starting at neutral
// aggressiveness 1.0
func NewAdaptiveController(logger *zap.Logger, cfg config.AdaptationConfig) *AdaptiveController {
	return &AdaptiveController{
		logger:         logger,
		config:         cfg,
		aggressiveness: 1.0,
	}
}

// Value returns the current aggressiveness multiplier
func (c *AdaptiveController) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggressiveness
}

// Observe feeds one batch into the controller and returns the updated
// aggressiveness
func (c *AdaptiveController) Observe(stats BatchStats) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stats.Tasks == 0 {
		return c.aggressiveness
	}

	success := stats.SuccessRate()
	duration := stats.MeanDuration.Seconds()

	// First batch just seeds the baseline
	if c.observed == 0 {
		c.baselineSuccess = success
		c.baselineDuration = duration
		c.observed++
		return c.aggressiveness
	}

	improved := success >= c.baselineSuccess && duration <= c.baselineDuration*1.1
	degraded := success < c.baselineSuccess*0.9 || duration > c.baselineDuration*1.5

	previous := c.aggressiveness
	switch {
	case degraded:
		c.aggressiveness -= c.config.Step * 2
	case improved:
		c.aggressiveness += c.config.Step
	}

	if c.aggressiveness < c.config.Floor {
		c.aggressiveness = c.config.Floor
	}
	if c.aggressiveness > c.config.Ceiling {
		c.aggressiveness = c.config.Ceiling
	}

	w := c.config.BaselineWeight
	c.baselineSuccess = w*c.baselineSuccess + (1-w)*success
	c.baselineDuration = w*c.baselineDuration + (1-w)*duration
	c.observed++

	if c.aggressiveness != previous {
		c.logger.Debug("Adjusted aggressiveness",
			zap.Float64("from", previous),
			zap.Float64("to", c.aggressiveness),
			zap.Float64("batch_success_rate", success),
			zap.Float64("batch_mean_duration", duration),
		)
	}

	monitoring.Aggressiveness.Set(c.aggressiveness)
	return c.aggressiveness
}
