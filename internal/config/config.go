package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/Karakuri/internal/logging"
)

// Mode controls how aggressively the allocator uses the machine
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
)

// Config is the top-level daemon configuration
type Config struct {
	Mode    Mode           `yaml:"mode"`
	Logging logging.Config `yaml:"logging"`

	Monitoring MonitoringConfig `yaml:"monitoring"`
	Queue      QueueConfig      `yaml:"queue"`
	Pool       PoolConfig       `yaml:"pool"`
	Adaptation AdaptationConfig `yaml:"adaptation"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
}

// MonitoringConfig configures the resource sampler
type MonitoringConfig struct {
	SampleInterval     time.Duration `yaml:"sample_interval"`
	CPUWarnPercent     float64       `yaml:"cpu_warn_percent"`
	CPUCriticalPercent float64       `yaml:"cpu_critical_percent"`
	MemWarnPercent     float64       `yaml:"mem_warn_percent"`
	MemCriticalPercent float64       `yaml:"mem_critical_percent"`
	DiskPath           string        `yaml:"disk_path"`

	// SustainedSamples is how many consecutive breaching samples
	// are required before a pressure event fires
	SustainedSamples int `yaml:"sustained_samples"`
}

// QueueConfig configures task admission
type QueueConfig struct {
	MaxDepth int `yaml:"max_depth"`

	// PriorityFloor is the minimum effective priority kept when the
	// queue is purged under critical resource pressure
	PriorityFloor int `yaml:"priority_floor"`
}

// PoolConfig configures the execution pool
type PoolConfig struct {
	MinWorkers        int           `yaml:"min_workers"`
	MaxWorkers        int           `yaml:"max_workers"`
	PerCoreMultiplier float64       `yaml:"per_core_multiplier"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	SampleTaskUsage   bool          `yaml:"sample_task_usage"`
	HistorySize       int           `yaml:"history_size"`
}

// AdaptationConfig configures the batch feedback controller
type AdaptationConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Floor          float64 `yaml:"floor"`
	Ceiling        float64 `yaml:"ceiling"`
	Step           float64 `yaml:"step"`
	BaselineWeight float64 `yaml:"baseline_weight"`
}

// StorageConfig configures the optional batch journal
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig configures the observability HTTP server
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	EnableAuth bool   `yaml:"enable_auth"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with sane defaults
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBalanced
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
	}

	if c.Monitoring.SampleInterval == 0 {
		c.Monitoring.SampleInterval = 5 * time.Second
	}
	if c.Monitoring.CPUWarnPercent == 0 {
		c.Monitoring.CPUWarnPercent = 80
	}
	if c.Monitoring.CPUCriticalPercent == 0 {
		c.Monitoring.CPUCriticalPercent = 95
	}
	if c.Monitoring.MemWarnPercent == 0 {
		c.Monitoring.MemWarnPercent = 75
	}
	if c.Monitoring.MemCriticalPercent == 0 {
		c.Monitoring.MemCriticalPercent = 90
	}
	if c.Monitoring.DiskPath == "" {
		c.Monitoring.DiskPath = "/"
	}
	if c.Monitoring.SustainedSamples == 0 {
		c.Monitoring.SustainedSamples = 3
	}

	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 100
	}

	if c.Pool.MinWorkers == 0 {
		c.Pool.MinWorkers = 1
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = runtime.NumCPU() * 2
	}
	if c.Pool.PerCoreMultiplier == 0 {
		c.Pool.PerCoreMultiplier = 2.0
	}
	if c.Pool.DispatchInterval == 0 {
		c.Pool.DispatchInterval = time.Second
	}
	if c.Pool.DrainTimeout == 0 {
		c.Pool.DrainTimeout = 30 * time.Second
	}
	if c.Pool.HistorySize == 0 {
		c.Pool.HistorySize = 1000
	}

	if c.Adaptation.Floor == 0 {
		c.Adaptation.Floor = 0.5
	}
	if c.Adaptation.Ceiling == 0 {
		c.Adaptation.Ceiling = 1.5
	}
	if c.Adaptation.Step == 0 {
		c.Adaptation.Step = 0.05
	}
	if c.Adaptation.BaselineWeight == 0 {
		c.Adaptation.BaselineWeight = 0.8
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "data/karakuri.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8742"
	}
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeConservative, ModeBalanced, ModeAggressive:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	if c.Monitoring.CPUWarnPercent >= c.Monitoring.CPUCriticalPercent {
		return fmt.Errorf("cpu_warn_percent (%.1f) must be below cpu_critical_percent (%.1f)",
			c.Monitoring.CPUWarnPercent, c.Monitoring.CPUCriticalPercent)
	}
	if c.Monitoring.MemWarnPercent >= c.Monitoring.MemCriticalPercent {
		return fmt.Errorf("mem_warn_percent (%.1f) must be below mem_critical_percent (%.1f)",
			c.Monitoring.MemWarnPercent, c.Monitoring.MemCriticalPercent)
	}

	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue max_depth must be at least 1, got %d", c.Queue.MaxDepth)
	}

	if c.Pool.MinWorkers < 1 {
		return fmt.Errorf("pool min_workers must be at least 1, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool max_workers (%d) must be >= min_workers (%d)",
			c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}

	if c.Adaptation.Floor <= 0 || c.Adaptation.Ceiling < c.Adaptation.Floor {
		return fmt.Errorf("adaptation floor/ceiling out of range: floor=%.2f ceiling=%.2f",
			c.Adaptation.Floor, c.Adaptation.Ceiling)
	}

	if c.API.Enabled && c.API.EnableAuth && c.API.JWTSecret == "" {
		return fmt.Errorf("api auth enabled but jwt_secret is empty")
	}

	return nil
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
