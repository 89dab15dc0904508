package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable overrides. Only the handful of knobs that make
// sense to flip per-deployment are exposed; everything else belongs in
// the config file.
const envPrefix = "KARAKURI_"

// ApplyEnvOverrides overlays supported environment variables onto the
// configuration. Unparseable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(envPrefix + "MODE"); v != "" {
		c.Mode = Mode(v)
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv(envPrefix + "QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxDepth = n
		}
	}
	if v := os.Getenv(envPrefix + "SAMPLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Monitoring.SampleInterval = d
		}
	}
	if v := os.Getenv(envPrefix + "API_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
}
