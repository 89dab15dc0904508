package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeBalanced, cfg.Mode)
	assert.Equal(t, 100, cfg.Queue.MaxDepth)
	assert.Equal(t, 5*time.Second, cfg.Monitoring.SampleInterval)
	assert.Equal(t, 80.0, cfg.Monitoring.CPUWarnPercent)
	assert.Equal(t, 75.0, cfg.Monitoring.MemWarnPercent)
	assert.Equal(t, 1000, cfg.Pool.HistorySize)
	assert.Equal(t, ":8742", cfg.API.ListenAddr)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mode: aggressive
queue:
  max_depth: 25
pool:
  max_workers: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeAggressive, cfg.Mode)
	assert.Equal(t, 25, cfg.Queue.MaxDepth)
	assert.Equal(t, 6, cfg.Pool.MaxWorkers)
	// Unspecified fields fall back to defaults
	assert.Equal(t, 5*time.Second, cfg.Monitoring.SampleInterval)
	assert.Equal(t, 30*time.Second, cfg.Pool.DrainTimeout)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "turbo" },
			wantErr: true,
		},
		{
			name: "cpu warn above critical",
			mutate: func(c *Config) {
				c.Monitoring.CPUWarnPercent = 96
				c.Monitoring.CPUCriticalPercent = 95
			},
			wantErr: true,
		},
		{
			name: "mem warn above critical",
			mutate: func(c *Config) {
				c.Monitoring.MemWarnPercent = 92
				c.Monitoring.MemCriticalPercent = 90
			},
			wantErr: true,
		},
		{
			name:    "queue depth below one",
			mutate:  func(c *Config) { c.Queue.MaxDepth = -1 },
			wantErr: true,
		},
		{
			name: "max workers below min",
			mutate: func(c *Config) {
				c.Pool.MinWorkers = 8
				c.Pool.MaxWorkers = 2
			},
			wantErr: true,
		},
		{
			name: "adaptation ceiling below floor",
			mutate: func(c *Config) {
				c.Adaptation.Floor = 1.0
				c.Adaptation.Ceiling = 0.5
			},
			wantErr: true,
		},
		{
			name: "auth without secret",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.EnableAuth = true
				c.API.JWTSecret = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Mode = ModeConservative
	cfg.Queue.MaxDepth = 42
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeConservative, loaded.Mode)
	assert.Equal(t, 42, loaded.Queue.MaxDepth)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KARAKURI_MODE", "aggressive")
	t.Setenv("KARAKURI_MAX_WORKERS", "12")
	t.Setenv("KARAKURI_QUEUE_DEPTH", "garbage")
	t.Setenv("KARAKURI_SAMPLE_INTERVAL", "250ms")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, ModeAggressive, cfg.Mode)
	assert.Equal(t, 12, cfg.Pool.MaxWorkers)
	assert.Equal(t, 100, cfg.Queue.MaxDepth, "unparseable override is ignored")
	assert.Equal(t, 250*time.Millisecond, cfg.Monitoring.SampleInterval)
}
