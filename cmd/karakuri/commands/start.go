package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/api"
	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/hardware"
	"github.com/shizukutanaka/Karakuri/internal/logging"
	"github.com/shizukutanaka/Karakuri/internal/scheduler"
	"github.com/shizukutanaka/Karakuri/internal/storage"
)

// startCmd runs the scheduling daemon
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduling daemon",
	Long: `Start the scheduler: the resource sampler, the dispatch loop, and
(when enabled) the observability API. SIGINT or SIGTERM triggers a
graceful drain.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("mode", "", "override system mode (conservative, balanced, aggressive)")
	startCmd.Flags().Int("max-workers", 0, "override the worker ceiling")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if maxWorkers, _ := cmd.Flags().GetInt("max-workers"); maxWorkers > 0 {
		cfg.Pool.MaxWorkers = maxWorkers
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	specs := hardware.Detect(logger)

	var journal scheduler.BatchJournal
	var journalCloser *storage.Journal
	if cfg.Storage.Enabled {
		j, err := storage.OpenJournal(logger.Named("journal"), cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open batch journal: %w", err)
		}
		journal = j
		journalCloser = j
	}

	sched := scheduler.New(logger, cfg, specs, journal)
	if err := sched.Start(); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(logger.Named("api"), api.Config{
			ListenAddr: cfg.API.ListenAddr,
			EnableAuth: cfg.API.EnableAuth,
			JWTSecret:  cfg.API.JWTSecret,
		}, sched)
		if err := apiServer.Start(); err != nil {
			return err
		}
	}

	watcher, err := config.NewWatcher(logger.Named("config"), cfgFile)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(sched.ApplyConfig); err != nil {
		logger.Warn("Config watcher failed to start", zap.Error(err))
	}

	logger.Info("Karakuri started",
		zap.String("version", Version),
		zap.String("mode", string(cfg.Mode)),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	if watcher != nil {
		watcher.Stop()
	}
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(ctx); err != nil {
			logger.Warn("API server shutdown error", zap.Error(err))
		}
		cancel()
	}

	if err := sched.Stop(); err != nil {
		logger.Error("Scheduler shutdown error", zap.Error(err))
	}

	if journalCloser != nil {
		if err := journalCloser.Close(); err != nil {
			logger.Warn("Journal close error", zap.Error(err))
		}
	}

	logger.Info("Karakuri stopped")
	return nil
}

// loadConfig reads the config file, creating a default one when it
// does not exist
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = config.Default()
		if saveErr := config.Save(cfg, cfgFile); saveErr == nil {
			fmt.Printf("Created default configuration at %s\n", cfgFile)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}
