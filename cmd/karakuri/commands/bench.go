package commands

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Karakuri/internal/config"
	"github.com/shizukutanaka/Karakuri/internal/hardware"
	"github.com/shizukutanaka/Karakuri/internal/logging"
	"github.com/shizukutanaka/Karakuri/internal/scheduler"
)

// benchCmd pushes synthetic tasks through the real pool to measure
// scheduling throughput on this machine
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic scheduling benchmark",
	RunE:  runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().Int("tasks", 100, "number of synthetic tasks")
	benchCmd.Flags().Duration("task-duration", 50*time.Millisecond, "simulated work per task")
	benchCmd.Flags().Float64("failure-rate", 0, "fraction of tasks that fail (0..1)")
	benchCmd.Flags().Int("workers", 0, "worker ceiling (0 = derive from machine)")
}

func runBench(cmd *cobra.Command, args []string) error {
	taskCount, _ := cmd.Flags().GetInt("tasks")
	taskDuration, _ := cmd.Flags().GetDuration("task-duration")
	failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
	workers, _ := cmd.Flags().GetInt("workers")

	cfg := config.Default()
	cfg.Logging.Level = "warn"
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Queue.MaxDepth = taskCount
	if workers > 0 {
		cfg.Pool.MinWorkers = 1
		cfg.Pool.MaxWorkers = workers
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	specs := hardware.Detect(logger)
	sched := scheduler.New(logger, cfg, specs, nil)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	tasks := make([]scheduler.Task, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		fail := rng.Float64() < failureRate
		tasks = append(tasks, scheduler.NewFuncTask("bench", 1, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(taskDuration):
			}
			if fail {
				return fmt.Errorf("injected benchmark failure")
			}
			return nil
		}))
	}

	fmt.Printf("Running %d tasks of %s each...\n", taskCount, taskDuration)

	start := time.Now()
	results := sched.RunTasks(context.Background(), tasks)
	elapsed := time.Since(start)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	report := sched.ResourceReport(context.Background())

	fmt.Println()
	fmt.Printf("Elapsed:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput:   %.1f tasks/s\n", float64(len(results))/elapsed.Seconds())
	fmt.Printf("Succeeded:    %d/%d\n", succeeded, len(results))
	fmt.Printf("Concurrency:  %d (optimal for this machine)\n", report.OptimalConcurrency)
	fmt.Printf("Speedup:      %.1fx over serial execution\n",
		(taskDuration * time.Duration(taskCount)).Seconds()/elapsed.Seconds(),
	)

	return nil
}
