package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/Karakuri/internal/scheduler"
)

// statusCmd queries a running daemon's observability API
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status",
	Long:  `Display the current resource report and scheduler counters from a running daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8742", "API server URL")
	statusCmd.Flags().String("token", "", "bearer token when API auth is enabled")
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "refresh continuously")
	statusCmd.Flags().Duration("interval", 5*time.Second, "watch interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		for {
			fmt.Print("\033[H\033[2J")
			if err := displayStatus(apiURL, token, format); err != nil {
				return err
			}
			time.Sleep(interval)
		}
	}

	return displayStatus(apiURL, token, format)
}

func displayStatus(apiURL, token, format string) error {
	report, err := fetchReport(apiURL, token)
	if err != nil {
		return fmt.Errorf("failed to fetch report: %w", err)
	}
	stats, err := fetchStats(apiURL, token)
	if err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	combined := struct {
		Report *scheduler.Report `json:"report" yaml:"report"`
		Stats  *scheduler.Stats  `json:"stats" yaml:"stats"`
	}{report, stats}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(combined)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(combined)
	default:
		displayTable(report, stats)
		return nil
	}
}

func displayTable(report *scheduler.Report, stats *scheduler.Stats) {
	fmt.Println("Karakuri Scheduler Status")
	fmt.Println("=========================")
	fmt.Println()

	fmt.Println("Resources:")
	fmt.Printf("  CPU usage:      %.1f%%\n", report.CPUPercent)
	fmt.Printf("  Memory usage:   %.1f%%\n", report.MemoryPercent)
	fmt.Printf("  Memory free:    %s\n", humanize.IBytes(report.Snapshot.MemoryFree))
	fmt.Printf("  Disk usage:     %.1f%%\n", report.DiskPercent)
	fmt.Printf("  Pressure:       %s\n", report.Pressure)
	if report.Fallback {
		fmt.Println("  (live metrics unavailable, showing fallback values)")
	}
	fmt.Println()

	fmt.Println("Scheduling:")
	fmt.Printf("  Optimal concurrency: %d\n", report.OptimalConcurrency)
	fmt.Printf("  Queue depth:         %d\n", report.QueueDepth)
	fmt.Printf("  Aggressiveness:      %.2f\n", report.Aggressiveness)
	fmt.Println()

	fmt.Println("Machine:")
	fmt.Printf("  CPU:    %s\n", report.Machine.CPUBrand)
	fmt.Printf("  Cores:  %d physical / %d logical\n",
		report.Machine.PhysicalCores, report.Machine.LogicalThreads)
	fmt.Printf("  Memory: %s\n", humanize.IBytes(report.Machine.TotalMemory))
	fmt.Printf("  GPU:    %v\n", report.Machine.GPUPresent)
	fmt.Println()

	fmt.Println("Counters:")
	fmt.Printf("  Queued:    %s\n", humanize.Comma(int64(stats.Queued)))
	fmt.Printf("  Completed: %s\n", humanize.Comma(int64(stats.Completed)))
	fmt.Printf("  Failed:    %s\n", humanize.Comma(int64(stats.Failed)))
	fmt.Printf("  Rejected:  %s\n", humanize.Comma(int64(stats.Rejected)))
	fmt.Printf("  Dropped:   %s\n", humanize.Comma(int64(stats.Dropped)))
	fmt.Printf("  Batches:   %s\n", humanize.Comma(int64(stats.Batches)))
	fmt.Printf("  Uptime:    %s\n", stats.Uptime)

	if len(report.RecentHistory) > 0 {
		fmt.Println()
		fmt.Printf("Recent tasks (%d, success rate %.0f%%, mean %s):\n",
			report.HistoryStats.Count,
			report.HistoryStats.SuccessRate*100,
			report.HistoryStats.MeanDuration.Round(time.Millisecond),
		)
		for _, r := range report.RecentHistory {
			outcome := "ok"
			if !r.Success {
				outcome = "failed"
			}
			fmt.Printf("  %-10s %-8s %8s\n", r.Kind, outcome, r.Duration.Round(time.Millisecond))
		}
	}
}

func fetchReport(apiURL, token string) (*scheduler.Report, error) {
	var report scheduler.Report
	if err := fetchJSON(apiURL+"/api/v1/report", token, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func fetchStats(apiURL, token string) (*scheduler.Stats, error) {
	var stats scheduler.Stats
	if err := fetchJSON(apiURL+"/api/v1/stats", token, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func fetchJSON(url, token string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
