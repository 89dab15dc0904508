package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Karakuri/internal/config"
)

// initCmd writes a default configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(cfgFile); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", cfgFile)
	}

	cfg := config.Default()
	if err := config.Save(cfg, cfgFile); err != nil {
		return err
	}

	fmt.Printf("Wrote default configuration to %s\n", cfgFile)
	return nil
}
