package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "excursion-sync",
	Short:        "Offline-first excursion safety and sync agent",
	Long:         "Records attendance, missing-student alerts and captures on the device and syncs them to the server when connectivity allows.",
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
}

// setup loads config and initialises the global logger for any subcommand.
func setup() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
