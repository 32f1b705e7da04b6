package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logger"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox - interactive sandboxed build-and-run server",
	Long: `Runbox compiles source code submitted over HTTP, runs the result in a
sandbox and streams its output to the submitting browser session over a
websocket, relaying keyboard input back to the program.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./runbox.yaml or ~/.runbox/runbox.yaml)")
}

// loadConfig loads configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
