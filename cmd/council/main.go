// Package main is the entry point for the council CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/council/internal/config"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "council",
		Short: "Multi-agent deliberation engine",
		Long: `Council runs a group of independent AI agents through repeated
rounds of parallel deliberation on a shared topic. Rounds execute
concurrently within and sequentially across; progress streams to
observers over SSE and WebSocket; sessions can be paused, resumed,
stopped, and steered with mid-run human messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadConfig reads the --config file when one was given, otherwise
// starts from the defaults; either way COUNCIL_* environment overrides
// apply and adjust runs before validation.
func loadConfig(adjust func(*config.Config)) (*config.Config, error) {
	var data []byte
	if configPath != "" {
		var err error
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := config.ParseWith(data, adjust)
	if err != nil && configPath != "" {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	return cfg, err
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
