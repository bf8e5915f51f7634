package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	runnerURL  string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl — operate a fleetd runner/publisher deployment",
	Long: `fleetctl is the operator CLI for fleetd, a fleet control plane that
assigns build work to workers and publishes the results.

Common workflow:

  fleetctl status                              # active runs + queue depth
  fleetctl queue ls                            # pending queue items
  fleetctl queue add mypkg --suite=lintian-fixes  # enqueue a package`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runnerURL, "runner", "http://localhost:9911", "base URL of the runner HTTP surface")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/fleetd/config.toml", "path to the main TOML configuration (used for direct queue access)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("fleetctl: %w", err)
	}
	return nil
}
