// Package main implements harnessctl, the CLI for the harnessd HTTP API.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/harnessd/internal/monitor"
)

var (
	// serverURL is the base URL for the harnessd HTTP server
	serverURL string
	// jsonOutput prints raw JSON instead of tables
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "harnessctl",
	Short: "CLI for harnessd",
	Long: `harnessctl is a command-line interface for the harnessd feature orchestrator.
It inspects features and runs, controls active runs and follows their events.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("HARNESSD_URL", "http://localhost:9191"), "harnessd server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
}

func newClient() *monitor.Client {
	return monitor.NewClient(serverURL, 30*time.Second)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
