package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/harnessd/internal/monitor"
)

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// watchCmd opens the live scheduler dashboard.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of features, inflight runs and event delivery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		model := monitor.NewModel(monitor.NewClient(serverURL, 5*time.Second), watchInterval)
		_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
		return err
	},
}
