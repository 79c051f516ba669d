package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/graph"
	"github.com/fyrsmithlabs/harnessd/internal/monitor"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

var (
	runsFeature string
	runsStatus  string
	runsLimit   int

	eventsAfter  uint64
	eventsLimit  int
	eventsFollow bool
)

func init() {
	rootCmd.AddCommand(healthCmd, validateCmd, graphCmd, featuresCmd, resetCmd, triggerCmd,
		runsCmd, runCmd, cancelCmd, pauseCmd, resumeCmd, eventsCmd, toolsCmd)

	runsCmd.Flags().StringVar(&runsFeature, "feature", "", "only runs of this feature")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")

	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "only events after this sequence")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "page size")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream events until the run finishes")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check harnessd server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
		fmt.Fprintf(out, "Server URL: %s\n", serverURL)
		return nil
	},
}

// validateCmd checks a feature file offline.
var validateCmd = &cobra.Command{
	Use:   "validate <features-file>",
	Short: "Validate a feature file and its dependency graph",
	Long: `Validate parses a feature file (YAML, TOML or JSON) and checks its dependency
graph for self-references, missing targets and cycles without contacting the
server. It exits non-zero when a cycle would block scheduling.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		features, err := feature.LoadFile(args[0])
		if err != nil {
			return err
		}
		report := graph.Validate(features)
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%d features\n%s\n", len(features), report.Text())
		}
		if report.Blocked() {
			return fmt.Errorf("dependency graph is blocked by %d cycle(s)", len(report.Cycles))
		}
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Validate and repair the server's dependency graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := newClient().Graph(cmd.Context())
		if err != nil && !monitor.IsStatus(err, http.StatusConflict) {
			return err
		}
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
		}
		if resp.Blocked {
			return fmt.Errorf("scheduling is blocked")
		}
		return nil
	},
}

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List features and the ready set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := newClient().Features(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderFeatures(resp.Features, resp.Ready))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <feature-id>",
	Short: "Clear a feature's pass or failure state so it is scheduled again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newClient().ResetFeature(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "feature %s reset (%s)\n", f.ID, featureState(f))
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request an immediate scheduling pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := newClient().Trigger(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "scheduling pass triggered")
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runs, err := newClient().Runs(cmd.Context(), runsFeature, run.Status(runsStatus), runsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), runs)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs, time.Now()))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newClient().Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), r)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderRun(r))
		return nil
	},
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Control(cmd.Context(), args[0], action); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for run %s\n", action, args[0])
			return nil
		},
	}
}

var (
	cancelCmd = controlCmd("cancel", "Cancel an active run")
	pauseCmd  = controlCmd("pause", "Pause an active run between turns")
	resumeCmd = controlCmd("resume", "Resume a paused run")
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print a run's events",
	Long: `Print the durable event log of a run. With --follow the command keeps
streaming until the run reaches a terminal event.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		out := cmd.OutOrStdout()
		emit := func(ev events.Event) error {
			if jsonOutput {
				return printJSON(out, ev)
			}
			_, err := fmt.Fprintln(out, renderEvent(ev))
			return err
		}

		if eventsFollow {
			return client.Follow(cmd.Context(), args[0], eventsAfter, emit)
		}
		page, err := client.Events(cmd.Context(), args[0], eventsAfter, eventsLimit)
		if err != nil {
			return err
		}
		for _, ev := range page.Events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		if !jsonOutput && len(page.Events) == eventsLimit {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("more events: --after %d", page.Next)))
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools [query]",
	Short: "Search the tools available to agents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		resp, err := newClient().Tools(cmd.Context(), query)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		t := newTable("TOOL", "CATEGORY", "DESCRIPTION")
		for _, r := range resp.Tools {
			t.Row(r.Tool.Name, string(r.Tool.Category), r.Tool.Description)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}
