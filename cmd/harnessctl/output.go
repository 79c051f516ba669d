package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/monitor"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func featureState(f feature.Feature) string {
	switch {
	case f.Passes:
		return passStyle.Render("passing")
	case f.Failed:
		return failStyle.Render("failed")
	case f.InProgress:
		return warnStyle.Render("running")
	default:
		return dimStyle.Render("pending")
	}
}

func renderFeatures(features []feature.Feature, ready []string) string {
	isReady := make(map[string]bool, len(ready))
	for _, id := range ready {
		isReady[id] = true
	}
	t := newTable("ID", "PRIORITY", "STATE", "READY", "DEPENDENCIES")
	for _, f := range features {
		r := ""
		if isReady[f.ID] {
			r = "yes"
		}
		t.Row(f.ID, fmt.Sprintf("%d", f.Priority), featureState(f), r, monitor.FormatList(f.Dependencies, 4))
	}
	return t.String()
}

func runState(r run.Run) string {
	switch {
	case r.Passed():
		return passStyle.Render(string(r.Status))
	case r.Status == run.StatusRunning || r.Status == run.StatusPaused || r.Status == run.StatusPending:
		return warnStyle.Render(string(r.Status))
	default:
		return failStyle.Render(string(r.Status))
	}
}

func renderRuns(runs []run.Run, now time.Time) string {
	t := newTable("RUN", "FEATURE", "STATUS", "VERDICT", "TURNS", "RETRY", "AGE", "ERROR")
	for _, r := range runs {
		t.Row(
			monitor.ShortID(r.ID),
			r.FeatureID,
			runState(r),
			r.Verdict,
			fmt.Sprintf("%d", r.TurnsUsed),
			fmt.Sprintf("%d", r.RetryCount),
			monitor.FormatAge(r.CreatedAt, now),
			r.Error,
		)
	}
	return t.String()
}

func renderRun(r run.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:       %s\n", r.ID)
	fmt.Fprintf(&b, "Feature:   %s\n", r.FeatureID)
	fmt.Fprintf(&b, "Status:    %s\n", runState(r))
	if r.Verdict != "" {
		fmt.Fprintf(&b, "Verdict:   %s\n", r.Verdict)
	}
	if r.Score != nil {
		fmt.Fprintf(&b, "Score:     %s\n", monitor.FormatPercentage(*r.Score))
	}
	fmt.Fprintf(&b, "Turns:     %d\n", r.TurnsUsed)
	fmt.Fprintf(&b, "Tokens:    %d in / %d out\n", r.TokensIn, r.TokensOut)
	fmt.Fprintf(&b, "Retry:     %d\n", r.RetryCount)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error:     %s %s\n", failStyle.Render(r.Error), r.ErrorMessage)
	}
	for _, fb := range r.Feedback {
		fmt.Fprintf(&b, "  - %s\n", fb)
	}
	return b.String()
}

func renderEvent(ev events.Event) string {
	line := fmt.Sprintf("%6d  %s  %-18s", ev.Sequence, ev.Timestamp.Format("15:04:05.000"), ev.Type)
	if ev.ToolName != "" {
		line += " " + ev.ToolName
	}
	if reason, ok := ev.Payload["reason"].(string); ok && reason != "" {
		line += " " + dimStyle.Render("reason="+reason)
	}
	if ev.Type.Terminal() {
		if ev.Type == events.TypeRunCompleted {
			return passStyle.Render(line)
		}
		return failStyle.Render(line)
	}
	return line
}
