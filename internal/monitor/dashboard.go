package monitor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/orchestrator"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxInflightRows = 8
)

// Model is the BubbleTea scheduler dashboard.
type Model struct {
	client     *Client
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	featureProgress progress.Model
}

// Snapshot is one poll of the scheduler state.
type Snapshot struct {
	Total      int
	Passing    int
	Failed     int
	InProgress int
	Ready      []string
	Inflight   []orchestrator.Inflight
	ActiveRuns int
	Live       events.Stats
	Blocked    bool
	GraphText  string

	// Historical data for sparklines (last N polls)
	InflightHistory  []float64
	DeliveredHistory []float64
	DroppedHistory   []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling client every interval.
func NewModel(client *Client, interval time.Duration) Model {
	return Model{
		client:   client,
		interval: interval,
		featureProgress: progress.New(
			progress.WithGradient("#ffff00", "#00ff00"),
			progress.WithWidth(40),
		),
		snapshot: Snapshot{
			InflightHistory:  make([]float64, 0, historySize),
			DeliveredHistory: make([]float64, 0, historySize),
			DroppedHistory:   make([]float64, 0, historySize),
		},
	}
}

// getStatusBadge returns the overall scheduler badge.
func getStatusBadge(s Snapshot) string {
	switch {
	case s.Blocked:
		return errorStyle.Render("✗ BLOCKED")
	case s.Failed > 0:
		return warningStyle.Render("⚠ FAILURES")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls features, scheduler and graph state.
func fetchSnapshot(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		features, err := client.Features(ctx)
		if err != nil {
			return errMsg(err)
		}
		sched, err := client.Scheduler(ctx)
		if err != nil {
			return errMsg(err)
		}
		graph, err := client.Graph(ctx)
		if err != nil && !IsStatus(err, http.StatusConflict) {
			return errMsg(err)
		}

		s := Snapshot{
			Total:      len(features.Features),
			Ready:      features.Ready,
			Inflight:   sched.Inflight,
			ActiveRuns: len(sched.ActiveRuns),
			Live:       sched.Live,
			Blocked:    graph.Blocked,
			GraphText:  graph.Text,
		}
		for _, f := range features.Features {
			switch {
			case f.Passes:
				s.Passing++
			case f.Failed:
				s.Failed++
			case f.InProgress:
				s.InProgress++
			}
		}
		return snapshotMsg(s)
	}
}

func triggerPass(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Trigger(ctx); err != nil {
			return errMsg(err)
		}
		return fetchSnapshot(client)()
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		case "t":
			return m, triggerPass(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client),
		)

	case snapshotMsg:
		next := Snapshot(msg)
		prev := m.snapshot

		next.InflightHistory = appendToHistory(prev.InflightHistory, float64(len(next.Inflight)))
		// counters are cumulative; chart the change since the last poll
		if m.lastUpdate.IsZero() {
			next.DeliveredHistory = prev.DeliveredHistory
			next.DroppedHistory = prev.DroppedHistory
		} else {
			next.DeliveredHistory = appendToHistory(prev.DeliveredHistory, delta(next.Live.Delivered, prev.Live.Delivered))
			next.DroppedHistory = appendToHistory(prev.DroppedHistory, delta(next.Live.Dropped, prev.Live.Dropped))
		}

		m.snapshot = next
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

func delta(cur, prev uint64) float64 {
	if cur < prev {
		// server restarted
		return float64(cur)
	}
	return float64(cur - prev)
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("harnessd Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach harnessd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	s := m.snapshot
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" harnessd Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		getStatusBadge(s),
		dimStyle.Render("Updated:"),
		dimStyle.Render(lastUpdateStr)))

	b.WriteString("\n" + sectionStyle.Render("┃ Features") + "\n")
	ratio := 0.0
	if s.Total > 0 {
		ratio = float64(s.Passing) / float64(s.Total)
	}
	b.WriteString(labelStyle.Render("  Passing: ") +
		m.featureProgress.ViewAs(ratio) + " " +
		valueStyle.Render(fmt.Sprintf("%d/%d", s.Passing, s.Total)) + "\n")
	b.WriteString(labelStyle.Render("  In progress: ") + valueStyle.Render(fmt.Sprintf("%d", s.InProgress)) +
		labelStyle.Render("  Failed: ") + failedValue(s.Failed) +
		labelStyle.Render("  Ready: ") + valueStyle.Render(FormatList(s.Ready, 5)) + "\n")
	if s.Blocked {
		for _, line := range strings.Split(strings.TrimSpace(s.GraphText), "\n") {
			b.WriteString("  " + errorStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Scheduler") + "\n")
	b.WriteString(labelStyle.Render("  Inflight: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(s.Inflight))) +
		dimStyle.Render(fmt.Sprintf(" (%d active runs)", s.ActiveRuns)) +
		"   " + createSparkline(s.InflightHistory) + "\n")
	for i, in := range s.Inflight {
		if i == maxInflightRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(s.Inflight)-maxInflightRows)) + "\n")
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			valueStyle.Render(in.FeatureID),
			dimStyle.Render(ShortID(in.RunID)),
			labelStyle.Render(fmt.Sprintf("attempt %d", in.Attempt+1)),
			dimStyle.Render(FormatAge(in.Since, time.Now()))))
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Live Events") + "\n")
	b.WriteString(labelStyle.Render("  Delivered: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Live.Delivered)) +
		"   " + createSparkline(s.DeliveredHistory) + "\n")
	b.WriteString(labelStyle.Render("  Throttled: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Live.Dropped)) +
		labelStyle.Render("  Failed: ") + failedValue(int(s.Live.Failed)) +
		"   " + createSparkline(s.DroppedHistory) + "\n")

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[t]") + footerStyle.Render(" trigger pass  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func failedValue(n int) string {
	if n > 0 {
		return errorStyle.Render(fmt.Sprintf("%d", n))
	}
	return valueStyle.Render("0")
}
