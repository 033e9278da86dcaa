// Package tui renders the live conductor dashboard: issue pipeline
// phases, agent sessions, and stuck issues, refreshed from the state
// store while the orchestrator runs in another process.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/tmux"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(1)

	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	helpStyle = lipgloss.NewStyle().
			Faint(true).
			PaddingLeft(1)
)

// Row is one issue line on the dashboard.
type Row struct {
	Number     int
	Title      string
	Phase      string
	Step       string
	BlockedBy  string
	Stuck      string
	PR         int
	Dispatched bool
}

// Snapshot is one refresh of orchestrator state.
type Snapshot struct {
	Milestone string
	Rows      []Row
	Sessions  []string
}

// Loader produces a fresh snapshot. It runs off the UI goroutine.
type Loader func() (Snapshot, error)

// StoreLoader builds a Loader that reads issue rows from the state
// store and agent sessions from the tmux server.
func StoreLoader(store *state.Store, tm *tmux.Tmux) Loader {
	return func() (Snapshot, error) {
		issues, err := store.ListIssues()
		if err != nil {
			return Snapshot{}, err
		}
		var snap Snapshot
		for _, issue := range issues {
			if snap.Milestone == "" {
				snap.Milestone = issue.Milestone
			}
			snap.Rows = append(snap.Rows, Row{
				Number:     issue.Number,
				Title:      issue.Title,
				Phase:      issue.Phase,
				Step:       issue.CurrentStep,
				BlockedBy:  issue.BlockedBy,
				Stuck:      issue.StuckReason,
				PR:         issue.PRNumber,
				Dispatched: issue.CurrentStep != "" && issue.CompletedAt == "" && issue.StuckReason == "",
			})
		}
		names, err := tm.ListSessions()
		if err != nil {
			return snap, nil
		}
		for _, name := range names {
			if strings.HasPrefix(name, "conductor-agent-") {
				snap.Sessions = append(snap.Sessions, name)
			}
		}
		return snap, nil
	}
}

type refreshMsg struct{}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

func refreshCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	load    Loader
	spin    spinner.Model
	snap    Snapshot
	err     error
	loading bool
	width   int
	height  int
}

func New(load Loader) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = warnStyle
	return Model{load: load, spin: sp, loading: true}
}

func (m Model) fetch() tea.Msg {
	snap, err := m.load()
	return snapshotMsg{snap: snap, err: err}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.spin.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch
		}
		return m, nil

	case refreshMsg:
		return m, m.fetch

	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		return m, refreshCmd()
	}

	var cmd tea.Cmd
	m.spin, cmd = m.spin.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.loading {
		return lipgloss.NewStyle().Padding(1, 2).Render(m.spin.View() + " Loading conductor state…")
	}
	if m.err != nil {
		return lipgloss.NewStyle().Padding(1, 2).Render(
			fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit.", m.err),
		)
	}

	var b strings.Builder
	title := "Conductor"
	if m.snap.Milestone != "" {
		title += "  " + dimStyle.Render("milestone "+m.snap.Milestone)
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	if len(m.snap.Rows) == 0 {
		b.WriteString(dimStyle.Render(" no issues in scope") + "\n")
	} else {
		b.WriteString(" " + headerStyle.Render(fmt.Sprintf("%-6s %-*s %-11s %-8s %s",
			"ISSUE", m.titleWidth(), "TITLE", "PHASE", "STEP", "STATUS")) + "\n")
		for _, row := range m.snap.Rows {
			b.WriteString(" " + m.renderRow(row) + "\n")
		}
	}

	b.WriteString("\n " + dimStyle.Render(fmt.Sprintf("Sessions: %d", len(m.snap.Sessions))))
	if len(m.snap.Sessions) > 0 {
		b.WriteString(dimStyle.Render(" (" + strings.Join(m.snap.Sessions, ", ") + ")"))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("r refresh   q quit"))
	return b.String()
}

func (m Model) titleWidth() int {
	w := m.width - 40
	if w < 12 {
		w = 12
	}
	if w > 48 {
		w = 48
	}
	return w
}

func (m Model) renderRow(row Row) string {
	step := row.Step
	if step == "" {
		step = "-"
	}
	line := fmt.Sprintf("#%-5d %-*s %-11s %-8s ",
		row.Number, m.titleWidth(), truncate(row.Title, m.titleWidth()), row.Phase, step)
	return line + m.renderStatus(row)
}

func (m Model) renderStatus(row Row) string {
	switch {
	case row.Stuck != "":
		return errStyle.Render("stuck: " + truncate(row.Stuck, 40))
	case row.PR > 0:
		return okStyle.Render(fmt.Sprintf("PR #%d", row.PR))
	case row.Dispatched:
		return m.spin.View() + " " + warnStyle.Render("running")
	case row.BlockedBy != "":
		return dimStyle.Render("blocked by #" + strings.ReplaceAll(row.BlockedBy, ",", ", #"))
	default:
		return dimStyle.Render("ready")
	}
}

func truncate(s string, max int) string {
	if max < 1 || len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
