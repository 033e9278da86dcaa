package runner

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	readyStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	dimStyle         = lipgloss.NewStyle().Faint(true)
	agentStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	headerStyle      = lipgloss.NewStyle().Bold(true).Underline(true)
)

// StatusRow is one issue line in the status table.
type StatusRow struct {
	Number    int
	Title     string
	Phase     string
	Agent     string
	BlockedBy string
	Ready     bool
}

// StatusRows builds the dashboard rows from the current graph, store
// phases, and in-flight dispatches.
func (o *Orchestrator) StatusRows() ([]StatusRow, error) {
	completed, err := o.completedIssues()
	if err != nil {
		return nil, err
	}
	graph := o.Graph()
	inflight := o.InFlight()

	var rows []StatusRow
	for _, node := range graph.Nodes() {
		blocked := "-"
		if len(node.BlockedBy) > 0 {
			refs := make([]string, len(node.BlockedBy))
			for i, b := range node.BlockedBy {
				refs[i] = "#" + fmt.Sprint(b)
			}
			blocked = strings.Join(refs, ", ")
		}
		agent := inflight[node.Number]
		if agent == "" {
			agent = "-"
		}
		rows = append(rows, StatusRow{
			Number:    node.Number,
			Title:     node.Title,
			Phase:     node.Phase,
			Agent:     agent,
			BlockedBy: blocked,
			Ready:     !graph.IsBlocked(node.Number, completed),
		})
	}
	return rows, nil
}

func truncate(s string, max int) string {
	if max < 1 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// RenderStatus renders the dashboard as styled text for a terminal of
// the given width (0 uses a default).
func (o *Orchestrator) RenderStatus(width int) (string, error) {
	rows, err := o.StatusRows()
	if err != nil {
		return "", err
	}
	if width <= 0 {
		width = 100
	}
	// #, phase, agent, blocked-by columns plus padding.
	titleWidth := width - 5 - 11 - 16 - 18
	if titleWidth < 12 {
		titleWidth = 12
	}
	if titleWidth > 50 {
		titleWidth = 50
	}

	milestone := o.Milestone()
	if milestone == "" {
		milestone = "all"
	}

	var b strings.Builder
	b.WriteString(statusTitleStyle.Render(fmt.Sprintf("Conductor (milestone: %s)", milestone)))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%4s  %-*s %-10s %-15s %s",
		"#", titleWidth, "Title", "Phase", "Agent", "Blocked By")))
	b.WriteString("\n")

	for _, row := range rows {
		phaseCell := dimStyle.Render(fmt.Sprintf("%-10s", row.Phase))
		if row.Ready {
			phaseCell = readyStyle.Render(fmt.Sprintf("%-10s", row.Phase))
		}
		fmt.Fprintf(&b, "%4d  %-*s %s %s %s\n",
			row.Number,
			titleWidth, truncate(row.Title, titleWidth),
			phaseCell,
			agentStyle.Render(fmt.Sprintf("%-15s", row.Agent)),
			dimStyle.Render(row.BlockedBy))
	}
	if len(rows) == 0 {
		b.WriteString(dimStyle.Render("no issues in scope"))
		b.WriteString("\n")
	}

	busy := o.Pool.BusyCount()
	idle := o.Pool.ActiveCount() - busy
	fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf(
		"Pool: %d/%d busy | Idle: %d", busy, o.Pool.MaxSessions(), idle)))
	return b.String(), nil
}
