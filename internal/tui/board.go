// Package tui renders a live routing board: pool occupancy, recent routed
// tasks, and WIP warnings, fed by the bus and a periodic store snapshot.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/crewplane/internal/persistence"
)

// Snapshot is the board's periodic view of the store.
type Snapshot struct {
	DBOK   bool
	Pools  []persistence.Pool
	Recent []persistence.TaskRecord
	Uptime time.Duration
}

// SnapshotProvider is polled once per tick.
type SnapshotProvider func() Snapshot

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	fullStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider SnapshotProvider
	feed     *Feed
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("Crewplane Board") + "\n\n")

	db := "ok"
	if !m.snap.DBOK {
		db = fullStyle.Render("DOWN")
	}
	out.WriteString(dimStyle.Render(fmt.Sprintf("store: %s   uptime: %s", db, m.snap.Uptime.Truncate(time.Second))) + "\n\n")

	out.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %-18s %4s %9s", "POOL", "ROLE", "PRIO", "OCCUPANCY")) + "\n")
	for _, p := range m.snap.Pools {
		line := fmt.Sprintf("%-16s %-18s %4d %5d/%-3d", p.Name, p.RoleType, p.Priority, p.CurrentAgentCount, p.MaxAgents)
		style := okStyle
		if !p.IsActive {
			style = dimStyle
			line += " (inactive)"
		} else if p.CurrentAgentCount >= p.MaxAgents {
			style = fullStyle
			line += " FULL"
		}
		out.WriteString(style.Render(line) + "\n")
	}
	if len(m.snap.Pools) == 0 {
		out.WriteString(dimStyle.Render("(no pools registered)") + "\n")
	}

	out.WriteString("\n" + headerStyle.Render("RECENT TASKS") + "\n")
	for _, tr := range m.snap.Recent {
		out.WriteString(okStyle.Render(fmt.Sprintf("%-10s %-18s %-12s %s",
			shorten(tr.Task.TaskID, 10), tr.Task.TaskType, tr.Status, tr.BoardColumn)) + "\n")
	}
	if len(m.snap.Recent) == 0 {
		out.WriteString(dimStyle.Render("(none)") + "\n")
	}

	if items := m.feed.Items(); len(items) > 0 {
		out.WriteString("\n" + headerStyle.Render("ACTIVITY") + "\n")
		for _, it := range items {
			style := okStyle
			if it.Warning {
				style = warnStyle
			}
			out.WriteString(style.Render(fmt.Sprintf("%s %s %s",
				it.At.Format("15:04:05"), it.Icon, it.Message)) + "\n")
		}
	}

	out.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return out.String()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Run blocks until the context is cancelled or the user quits.
func Run(ctx context.Context, provider SnapshotProvider, feed *Feed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
