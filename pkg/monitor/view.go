package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor = lipgloss.Color("205")
	MutedColor   = lipgloss.Color("240")
	ErrorColor   = lipgloss.Color("196")
	SuccessColor = lipgloss.Color("42")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	mutedStyle = lipgloss.NewStyle().Foreground(MutedColor)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			Underline(true).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().Foreground(ErrorColor)
	okStyle    = lipgloss.NewStyle().Foreground(SuccessColor)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	return s
}

// View renders the dashboard
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	if m.snapshot == nil {
		return titleStyle.Render("relaytop") + mutedStyle.Render("  waiting for first snapshot...")
	}
	snap := m.snapshot
	online := 0
	for _, i := range snap.Identities {
		if i.Presence != "offline" {
			online++
		}
	}
	stats := fmt.Sprintf("  up %s  sessions %d  channels %d  online %d",
		formatUptime(snap.UptimeSeconds), len(snap.Sessions), len(snap.Channels), online)
	return titleStyle.Render(snap.Name) + mutedStyle.Render(stats)
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(viewNames))
	for i, name := range viewNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if View(i) == m.currentView {
			tabs[i] = activeTabStyle.Render(label)
		} else {
			tabs[i] = tabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) renderFooter() string {
	help := mutedStyle.Render("tab/1-3 switch view  ↑/↓ scroll  r refresh  q quit")
	if m.err != nil {
		return errorStyle.Render("fetch failed: "+m.err.Error()) + "\n" + help
	}
	if !m.fetched.IsZero() {
		return okStyle.Render("updated "+m.fetched.Format("15:04:05")) + "\n" + help
	}
	return "\n" + help
}
