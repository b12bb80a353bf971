package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/joss/scholar/internal/conn"
)

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if !m.ready {
		return fmt.Sprintf("\n  %s Loading...", m.spinner.View())
	}

	var b strings.Builder

	header := titleStyle.Render("Scholar") + "  " + infoStyle.Render(m.statusLine())
	if banner := m.renderer.Banner(m.snap.Connection, m.snap.ConnectionErr, "ctrl+r to retry"); banner != "" {
		header += "  " + banner
	}
	b.WriteString(header + "\n\n")

	b.WriteString(boxStyle.Width(m.width - 2).Render(m.viewport.View()))
	b.WriteString("\n")

	switch {
	case m.snap.IsProcessing:
		b.WriteString(fmt.Sprintf("  %s Researching...\n", m.spinner.View()))
	case m.notice != "":
		b.WriteString(errorStyle.Render("  "+m.notice) + "\n")
	default:
		b.WriteString("\n")
	}

	b.WriteString(focusedInputStyle.Width(m.width - 2).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Width(m.width).Render("enter: send │ ctrl+r: reconnect │ pgup/pgdown: scroll │ esc: quit"))

	return b.String()
}

func (m Model) statusLine() string {
	if m.snap.Connection == conn.Connected {
		return "● connected"
	}
	return "○ " + m.snap.Connection.String()
}

// renderConversation is the transcript followed by the steps of the
// current query.
func (m Model) renderConversation() string {
	var b strings.Builder
	for _, msg := range m.snap.Transcript {
		b.WriteString(m.renderer.Message(msg))
		b.WriteString("\n")
	}
	if steps := m.renderer.Steps(m.snap.InProgress, m.snap.Completed); steps != "" {
		b.WriteString(steps)
	}
	if b.Len() == 0 {
		return infoStyle.Render("Ask the research agent a question to get started.")
	}
	width := m.viewport.Width
	if width <= 0 {
		return b.String()
	}
	return lipgloss.NewStyle().Width(width).Render(strings.TrimRight(b.String(), "\n"))
}
