package render

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/session"
)

// Renderer formats transcript messages, steps and the connection
// banner. Plain mode drops color and glyphs.
type Renderer struct {
	pretty bool
}

// New creates a new renderer.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

// StatusText is the label shown for a step status.
func StatusText(s session.Status) string {
	switch s {
	case session.Processing:
		return "Processing..."
	case session.Completed:
		return "Completed"
	default:
		return "Pending"
	}
}

// Message formats one transcript entry.
func (r *Renderer) Message(m session.Message) string {
	var sb strings.Builder
	ts := m.Timestamp.Local().Format("15:04")

	who := "You"
	if m.Role == session.Agent {
		who = "Agent"
	}

	if r.pretty {
		label := color.CyanString(who)
		if m.Role == session.Agent {
			label = color.GreenString(who)
		}
		fmt.Fprintf(&sb, "%s %s\n", label, color.HiBlackString(ts))
		content := m.Content
		if strings.HasPrefix(content, "Error: ") {
			content = color.RedString(content)
		}
		sb.WriteString(indent(content, "  "))
	} else {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", ts, who, m.Content)
	}

	if len(m.Sources) > 0 {
		sb.WriteString("  Sources:\n")
		for _, s := range m.Sources {
			fmt.Fprintf(&sb, "    - %s (%d)\n", s.Title, s.Count)
		}
	}
	if m.HasChart {
		sb.WriteString("  [chart]\n")
	}
	return sb.String()
}

// Step formats one step: icon, number, tool label, status and the
// action text underneath.
func (r *Renderer) Step(s session.Step) string {
	var sb strings.Builder
	label := ToolLabel(s.Tool)
	status := StatusText(s.Status)

	if r.pretty {
		glyph := ToolIcon(s.Tool).Glyph()
		switch s.Status {
		case session.Completed:
			status = color.GreenString("✓ " + status)
		case session.Processing:
			status = color.YellowString(status)
		default:
			status = color.HiBlackString(status)
		}
		fmt.Fprintf(&sb, "%s %s %s  %s\n", glyph, color.HiBlackString(fmt.Sprintf("#%d", s.Number)), color.New(color.Bold).Sprint(label), status)
	} else {
		fmt.Fprintf(&sb, "#%d %s [%s]\n", s.Number, label, status)
	}

	action := s.ActionText
	if action == "" {
		action = "Processing..."
	}
	fmt.Fprintf(&sb, "    %s\n", Truncate(action, 120))
	if len(s.Parameters) > 0 && string(s.Parameters) != "null" {
		fmt.Fprintf(&sb, "    %s\n", Truncate(string(s.Parameters), 120))
	}
	return sb.String()
}

// Steps formats the progress header followed by in-progress steps and
// then completed ones.
func (r *Renderer) Steps(inProgress, completed []session.Step) string {
	total := len(inProgress) + len(completed)
	if total == 0 {
		return ""
	}

	var sb strings.Builder
	header := fmt.Sprintf("%d/%d completed", len(completed), total)
	if r.pretty {
		sb.WriteString(color.CyanString("Research steps") + "  " + color.HiBlackString(header) + "\n")
		sb.WriteString(strings.Repeat("─", 40) + "\n")
	} else {
		sb.WriteString(header + "\n")
	}
	for _, s := range inProgress {
		sb.WriteString(r.Step(s))
	}
	for _, s := range completed {
		sb.WriteString(r.Step(s))
	}
	return sb.String()
}

// Banner describes a connection that is not up. It is empty while
// connected. hint is appended to the error banner when set.
func (r *Renderer) Banner(state conn.State, err error, hint string) string {
	var text string
	switch {
	case state == conn.Connected:
		return ""
	case state == conn.Connecting:
		text = "Connecting..."
		if r.pretty {
			text = color.YellowString(text)
		}
		return text
	case state == conn.Failed || err != nil:
		text = "Connection Error"
		if err != nil {
			text += ": " + err.Error()
		}
		if r.pretty {
			text = color.RedString(text)
		}
	default:
		text = "Disconnected"
		if r.pretty {
			text = color.HiBlackString(text)
		}
	}
	if hint != "" {
		text += " (" + hint + ")"
	}
	return text
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}
