// Package tui provides the interactive terminal front end using Bubble Tea.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joss/scholar/internal/client"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/render"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	focusedInputStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("205")).
				Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)
)

// Client is the part of client.Client the model drives.
type Client interface {
	Submit(ctx context.Context, query string) error
	Reconnect() bool
	Snapshot() client.Snapshot
}

// Message types
type snapshotMsg client.Snapshot

type submitResultMsg struct {
	query string
	err   error
}

// Model is the Bubble Tea model of the research client.
type Model struct {
	client   Client
	renderer *render.Renderer
	snap     client.Snapshot

	// pending is a query typed while disconnected; it is sent once the
	// connection comes back.
	pending string
	notice  string

	ready    bool
	quitting bool
	width    int
	height   int

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
}

// New creates the model for c.
func New(c Client) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textinput.New()
	ti.Placeholder = "Ask about papers, authors, topics..."
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		client:   c,
		renderer: render.New(true),
		snap:     c.Snapshot(),
		input:    ti,
		spinner:  s,
	}
}

// Init starts the spinner and the cursor blink.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "ctrl+r":
			if m.client.Reconnect() {
				m.notice = "Reconnecting..."
			}
			return m, nil
		case "enter":
			query := m.input.Value()
			if strings.TrimSpace(query) == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.notice = ""
			return m, submit(m.client, query)
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		headerHeight := 3
		footerHeight := 5
		m.viewport = viewport.New(max(msg.Width-4, 10), max(msg.Height-headerHeight-footerHeight, 3))
		m.input.Width = max(msg.Width-8, 10)
		m.refresh()

	case snapshotMsg:
		m.snap = client.Snapshot(msg)
		m.refresh()
		if m.pending != "" && m.snap.Connection == conn.Connected && !m.snap.IsProcessing {
			query := m.pending
			m.pending = ""
			cmds = append(cmds, submit(m.client, query))
		}

	case submitResultMsg:
		switch {
		case msg.err == nil:
		case errors.Is(msg.err, client.ErrNotConnected):
			m.pending = msg.query
			m.notice = "Not connected; the query will be sent once the agent is back."
		case errors.Is(msg.err, client.ErrQueryInFlight):
			m.input.SetValue(msg.query)
			m.notice = "Wait for the current query to finish."
		default:
			m.input.SetValue(msg.query)
			m.notice = msg.err.Error()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// refresh re-renders the conversation into the viewport and keeps the
// newest output in view.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderConversation())
	m.viewport.GotoBottom()
}

func submit(c Client, query string) tea.Cmd {
	return func() tea.Msg {
		return submitResultMsg{query: query, err: c.Submit(context.Background(), query)}
	}
}

// Run starts the TUI against a client built from opts and blocks until
// the user quits or ctx ends.
func Run(ctx context.Context, opts client.Options) error {
	var p *tea.Program
	opts.OnUpdate = func(s client.Snapshot) { p.Send(snapshotMsg(s)) }

	c := client.New(opts)
	p = tea.NewProgram(New(c), tea.WithAltScreen(), tea.WithContext(ctx))

	c.Start(ctx)
	defer c.Stop()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
