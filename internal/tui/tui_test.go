package tui

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scholar/internal/client"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/session"
)

type fakeClient struct {
	submitted  []string
	err        error
	reconnects int
}

func (f *fakeClient) Submit(_ context.Context, query string) error {
	f.submitted = append(f.submitted, query)
	return f.err
}

func (f *fakeClient) Reconnect() bool {
	f.reconnects++
	return true
}

func (f *fakeClient) Snapshot() client.Snapshot { return client.Snapshot{} }

func sized(t *testing.T, c Client) Model {
	t.Helper()
	m, _ := New(c).Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m.(Model)
}

func typeText(m Model, s string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(Model)
}

// press sends a key and runs the resulting command when it is a
// submission, feeding its result back into the model.
func press(t *testing.T, m Model, key tea.KeyType) Model {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: key})
	m = next.(Model)
	if cmd == nil {
		return m
	}
	if res, ok := cmd().(submitResultMsg); ok {
		next, _ = m.Update(res)
		m = next.(Model)
	}
	return m
}

func TestEnterSubmitsQuery(t *testing.T) {
	fc := &fakeClient{}
	m := typeText(sized(t, fc), "find papers on X")

	m = press(t, m, tea.KeyEnter)

	assert.Equal(t, []string{"find papers on X"}, fc.submitted)
	assert.Empty(t, m.input.Value())
	assert.Empty(t, m.notice)
}

func TestEnterSubmitsQueryAsTyped(t *testing.T) {
	fc := &fakeClient{}
	m := typeText(sized(t, fc), " find papers on X ")

	press(t, m, tea.KeyEnter)

	assert.Equal(t, []string{" find papers on X "}, fc.submitted)
}

func TestBlankEnterIsIgnored(t *testing.T) {
	fc := &fakeClient{}
	m := typeText(sized(t, fc), "   ")

	press(t, m, tea.KeyEnter)

	assert.Empty(t, fc.submitted)
}

func TestQueryInFlightRestoresInput(t *testing.T) {
	fc := &fakeClient{err: client.ErrQueryInFlight}
	m := typeText(sized(t, fc), "second question")

	m = press(t, m, tea.KeyEnter)

	assert.Equal(t, "second question", m.input.Value())
	assert.Contains(t, m.notice, "current query")
}

func TestDisconnectedQueryIsSentOnReconnect(t *testing.T) {
	fc := &fakeClient{err: client.ErrNotConnected}
	m := typeText(sized(t, fc), "find papers on X")

	m = press(t, m, tea.KeyEnter)
	require.Equal(t, "find papers on X", m.pending)

	fc.err = nil
	next, cmd := m.Update(snapshotMsg(client.Snapshot{Connection: conn.Connected}))
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Empty(t, m.pending)

	// The batch holds the resubmission; run it through a fresh update.
	msg := submit(fc, "find papers on X")()
	_, _ = m.Update(msg)
	assert.Equal(t, []string{"find papers on X", "find papers on X"}, fc.submitted)
}

func TestCtrlRReconnects(t *testing.T) {
	fc := &fakeClient{}
	m := press(t, sized(t, fc), tea.KeyCtrlR)

	assert.Equal(t, 1, fc.reconnects)
	assert.Equal(t, "Reconnecting...", m.notice)
}

func TestViewShowsStepsAndBanner(t *testing.T) {
	m := sized(t, &fakeClient{})
	snap := client.Snapshot{
		Snapshot: session.Snapshot{
			IsProcessing: true,
			InProgress:   []session.Step{{Number: 2, Tool: "load_pdf", Status: session.Processing}},
			Completed:    []session.Step{{Number: 1, Tool: "search_paper", Status: session.Completed}},
			Transcript:   []session.Message{{Role: session.User, Content: "find papers on X"}},
		},
		Connection: conn.Connecting,
	}

	next, _ := m.Update(snapshotMsg(snap))
	view := next.(Model).View()

	assert.Contains(t, view, "1/2 completed")
	assert.Contains(t, view, "Search Paper")
	assert.Contains(t, view, "Connecting...")
	assert.Contains(t, view, "Researching...")
}

func TestQuit(t *testing.T) {
	m := sized(t, &fakeClient{})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})

	require.NotNil(t, cmd)
	assert.True(t, next.(Model).quitting)
	assert.Equal(t, "Goodbye!\n", next.(Model).View())
}
