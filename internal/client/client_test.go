package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scholar/internal/clock"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/conn/conntest"
	"github.com/joss/scholar/internal/metrics"
	"github.com/joss/scholar/internal/session"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type fixture struct {
	client  *Client
	dialer  *conntest.Dialer
	clock   *clock.FakeClock
	metrics *metrics.Metrics
	updates atomic.Int64
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		dialer:  &conntest.Dialer{},
		clock:   clock.Fake(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)),
		metrics: metrics.New(),
	}
	opts := Options{
		Endpoint:       "ws://agent.test/ws/query",
		ReconnectDelay: 3 * time.Second,
		QueryTimeout:   time.Minute,
		Dialer:         f.dialer,
		Clock:          f.clock,
		Metrics:        f.metrics,
		OnUpdate:       func(Snapshot) { f.updates.Add(1) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.client = New(opts)
	t.Cleanup(f.client.Stop)
	return f
}

func (f *fixture) eventually(t *testing.T, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.client.Snapshot()) }, wait, tick, msg)
}

func (f *fixture) connect(t *testing.T) *conntest.Conn {
	t.Helper()
	f.client.Start(context.Background())
	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Connected }, "never connected")
	return f.dialer.Last()
}

func TestQueryLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "find papers on X"))
	assert.Equal(t, []string{`{"query":"find papers on X"}`}, c.TextWrites())

	s := f.client.Snapshot()
	assert.True(t, s.IsProcessing)
	assert.True(t, s.QuerySent)
	require.Len(t, s.Transcript, 1)
	assert.Equal(t, session.User, s.Transcript[0].Role)

	c.Push(`{"step": {"query": "searching arxiv", "tool": "search_paper"}, "step_number": 1}`)
	c.Push(`{"result": {"searching arxiv": {"result": "3 papers found"}}, "step_number": 1}`)
	c.Push(`{"status": "done"}`)
	c.CloseWith(websocket.CloseNormalClosure)

	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Disconnected }, "close not observed")
	s = f.client.Snapshot()
	assert.False(t, s.IsProcessing)
	assert.Equal(t, session.Idle, s.Phase)
	require.Len(t, s.Completed, 1)
	assert.Equal(t, "search_paper", s.Completed[0].Tool)
	require.Len(t, s.Transcript, 2)
	assert.Equal(t, "3 papers found", s.Transcript[1].Content)
	assert.Nil(t, s.ConnectionErr)
	assert.Equal(t, 0, f.clock.PendingCount(), "normal close does not reconnect")
	assert.Positive(t, f.updates.Load())
	assert.EqualValues(t, 1, f.metrics.Queries.Load())
	assert.EqualValues(t, 1, f.metrics.Steps.Load())
	assert.EqualValues(t, 1, f.metrics.Results.Load())
}

func TestConnectionLossAbortsQuery(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "find papers on X"))
	c.Push(`{"step": {"query": "searching arxiv", "tool": "search_paper"}, "step_number": 1}`)
	f.eventually(t, func(s Snapshot) bool { return len(s.InProgress) == 1 }, "step not applied")

	c.CloseWith(websocket.CloseAbnormalClosure)

	f.eventually(t, func(s Snapshot) bool { return !s.IsProcessing }, "query not aborted")
	s := f.client.Snapshot()
	assert.Equal(t, conn.Disconnected, s.Connection)
	assert.Error(t, s.ConnectionErr)
	assert.Len(t, s.InProgress, 1, "partial progress stays visible")
	assert.Len(t, s.Transcript, 1)

	f.clock.Advance(3 * time.Second)
	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Connected }, "did not reconnect")
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Nil(t, f.client.Snapshot().ConnectionErr)
	assert.EqualValues(t, 2, f.metrics.Connects.Load())
	assert.EqualValues(t, 1, f.metrics.ConnectionsLost.Load())
	assert.EqualValues(t, 1, f.metrics.QueryAborts.Load())

	require.NoError(t, f.client.Submit(context.Background(), "try again"))
	s = f.client.Snapshot()
	assert.Empty(t, s.InProgress, "new query starts with no steps")
	assert.Len(t, s.Transcript, 2)
}

func TestNormalCloseKeepsQueryInFlight(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "find papers on X"))
	c.CloseWith(websocket.CloseNormalClosure)

	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Disconnected }, "close not observed")
	s := f.client.Snapshot()
	assert.True(t, s.IsProcessing)
	assert.Equal(t, session.Awaiting, s.Phase)
	assert.Nil(t, s.ConnectionErr)
	assert.Equal(t, 1, f.clock.PendingCount(), "only the idle timer is pending")

	f.clock.Advance(time.Minute)
	f.eventually(t, func(s Snapshot) bool { return !s.IsProcessing }, "query did not time out")
	s = f.client.Snapshot()
	assert.Equal(t, session.Idle, s.Phase)
	assert.Equal(t, "Error: no response from agent within 1m0s", s.Transcript[len(s.Transcript)-1].Content)
	assert.EqualValues(t, 0, f.metrics.QueryAborts.Load())
	assert.EqualValues(t, 1, f.metrics.QueryTimeouts.Load())
}

func TestQueuedLossDoesNotAbortQueryOnNewConnection(t *testing.T) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	f := newFixture(t, func(o *Options) {
		o.OnUpdate = func(Snapshot) { <-gate }
	})
	t.Cleanup(release)

	// The loop parks in its first publish; every transition below
	// queues up behind it.
	f.client.Start(context.Background())
	old := f.dialer.Last()
	require.NotNil(t, old)
	old.CloseWith(websocket.CloseAbnormalClosure)
	require.Eventually(t, func() bool { return f.clock.PendingCount() == 1 }, wait, tick, "reconnect not scheduled")
	f.clock.Advance(3 * time.Second)
	require.Equal(t, 2, f.dialer.Dials())
	fresh := f.dialer.Last()

	errc := make(chan error, 1)
	go func() { errc <- f.client.Submit(context.Background(), "fresh") }()
	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("submit did not return")
	}
	assert.Empty(t, old.TextWrites())
	assert.Equal(t, []string{`{"query":"fresh"}`}, fresh.TextWrites())

	fresh.Push(`{"step": {"query": "searching arxiv", "tool": "search_paper"}, "step_number": 1}`)
	f.eventually(t, func(s Snapshot) bool { return len(s.InProgress) == 1 }, "step not applied")
	s := f.client.Snapshot()
	assert.True(t, s.IsProcessing)
	assert.Equal(t, session.Awaiting, s.Phase)
	assert.Equal(t, conn.Connected, s.Connection)
	require.Len(t, s.Transcript, 1)
	assert.Equal(t, "fresh", s.Transcript[0].Content)
	assert.EqualValues(t, 0, f.metrics.QueryAborts.Load())
}

func TestPanicInUpdateIsCounted(t *testing.T) {
	var panicked atomic.Bool
	f := newFixture(t, func(o *Options) {
		o.OnUpdate = func(Snapshot) {
			if panicked.CompareAndSwap(false, true) {
				panic("render failed")
			}
		}
	})
	f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "q"))
	assert.EqualValues(t, 1, f.metrics.Panics.Load())
}

func TestSubmitWhileDisconnectedReconnects(t *testing.T) {
	f := newFixture(t)
	f.dialer.FailNext(nil)
	f.client.Start(context.Background())
	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Failed }, "dial failure not observed")

	err := f.client.Submit(context.Background(), "find papers on X")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.client.Snapshot().Transcript)

	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Connected }, "submit did not trigger reconnect")
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, 0, f.clock.PendingCount(), "manual connect cancels the scheduled one")
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	assert.ErrorIs(t, f.client.Submit(context.Background(), "  "), ErrEmptyQuery)
	require.NoError(t, f.client.Submit(context.Background(), "first"))
	assert.ErrorIs(t, f.client.Submit(context.Background(), "second"), ErrQueryInFlight)

	s := f.client.Snapshot()
	require.Len(t, s.Transcript, 1)
	assert.Equal(t, "first", s.Query)
}

func TestQueryTimeoutRearmsOnEvents(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "slow question"))
	f.clock.Advance(40 * time.Second)

	c.Push(`{"step": {"query": "thinking"}, "step_number": 1}`)
	f.eventually(t, func(s Snapshot) bool { return len(s.InProgress) == 1 }, "step not applied")

	// 80s since submit but only 40s since the last event.
	f.clock.Advance(40 * time.Second)
	assert.ErrorIs(t, f.client.Submit(context.Background(), "other"), ErrQueryInFlight)

	f.clock.Advance(20 * time.Second)
	f.eventually(t, func(s Snapshot) bool { return !s.IsProcessing }, "query did not time out")

	s := f.client.Snapshot()
	assert.Equal(t, session.Idle, s.Phase)
	assert.Equal(t, "Error: no response from agent within 1m0s", s.Transcript[len(s.Transcript)-1].Content)
	assert.Equal(t, conn.Connected, s.Connection, "timeout leaves the connection alone")
	assert.EqualValues(t, 1, f.metrics.QueryTimeouts.Load())
	assert.EqualValues(t, 100*time.Second/time.Millisecond, f.metrics.LastQueryDurationMs.Load())
}

func TestQueryTimeoutDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.QueryTimeout = 0 })
	f.connect(t)

	require.NoError(t, f.client.Submit(context.Background(), "q"))
	assert.Equal(t, 0, f.clock.PendingCount())
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)
	require.NoError(t, f.client.Submit(context.Background(), "q"))

	f.client.Stop()

	select {
	case <-f.client.Done():
	case <-time.After(wait):
		t.Fatal("client goroutine did not exit")
	}
	s := f.client.Snapshot()
	assert.Equal(t, conn.Disconnected, s.Connection)
	assert.False(t, s.IsProcessing)
	assert.True(t, c.Closed())
	assert.ErrorIs(t, f.client.Submit(context.Background(), "q"), ErrStopped)
	assert.Equal(t, 0, f.clock.PendingCount())
}

func TestContextCancelStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.client.Start(ctx)
	f.eventually(t, func(s Snapshot) bool { return s.Connection == conn.Connected }, "never connected")

	cancel()

	select {
	case <-f.client.Done():
	case <-time.After(wait):
		t.Fatal("client goroutine did not exit")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.client.Submit(context.Background(), "q"), ErrStopped)
}
