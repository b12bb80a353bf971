// Package client runs the research agent client: it owns the
// connection manager and the reconciler, applies every notice on a
// single goroutine, and publishes immutable snapshots to the front end.
package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/joss/scholar/internal/clock"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/logging"
	"github.com/joss/scholar/internal/metrics"
	"github.com/joss/scholar/internal/protocol"
	"github.com/joss/scholar/internal/session"
)

// Submit rejections, re-exported so front ends only import client.
var (
	ErrEmptyQuery    = session.ErrEmptyQuery
	ErrQueryInFlight = session.ErrQueryInFlight
	ErrNotConnected  = session.ErrNotConnected
	ErrStopped       = errors.New("client stopped")
)

// Options configures a Client.
type Options struct {
	Endpoint         string
	ReconnectDelay   time.Duration
	ReconnectOnClose bool

	// QueryTimeout ends a query that receives no event for this long.
	// Zero disables it.
	QueryTimeout time.Duration

	Dialer conn.Dialer
	Clock  clock.Clock

	// Metrics receives counters; nil uses metrics.Global().
	Metrics *metrics.Metrics

	// OnUpdate is called from the client goroutine after every change.
	// It must not block for long.
	OnUpdate func(Snapshot)
}

// Snapshot is the read model handed to front ends.
type Snapshot struct {
	session.Snapshot

	Connection conn.State

	// ConnectionErr is the failure behind the last abnormal transition,
	// nil once connected again.
	ConnectionErr error
}

type submitRequest struct {
	query string
	reply chan error
}

// Client is the agent client. Create it with New and run it with Start.
type Client struct {
	opts     Options
	mgr      *conn.Manager
	rec      *session.Reconciler
	log      *logging.Logger
	recovery *logging.RecoveryHandler

	submits  chan submitRequest
	expiries chan uint64
	done     chan struct{}
	started  atomic.Bool
	snap     atomic.Pointer[Snapshot]

	// owned by the run goroutine
	state    conn.State
	connErr  error
	idle     *clock.Timer
	idleSeq  uint64
	queryGen uint64
}

// New creates a stopped client.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Global()
	}
	c := &Client{
		opts: opts,
		mgr: conn.NewManager(conn.Options{
			Endpoint:         opts.Endpoint,
			ReconnectDelay:   opts.ReconnectDelay,
			ReconnectOnClose: opts.ReconnectOnClose,
			Dialer:           opts.Dialer,
			Clock:            opts.Clock,
		}),
		rec:      session.New(opts.Clock),
		log:      logging.New("client"),
		recovery: logging.NewRecoveryHandler("client"),
		submits:  make(chan submitRequest),
		expiries: make(chan uint64),
		done:     make(chan struct{}),
	}
	c.recovery.OnPanic = func(interface{}, string) { opts.Metrics.Panics.Add(1) }
	c.snap.Store(&Snapshot{Snapshot: c.rec.Snapshot()})
	return c
}

// Start runs the client goroutine and dials the agent. A failed first
// dial is logged, not returned: the manager keeps retrying and the
// snapshot reports the connection state. The client stops when ctx
// ends.
func (c *Client) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	logging.SafeGo("client-loop", c.run)
	if err := c.mgr.Start(ctx); err != nil && !errors.Is(err, conn.ErrSuperseded) {
		c.log.Warn("initial_connect_failed", nil, err)
	}
}

// Stop closes the connection and ends the client goroutine.
func (c *Client) Stop() {
	c.mgr.Stop()
	if c.started.Load() {
		<-c.done
	}
}

// Done is closed once the client goroutine has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Reconnect asks for a manual reconnect.
func (c *Client) Reconnect() bool { return c.mgr.Reconnect() }

// Snapshot returns the latest published state.
func (c *Client) Snapshot() Snapshot { return *c.snap.Load() }

// Submit sends query to the agent. It fails without changing anything
// when the query is blank, a query is in flight, or the connection is
// down; the last case also starts a reconnect.
func (c *Client) Submit(ctx context.Context, query string) error {
	if !c.started.Load() {
		return ErrStopped
	}
	req := submitRequest{query: query, reply: make(chan error, 1)}
	select {
	case c.submits <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.stopIdle()

	for {
		select {
		case n := <-c.mgr.Notices():
			c.step(func() { c.handleNotice(n) })
		case req := <-c.submits:
			var err error
			c.step(func() { err = c.handleSubmit(req.query) })
			req.reply <- err
		case seq := <-c.expiries:
			c.step(func() { c.handleExpiry(seq) })
		case <-c.mgr.Done():
			c.drain()
			c.state = conn.Disconnected
			c.rec.Abort()
			c.publish()
			c.log.Info("client_stopped", nil)
			return
		}
	}
}

// step runs one handler; a panic in it is logged and the loop goes on.
func (c *Client) step(fn func()) {
	c.recovery.Wrap(fn)
}

// drain applies notices already buffered when the manager stopped.
func (c *Client) drain() {
	for {
		select {
		case n := <-c.mgr.Notices():
			c.step(func() { c.handleNotice(n) })
		default:
			return
		}
	}
}

func (c *Client) handleNotice(n conn.Notice) {
	switch n := n.(type) {
	case conn.StateChanged:
		c.countTransition(n)
		c.state = n.State
		if n.State == conn.Connected {
			c.connErr = nil
		} else if n.Abnormal {
			c.connErr = n.Err
		}
		// A loss reported for an older connection than the one the query
		// went out on says nothing about the query.
		lost := n.State == conn.Failed || (n.State == conn.Disconnected && n.Abnormal)
		if lost && n.Gen >= c.queryGen {
			if c.rec.Abort() {
				c.stopIdle()
				c.queryEnded("aborted")
				c.log.Warn("query_aborted", map[string]interface{}{"state": n.State.String()}, n.Err)
			}
		}
		c.publish()

	case conn.Inbound:
		c.countEvent(n.Event)
		awaiting := c.rec.Phase() == session.Awaiting
		changed := c.rec.Apply(n.Event)
		// Any push, even one we drop, shows the agent is alive.
		if c.rec.Phase() == session.Awaiting {
			c.armIdle()
		} else {
			c.stopIdle()
			if awaiting {
				c.queryEnded(n.Event.Kind().String())
			}
		}
		if changed {
			c.publish()
		}
	}
}

func (c *Client) handleSubmit(query string) error {
	// Transitions queued ahead of the request are applied first so the
	// query is judged against the connection state the loop has seen.
	c.drain()
	sess, err := c.rec.Submit(query, c.state == conn.Connected)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			c.mgr.Reconnect()
		}
		return err
	}
	c.publish()

	gen, err := c.mgr.SendQuery(sess.Query)
	if err != nil {
		c.rec.Abort()
		c.queryEnded("aborted")
		c.mgr.Reconnect()
		c.publish()
		c.log.Warn("query_send_failed", map[string]interface{}{"session": sess.ID}, err)
		return err
	}
	c.queryGen = gen
	c.rec.MarkSent()
	c.opts.Metrics.Queries.Add(1)
	c.armIdle()
	c.publish()
	return nil
}

func (c *Client) handleExpiry(seq uint64) {
	if seq != c.idleSeq {
		return
	}
	c.idle = nil
	id := c.rec.Session().ID
	if !c.rec.Expire(id, c.opts.QueryTimeout) {
		return
	}
	c.queryEnded("timeout")
	c.log.Warn("query_timed_out", map[string]interface{}{
		"session": id,
		"timeout": c.opts.QueryTimeout.String(),
	}, nil)
	c.publish()
}

// armIdle restarts the no-event timer of the current query. A timer
// that already fired but was overtaken carries an old sequence number
// and is ignored.
func (c *Client) armIdle() {
	c.stopIdle()
	if c.opts.QueryTimeout <= 0 {
		return
	}
	seq := c.idleSeq
	c.idle = c.opts.Clock.AfterFunc(c.opts.QueryTimeout, func() {
		select {
		case c.expiries <- seq:
		case <-c.done:
		}
	})
}

func (c *Client) stopIdle() {
	c.idle.Stop()
	c.idle = nil
	c.idleSeq++
}

func (c *Client) publish() {
	s := &Snapshot{
		Snapshot:      c.rec.Snapshot(),
		Connection:    c.state,
		ConnectionErr: c.connErr,
	}
	c.snap.Store(s)
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(*s)
	}
}

func (c *Client) countTransition(n conn.StateChanged) {
	m := c.opts.Metrics
	switch {
	case n.State == conn.Connected:
		m.RecordConnect(true)
	case n.Previous == conn.Connecting && n.State == conn.Failed:
		m.RecordConnect(false)
	case n.Previous == conn.Connected && n.Abnormal:
		m.ConnectionsLost.Add(1)
	}
}

func (c *Client) countEvent(ev protocol.Event) {
	m := c.opts.Metrics
	switch ev.Kind() {
	case protocol.KindStep:
		m.Steps.Add(1)
	case protocol.KindResult:
		m.Results.Add(1)
	case protocol.KindError:
		m.AgentErrors.Add(1)
	case protocol.KindUnrecognized:
		m.Dropped.Add(1)
	}
}

func (c *Client) queryEnded(reason string) {
	c.opts.Metrics.RecordQueryEnd(reason, c.opts.Clock.Now().Sub(c.rec.Session().StartedAt))
}
