package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joss/scholar/internal/clock"
	"github.com/joss/scholar/internal/logging"
	"github.com/joss/scholar/internal/protocol"
)

const noticeBuffer = 256

// Conn is the part of a websocket connection the manager uses.
// *websocket.Conn satisfies it through WebsocketDialer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Options configures a Manager.
type Options struct {
	Endpoint string

	// ReconnectDelay is the wait before the automatic reconnect.
	ReconnectDelay time.Duration

	// ReconnectOnClose also reconnects after a normal close from the peer.
	ReconnectOnClose bool

	Dialer Dialer
	Clock  clock.Clock
}

// Manager owns one websocket to the agent.
//
// Every failure (dial error, read error, abnormal close) schedules
// exactly one reconnect after ReconnectDelay; a manual Connect cancels
// a pending one. A normal close from the peer does not reconnect
// unless ReconnectOnClose is set. Stop closes with the normal code and
// disables reconnects for good.
type Manager struct {
	opts     Options
	decoder  *protocol.Decoder
	log      *logging.Logger
	recovery *logging.RecoveryHandler

	notices chan Notice
	done    chan struct{}

	// transMu serializes state transitions together with the emission
	// of their notice so notices arrive in transition order. The
	// consumer never takes it.
	transMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	state    State
	conn     Conn
	gen      uint64
	timer    *clock.Timer
	timerSeq uint64
	stopped  bool

	writeMu sync.Mutex
}

// NewManager creates a Manager in the Disconnected state. Nothing is
// dialed until Start or Connect.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	return &Manager{
		opts:     opts,
		decoder:  protocol.NewDecoder(),
		log:      logging.New("conn").With("endpoint", opts.Endpoint),
		recovery: logging.NewRecoveryHandler("conn"),
		notices:  make(chan Notice, noticeBuffer),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
}

// Notices returns the channel the consumer reads. It is never closed;
// select on Done as well.
func (m *Manager) Notices() <-chan Notice { return m.notices }

// Done is closed by Stop.
func (m *Manager) Done() <-chan struct{} { return m.done }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start records ctx for automatic reconnects, stops the manager when
// ctx ends, and performs the first Connect. A dial error is returned
// but the manager keeps retrying.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.done:
		}
	}()

	return m.Connect(ctx)
}

// Connect opens a new connection, replacing any existing one, and
// cancels a pending reconnect. It blocks until the dial completes.
func (m *Manager) Connect(ctx context.Context) error {
	m.transMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.transMu.Unlock()
		return ErrStopped
	}
	m.cancelReconnectLocked()
	m.gen++
	gen := m.gen
	stale := m.conn
	m.conn = nil
	n := m.setStateLocked(Connecting, false, 0, nil)
	m.mu.Unlock()
	m.emit(n)
	m.transMu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	start := time.Now()
	// A panicking dialer counts as a failed dial so the retry schedule
	// keeps running.
	var c Conn
	err := m.recovery.WrapError(func() error {
		var derr error
		c, derr = m.opts.Dialer.Dial(ctx, m.opts.Endpoint)
		return derr
	})

	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.mu.Lock()
	if m.stopped || m.gen != gen {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		n := m.setStateLocked(Failed, true, 0, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.log.Warn("dial_failed", nil, err)
		m.emit(n)
		return fmt.Errorf("dial %s: %w", m.opts.Endpoint, err)
	}
	m.conn = c
	n = m.setStateLocked(Connected, false, 0, nil)
	m.mu.Unlock()

	m.log.TimedEvent("connected", start, nil)
	m.emit(n)
	logging.SafeGo("conn-reader", func() { m.readLoop(c, gen) })
	return nil
}

// Reconnect starts a background Connect unless a connection is already
// Connecting or Connected. It reports whether a connect was started.
func (m *Manager) Reconnect() bool {
	m.mu.Lock()
	busy := m.stopped || m.state == Connecting || m.state == Connected
	ctx := m.ctx
	m.mu.Unlock()
	if busy {
		return false
	}
	logging.SafeGo("conn-reconnect", func() { _ = m.Connect(ctx) })
	return true
}

// Send transmits a query request. It does not wait for delivery.
func (m *Manager) Send(query string) error {
	_, err := m.SendQuery(query)
	return err
}

// SendQuery is Send that also returns the generation of the connection
// the query went out on, comparable with StateChanged.Gen.
func (m *Manager) SendQuery(query string) (uint64, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0, ErrStopped
	}
	c, gen := m.conn, m.gen
	if m.state != Connected || c == nil {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	m.mu.Unlock()

	payload, err := protocol.QueryRequest{Query: query}.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode query: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		return 0, fmt.Errorf("send query: %w", err)
	}
	m.log.Debug("query_sent", map[string]interface{}{"bytes": len(payload), "gen": gen})
	return gen, nil
}

// Stop closes the connection with a normal close frame and cancels any
// pending reconnect. Later calls fail with ErrStopped and no further
// notices are delivered.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelReconnectLocked()
	m.gen++
	c := m.conn
	m.conn = nil
	m.state = Disconnected
	close(m.done)
	m.mu.Unlock()

	if c != nil {
		m.writeMu.Lock()
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = c.Close()
	}
	m.log.Info("stopped", nil)
}

func (m *Manager) readLoop(c Conn, gen uint64) {
	for {
		mt, payload, err := c.ReadMessage()
		if err != nil {
			m.handleReadError(c, gen, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ev := m.decoder.Decode(payload)
		if !m.current(gen) {
			return
		}
		m.emit(Inbound{Event: ev})
	}
}

func (m *Manager) handleReadError(c Conn, gen uint64, err error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.mu.Lock()
	if m.stopped || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	var n StateChanged
	code := closeCode(err)
	switch {
	case code == websocket.CloseNormalClosure:
		n = m.setStateLocked(Disconnected, false, code, nil)
		if m.opts.ReconnectOnClose {
			m.scheduleReconnectLocked()
		}
	case code != 0:
		n = m.setStateLocked(Disconnected, true, code, err)
		m.scheduleReconnectLocked()
	default:
		n = m.setStateLocked(Failed, true, 0, err)
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	_ = c.Close()
	if n.Abnormal {
		m.log.Warn("connection_lost", map[string]interface{}{"code": code}, err)
	} else {
		m.log.Info("connection_closed", map[string]interface{}{"code": code})
	}
	m.emit(n)
}

// scheduleReconnectLocked arms the single reconnect timer. A pending
// timer is left alone.
func (m *Manager) scheduleReconnectLocked() {
	if m.stopped || m.timer != nil {
		return
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.opts.Clock.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		if m.timer == nil || m.timerSeq != seq || m.stopped {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		ctx := m.ctx
		m.mu.Unlock()

		m.log.Info("reconnecting", nil)
		_ = m.Connect(ctx)
	})
	m.log.Info("reconnect_scheduled", map[string]interface{}{"delay": m.opts.ReconnectDelay.String()})
}

func (m *Manager) cancelReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.timerSeq++
	}
}

func (m *Manager) setStateLocked(to State, abnormal bool, code int, err error) StateChanged {
	prev := m.state
	m.state = to
	return StateChanged{State: to, Previous: prev, Abnormal: abnormal, Code: code, Err: err, Gen: m.gen}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && m.gen == gen
}

func (m *Manager) emit(n Notice) {
	select {
	case m.notices <- n:
	case <-m.done:
	}
}

// closeCode extracts the close code from a read error, 0 when the
// error is not a close frame.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
