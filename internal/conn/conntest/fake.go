// Package conntest provides in-memory Dialer and Conn fakes for tests
// of code built on the conn package.
package conntest

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/joss/scholar/internal/conn"
)

type read struct {
	data []byte
	err  error
}

// Conn is a fake websocket. Frames pushed with Push are returned by
// ReadMessage in order; Fail makes the next read return an error.
type Conn struct {
	reads     chan read
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []Frame
}

// Frame is one recorded write.
type Frame struct {
	Type int
	Data []byte
}

// NewConn creates an open fake connection.
func NewConn() *Conn {
	return &Conn{
		reads:  make(chan read, 64),
		closed: make(chan struct{}),
	}
}

// Push queues a text frame for the reader.
func (c *Conn) Push(payload string) {
	c.reads <- read{data: []byte(payload)}
}

// Fail makes the reader's next ReadMessage return err.
func (c *Conn) Fail(err error) {
	c.reads <- read{err: err}
}

// CloseWith makes the reader see a close frame with code.
func (c *Conn) CloseWith(code int) {
	c.Fail(&websocket.CloseError{Code: code})
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, Frame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns every frame written so far.
func (c *Conn) Writes() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.writes...)
}

// TextWrites returns the payloads of text frames written so far.
func (c *Conn) TextWrites() []string {
	var out []string
	for _, f := range c.Writes() {
		if f.Type == websocket.TextMessage {
			out = append(out, string(f.Data))
		}
	}
	return out
}

// ErrDialRefused is the default failure of Dialer.FailNext.
var ErrDialRefused = errors.New("connection refused")

// Dialer hands out fake connections and counts dials.
type Dialer struct {
	mu     sync.Mutex
	fails  []error
	panics []any
	conns  []*Conn
}

// FailNext makes the next dial return err (ErrDialRefused when nil).
func (d *Dialer) FailNext(err error) {
	if err == nil {
		err = ErrDialRefused
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails = append(d.fails, err)
}

// PanicNext makes the next dial panic with v.
func (d *Dialer) PanicNext(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panics = append(d.panics, v)
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (conn.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.panics) > 0 {
		v := d.panics[0]
		d.panics = d.panics[1:]
		d.conns = append(d.conns, nil)
		panic(v)
	}
	if len(d.fails) > 0 {
		err := d.fails[0]
		d.fails = d.fails[1:]
		d.conns = append(d.conns, nil)
		return nil, err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent successful connection, nil if none.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i] != nil {
			return d.conns[i]
		}
	}
	return nil
}
