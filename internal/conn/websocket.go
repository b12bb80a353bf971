package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

// WebsocketDialer dials with gorilla/websocket and keeps the connection
// alive with pings when PingInterval is set.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Header           http.Header
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	c.SetReadLimit(maxMessageSize)

	wc := &wsConn{conn: c, stop: make(chan struct{})}
	if d.PingInterval > 0 {
		pongWait := 2 * d.PingInterval
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})
		go wc.pingLoop(d.PingInterval)
	}
	return wc, nil
}

// wsConn adds write deadlines and the ping loop to *websocket.Conn.
type wsConn struct {
	conn     *websocket.Conn
	stop     chan struct{}
	stopOnce sync.Once
}

func (w *wsConn) ReadMessage() (int, []byte, error) {
	return w.conn.ReadMessage()
}

func (w *wsConn) WriteMessage(messageType int, data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.conn.Close()
}

func (w *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// WriteControl is safe alongside WriteMessage.
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
