// Package conn owns the single websocket to the agent: its lifecycle
// state, the reconnect policy, and delivery of decoded pushes to the
// consumer as Notices.
package conn

import (
	"errors"

	"github.com/joss/scholar/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send unless the state is Connected.
	ErrNotConnected = errors.New("not connected")

	// ErrStopped is returned by every call after Stop.
	ErrStopped = errors.New("connection manager stopped")

	// ErrSuperseded is returned by a Connect whose dial was overtaken
	// by a later Connect or by Stop.
	ErrSuperseded = errors.New("connect superseded")
)

// State is the lifecycle state of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Notice is what the manager delivers to its single consumer.
type Notice interface {
	notice()
}

// Inbound carries one decoded agent push.
type Inbound struct {
	Event protocol.Event
}

// StateChanged reports a lifecycle transition. Abnormal is set for
// every transition caused by a failure: dial errors, read errors, and
// close frames with a code other than normal closure. Gen identifies
// the connection attempt the transition belongs to; it grows with every
// Connect.
type StateChanged struct {
	State    State
	Previous State
	Abnormal bool
	Code     int
	Err      error
	Gen      uint64
}

func (Inbound) notice()      {}
func (StateChanged) notice() {}
