// Package session reconciles the agent's push events into the state a
// front end renders: the steps of the current query, split into in
// progress and completed, and the conversation transcript.
package session

import (
	"encoding/json"
	"time"
)

// Status is a step's progress. A step only ever moves forward.
type Status int

const (
	Pending Status = iota
	Processing
	Completed
)

func (s Status) String() string {
	switch s {
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	default:
		return "pending"
	}
}

// InProgress reports whether s belongs to the in-progress view.
func (s Status) InProgress() bool { return s == Pending || s == Processing }

// Step is one unit of the agent's work, keyed by its number within the
// session. It is created by the first step event for its number and
// updated in place afterwards.
type Step struct {
	Number     int
	ActionText string

	// Tool is empty when the step uses no tool.
	Tool       string
	Parameters json.RawMessage
	Status     Status
}

// Role is the author of a transcript message.
type Role int

const (
	User Role = iota
	Agent
)

func (r Role) String() string {
	if r == Agent {
		return "agent"
	}
	return "user"
}

// Source is a citation attached to a message.
type Source struct {
	Title string
	Count int
}

// Message is an immutable transcript entry.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	Sources   []Source
	HasChart  bool
}

// Phase is the reconciler's state machine position.
type Phase int

const (
	// Idle accepts a new query.
	Idle Phase = iota
	// Awaiting has a query in flight with no terminal event yet.
	Awaiting
)

func (p Phase) String() string {
	if p == Awaiting {
		return "awaiting"
	}
	return "idle"
}

// Session is the state of one submitted query.
type Session struct {
	ID           string
	Query        string
	QuerySent    bool
	IsProcessing bool
	StartedAt    time.Time
	Steps        map[int]*Step
}

func newSession(id, query string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Query:     query,
		StartedAt: now,
		Steps:     make(map[int]*Step),
	}
}
