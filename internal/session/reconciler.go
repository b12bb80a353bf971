package session

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/joss/scholar/internal/clock"
	"github.com/joss/scholar/internal/logging"
	"github.com/joss/scholar/internal/protocol"
)

// Submit rejections. None of them mutate state.
var (
	ErrEmptyQuery    = errors.New("empty query")
	ErrQueryInFlight = errors.New("a query is already in flight")
	ErrNotConnected  = errors.New("not connected to the agent")
)

// Reconciler applies decoded events to the current Session and the
// transcript. It is not safe for concurrent use: a single consumer owns
// it and applies events one at a time.
type Reconciler struct {
	clock   clock.Clock
	entropy io.Reader
	log     *logging.Logger

	phase      Phase
	session    *Session
	transcript []Message
}

// New creates an Idle reconciler with an empty transcript.
func New(c clock.Clock) *Reconciler {
	if c == nil {
		c = clock.Real()
	}
	return &Reconciler{
		clock:   c,
		entropy: ulid.DefaultEntropy(),
		log:     logging.New("reconciler"),
		session: newSession("", "", c.Now()),
	}
}

// Phase returns the state machine position.
func (r *Reconciler) Phase() Phase { return r.phase }

// Session returns the live session. Callers must not mutate it.
func (r *Reconciler) Session() *Session { return r.session }

// Submit starts a new query. It is legal only from Idle with a live
// connection. A blank query is rejected; any other text is kept and
// sent as typed. On success the user message is appended, the previous
// steps are dropped, and the machine moves to Awaiting.
func (r *Reconciler) Submit(query string, connected bool) (*Session, error) {
	switch {
	case strings.TrimSpace(query) == "":
		return nil, ErrEmptyQuery
	case r.phase == Awaiting:
		return nil, ErrQueryInFlight
	case !connected:
		return nil, ErrNotConnected
	}

	now := r.clock.Now()
	r.appendMessage(User, query)
	r.session = newSession(uuid.NewString(), query, now)
	r.session.IsProcessing = true
	r.phase = Awaiting

	r.log.Info("query_submitted", map[string]interface{}{"session": r.session.ID})
	return r.session, nil
}

// MarkSent records that the query left the client.
func (r *Reconciler) MarkSent() {
	r.session.QuerySent = true
}

// Apply folds one event into the state and reports whether anything
// changed.
func (r *Reconciler) Apply(ev protocol.Event) bool {
	switch ev := ev.(type) {
	case protocol.ErrorEvent:
		r.appendMessage(Agent, "Error: "+ev.Message)
		r.finish("agent_error")
		return true

	case protocol.DoneEvent, protocol.EmptyStepEvent:
		// Steps still Processing stay that way; the agent sends a
		// result for every step it started.
		return r.finish("done")

	case protocol.StepEvent:
		r.applyStep(ev)
		return true

	case protocol.ResultEvent:
		return r.applyResult(ev)

	default:
		return false
	}
}

func (r *Reconciler) applyStep(ev protocol.StepEvent) {
	step, ok := r.session.Steps[ev.StepNumber]
	if !ok {
		step = &Step{Number: ev.StepNumber, Status: Processing}
		r.session.Steps[ev.StepNumber] = step
	}
	if ev.ActionText != nil {
		step.ActionText = *ev.ActionText
	}
	if ev.Tool != nil {
		step.Tool = *ev.Tool
	}
	if ev.Parameters != nil {
		step.Parameters = ev.Parameters
	}
}

func (r *Reconciler) applyResult(ev protocol.ResultEvent) bool {
	changed := false
	if ev.Numbered {
		if step, ok := r.session.Steps[ev.StepNumber]; ok {
			if step.Status != Completed {
				step.Status = Completed
				changed = true
			}
		} else {
			r.log.Debug("result_without_step", map[string]interface{}{"step": ev.StepNumber})
		}
	}

	if content, ok := protocol.ResultContent(ev.Payload); ok {
		r.appendMessage(Agent, content)
		changed = true
	}
	return changed
}

// Abort ends the in-flight query after a connection failure. Steps and
// transcript are kept. It reports whether anything changed.
func (r *Reconciler) Abort() bool {
	return r.finish("aborted")
}

// Expire ends the query of session id after d without events. A stale
// id (the session already ended or was replaced) is ignored.
func (r *Reconciler) Expire(id string, d time.Duration) bool {
	if r.phase != Awaiting || r.session.ID != id {
		return false
	}
	r.appendMessage(Agent, fmt.Sprintf("Error: no response from agent within %s", d))
	r.finish("timeout")
	return true
}

func (r *Reconciler) finish(reason string) bool {
	if r.phase == Idle && !r.session.IsProcessing {
		return false
	}
	r.session.IsProcessing = false
	r.phase = Idle
	r.log.Info("query_finished", map[string]interface{}{
		"session": r.session.ID,
		"reason":  reason,
		"steps":   len(r.session.Steps),
	})
	return true
}

func (r *Reconciler) appendMessage(role Role, content string) {
	now := r.clock.Now()
	r.transcript = append(r.transcript, Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
}

// Snapshot is an immutable copy of the read model.
type Snapshot struct {
	Phase        Phase
	SessionID    string
	Query        string
	QuerySent    bool
	IsProcessing bool

	// InProgress and Completed partition the session's steps by status,
	// each sorted by step number.
	InProgress []Step
	Completed  []Step

	Transcript []Message
}

// Steps returns every step sorted by number.
func (s Snapshot) Steps() []Step {
	all := make([]Step, 0, len(s.InProgress)+len(s.Completed))
	all = append(all, s.InProgress...)
	all = append(all, s.Completed...)
	sortSteps(all)
	return all
}

// Snapshot copies the current state.
func (r *Reconciler) Snapshot() Snapshot {
	s := Snapshot{
		Phase:        r.phase,
		SessionID:    r.session.ID,
		Query:        r.session.Query,
		QuerySent:    r.session.QuerySent,
		IsProcessing: r.session.IsProcessing,
		Transcript:   append([]Message(nil), r.transcript...),
	}
	for _, step := range r.session.Steps {
		if step.Status.InProgress() {
			s.InProgress = append(s.InProgress, *step)
		} else {
			s.Completed = append(s.Completed, *step)
		}
	}
	sortSteps(s.InProgress)
	sortSteps(s.Completed)
	return s
}

func sortSteps(steps []Step) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
}
