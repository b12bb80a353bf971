package protocol

import (
	"encoding/json"
	"errors"
)

// Kind tags the Event variants.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindError
	KindDone
	KindEmptyStep
	KindStep
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindDone:
		return "done"
	case KindEmptyStep:
		return "empty_step"
	case KindStep:
		return "step"
	case KindResult:
		return "result"
	default:
		return "unrecognized"
	}
}

// Event is the closed set of decoded agent pushes.
type Event interface {
	Kind() Kind
}

// ErrorEvent carries an agent-reported error for the whole query.
type ErrorEvent struct {
	Message string
}

// DoneEvent signals the query finished.
type DoneEvent struct{}

// EmptyStepEvent is a step announcement with no content. The agent
// sends it when it has no more work; it is handled exactly like DoneEvent.
type EmptyStepEvent struct {
	StepNumber int
	Numbered   bool
}

// StepEvent announces a new step or refines a known one. Nil fields
// were absent on the wire and must not overwrite existing values.
type StepEvent struct {
	StepNumber int

	// ActionText is the step's "query" field.
	ActionText *string

	// Tool is nil when absent and points at "" when the agent said
	// explicitly that no tool is used.
	Tool *string

	Parameters json.RawMessage
}

// ResultEvent is the outcome of a step. Payload is the raw "result"
// object keyed by the step's query text.
type ResultEvent struct {
	StepNumber int
	Numbered   bool
	Payload    json.RawMessage
}

// UnrecognizedEvent is any payload that matches no other variant.
type UnrecognizedEvent struct {
	Raw []byte
	Err error
}

func (ErrorEvent) Kind() Kind        { return KindError }
func (DoneEvent) Kind() Kind         { return KindDone }
func (EmptyStepEvent) Kind() Kind    { return KindEmptyStep }
func (StepEvent) Kind() Kind         { return KindStep }
func (ResultEvent) Kind() Kind       { return KindResult }
func (UnrecognizedEvent) Kind() Kind { return KindUnrecognized }

// Terminal reports whether e ends the in-flight query.
func Terminal(e Event) bool {
	switch e.(type) {
	case DoneEvent, EmptyStepEvent:
		return true
	}
	return false
}

// Protocol errors carried by UnrecognizedEvent.Err.
var (
	ErrMalformed         = errors.New("malformed payload")
	ErrMissingStepNumber = errors.New("step without step_number")
	ErrUnrecognized      = errors.New("unrecognized payload")
)
