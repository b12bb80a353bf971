package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/joss/scholar/internal/logging"
)

// Decode classifies one agent payload. It is total: every input yields
// exactly one Event, and malformed input yields UnrecognizedEvent
// rather than an error.
//
// Fields are checked in the order error, status, step, result, so a
// payload carrying several of them resolves to the first. step_number
// is only parsed for step and result payloads.
func Decode(payload []byte) Event {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return UnrecognizedEvent{Raw: payload, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	if truthy(f.Error) {
		return ErrorEvent{Message: text(f.Error)}
	}

	if truthy(f.Status) && text(f.Status) == StatusDone {
		return DoneEvent{}
	}

	if truthy(f.Step) {
		return decodeStep(payload, f)
	}

	if truthy(f.Result) {
		if !isObject(f.Result) {
			return UnrecognizedEvent{Raw: payload, Err: fmt.Errorf("%w: result is not an object", ErrMalformed)}
		}
		n, ok, err := stepNumber(f.StepNumber)
		if err != nil {
			return UnrecognizedEvent{Raw: payload, Err: err}
		}
		return ResultEvent{Payload: f.Result, StepNumber: n, Numbered: ok}
	}

	return UnrecognizedEvent{Raw: payload, Err: ErrUnrecognized}
}

func decodeStep(payload []byte, f frame) Event {
	if !isObject(f.Step) {
		return UnrecognizedEvent{Raw: payload, Err: fmt.Errorf("%w: step is not an object", ErrMalformed)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Step, &fields); err != nil {
		return UnrecognizedEvent{Raw: payload, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	n, numbered, err := stepNumber(f.StepNumber)
	if err != nil {
		return UnrecognizedEvent{Raw: payload, Err: err}
	}
	if len(fields) == 0 {
		return EmptyStepEvent{StepNumber: n, Numbered: numbered}
	}

	if !numbered {
		return UnrecognizedEvent{Raw: payload, Err: ErrMissingStepNumber}
	}

	var body stepBody
	if err := json.Unmarshal(f.Step, &body); err != nil {
		return UnrecognizedEvent{Raw: payload, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	ev := StepEvent{
		StepNumber: n,
		ActionText: body.Query,
		Tool:       decodeTool(body.Tool),
	}
	if len(body.Parameters) > 0 {
		ev.Parameters = body.Parameters
	}
	return ev
}

// decodeTool maps the agent's "tool" field. The agent writes both JSON
// null and the string "null" for "no tool".
func decodeTool(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	none := ""
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return &none
	}
	name := text(raw)
	if name == "null" {
		return &none
	}
	return &name
}

// Decoder is Decode plus logging of protocol errors.
type Decoder struct {
	log *logging.Logger
}

// NewDecoder creates a decoder logging under the "decoder" component.
func NewDecoder() *Decoder {
	return &Decoder{log: logging.New("decoder")}
}

// Decode classifies payload; unrecognized payloads are logged and
// returned for the caller to drop.
func (d *Decoder) Decode(payload []byte) Event {
	ev := Decode(payload)
	if u, ok := ev.(UnrecognizedEvent); ok {
		d.log.Warn("payload_dropped", map[string]interface{}{
			"bytes":   len(payload),
			"payload": preview(payload),
		}, u.Err)
		return ev
	}
	d.log.Debug("payload_decoded", map[string]interface{}{"kind": ev.Kind().String()})
	return ev
}

func preview(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
