// Package protocol defines the client↔agent wire protocol.
// Messages are JSON objects, one per websocket text frame.
//
// Client → agent, once per submitted query:
//
//	{"query": "find papers on X"}
//
// Agent → client, one object per push, fields optional and overlapping:
//
//	{"error": "rate limited"}
//	{"status": "done"}
//	{"step_number": 1, "step": {"query": "...", "tool": "search_paper", "parameters": {...}}}
//	{"step_number": 1, "step": {}}
//	{"step_number": 1, "result": {"<step query>": {"result": "..."}}}
//
// Decode classifies each inbound frame into exactly one Event.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// StatusDone is the terminal status marker.
const StatusDone = "done"

// QueryRequest is the only client → agent message.
type QueryRequest struct {
	Query string `json:"query"`
}

// Encode serializes a query request.
func (q QueryRequest) Encode() ([]byte, error) {
	return json.Marshal(q)
}

// frame is the union of every agent → client field.
type frame struct {
	Error      json.RawMessage `json:"error"`
	Status     json.RawMessage `json:"status"`
	Step       json.RawMessage `json:"step"`
	StepNumber json.RawMessage `json:"step_number"`
	Result     json.RawMessage `json:"result"`
}

// stepBody is the content of a non-empty "step" field.
type stepBody struct {
	Query      *string         `json:"query"`
	Tool       json.RawMessage `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// truthy mirrors how the agent's reference client tests optional
// fields: absent, null, false, 0 and "" are all "not set".
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "false", `""`:
		return false
	}
	if c := raw[0]; c == '-' || (c >= '0' && c <= '9') {
		f, err := strconv.ParseFloat(string(raw), 64)
		return err != nil || f != 0
	}
	return true
}

// text renders a raw JSON value as display text: strings unquoted,
// anything else as compact JSON.
func text(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// stepNumber parses a raw "step_number". ok is false when the field is
// absent or null. Integral floats such as 1.0 are accepted.
func stepNumber(raw json.RawMessage) (n int, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false, fmt.Errorf("%w: step_number %s is not a number", ErrMalformed, raw)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false, fmt.Errorf("%w: step_number %s is not an integer", ErrMalformed, raw)
	}
	return int(f), true, nil
}

// isObject reports whether raw is a JSON object.
func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
