package protocol

import (
	"bytes"
	"encoding/json"
)

// ResultContent derives the chat text for a step result payload.
//
// Only the first entry of the payload object, in wire order, is used.
// An entry with a truthy "error" renders as "Error: <error>"; otherwise
// a truthy "result" renders as-is when it is a string and as indented
// JSON when it is structured. ok is false when nothing is renderable.
func ResultContent(payload json.RawMessage) (content string, ok bool) {
	entry, ok := firstEntry(payload)
	if !ok || !isObject(entry) {
		return "", false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return "", false
	}

	if errRaw := fields["error"]; truthy(errRaw) {
		return "Error: " + text(errRaw), true
	}

	res := fields["result"]
	if !truthy(res) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(res, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res, "", "  "); err != nil {
		return string(res), true
	}
	return buf.String(), true
}

// firstEntry returns the value of the first key of a JSON object,
// preserving wire order (a Go map would not).
func firstEntry(raw json.RawMessage) (json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false
	}
	if !dec.More() {
		return nil, false
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	return value, true
}
