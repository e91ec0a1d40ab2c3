// Package mailbox implements per-address FIFO dispatch: one Lambda
// invocation in flight per actor address at a time, built on top of the
// envelope formats specified for broker<->Lambda traffic.
package mailbox

import "encoding/json"

// OutEnvelope is the JSON document sent to a Lambda invocation (spec.md §3).
type OutEnvelope struct {
	Subject string          `json:"subject"`
	From    string          `json:"from"`
	Address string          `json:"address"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// sendTarget is one {to, subject, body?} entry, used both for a single
// "send" object and for each element of a "send" array.
type sendTarget struct {
	To      string          `json:"to"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// InEnvelope is the JSON document a Lambda invocation returns (spec.md §3).
// send and forward are both captured as json.RawMessage rather than typed
// fields: neither's shape is validated here, only the field's presence and
// outer shape ("send" single-object-or-array) — per-element validation
// happens at dispatch time in handleResponse, so a valid element preceding
// an invalid one in a "send" array is still sent (spec.md §4.3 step 3).
type InEnvelope struct {
	Send    json.RawMessage `json:"send,omitempty"`
	Forward json.RawMessage `json:"forward,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// hasSubject reports whether the envelope carries a top-level inline reply.
func (e InEnvelope) hasSubject() bool { return e.Subject != "" }

// hasForward reports whether the envelope carries a "forward" field.
func (e InEnvelope) hasForward() bool { return len(e.Forward) > 0 }

// sendElements decodes the "send" field's outer shape only: a single
// object becomes a one-element slice, an array becomes its elements, each
// still an undecoded json.RawMessage. Returns an error if "send" is present
// but is neither an object nor an array. Each element is validated
// separately by decodeSendTarget as it is dispatched.
func (e InEnvelope) sendElements() ([]json.RawMessage, error) {
	if len(e.Send) == 0 {
		return nil, nil
	}

	trimmed := trimLeadingSpace(e.Send)
	if len(trimmed) == 0 {
		return nil, errInvalidMessage
	}

	switch trimmed[0] {
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(e.Send, &elements); err != nil {
			return nil, errInvalidMessage
		}
		return elements, nil
	case '{':
		return []json.RawMessage{e.Send}, nil
	default:
		return nil, errInvalidMessage
	}
}

// decodeSendTarget unmarshals one "send" element or the "forward" value
// into a sendTarget and validates it has a non-empty to/subject. Used both
// for fan-out send elements and for forward (spec.md §4.3 "Validation of
// each out-message"), so both get the same "Invalid message" error class
// on a malformed value.
func decodeSendTarget(raw json.RawMessage) (sendTarget, error) {
	var t sendTarget
	if err := json.Unmarshal(raw, &t); err != nil || !t.valid() {
		return sendTarget{}, errInvalidMessage
	}
	return t, nil
}

func (t sendTarget) valid() bool {
	return t.To != "" && t.Subject != ""
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
