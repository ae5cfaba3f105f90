// Package port turns one bidirectional message channel into a single
// cancellable, incrementally delivered call.
package port

import (
	"bytes"
	"encoding/json"
)

// Wire message types.
const (
	TypeStart = "start"
	TypeChunk = "chunk"
	TypeDone  = "done"
	TypeError = "error"
)

// Message is the inbound wire format. Only "start" messages are accepted.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound wire format.
type Response struct {
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Chunk carries the cumulative result so far.
func Chunk(text string) *Response {
	return &Response{Type: TypeChunk, Data: text}
}

// Done carries the final result.
func Done(text string) *Response {
	return &Response{Type: TypeDone, Data: text}
}

// Failure carries a human-readable error description.
func Failure(msg string) *Response {
	return &Response{Type: TypeError, Error: msg}
}

// Terminal reports whether r ends a call.
func (r *Response) Terminal() bool {
	return r.Type == TypeDone || r.Type == TypeError
}

// MarshalJSON always emits "data" for chunk/done and "error" for error,
// even when the string is empty.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Type == TypeError {
		return json.Marshal(struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}{r.Type, r.Error})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{r.Type, r.Data})
}

// DecodeStart extracts the payload of a start message. It reports false for
// anything that is not a well-formed start message with a non-empty payload.
func DecodeStart(raw []byte) (json.RawMessage, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false
	}
	if msg.Type != TypeStart {
		return nil, false
	}
	payload := bytes.TrimSpace(msg.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, false
	}
	return payload, true
}

// NewStart encodes a start message around payload.
func NewStart(payload any) ([]byte, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(&Message{Type: TypeStart, Payload: raw})
}
