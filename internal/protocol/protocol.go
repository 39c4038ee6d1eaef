// SPDX-License-Identifier: MIT

// Package protocol defines the JSON envelope exchanged with clients and the
// websocket close codes used by the broker.
//
// Every frame is one JSON object of shape {type, payload, meta}. Legacy
// peers send recognized fields flat at the top level; Decode promotes those
// into payload so the rest of the broker only ever sees the enveloped form.
// The server never emits the flat form.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types sent by clients.
const (
	TypeInit       = "init"
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeCommand    = "command"
	TypeLogin      = "login"
)

// Frame types sent by the server.
const (
	TypeInitOK         = "init_ok"
	TypeSessionInvalid = "session_invalid"
	TypeState          = "state"
	TypeHistory        = "history"
	TypeLine           = "line"
	TypeSystem         = "system"
	TypeSound          = "sound"
	TypeConfirm        = "confirm"
	TypeError          = "error"
)

// Close codes. 1000-1013 are standard websocket codes, 4xxx are
// application-defined.
const (
	CloseNormal         = 1000 // clean shutdown
	ClosePolicy         = 1008 // protocol violation (bad init)
	CloseInternalError  = 1011 // transport write error
	CloseTryAgainLater  = 1013 // rate limited or back-pressured
	CloseSessionInvalid = 4003 // owner mismatch / session invalidated
	CloseMaxSessions    = 4008 // session limit reached
)

var (
	// ErrMalformed marks a frame that is not valid JSON or lacks a type.
	ErrMalformed = errors.New("malformed frame")

	// ErrOversized marks a frame exceeding the per-frame byte limit.
	ErrOversized = errors.New("oversized frame")
)

// Envelope is the decoded wire frame.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// legacyKeys are top-level fields the flat message format used before the
// envelope existed. Decode moves them into payload; payload values win on
// conflict.
var legacyKeys = []string{
	"publicId", "owner", "value", "content",
	"message", "username", "password", "reason",
}

// Decode parses one raw frame into an Envelope. It accepts both the
// enveloped and the flat legacy form. Errors wrap ErrMalformed.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &Envelope{Payload: map[string]any{}}

	if t, ok := raw["type"]; ok {
		if err := json.Unmarshal(t, &env.Type); err != nil {
			return nil, fmt.Errorf("%w: type is not a string", ErrMalformed)
		}
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	if p, ok := raw["payload"]; ok {
		if err := json.Unmarshal(p, &env.Payload); err != nil {
			return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
		}
		if env.Payload == nil {
			env.Payload = map[string]any{}
		}
	}
	if m, ok := raw["meta"]; ok {
		// Meta is advisory; a bad meta does not fail the frame.
		_ = json.Unmarshal(m, &env.Meta)
	}

	for _, key := range legacyKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if _, taken := env.Payload[key]; taken {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			env.Payload[key] = val
		}
	}

	return env, nil
}

// Encode serializes the envelope, stamping meta.serverTs with the current
// time in milliseconds.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta["serverTs"] = time.Now().UnixMilli()
	return json.Marshal(e)
}

// String returns the payload value under key if it is a string, "" otherwise.
func (e *Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}
