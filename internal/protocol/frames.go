// SPDX-License-Identifier: MIT

package protocol

// Attach status values carried by init_ok.
const (
	StatusCreated   = "created"
	StatusRecovered = "recovered"
)

// session_invalid reasons.
const (
	ReasonOwnerMismatch    = "owner_mismatch"
	ReasonManualDisconnect = "manual_disconnect"
	ReasonMaxSessions      = "max_sessions"
)

// InitOK builds the reply to a successful init. soundBase tells the peer
// where to resolve relative paths carried by sound frames.
func InitOK(publicID, owner, status string, hasHistory bool, soundBase string) *Envelope {
	return &Envelope{Type: TypeInitOK, Payload: map[string]any{
		"publicId":   publicID,
		"owner":      owner,
		"status":     status,
		"hasHistory": hasHistory,
		"soundBase":  soundBase,
	}}
}

// SessionInvalid builds the rejection reply sent before a 4003 close.
func SessionInvalid(reason, message string) *Envelope {
	return &Envelope{Type: TypeSessionInvalid, Payload: map[string]any{
		"reason":  reason,
		"message": message,
	}}
}

// State announces the session state to attached transports.
func State(value string) *Envelope {
	return &Envelope{Type: TypeState, Payload: map[string]any{"value": value}}
}

// History carries the full retained history as one string.
func History(content string) *Envelope {
	return &Envelope{Type: TypeHistory, Payload: map[string]any{"content": content}}
}

// Line carries one complete upstream line.
func Line(content string) *Envelope {
	return &Envelope{Type: TypeLine, Payload: map[string]any{"content": content}}
}

// System carries a broker-originated notice.
func System(message string) *Envelope {
	return &Envelope{Type: TypeSystem, Payload: map[string]any{"message": message}}
}

// Sound carries the ordered sound events derived from one line.
func Sound(events any) *Envelope {
	return &Envelope{Type: TypeSound, Payload: map[string]any{"events": events}}
}

// Confirm asks the peer to render a yes/no confirmation prompt.
func Confirm(message string) *Envelope {
	return &Envelope{Type: TypeConfirm, Payload: map[string]any{"message": message}}
}

// Error reports a non-fatal per-transport error such as queue_full.
func Error(message string) *Envelope {
	return &Envelope{Type: TypeError, Payload: map[string]any{"message": message}}
}
