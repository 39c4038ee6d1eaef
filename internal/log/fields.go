// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID   = "session_id"
	FieldTransportID = "transport_id"

	// Protocol fields
	FieldFrameType = "frame_type"
	FieldCloseCode = "close_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldRemoteAddr = "remote_addr"
	FieldUpstream   = "upstream"
)
