// SPDX-License-Identifier: MIT

package session

// State is the upstream connection state of one session. Clients receive it
// verbatim in state frames.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAwaitingLogin State = "AWAITING_LOGIN"
)

// live reports whether the session holds an upstream connection.
func (s State) live() bool {
	return s == StateConnected || s == StateAwaitingLogin
}
