// SPDX-License-Identifier: MIT

// Package session implements the per-user state machine that bridges
// attached transports and the upstream MUD connection, plus the manager
// that owns the public id mapping.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/metrics"
	"github.com/openmud/mudgate/internal/protocol"
	"github.com/openmud/mudgate/internal/sound"
	"github.com/openmud/mudgate/internal/upstream"
)

// Transport is one attached client connection. Send must not block
// indefinitely; a failing transport is dropped from the session.
type Transport interface {
	ID() string
	Send(env *protocol.Envelope) error
	Close(code int, reason string)
}

// Session multiplexes one upstream MUD connection to any number of attached
// transports. All state is guarded by mu; the upstream reader goroutine and
// the transport read loops both funnel through it.
type Session struct {
	PublicID string
	owner    string

	cfg    config.Config
	dial   upstream.Dialer
	sounds *sound.Engine
	logger zerolog.Logger

	mu               sync.Mutex
	state            State
	hist             *history
	partial          []byte
	pending          []string
	transports       map[string]Transport
	conn             upstream.Conn
	lastActivity     time.Time
	credentialsHint  string
	manualDisconnect bool
	loginInFlight    bool
	closed           bool
}

func newSession(publicID, owner string, cfg config.Config, dial upstream.Dialer, sounds *sound.Engine) *Session {
	return &Session{
		PublicID:     publicID,
		owner:        owner,
		cfg:          cfg,
		dial:         dial,
		sounds:       sounds,
		logger:       log.WithComponent("session").With().Str(log.FieldSessionID, publicID).Logger(),
		state:        StateDisconnected,
		hist:         newHistory(cfg.HistoryMaxBytes, cfg.HistoryMaxLines),
		transports:   map[string]Transport{},
		lastActivity: time.Now(),
	}
}

func (s *Session) ownerMatches(owner string) bool {
	return owner != "" && owner == s.owner
}

func (s *Session) isManuallyDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualDisconnect
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CredentialsHint returns the last username submitted for login. The
// password is never retained.
func (s *Session) CredentialsHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialsHint
}

// attach and frame ordering

func (s *Session) attachLocked(t Transport) {
	s.transports[t.ID()] = t
	s.lastActivity = time.Now()
	metrics.AttachedTransports.Inc()
}

// createAttach attaches the first transport of a fresh session and sends
// init_ok under the session lock so no frame can interleave before it.
func (s *Session) createAttach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachLocked(t)
	s.sendToLocked(t, protocol.InitOK(s.PublicID, s.owner, protocol.StatusCreated, false, s.cfg.SoundBasePath))
	s.sendToLocked(t, protocol.State(string(s.state)))
}

// recoverAttach attaches a reconnecting transport. History and state go out
// before any new line can reach the transport, and queued commands drain to
// upstream before any command submitted after init_ok. It reports false when
// the session was closed after lookup; the caller starts over.
func (s *Session) recoverAttach(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.attachLocked(t)
	s.sendToLocked(t, protocol.InitOK(s.PublicID, s.owner, protocol.StatusRecovered, !s.hist.empty(), s.cfg.SoundBasePath))
	s.sendToLocked(t, protocol.History(s.hist.content()))
	s.sendToLocked(t, protocol.State(string(s.state)))
	s.drainPendingLocked()
	return true
}

// detach removes a transport and reports whether the session is now empty.
func (s *Session) detach(transportID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transports[transportID]; ok {
		delete(s.transports, transportID)
		metrics.AttachedTransports.Dec()
		s.lastActivity = time.Now()
	}
	return len(s.transports) == 0
}

// client-facing operations

// RequestConnect opens the upstream connection. Only valid while
// DISCONNECTED; anything else is a no-op.
func (s *Session) RequestConnect(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateDisconnected || s.closed {
		s.mu.Unlock()
		return
	}
	s.manualDisconnect = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) {
	conn, err := s.dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.setStateLocked(StateDisconnected)
		s.broadcastLocked(protocol.System("could not reach the game server"))
		s.logger.Warn().Err(err).Msg("upstream connect failed")
		return
	}
	s.conn = conn
	s.setStateLocked(StateConnected)
	s.drainPendingLocked()
	go s.readLoop(conn)
}

// RequestDisconnect ends the upstream connection on user request. The
// session becomes unrecoverable; a later init for this id is rejected.
func (s *Session) RequestDisconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.manualDisconnect = true
	s.credentialsHint = ""
	s.loginInFlight = false
	s.pending = nil
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	// Give the server a beat to process the quit before tearing down.
	_ = conn.Write([]byte("quit\n"))
	time.AfterFunc(s.cfg.QuitGrace, func() { _ = conn.Close() })

	s.logger.Info().Msg("manual disconnect")
}

// SubmitCommand forwards a command line to upstream. Input is split on ";"
// into separate commands. While CONNECTING, commands queue; while
// DISCONNECTED they are refused with a system notice.
func (s *Session) SubmitCommand(t Transport, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()

	if len(value) > s.cfg.CommandMaxLen {
		s.logger.Warn().Int("len", len(value)).Msg("command truncated")
		cut := s.cfg.CommandMaxLen
		for cut > 0 && !utf8.RuneStart(value[cut]) {
			cut--
		}
		value = value[:cut]
	}

	commands := splitCommands(value)
	if len(commands) == 0 {
		return
	}

	switch {
	case s.state.live() && s.conn != nil:
		// Anything still queued from back-pressure goes first; new
		// commands must not overtake it.
		s.drainPendingLocked()
		if len(s.pending) > 0 {
			for _, cmd := range commands {
				s.enqueueLocked(t, cmd)
			}
			return
		}
		for _, cmd := range commands {
			s.writeCommandLocked(t, cmd)
		}
	case s.state == StateConnecting:
		for _, cmd := range commands {
			s.enqueueLocked(t, cmd)
		}
	default:
		s.sendToLocked(t, protocol.System("not connected"))
	}
}

// SubmitLogin plays the login sequence: the play-mode switch, then the
// username, then the password, each on its own line with a short gap.
func (s *Session) SubmitLogin(username, password string) {
	s.mu.Lock()
	if !s.state.live() || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.credentialsHint = username
	s.loginInFlight = true
	s.lastActivity = time.Now()
	conn := s.conn
	s.mu.Unlock()

	go func() {
		for _, line := range []string{"p", username, password} {
			if err := conn.Write([]byte(line + "\n")); err != nil {
				s.logger.Warn().Err(err).Msg("login sequence aborted")
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()
}

func splitCommands(value string) []string {
	parts := strings.Split(value, ";")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Session) writeCommandLocked(t Transport, cmd string) {
	err := s.conn.Write([]byte(cmd + "\n"))
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrBackpressure):
		s.enqueueLocked(t, cmd)
	default:
		s.logger.Warn().Err(err).Msg("upstream write failed")
		s.sendToLocked(t, protocol.System("not connected"))
	}
}

func (s *Session) enqueueLocked(t Transport, cmd string) {
	if len(s.pending) >= s.cfg.CommandQueueMax {
		metrics.CommandsDroppedTotal.Inc()
		s.sendToLocked(t, protocol.Error("queue_full"))
		return
	}
	s.pending = append(s.pending, cmd)
}

func (s *Session) drainPendingLocked() {
	if s.conn == nil {
		return
	}
	for len(s.pending) > 0 {
		cmd := s.pending[0]
		if err := s.conn.Write([]byte(cmd + "\n")); err != nil {
			if errors.Is(err, upstream.ErrBackpressure) {
				return // retry on the next drain
			}
			s.pending = nil
			return
		}
		s.pending = s.pending[1:]
	}
}

// upstream ingestion

func (s *Session) readLoop(conn upstream.Conn) {
	ticker := time.NewTicker(s.cfg.PartialFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-conn.Chunks():
			if !ok {
				s.upstreamClosed(conn)
				return
			}
			s.ingest(chunk)
		case <-ticker.C:
			s.mu.Lock()
			s.flushPartialLocked()
			// Commands parked by write back-pressure must not wait
			// for the next keystroke.
			if s.state == StateConnected {
				s.drainPendingLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()

	s.partial = append(s.partial, chunk...)
	text := strings.ReplaceAll(string(s.partial), "\r\n", "\n")
	parts := strings.Split(text, "\n")
	s.partial = []byte(parts[len(parts)-1])

	for _, line := range parts[:len(parts)-1] {
		s.deliverLineLocked(line)
	}
	if len(s.partial) >= s.cfg.PartialFlushBytes {
		s.flushPartialLocked()
	}
}

// deliverLineLocked runs one complete line through history, the sound
// engine, and fan-out. Sound events always follow the line they came from.
func (s *Session) deliverLineLocked(raw string) {
	line := strings.TrimRight(raw, " \t\r")

	ops, gag := s.sounds.Evaluate(raw)
	if !gag {
		s.hist.append(line)
		s.broadcastLocked(protocol.Line(line))
	}
	if len(ops) > 0 {
		s.broadcastLocked(protocol.Sound(ops))
	}
	if isConfirm(line) {
		s.broadcastLocked(protocol.Confirm(line))
	}
	if strings.Contains(raw, disconnectMarker) {
		s.logger.Info().Msg("server disconnect marker observed")
		s.serverDisconnectLocked()
		return
	}
	s.notePromptLocked(line)
}

// serverDisconnectLocked handles the MUD announcing the end of the link in
// band. The marker line itself has already been delivered; the socket
// teardown that follows is released outside the lock.
func (s *Session) serverDisconnectLocked() {
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	s.loginInFlight = false
	s.setStateLocked(StateDisconnected)
	s.broadcastLocked(protocol.System("disconnected by the game server"))
	go func() { _ = conn.Close() }()
}

func (s *Session) notePromptLocked(line string) {
	if isPrompt(line) {
		if s.state == StateConnected && !s.loginInFlight {
			s.setStateLocked(StateAwaitingLogin)
		}
		return
	}
	if s.state == StateAwaitingLogin && s.loginInFlight {
		s.loginInFlight = false
		s.setStateLocked(StateConnected)
		s.drainPendingLocked()
	}
}

// flushPartialLocked promotes the partial buffer to a synthetic line, but
// only when it looks like a prompt; ordinary fragments keep buffering until
// their newline arrives.
func (s *Session) flushPartialLocked() {
	if len(s.partial) == 0 {
		return
	}
	fragment := string(s.partial)
	if !isPrompt(fragment) {
		return
	}
	s.partial = nil
	s.deliverLineLocked(fragment)
}

func (s *Session) upstreamClosed(conn upstream.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		// replaced or torn down explicitly
		return
	}
	s.conn = nil
	s.loginInFlight = false
	s.setStateLocked(StateDisconnected)
	s.broadcastLocked(protocol.System("connection to the game server was lost"))
	s.logger.Info().Msg("upstream closed")
}

// fan-out

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug().
		Str(log.FieldOldState, string(s.state)).
		Str(log.FieldNewState, string(next)).
		Msg("state transition")
	s.state = next
	s.broadcastLocked(protocol.State(string(next)))
}

func (s *Session) broadcastLocked(env *protocol.Envelope) {
	var failed []string
	for id, t := range s.transports {
		if err := t.Send(env); err != nil {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		s.dropTransportLocked(id)
	}
}

func (s *Session) sendToLocked(t Transport, env *protocol.Envelope) {
	if err := t.Send(env); err != nil {
		s.dropTransportLocked(t.ID())
	}
}

func (s *Session) dropTransportLocked(id string) {
	t, ok := s.transports[id]
	if !ok {
		return
	}
	delete(s.transports, id)
	metrics.AttachedTransports.Dec()
	t.Close(protocol.CloseInternalError, "write failed")
	s.logger.Warn().Str(log.FieldTransportID, id).Msg("transport dropped after write failure")
}

// lifecycle

func (s *Session) idleEligible(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports) == 0 && now.Sub(s.lastActivity) > timeout
}

// close tears the session down: upstream socket released, every transport
// closed with a normal close. Idempotent.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	remaining := s.transports
	s.transports = map[string]Transport{}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, t := range remaining {
		metrics.AttachedTransports.Dec()
		t.Close(protocol.CloseNormal, reason)
	}
	s.logger.Info().Str("reason", reason).Msg("session closed")
}

// Snapshot is the debug view of one session.
type Snapshot struct {
	PublicID         string    `json:"publicId"`
	State            State     `json:"state"`
	Transports       int       `json:"transports"`
	HistoryLines     int       `json:"historyLines"`
	HistoryBytes     int       `json:"historyBytes"`
	PendingCommands  int       `json:"pendingCommands"`
	LastActivity     time.Time `json:"lastActivity"`
	ManualDisconnect bool      `json:"manualDisconnect"`
	CredentialsHint  string    `json:"credentialsHint,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, bytes := s.hist.size()
	return Snapshot{
		PublicID:         s.PublicID,
		State:            s.state,
		Transports:       len(s.transports),
		HistoryLines:     lines,
		HistoryBytes:     bytes,
		PendingCommands:  len(s.pending),
		LastActivity:     s.lastActivity,
		ManualDisconnect: s.manualDisconnect,
		CredentialsHint:  s.credentialsHint,
	}
}
