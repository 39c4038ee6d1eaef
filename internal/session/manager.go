// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/metrics"
	"github.com/openmud/mudgate/internal/protocol"
	"github.com/openmud/mudgate/internal/sound"
	"github.com/openmud/mudgate/internal/upstream"
)

var (
	// ErrOwnerMismatch rejects an init that names an existing session
	// without the matching owner secret.
	ErrOwnerMismatch = errors.New("owner mismatch")

	// ErrSessionInvalid rejects recovery of a manually disconnected session.
	ErrSessionInvalid = errors.New("session invalidated")

	// ErrMaxSessions rejects creation beyond the session limit.
	ErrMaxSessions = errors.New("session limit reached")
)

// Manager owns the public id mapping. Its mutex guards only the map and the
// removal timers; session-internal work never runs under it.
type Manager struct {
	cfg    config.Config
	dial   upstream.Dialer
	sounds *sound.Engine
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	removals map[string]*time.Timer
}

// NewManager builds a Manager over the given upstream dialer and sound
// engine.
func NewManager(cfg config.Config, dial upstream.Dialer, sounds *sound.Engine) *Manager {
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		sounds:   sounds,
		logger:   log.WithComponent("manager"),
		sessions: map[string]*Session{},
		removals: map[string]*time.Timer{},
	}
}

// Attach resolves an init frame to a session, atomically. An absent or
// unknown publicId creates a fresh session; a known one recovers it after
// the owner check. All reply frames, including rejections, are sent here.
func (m *Manager) Attach(t Transport, publicID, owner string) (*Session, error) {
	m.mu.Lock()
	s, known := m.sessions[publicID]
	if publicID == "" || !known {
		if len(m.sessions) >= m.cfg.MaxSessions {
			m.mu.Unlock()
			metrics.SessionsRejectedTotal.WithLabelValues(protocol.ReasonMaxSessions).Inc()
			_ = t.Send(protocol.SessionInvalid(protocol.ReasonMaxSessions, "session limit reached"))
			t.Close(protocol.CloseMaxSessions, "session limit reached")
			return nil, ErrMaxSessions
		}
		s = newSession(uuid.NewString(), uuid.NewString(), m.cfg, m.dial, m.sounds)
		m.sessions[s.PublicID] = s
		metrics.SessionsCreatedTotal.Inc()
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
		m.mu.Unlock()

		s.createAttach(t)
		m.logger.Info().
			Str(log.FieldSessionID, s.PublicID).
			Str(log.FieldTransportID, t.ID()).
			Msg("session created")
		return s, nil
	}
	m.mu.Unlock()

	if s.isManuallyDisconnected() {
		metrics.SessionsRejectedTotal.WithLabelValues(protocol.ReasonManualDisconnect).Inc()
		_ = t.Send(protocol.SessionInvalid(protocol.ReasonManualDisconnect, "session was ended by its owner"))
		t.Close(protocol.CloseSessionInvalid, "session invalidated")
		return nil, ErrSessionInvalid
	}
	if !s.ownerMatches(owner) {
		metrics.SessionsRejectedTotal.WithLabelValues(protocol.ReasonOwnerMismatch).Inc()
		_ = t.Send(protocol.SessionInvalid(protocol.ReasonOwnerMismatch, "owner does not match"))
		t.Close(protocol.CloseSessionInvalid, "owner mismatch")
		return nil, ErrOwnerMismatch
	}

	m.mu.Lock()
	m.cancelRemovalLocked(publicID)
	m.mu.Unlock()

	if !s.recoverAttach(t) {
		// A sweep evicted the session between lookup and attach; the
		// late init starts over with a fresh session.
		return m.Attach(t, "", "")
	}
	metrics.SessionsRecoveredTotal.Inc()
	m.logger.Info().
		Str(log.FieldSessionID, s.PublicID).
		Str(log.FieldTransportID, t.ID()).
		Msg("session recovered")
	return s, nil
}

// Detach removes a transport from its session. The idle clock starts from
// the session's last activity once the transport set is empty.
func (m *Manager) Detach(s *Session, transportID string) {
	if s == nil {
		return
	}
	if empty := s.detach(transportID); empty {
		m.logger.Debug().
			Str(log.FieldSessionID, s.PublicID).
			Msg("session has no attached transports")
	}
}

// ScheduleRemoval arranges for the session to be removed after delay. Used
// after a manual disconnect; recovery by other transports is already blocked
// at that point, but a transport that stayed attached may reconnect.
func (m *Manager) ScheduleRemoval(publicID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.removals[publicID]; ok {
		timer.Stop()
	}
	m.removals[publicID] = time.AfterFunc(delay, func() {
		m.removalDue(publicID)
	})
}

// removalDue fires when a scheduled removal comes due. A session the user
// has brought back up since the disconnect stays; a later disconnect arms a
// fresh timer.
func (m *Manager) removalDue(publicID string) {
	m.mu.Lock()
	s, ok := m.sessions[publicID]
	m.mu.Unlock()

	if ok && s.State() != StateDisconnected {
		m.mu.Lock()
		delete(m.removals, publicID)
		m.mu.Unlock()
		m.logger.Debug().
			Str(log.FieldSessionID, publicID).
			Msg("scheduled removal skipped, session reconnected")
		return
	}
	m.remove(publicID, "manual")
}

func (m *Manager) cancelRemovalLocked(publicID string) {
	if timer, ok := m.removals[publicID]; ok {
		timer.Stop()
		delete(m.removals, publicID)
	}
}

func (m *Manager) remove(publicID, cause string) {
	m.mu.Lock()
	s, ok := m.sessions[publicID]
	if ok {
		delete(m.sessions, publicID)
	}
	delete(m.removals, publicID)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if !ok {
		return
	}
	s.close("session removed")
	metrics.SessionsEvictedTotal.WithLabelValues(cause).Inc()
	m.logger.Info().
		Str(log.FieldSessionID, publicID).
		Str("cause", cause).
		Msg("session removed")
}

// Run starts the background sweeper loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.SweepInterval).Msg("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(time.Now())
		}
	}
}

// SweepOnce evicts every session that has had no transports and no activity
// for longer than the idle timeout. Deterministic, for tests.
func (m *Manager) SweepOnce(now time.Time) {
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleEligible(now, m.cfg.IdleTimeout) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.remove(id, "idle")
	}
}

// Shutdown closes every session. Used on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		all = append(all, id)
	}
	m.mu.Unlock()

	for _, id := range all {
		m.remove(id, "shutdown")
	}
}

// Counts reports totals for the health endpoint.
func (m *Manager) Counts() (sessions, transports int) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		snap := s.snapshot()
		transports += snap.Transports
	}
	return len(list), transports
}

// Snapshots returns the debug view of every session.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(list))
	for _, s := range list {
		snaps = append(snaps, s.snapshot())
	}
	return snaps
}

// RemovalDelay exposes the configured post-disconnect removal delay for the
// frame dispatch layer.
func (m *Manager) RemovalDelay() time.Duration {
	return m.cfg.RemovalDelay
}
