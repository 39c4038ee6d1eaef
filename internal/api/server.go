// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the broker: the websocket endpoint,
// health and metrics, and the debug endpoints that only exist when DEBUG is
// set.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/session"
	"github.com/openmud/mudgate/internal/sound"
)

// Server wires the manager and sound engine to HTTP.
type Server struct {
	cfg    config.Config
	mgr    *session.Manager
	sounds *sound.Engine
	tail   *log.Ring
	logger zerolog.Logger
}

// NewServer builds the HTTP layer. tail may be nil; the log endpoints then
// serve empty output.
func NewServer(cfg config.Config, mgr *session.Manager, sounds *sound.Engine, tail *log.Ring) *Server {
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		sounds: sounds,
		tail:   tail,
		logger: log.WithComponent("api"),
	}
}

// Router assembles all routes. Debug routes are registered only when DEBUG
// is enabled; in production they do not exist at all.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.cfg.Debug {
		s.logger.Warn().Msg("debug endpoints enabled, do not run this in production")
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Use(s.requireDebugSecret)
			r.Get("/sessions", s.handleSessions)
			r.Get("/api/sessions/status", s.handleSessionStatus)
			r.Get("/logs", s.handleLogs)
			r.Get("/api/logs/stream", s.handleLogStream)
		})
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions, transports := s.mgr.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"sessions":   sessions,
		"transports": transports,
		"soundRules": s.sounds.RuleCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
