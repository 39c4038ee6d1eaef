// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/protocol"
	"github.com/openmud/mudgate/internal/session"
	"github.com/openmud/mudgate/internal/transport"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, s.cfg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.serve(conn)
}

// serve is the per-transport dispatch loop. The first frame must be init;
// a second init on the same transport is destructive and ends the prior
// attachment.
func (s *Server) serve(c *transport.Conn) {
	ctx := log.ContextWithTransportID(context.Background(), c.ID())
	logger := log.WithContext(ctx, s.logger)

	var sess *session.Session
	defer func() {
		if sess != nil {
			s.mgr.Detach(sess, c.ID())
		}
		c.Close(protocol.CloseNormal, "connection ended")
	}()

	for {
		env, err := c.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformed):
				_ = c.Send(protocol.Error("malformed frame"))
				c.Close(protocol.ClosePolicy, "malformed frame")
			case errors.Is(err, transport.ErrRateLimited),
				errors.Is(err, protocol.ErrOversized):
				// transport is already closing with its own code
			default:
				logger.Debug().Err(err).Msg("transport read ended")
			}
			return
		}

		if env.Type == protocol.TypeInit {
			if sess != nil {
				s.mgr.Detach(sess, c.ID())
				sess = nil
			}
			attached, err := s.mgr.Attach(c, env.String("publicId"), env.String("owner"))
			if err != nil {
				// rejection frames and the close are the manager's
				return
			}
			sess = attached
			ctx = log.ContextWithSessionID(ctx, sess.PublicID)
			continue
		}

		if sess == nil {
			_ = c.Send(protocol.Error("init required"))
			c.Close(protocol.ClosePolicy, "init required")
			return
		}

		switch env.Type {
		case protocol.TypeConnect:
			sess.RequestConnect(ctx)
		case protocol.TypeDisconnect:
			sess.RequestDisconnect()
			s.mgr.ScheduleRemoval(sess.PublicID, s.mgr.RemovalDelay())
		case protocol.TypeCommand:
			sess.SubmitCommand(c, env.String("value"))
		case protocol.TypeLogin:
			sess.SubmitLogin(env.String("username"), env.String("password"))
		default:
			logger.Debug().Str(log.FieldFrameType, env.Type).Msg("unknown frame type")
			_ = c.Send(protocol.Error("unknown frame type"))
		}
	}
}
