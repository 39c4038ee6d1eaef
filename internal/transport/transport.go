// SPDX-License-Identifier: MIT

// Package transport frames the websocket side of the broker: one Conn per
// peer, with read-side rate limiting and a bounded write queue so a slow
// client can never stall a session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/metrics"
	"github.com/openmud/mudgate/internal/protocol"
)

var (
	// ErrRateLimited is returned once the peer exceeds the frame budget;
	// the connection is already closing with 1013 at that point.
	ErrRateLimited = errors.New("transport rate limited")

	// ErrQueueFull is returned when the bounded write queue overflows; the
	// connection is already closing with 1013.
	ErrQueueFull = errors.New("transport write queue full")

	// ErrClosed is returned for IO on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Conn is one websocket peer.
type Conn struct {
	id      string
	ws      *websocket.Conn
	cfg     config.Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	sendQ chan []byte
	done  chan struct{}

	closeOnce sync.Once
}

// Accept upgrades an HTTP request to a websocket transport. The read limit
// enforces the per-frame byte cap at the socket level.
func Accept(w http.ResponseWriter, r *http.Request, cfg config.Config) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect from the static asset origin; the HTTP
		// shell in front of us decides who gets this far.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	ws.SetReadLimit(cfg.FrameMaxBytes)

	c := &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.FrameRate), cfg.FrameBurst),
		sendQ:   make(chan []byte, cfg.WriteHighWater),
		done:    make(chan struct{}),
	}
	c.logger = log.WithComponent("transport").With().
		Str(log.FieldTransportID, c.id).
		Str(log.FieldRemoteAddr, r.RemoteAddr).
		Logger()

	go c.writeLoop()

	c.logger.Debug().Msg("transport accepted")
	return c, nil
}

// ID returns the transport's opaque identifier.
func (c *Conn) ID() string { return c.id }

// ReadFrame reads and decodes one envelope. It fails with ErrRateLimited
// when the peer exceeds the frame budget (transport closes with 1013),
// with protocol.ErrMalformed or protocol.ErrOversized on bad frames, and
// with the underlying read error once the peer is gone.
func (c *Conn) ReadFrame(ctx context.Context) (*protocol.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
			metrics.FramesRejectedTotal.WithLabelValues("oversized").Inc()
			return nil, fmt.Errorf("%w: %v", protocol.ErrOversized, err)
		}
		return nil, err
	}

	if !c.limiter.Allow() {
		metrics.FramesRejectedTotal.WithLabelValues("rate_limited").Inc()
		c.logger.Warn().Msg("frame rate exceeded")
		c.Close(protocol.CloseTryAgainLater, "rate limited")
		return nil, ErrRateLimited
	}

	env, err := protocol.Decode(data)
	if err != nil {
		metrics.FramesRejectedTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	metrics.FramesReceivedTotal.WithLabelValues(env.Type).Inc()
	return env, nil
}

// Send queues one envelope for delivery. It never blocks: when the queue is
// at the high-water mark the transport is closed with 1013 and the caller
// should drop its reference.
func (c *Conn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendQ <- data:
		metrics.FramesSentTotal.WithLabelValues(env.Type).Inc()
		return nil
	default:
		c.logger.Warn().Msg("write queue overflow")
		c.Close(protocol.CloseTryAgainLater, "write queue overflow")
		return ErrQueueFull
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendQ:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.Close(protocol.CloseInternalError, "write failed")
				return
			}
		}
	}
}

// Close shuts the transport down with the given close code. Idempotent;
// later Send calls fail with ErrClosed. A normal close gives the writer a
// short grace to flush queued frames; error closes tear down immediately.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code == protocol.CloseNormal && c.cfg.DrainGrace > 0 {
			deadline := time.After(c.cfg.DrainGrace)
		drain:
			for len(c.sendQ) > 0 {
				select {
				case <-deadline:
					break drain
				case <-time.After(5 * time.Millisecond):
				}
			}
		}
		close(c.done)
		metrics.TransportClosesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
		c.logger.Debug().
			Int(log.FieldCloseCode, code).
			Str("reason", reason).
			Msg("transport closed")
		_ = c.ws.Close(websocket.StatusCode(code), reason)
	})
}
