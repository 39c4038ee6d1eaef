// SPDX-License-Identifier: MIT

// Package upstream wraps the raw TCP connection to the MUD. It exposes the
// byte stream as a channel of chunks and a deadline-bounded writer. It never
// interprets the bytes; line assembly and ANSI handling live in the session.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/metrics"
)

var (
	// ErrUnreachable marks a dial that failed for any reason other than a
	// timeout (refused, DNS failure, no route).
	ErrUnreachable = errors.New("upstream unreachable")

	// ErrTimeout marks a dial that exceeded the dial deadline.
	ErrTimeout = errors.New("upstream dial timeout")

	// ErrClosed marks IO on a closed connection.
	ErrClosed = errors.New("upstream closed")

	// ErrBackpressure marks a write that could not complete within the
	// write timeout.
	ErrBackpressure = errors.New("upstream write timed out")
)

// Conn is one live connection to the MUD.
type Conn interface {
	// Chunks yields raw byte chunks in arrival order. The channel is
	// closed on EOF, read error, or Close.
	Chunks() <-chan []byte

	// Write sends bytes to the MUD, failing with ErrBackpressure when the
	// socket cannot accept them within the write timeout and ErrClosed
	// after Close.
	Write(p []byte) error

	// Close releases the socket. Idempotent.
	Close() error
}

// Dialer opens a connection to the configured MUD address.
type Dialer func(ctx context.Context) (Conn, error)

// Config bounds a dialer's connections.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadBuffer   int
}

// NewDialer returns a Dialer for cfg. Dial errors are classified as
// ErrTimeout or ErrUnreachable.
func NewDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		dlog := log.WithComponentFromContext(ctx, "upstream")

		var d net.Dialer
		nc, err := d.DialContext(dctx, "tcp", cfg.Addr)
		if err != nil {
			kind := classifyDialError(err)
			result := "unreachable"
			if errors.Is(kind, ErrTimeout) {
				result = "timeout"
			}
			metrics.UpstreamConnectsTotal.WithLabelValues(result).Inc()
			dlog.Warn().
				Str(log.FieldUpstream, cfg.Addr).
				Err(err).
				Msg("upstream dial failed")
			return nil, fmt.Errorf("%w: dial %s: %v", kind, cfg.Addr, err)
		}

		metrics.UpstreamConnectsTotal.WithLabelValues("ok").Inc()
		dlog.Info().
			Str(log.FieldUpstream, cfg.Addr).
			Msg("upstream connected")

		c := &tcpConn{
			nc:           nc,
			writeTimeout: cfg.WriteTimeout,
			readBuffer:   cfg.ReadBuffer,
			chunks:       make(chan []byte, 32),
			done:         make(chan struct{}),
		}
		go c.readLoop()
		return c, nil
	}
}

func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	return ErrUnreachable
}

type tcpConn struct {
	nc           net.Conn
	writeTimeout time.Duration
	readBuffer   int

	chunks chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (c *tcpConn) Chunks() <-chan []byte { return c.chunks }

func (c *tcpConn) readLoop() {
	defer close(c.chunks)

	buf := make([]byte, c.readBuffer)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.UpstreamBytesTotal.WithLabelValues("in").Add(float64(n))
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *tcpConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	n, err := c.nc.Write(p)
	if n > 0 {
		metrics.UpstreamBytesTotal.WithLabelValues("out").Add(float64(n))
	}
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBackpressure, err)
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.nc.Close()
	})
	return err
}
