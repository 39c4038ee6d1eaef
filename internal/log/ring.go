// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"sync"
)

// Ring is a bounded in-memory buffer of recent log lines. It backs the
// /api/logs/stream debug endpoint: a snapshot of the tail plus live
// subscription for new lines. Writes never block; slow subscribers lose
// lines instead of stalling the logger.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	subs  map[chan string]struct{}
}

// NewRing creates a ring holding at most capacity lines.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{
		lines: make([]string, capacity),
		subs:  make(map[chan string]struct{}),
	}
}

// Write implements io.Writer for use as a zerolog sink. Each call is one
// serialized log event (zerolog writes events atomically).
func (r *Ring) Write(p []byte) (int, error) {
	line := string(bytes.TrimRight(p, "\n"))
	if line == "" {
		return len(p), nil
	}

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	for ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
	r.mu.Unlock()

	return len(p), nil
}

// Snapshot returns the retained lines, oldest first.
func (r *Ring) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	return out
}

// Subscribe registers a live feed of new lines. The returned cancel func
// must be called to release the subscription.
func (r *Ring) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, cancel
}
