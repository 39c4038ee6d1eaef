// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
)

// requireDebugSecret gates the debug group behind X-Debug-Secret when a
// secret is configured. Without a configured secret the DEBUG flag alone
// opens the endpoints, which is fine on a developer machine.
func (s *Server) requireDebugSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DebugSecret != "" && r.Header.Get("X-Debug-Secret") != s.cfg.DebugSecret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Snapshots())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.mgr.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snaps),
		"sessions": snaps,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.tail == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.tail.Snapshot())
}

// handleLogStream serves the log tail as server-sent events: the retained
// lines first, then live lines until the client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.tail == nil {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, line := range s.tail.Snapshot() {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	flusher.Flush()

	lines, cancel := s.tail.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-lines:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}
