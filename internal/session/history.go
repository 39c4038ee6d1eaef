// SPDX-License-Identifier: MIT

package session

import "strings"

// history retains delivered lines under both a byte and a line budget,
// evicting from the oldest end.
type history struct {
	lines    []string
	bytes    int
	maxBytes int
	maxLines int
}

func newHistory(maxBytes, maxLines int) *history {
	return &history{maxBytes: maxBytes, maxLines: maxLines}
}

func (h *history) append(line string) {
	h.lines = append(h.lines, line)
	h.bytes += len(line)

	for len(h.lines) > 0 && (h.bytes > h.maxBytes || len(h.lines) > h.maxLines) {
		h.bytes -= len(h.lines[0])
		h.lines = h.lines[1:]
	}
}

func (h *history) empty() bool {
	return len(h.lines) == 0
}

// content joins the retained lines for the history frame.
func (h *history) content() string {
	return strings.Join(h.lines, "\n")
}

func (h *history) size() (lines, bytes int) {
	return len(h.lines), h.bytes
}
