// SPDX-License-Identifier: MIT

package session

import (
	"regexp"
	"strings"
)

// disconnectMarker is the literal the MUD prints when it drops a player.
const disconnectMarker = "*** Disconnected ***"

// promptPatterns are substrings that indicate the MUD is waiting for input.
// These are part of the client-facing contract and feed AWAITING_LOGIN.
var promptPatterns = []string{
	"[input]",
	"name:",
	"login:",
	"password:",
	"senha:",
}

func isPrompt(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range promptPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Confirm prompts get a dedicated frame so the client can render yes/no UI.
var confirmPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\[?are you sure you'd like to do this\?\]?$`),
	regexp.MustCompile(`(?i)enter "yes" or "no"`),
}

func isConfirm(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, re := range confirmPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}
