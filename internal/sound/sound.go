// SPDX-License-Identifier: MIT

// Package sound evaluates trigger rules against upstream lines and produces
// structured audio events for attached clients.
//
// The rule document is YAML: a list of rules, each with a regex trigger, an
// optional gag flag, and a send block of calls drawn from the fixed set
// play, stop, delay, pan, volume, channel, sound_id. Anything outside that
// set is logged and skipped, never evaluated.
package sound

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openmud/mudgate/internal/log"
	"github.com/openmud/mudgate/internal/metrics"
)

// Op is one structured sound event sent to clients.
type Op struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	Path    string `json:"path,omitempty"`
	DelayMS int    `json:"delay_ms,omitempty"`
	Pan     int    `json:"pan,omitempty"`
	Volume  int    `json:"volume,omitempty"`
	SoundID string `json:"sound_id,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Rule is one compiled trigger rule.
type Rule struct {
	Trigger *regexp.Regexp
	Gag     bool
	Send    []string
}

// Engine holds the active rule set. Evaluation is stateless per line; the
// rule set itself can be swapped at runtime by Reload.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	logger zerolog.Logger
}

// NewEngine builds an engine over an already compiled rule set.
func NewEngine(rules []Rule) *Engine {
	return &Engine{
		rules:  rules,
		logger: log.WithComponent("sound"),
	}
}

// Reload atomically replaces the rule set.
func (e *Engine) Reload(rules []Rule) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.logger.Info().Int("rules", len(rules)).Msg("sound rules reloaded")
}

// RuleCount reports the size of the active rule set.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Terminal escape sequences never reach the matcher.
var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07]*\x07`)
)

func normalizeLine(line string) string {
	line = strings.ReplaceAll(line, "\r", "")
	line = strings.ReplaceAll(line, "\n", "")
	line = ansiCSI.ReplaceAllString(line, "")
	line = ansiOSC.ReplaceAllString(line, "")
	return line
}

// Evaluate tests every rule against the line in declaration order and
// returns the concatenated events plus whether any matching rule gags the
// line. Multiple matches of one trigger within the line each run the send
// block. Sound ids are s1, s2, ... per evaluation.
func (e *Engine) Evaluate(line string) ([]Op, bool) {
	if strings.TrimSpace(line) == "" {
		return nil, false
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	normalized := normalizeLine(line)

	var (
		ops     []Op
		gag     bool
		counter int
	)
	for _, rule := range rules {
		matches := rule.Trigger.FindAllStringSubmatch(normalized, -1)
		if matches == nil {
			continue
		}
		gag = gag || rule.Gag
		for _, captures := range matches {
			ops = append(ops, e.runSend(rule.Send, captures, &counter)...)
		}
	}

	for _, op := range ops {
		metrics.SoundEventsTotal.WithLabelValues(op.Action).Inc()
	}
	return ops, gag
}
