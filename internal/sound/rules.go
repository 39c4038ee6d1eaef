// SPDX-License-Identifier: MIT

package sound

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmud/mudgate/internal/log"
)

type ruleDoc struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Trigger string   `yaml:"trigger"`
	Gag     bool     `yaml:"gag"`
	Send    []string `yaml:"send"`
}

// LoadFile reads and compiles a rule document. Individual rules that fail
// to compile are logged and skipped; only an unreadable or structurally
// invalid document is an error.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// Parse compiles a rule document from raw YAML. Unknown document keys are
// ignored.
func Parse(data []byte) ([]Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	logger := log.WithComponent("sound")

	rules := make([]Rule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		if spec.Trigger == "" {
			logger.Warn().Int("rule", i).Msg("rule without trigger, skipping")
			continue
		}
		trigger, err := compileTrigger(spec.Trigger)
		if err != nil {
			logger.Warn().
				Int("rule", i).
				Str("trigger", spec.Trigger).
				Err(err).
				Msg("invalid trigger, skipping rule")
			continue
		}
		rules = append(rules, Rule{
			Trigger: trigger,
			Gag:     spec.Gag,
			Send:    spec.Send,
		})
	}
	return rules, nil
}

// compileTrigger turns a trigger into a regexp, mapping the %1..%9 numeric
// wildcards onto capture groups.
func compileTrigger(trigger string) (*regexp.Regexp, error) {
	for n := 1; n <= 9; n++ {
		trigger = strings.ReplaceAll(trigger, "%"+strconv.Itoa(n), "(.*)")
	}
	return regexp.Compile(trigger)
}
