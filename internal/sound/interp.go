// SPDX-License-Identifier: MIT

package sound

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// accumulator carries channel/delay/pan/volume/sound_id between calls in one
// send block. play and stop consume it; the setter calls mutate it.
type accumulator struct {
	channel string
	delayMS int
	pan     int
	volume  int
	soundID string
}

var callRe = regexp.MustCompile(`^\s*([a-zA-Z_]\w*)\s*\((.*)\)\s*$`)

// runSend interprets one send block left to right under the given regex
// captures. counter numbers generated sound ids across the whole evaluation.
func (e *Engine) runSend(calls []string, captures []string, counter *int) []Op {
	acc := accumulator{volume: 100}

	var ops []Op
	for _, raw := range calls {
		call := interpolate(raw, captures)

		m := callRe.FindStringSubmatch(call)
		if m == nil {
			e.logger.Warn().Str("call", raw).Msg("unparseable send call, skipping")
			continue
		}
		name, args := m[1], splitArgs(m[2])

		switch name {
		case "play":
			ops = append(ops, e.playOp(args, &acc, counter))
		case "stop":
			op := Op{Action: "stop", DelayMS: acc.delayMS}
			if len(args) > 0 {
				if k, v, ok := namedArg(args[0], "target"); ok && k == "target" {
					op.Target = v
				}
			}
			ops = append(ops, op)
		case "delay":
			acc.delayMS = intArg(args, 0)
		case "pan":
			acc.pan = intArg(args, 0)
		case "volume":
			acc.volume = intArg(args, 0)
		case "channel":
			acc.channel = stringArg(args, 0)
		case "sound_id":
			acc.soundID = stringArg(args, 0)
		default:
			e.logger.Warn().Str("call", name).Msg("unrecognized send call, skipping")
		}
	}
	return ops
}

// playOp builds a play event from the accumulator plus any named arguments
// on the play call itself, which take precedence.
func (e *Engine) playOp(args []string, acc *accumulator, counter *int) Op {
	op := Op{
		Action:  "play",
		Channel: acc.channel,
		DelayMS: acc.delayMS,
		Pan:     acc.pan,
		Volume:  acc.volume,
		SoundID: acc.soundID,
	}

	for i, arg := range args {
		key, value, named := namedArg(arg, "")
		if !named {
			// Sole positional argument is the path.
			if i == 0 {
				op.Path = unquote(arg)
			}
			continue
		}
		switch key {
		case "path":
			op.Path = value
		case "channel":
			op.Channel = value
		case "volume":
			op.Volume = atoiOr(value, op.Volume)
		case "pan":
			op.Pan = atoiOr(value, op.Pan)
		case "delay":
			op.DelayMS = atoiOr(value, op.DelayMS)
		case "sound_id":
			op.SoundID = value
		default:
			e.logger.Warn().Str("arg", key).Msg("unrecognized play argument, skipping")
		}
	}

	if op.SoundID == "" {
		*counter++
		op.SoundID = fmt.Sprintf("s%d", *counter)
	}
	return op
}

// interpolate substitutes %0..%9 with the capture values, %0 being the whole
// match. One left-to-right pass: capture values are emitted verbatim, never
// re-scanned for further wildcards.
func interpolate(text string, captures []string) string {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		if text[i] == '%' && i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
			if idx := int(text[i+1] - '0'); idx < len(captures) {
				b.WriteString(captures[idx])
				i++
				continue
			}
		}
		b.WriteByte(text[i])
	}
	return b.String()
}

// splitArgs separates a call's argument list on top-level commas, honoring
// quotes and nesting.
func splitArgs(s string) []string {
	var (
		args    []string
		buf     strings.Builder
		depth   int
		inQuote byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQuote != 0 {
			buf.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inQuote = ch
			buf.WriteByte(ch)
			continue
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(buf.String()))
				buf.Reset()
				continue
			}
		}
		buf.WriteByte(ch)
	}
	if trimmed := strings.TrimSpace(buf.String()); trimmed != "" {
		args = append(args, trimmed)
	}
	return args
}

// namedArg splits "key=value". With fallback non-empty, a bare positional
// value is treated as that key.
func namedArg(arg, fallback string) (key, value string, ok bool) {
	if k, v, found := strings.Cut(arg, "="); found {
		return strings.TrimSpace(k), unquote(strings.TrimSpace(v)), true
	}
	if fallback != "" {
		return fallback, unquote(arg), true
	}
	return "", "", false
}

func stringArg(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	_, v, _ := namedArg(args[i], "value")
	return v
}

func intArg(args []string, i int) int {
	return atoiOr(stringArg(args, i), 0)
}

func atoiOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == s[len(s)-1] && (s[0] == '"' || s[0] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
