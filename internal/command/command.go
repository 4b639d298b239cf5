// Package command turns raw mesh text into the station's command
// grammar. The grammar is deliberately tiny: everything that is not a
// recognized command echoes back, so a typo never vanishes silently.
package command

import (
	"regexp"
	"strings"
)

type Kind int

const (
	// KindEcho is the default for anything the grammar doesn't claim.
	KindEcho Kind = iota
	KindRelay
	KindStatus
	KindListNodes
	KindInstructions
)

func (k Kind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindStatus:
		return "status"
	case KindListNodes:
		return "nodes"
	case KindInstructions:
		return "instructions"
	default:
		return "echo"
	}
}

// Command is one parsed user message. Target and Text are only set
// for relays; Raw always carries the trimmed original.
type Command struct {
	Kind   Kind
	Target string
	Text   string
	Raw    string
}

// A relay needs a target and at least one non-space character of
// text. A bare "@name" is deliberately NOT a relay: a truncated
// command must echo back instead of being forwarded half-typed.
var relayRe = regexp.MustCompile(`^@(\w+)\s+(.+)$`)

// Parse maps raw text onto a Command. Keywords are case-insensitive
// and trailing whitespace is ignored; the first matching rule wins.
func Parse(raw string) Command {
	text := strings.TrimRight(raw, " \t\r\n")

	if m := relayRe.FindStringSubmatch(text); m != nil {
		return Command{
			Kind:   KindRelay,
			Target: strings.ToLower(m[1]),
			Text:   m[2],
			Raw:    text,
		}
	}

	switch strings.ToLower(text) {
	case "nodes":
		return Command{Kind: KindListNodes, Raw: text}
	case "status":
		return Command{Kind: KindStatus, Raw: text}
	case "instructions", "help":
		return Command{Kind: KindInstructions, Raw: text}
	}

	return Command{Kind: KindEcho, Raw: text}
}
