package mesh

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// Radio text payloads are capped well below the frame limit so chunks
// survive hop re-encoding, and spaced out so the device's transmit
// queue never overflows.
const (
	MaxChunkBytes = 200
	ChunkSpacing  = 500 * time.Millisecond
)

// Split breaks text into chunks of at most max bytes. When more than
// one chunk is needed each gets a "[i/N] " prefix, still within the
// byte cap. Multi-byte runes are never cut in half.
func Split(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	// Reserve prefix room for the widest index the split can produce;
	// retry with more digits if the count overflows the estimate.
	for digits := 1; ; digits++ {
		body := max - len("[/] ") - 2*digits
		if body < 1 {
			body = 1
		}
		parts := splitRunes(text, body)
		if len(strconv.Itoa(len(parts))) > digits {
			continue
		}
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), p)
		}
		return out
	}
}

// splitRunes cuts s into pieces of at most n bytes on rune boundaries.
func splitRunes(s string, n int) []string {
	var parts []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// A single rune wider than the budget; emit it whole
			// rather than corrupting it.
			_, cut = utf8.DecodeRuneInString(s)
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	parts = append(parts, s)
	return parts
}
