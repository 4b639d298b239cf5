package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Command
	}{
		{"@bob Hello Bob", Command{Kind: KindRelay, Target: "bob", Text: "Hello Bob", Raw: "@bob Hello Bob"}},
		{"@Bob hi", Command{Kind: KindRelay, Target: "bob", Text: "hi", Raw: "@Bob hi"}},
		{"@alice_2   spaced   out ", Command{Kind: KindRelay, Target: "alice_2", Text: "spaced   out", Raw: "@alice_2   spaced   out"}},
		{"nodes", Command{Kind: KindListNodes, Raw: "nodes"}},
		{"NODES", Command{Kind: KindListNodes, Raw: "NODES"}},
		{"status", Command{Kind: KindStatus, Raw: "status"}},
		{"Status\r\n", Command{Kind: KindStatus, Raw: "Status"}},
		{"instructions", Command{Kind: KindInstructions, Raw: "instructions"}},
		{"help", Command{Kind: KindInstructions, Raw: "help"}},
		{"HELP", Command{Kind: KindInstructions, Raw: "HELP"}},
		{"hello there", Command{Kind: KindEcho, Raw: "hello there"}},
		{"", Command{Kind: KindEcho, Raw: ""}},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, Parse(tc.in), "input %q", tc.in)
	}
}

// A bare @token with no message body must NOT be treated as a relay so
// truncated commands echo back instead of being forwarded empty.
func TestParseBareTargetIsEcho(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"@bob", "@bob ", "@bob\t", "@"} {
		got := Parse(in)
		require.Equal(t, KindEcho, got.Kind, "input %q", in)
	}
}

// "status now" and friends are not the status command; they fall
// through to echo like any other unrecognized text.
func TestParseKeywordsNeedExactMatch(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"status now", "nodes?", "helpme", " nodes"} {
		got := Parse(in)
		require.Equal(t, KindEcho, got.Kind, "input %q", in)
	}
}
