package mesh

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

var chunkPrefix = regexp.MustCompile(`^\[(\d+)/(\d+)\] `)

func TestSplitShortTextPassesThrough(t *testing.T) {
	t.Parallel()

	got := Split("short and sweet", MaxChunkBytes)
	require.Equal(t, []string{"short and sweet"}, got)
}

func TestSplitExactLimitPassesThrough(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", MaxChunkBytes)
	got := Split(text, MaxChunkBytes)
	require.Equal(t, []string{text}, got)
}

func TestSplitLongTextChunksAndNumbers(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("0123456789", 61) // 610 bytes
	chunks := Split(text, MaxChunkBytes)
	require.Greater(t, len(chunks), 1)

	var rebuilt strings.Builder
	for i, c := range chunks {
		require.LessOrEqual(t, len(c), MaxChunkBytes, "chunk %d too long", i)

		m := chunkPrefix.FindStringSubmatch(c)
		require.NotNil(t, m, "chunk %d missing prefix: %q", i, c)
		require.Equal(t, strconv.Itoa(i+1), m[1])
		require.Equal(t, strconv.Itoa(len(chunks)), m[2])

		rebuilt.WriteString(c[len(m[0]):])
	}
	require.Equal(t, text, rebuilt.String())
}

func TestSplitNeverBreaksRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("åäö北海道🌲", 40)
	chunks := Split(text, MaxChunkBytes)
	require.Greater(t, len(chunks), 1)

	var rebuilt strings.Builder
	for i, c := range chunks {
		require.LessOrEqual(t, len(c), MaxChunkBytes)
		require.True(t, utf8.ValidString(c), "chunk %d has a broken rune", i)
		m := chunkPrefix.FindStringSubmatch(c)
		require.NotNil(t, m)
		rebuilt.WriteString(c[len(m[0]):])
	}
	require.Equal(t, text, rebuilt.String())
}

func TestSplitEmptyText(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{""}, Split("", MaxChunkBytes))
}
