package mesh

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramerRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := NewFramer(&buf, &buf)

	require.NoError(t, f.WritePacket([]byte("hello")))
	require.NoError(t, f.WritePacket([]byte{0x00, 0x94, 0xC3}))

	got, err := f.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = f.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x94, 0xC3}, got)

	_, err = f.ReadPacket()
	require.ErrorIs(t, err, io.EOF)
}

func TestFramerSkipsLeadingNoise(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte("boot log line\r\n"))
	buf.Write(Frame([]byte("payload")))

	f := NewFramer(&buf, io.Discard)
	got, err := f.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

// A first magic byte not followed by the second must not swallow the
// real frame that starts at that second byte.
func TestFramerResyncsOnFalseStart(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteByte(Magic1)
	buf.Write(Frame([]byte("after false start")))

	f := NewFramer(&buf, io.Discard)
	got, err := f.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("after false start"), got)
}

// An implausible length means we latched onto noise that happened to
// look like a header. The framer resumes scanning instead of blocking
// on a 60KB read that will never complete.
func TestFramerResyncsOnBadLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{Magic1, Magic2, 0xFF, 0xFF})
	buf.Write(Frame([]byte("recovered")))

	f := NewFramer(&buf, io.Discard)
	got, err := f.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), got)
}

func TestFramerRejectsOversizedWrite(t *testing.T) {
	t.Parallel()

	f := NewFramer(bytes.NewReader(nil), io.Discard)
	err := f.WritePacket(bytes.Repeat([]byte{0x01}, 513))
	require.Error(t, err)
}

func TestFramerTruncatedBody(t *testing.T) {
	t.Parallel()

	framed := Frame([]byte("cut short"))
	f := NewFramer(bytes.NewReader(framed[:len(framed)-3]), io.Discard)
	_, err := f.ReadPacket()
	require.Error(t, err)
}
