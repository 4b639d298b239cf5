package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Serial framing used by the radio: two magic bytes, a big-endian
// 16-bit payload length, then the protobuf payload.
const (
	Magic1 = 0x94
	Magic2 = 0xC3

	// maxFrameLen is the largest payload the device will ever send.
	// A length field above this means we are mid-stream or reading
	// garbage, and the reader resynchronizes on the next magic byte.
	maxFrameLen = 512
)

// Frame wraps a payload in the serial framing.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = Magic1
	out[1] = Magic2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// Framer reads and writes framed payloads on a byte stream. Bytes
// outside a valid frame (boot logs, partial frames after reconnect)
// are skipped silently on the read side.
type Framer struct {
	r *bufio.Reader
	w io.Writer
}

func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, 2*maxFrameLen), w: w}
}

// ReadPacket returns the payload of the next well-formed frame. It
// only fails on underlying read errors; framing noise is consumed
// and skipped.
func (f *Framer) ReadPacket() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Magic1 {
			continue
		}

		b, err = f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Magic2 {
			// A lone Magic1 inside other data. The byte we just read
			// could itself start a frame, so put it back.
			if b == Magic1 {
				_ = f.r.UnreadByte()
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > maxFrameLen {
			// Desynchronized: this was not a real header. Resume the
			// scan after the false magic pair.
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// WritePacket writes one framed payload.
func (f *Framer) WritePacket(payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("mesh: frame payload %d exceeds %d bytes", len(payload), maxFrameLen)
	}
	_, err := f.w.Write(Frame(payload))
	return err
}
