package p2p

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxRecordSize caps one frame on the peer link. Relay payloads are
// chunked mesh text, so anything near this size is garbage.
const maxRecordSize = 256 * 1024

// link carries one JSON record per frame, whatever the transport.
type link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
	RemoteAddr() string
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// tcpLink speaks newline-delimited JSON over a raw TCP connection.
type tcpLink struct {
	conn net.Conn
	sc   *bufio.Scanner

	wMu sync.Mutex
}

func newTCPLink(conn net.Conn) *tcpLink {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxRecordSize)
	return &tcpLink{conn: conn, sc: sc}
}

func (l *tcpLink) ReadFrame() ([]byte, error) {
	if !l.sc.Scan() {
		if err := l.sc.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	// The scanner reuses its buffer; hand out a copy.
	return append([]byte(nil), l.sc.Bytes()...), nil
}

func (l *tcpLink) WriteFrame(b []byte) error {
	l.wMu.Lock()
	defer l.wMu.Unlock()
	if _, err := l.conn.Write(b); err != nil {
		return err
	}
	_, err := l.conn.Write([]byte{'\n'})
	return err
}

func (l *tcpLink) Close() error                      { return l.conn.Close() }
func (l *tcpLink) RemoteAddr() string                { return l.conn.RemoteAddr().String() }
func (l *tcpLink) SetReadDeadline(t time.Time) error { return l.conn.SetReadDeadline(t) }
func (l *tcpLink) SetWriteDeadline(t time.Time) error {
	return l.conn.SetWriteDeadline(t)
}

// wsLink carries one JSON record per websocket message. Gorilla allows
// a single concurrent writer, hence the mutex.
type wsLink struct {
	conn *websocket.Conn

	wMu sync.Mutex
}

func newWSLink(conn *websocket.Conn) *wsLink {
	conn.SetReadLimit(maxRecordSize)
	return &wsLink{conn: conn}
}

func (l *wsLink) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		default:
			// Control frames are handled by gorilla itself.
		}
	}
}

func (l *wsLink) WriteFrame(b []byte) error {
	l.wMu.Lock()
	defer l.wMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (l *wsLink) Close() error                       { return l.conn.Close() }
func (l *wsLink) RemoteAddr() string                 { return l.conn.RemoteAddr().String() }
func (l *wsLink) SetReadDeadline(t time.Time) error  { return l.conn.SetReadDeadline(t) }
func (l *wsLink) SetWriteDeadline(t time.Time) error { return l.conn.SetWriteDeadline(t) }
