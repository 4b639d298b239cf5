// Package mesh drives the locally attached radio: serial framing,
// the device protobuf codec, and a single inbound event stream.
package mesh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.bug.st/serial"
)

// ErrClosed is returned by writes after the transport has been closed.
var ErrClosed = errors.New("mesh: transport closed")

type Config struct {
	DevicePath string
	BaudRate   int

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Transport owns the serial link to the radio. Writes go through
// Send/Heartbeat; everything the device says arrives on the Inbound
// channel as typed events. The channel closes when the port closes,
// cleanly or not; Err tells the two apart.
type Transport struct {
	port   io.ReadWriteCloser
	framer *Framer
	log    *slog.Logger
	clock  clockwork.Clock

	events chan Event

	// writeMu serializes all outbound frames so chunked sends and
	// heartbeats never interleave on the wire.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error

	nextID   atomic.Uint32
	configID uint32
}

// Open connects to the radio on the configured serial device and
// starts the inbound stream.
func Open(cfg Config) (*Transport, error) {
	port, err := serial.Open(cfg.DevicePath, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("mesh: open %s: %w", cfg.DevicePath, err)
	}
	return NewTransport(port, cfg), nil
}

// NewTransport wraps an already-open byte stream (a serial port, or a
// pipe to a simulated device in tests). It immediately requests the
// device's config dump: node list, then the device's own node number.
func NewTransport(port io.ReadWriteCloser, cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	t := &Transport{
		port:   port,
		framer: NewFramer(port, port),
		log:    log.With("component", "mesh"),
		clock:  clock,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	t.configID = rand.Uint32() | 1
	t.nextID.Store(rand.Uint32())

	t.events <- DeviceStatusEvent{Status: StatusConnecting}
	t.events <- DeviceStatusEvent{Status: StatusConfiguring}

	go t.readLoop()
	go t.configure()

	return t
}

// DetectPort returns the first serial port that looks like an attached
// radio. Used when mesh.autoDetect is on and no devicePath is set.
func DetectPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("mesh: list serial ports: %w", err)
	}
	for _, p := range ports {
		for _, prefix := range []string{"/dev/ttyUSB", "/dev/ttyACM", "/dev/cu.usbserial", "/dev/cu.usbmodem", "COM"} {
			if strings.HasPrefix(p, prefix) {
				return p, nil
			}
		}
	}
	return "", errors.New("mesh: no radio serial port found")
}

// Inbound is the single-consumer stream of decoded device events.
func (t *Transport) Inbound() <-chan Event {
	return t.events
}

// Send writes text to a mesh node, splitting into radio-sized chunks
// with the mandatory spacing between them. A write error is returned
// to the caller; the inbound stream is unaffected.
func (t *Transport) Send(text string, toNode uint32) error {
	chunks := Split(text, MaxChunkBytes)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for i, chunk := range chunks {
		if i > 0 {
			t.clock.Sleep(ChunkSpacing)
		}
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}

		pkt := &MeshPacket{
			To:       toNode,
			ID:       t.nextID.Add(1),
			HopLimit: 3,
			Decoded:  &Data{Portnum: PortTextMessage, Payload: []byte(chunk)},
		}
		if err := t.framer.WritePacket(EncodeToRadio(&ToRadio{Packet: pkt})); err != nil {
			return fmt.Errorf("mesh: send to %d: %w", toNode, err)
		}
	}
	return nil
}

// Heartbeat sends the device protocol's keep-alive record.
func (t *Transport) Heartbeat() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	if err := t.framer.WritePacket(EncodeToRadio(&ToRadio{Heartbeat: true})); err != nil {
		return fmt.Errorf("mesh: heartbeat: %w", err)
	}
	return nil
}

// Close shuts the port down cleanly. Idempotent; the inbound channel
// closes shortly after and Err stays nil.
func (t *Transport) Close() error {
	t.closePort()
	return nil
}

// Err reports why the inbound stream ended: nil after a clean Close,
// the port error otherwise.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Transport) closePort() {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.port.Close()
	})
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

// fail records a port error and tears the transport down. The inbound
// channel closes; the orchestrator sees Err() != nil and starts
// recovery.
func (t *Transport) fail(err error) {
	t.setErr(err)
	t.closePort()
}

// configure wakes the device's serial handler and requests the config
// dump. The device answers with my_info, one node_info per known node,
// then echoes our config id.
func (t *Transport) configure() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return
	default:
	}

	wake := bytes.Repeat([]byte{Magic2}, 32)
	if _, err := t.port.Write(wake); err != nil {
		t.log.Error("wake write failed", "err", err)
		t.fail(fmt.Errorf("mesh: wake device: %w", err))
		return
	}
	if err := t.framer.WritePacket(EncodeToRadio(&ToRadio{WantConfigID: t.configID})); err != nil {
		t.log.Error("config request failed", "err", err)
		t.fail(fmt.Errorf("mesh: request config: %w", err))
		return
	}
}

func (t *Transport) readLoop() {
	defer close(t.events)

	for {
		payload, err := t.framer.ReadPacket()
		if err != nil {
			select {
			case <-t.closed:
				// Close or fail already ran; keep its verdict.
			default:
				t.log.Error("port error, closing stream", "err", err)
				t.setErr(err)
				t.closePort()
			}
			return
		}

		fr, err := DecodeFromRadio(payload)
		if err != nil {
			// Corrupt frame: drop it, keep the stream alive.
			t.log.Warn("dropping corrupt frame", "len", len(payload), "err", err)
			continue
		}

		for _, ev := range t.eventsFrom(fr) {
			select {
			case t.events <- ev:
			case <-t.closed:
				return
			}
		}
	}
}

// eventsFrom maps one decoded record onto inbound events.
func (t *Transport) eventsFrom(fr *FromRadio) []Event {
	switch {
	case fr.MyInfo != nil:
		return []Event{MyNodeInfoEvent{NodeNum: fr.MyInfo.MyNodeNum}}

	case fr.NodeInfo != nil:
		return []Event{NodeInfoEvent{Node: fr.NodeInfo}}

	case fr.ConfigCompleteID != 0:
		if fr.ConfigCompleteID != t.configID {
			t.log.Debug("config complete for stale id", "got", fr.ConfigCompleteID)
			return nil
		}
		return []Event{DeviceStatusEvent{Status: StatusConfigured}}

	case fr.Rebooted:
		// The radio restarted mid-session; ask for its state again.
		t.log.Warn("device rebooted, requesting config")
		go t.configure()
		return []Event{DeviceStatusEvent{Status: StatusConfiguring}}

	case fr.Packet != nil:
		pkt := fr.Packet
		if pkt.Decoded == nil {
			// Encrypted for someone else; nothing for the bridge.
			return nil
		}
		if pkt.Decoded.Portnum == PortNodeInfo {
			if u, err := DecodeUser(pkt.Decoded.Payload); err == nil {
				ni := &NodeInfo{Num: pkt.From, User: u, LastHeard: pkt.RxTime}
				return []Event{NodeInfoEvent{Node: ni}}
			}
			t.log.Warn("bad user payload in node-info packet", "from", pkt.From)
		}
		return []Event{PacketEvent{Packet: pkt}}
	}
	return nil
}
