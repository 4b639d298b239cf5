// Package meshtest provides an in-process radio for transport and
// orchestrator tests. It speaks the real framed device protocol over a
// net.Pipe, so the code under test runs the same byte path as against
// hardware.
package meshtest

import (
	"io"
	"net"
	"sync"

	"github.com/encryptedmeshlink/station/internal/mesh"
)

// Device emulates the station-facing half of a radio. Feed it node
// fixtures, hand HostPort to the transport under test, then inspect
// what the host wrote or inject traffic from fake mesh nodes.
type Device struct {
	hostPort net.Conn
	devPort  net.Conn
	framer   *mesh.Framer

	myNum uint32

	mu         sync.Mutex
	nodes      []*mesh.NodeInfo
	sent       []*mesh.MeshPacket
	heartbeats int
	silent     bool

	// SentCh receives every host packet as it arrives, so tests can
	// wait without polling.
	SentCh chan *mesh.MeshPacket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewDevice starts a radio whose own node number is myNum.
func NewDevice(myNum uint32) *Device {
	host, dev := net.Pipe()
	d := &Device{
		hostPort: host,
		devPort:  dev,
		framer:   mesh.NewFramer(dev, dev),
		myNum:    myNum,
		SentCh:   make(chan *mesh.MeshPacket, 64),
	}
	go d.readLoop()
	return d
}

// HostPort is the stream the transport under test should wrap.
func (d *Device) HostPort() io.ReadWriteCloser {
	return d.hostPort
}

// SetSilent makes the device ignore config requests, emulating a radio
// that is attached but not answering the host.
func (d *Device) SetSilent(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = v
}

// AddNode registers a mesh node that will appear in the config dump.
func (d *Device) AddNode(num uint32, id, longName, shortName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = append(d.nodes, &mesh.NodeInfo{
		Num:  num,
		User: &mesh.User{ID: id, LongName: longName, ShortName: shortName},
	})
}

// Sent returns a snapshot of every packet the host has written so far.
func (d *Device) Sent() []*mesh.MeshPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*mesh.MeshPacket, len(d.sent))
	copy(out, d.sent)
	return out
}

// Heartbeats reports how many keep-alives the host has written.
func (d *Device) Heartbeats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeats
}

// SendTextFrom injects a text packet as if a mesh node had transmitted
// it over the air.
func (d *Device) SendTextFrom(from uint32, text string) error {
	return d.SendPacket(&mesh.MeshPacket{
		From:    from,
		To:      d.myNum,
		Decoded: &mesh.Data{Portnum: mesh.PortTextMessage, Payload: []byte(text)},
	})
}

// SendPacket injects an arbitrary over-the-air packet.
func (d *Device) SendPacket(p *mesh.MeshPacket) error {
	return d.write(&mesh.FromRadio{Packet: p})
}

// SendNodeInfo announces a node outside the config dump, the way real
// devices broadcast fresh node records.
func (d *Device) SendNodeInfo(ni *mesh.NodeInfo) error {
	return d.write(&mesh.FromRadio{NodeInfo: ni})
}

// SendRebooted tells the host the radio restarted.
func (d *Device) SendRebooted() error {
	return d.write(&mesh.FromRadio{Rebooted: true})
}

// WriteCorruptFrame emits a well-framed payload that is not a valid
// record, for drop-and-continue tests.
func (d *Device) WriteCorruptFrame() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.framer.WritePacket([]byte{0xde, 0xad, 0xbe, 0xef})
}

// WriteRaw pushes arbitrary bytes at the host, bypassing framing.
// Useful for desync tests.
func (d *Device) WriteRaw(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.devPort.Write(b)
	return err
}

// Close drops both ends of the link. The host sees a port error.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		_ = d.devPort.Close()
		_ = d.hostPort.Close()
	})
}

func (d *Device) write(fr *mesh.FromRadio) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.framer.WritePacket(mesh.EncodeFromRadio(fr))
}

func (d *Device) readLoop() {
	for {
		payload, err := d.framer.ReadPacket()
		if err != nil {
			return
		}
		tr, err := mesh.DecodeToRadio(payload)
		if err != nil {
			continue
		}
		switch {
		case tr.WantConfigID != 0:
			d.mu.Lock()
			silent := d.silent
			d.mu.Unlock()
			if !silent {
				d.sendConfigDump(tr.WantConfigID)
			}
		case tr.Packet != nil:
			d.mu.Lock()
			d.sent = append(d.sent, tr.Packet)
			d.mu.Unlock()
			select {
			case d.SentCh <- tr.Packet:
			default:
			}
		case tr.Heartbeat:
			d.mu.Lock()
			d.heartbeats++
			d.mu.Unlock()
		}
	}
}

// sendConfigDump replays the startup sequence a real device performs:
// my_info, one node_info per known node, then the config id echo.
func (d *Device) sendConfigDump(configID uint32) {
	_ = d.write(&mesh.FromRadio{MyInfo: &mesh.MyNodeInfo{MyNodeNum: d.myNum}})

	d.mu.Lock()
	nodes := make([]*mesh.NodeInfo, len(d.nodes))
	copy(nodes, d.nodes)
	d.mu.Unlock()

	for _, ni := range nodes {
		_ = d.write(&mesh.FromRadio{NodeInfo: ni})
	}
	_ = d.write(&mesh.FromRadio{ConfigCompleteID: configID})
}
