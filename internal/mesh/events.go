package mesh

// Event is one decoded item from the device stream. The transport
// publishes these on a single inbound channel; consumers switch on
// the concrete type.
type Event interface{ isEvent() }

// PacketEvent is a decoded application packet (text, position,
// telemetry, anything with a payload).
type PacketEvent struct {
	Packet *MeshPacket
}

// NodeInfoEvent is a directory update for one mesh node, either from
// the initial config dump or from a live node-info packet.
type NodeInfoEvent struct {
	Node *NodeInfo
}

// MyNodeInfoEvent announces the attached radio's own node number.
type MyNodeInfoEvent struct {
	NodeNum uint32
}

// DeviceStatusEvent reports a lifecycle change of the attached radio.
type DeviceStatusEvent struct {
	Status DeviceStatus
}

func (PacketEvent) isEvent()       {}
func (NodeInfoEvent) isEvent()     {}
func (MyNodeInfoEvent) isEvent()   {}
func (DeviceStatusEvent) isEvent() {}

type DeviceStatus int

const (
	StatusConnecting DeviceStatus = iota + 1
	StatusConfiguring
	StatusConfigured
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConfiguring:
		return "configuring"
	case StatusConfigured:
		return "configured"
	default:
		return "unknown"
	}
}
