package mesh

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Application port numbers the bridge cares about. Packets on other
// ports still pass through as generic traffic.
const (
	PortTextMessage uint32 = 1
	PortPosition    uint32 = 3
	PortNodeInfo    uint32 = 4
)

// BroadcastAddr targets every node on the local mesh.
const BroadcastAddr uint32 = 0xFFFFFFFF

// FromRadio is one record on the device-to-host side of the serial
// link. Exactly one payload field is set per record.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
}

// ToRadio is one record on the host-to-device side.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Heartbeat    bool
}

// MeshPacket is a single radio packet, decoded form only. Encrypted
// payloads the device could not decode itself are kept opaque.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	RxRSSI    int32
}

// Data is the application payload of a decoded packet.
type Data struct {
	Portnum uint32
	Payload []byte
}

// User identifies a node to other mesh members.
type User struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   uint32
}

// NodeInfo is the device's directory entry for one mesh node. The
// position record is kept opaque; the bridge never interprets it.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  []byte
	SNR       float32
	LastHeard uint32
}

// MyNodeInfo announces the attached radio's own node number.
type MyNodeInfo struct {
	MyNodeNum uint32
}

// Field numbers from the device protocol. These are wire-compatible
// with the radio firmware and must not be renumbered.
const (
	fromRadioID             = 1
	fromRadioPacket         = 2
	fromRadioMyInfo         = 3
	fromRadioNodeInfo       = 4
	fromRadioConfigComplete = 7
	fromRadioRebooted       = 8

	toRadioPacket     = 1
	toRadioWantConfig = 3
	toRadioHeartbeat  = 7

	meshPacketFrom      = 1
	meshPacketTo        = 2
	meshPacketChannel   = 3
	meshPacketDecoded   = 4
	meshPacketEncrypted = 5
	meshPacketID        = 6
	meshPacketRxTime    = 7
	meshPacketRxSNR     = 8
	meshPacketHopLimit  = 9
	meshPacketWantAck   = 10
	meshPacketRxRSSI    = 12

	dataPortnum = 1
	dataPayload = 2

	userID        = 1
	userLongName  = 2
	userShortName = 3
	userHWModel   = 5

	nodeInfoNum       = 1
	nodeInfoUser      = 2
	nodeInfoPosition  = 3
	nodeInfoSNR       = 4
	nodeInfoLastHeard = 5

	myNodeInfoNum = 1
)

// DecodeFromRadio parses a device-to-host record. Unknown fields are
// skipped so newer firmware stays readable.
func DecodeFromRadio(b []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("fromradio tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fromRadioID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio id: %w", protowire.ParseError(n))
			}
			fr.ID = uint32(v)
			b = b[n:]
		case num == fromRadioPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio packet: %w", protowire.ParseError(n))
			}
			pkt, err := decodeMeshPacket(v)
			if err != nil {
				return nil, err
			}
			fr.Packet = pkt
			b = b[n:]
		case num == fromRadioMyInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio my_info: %w", protowire.ParseError(n))
			}
			mi, err := decodeMyNodeInfo(v)
			if err != nil {
				return nil, err
			}
			fr.MyInfo = mi
			b = b[n:]
		case num == fromRadioNodeInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio node_info: %w", protowire.ParseError(n))
			}
			ni, err := decodeNodeInfo(v)
			if err != nil {
				return nil, err
			}
			fr.NodeInfo = ni
			b = b[n:]
		case num == fromRadioConfigComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio config_complete_id: %w", protowire.ParseError(n))
			}
			fr.ConfigCompleteID = uint32(v)
			b = b[n:]
		case num == fromRadioRebooted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio rebooted: %w", protowire.ParseError(n))
			}
			fr.Rebooted = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("fromradio field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return fr, nil
}

// EncodeFromRadio builds a device-to-host record. Used by device
// simulators; the station itself only decodes this direction.
func EncodeFromRadio(fr *FromRadio) []byte {
	var b []byte
	if fr.ID != 0 {
		b = protowire.AppendTag(b, fromRadioID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(fr.ID))
	}
	if fr.Packet != nil {
		b = protowire.AppendTag(b, fromRadioPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMeshPacket(fr.Packet))
	}
	if fr.MyInfo != nil {
		var mi []byte
		mi = protowire.AppendTag(mi, myNodeInfoNum, protowire.VarintType)
		mi = protowire.AppendVarint(mi, uint64(fr.MyInfo.MyNodeNum))
		b = protowire.AppendTag(b, fromRadioMyInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, mi)
	}
	if fr.NodeInfo != nil {
		b = protowire.AppendTag(b, fromRadioNodeInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNodeInfo(fr.NodeInfo))
	}
	if fr.ConfigCompleteID != 0 {
		b = protowire.AppendTag(b, fromRadioConfigComplete, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(fr.ConfigCompleteID))
	}
	if fr.Rebooted {
		b = protowire.AppendTag(b, fromRadioRebooted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// DecodeToRadio parses a host-to-device record. Used by device
// simulators; the station itself only encodes this direction.
func DecodeToRadio(b []byte) (*ToRadio, error) {
	tr := &ToRadio{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("toradio tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == toRadioPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("toradio packet: %w", protowire.ParseError(n))
			}
			pkt, err := decodeMeshPacket(v)
			if err != nil {
				return nil, err
			}
			tr.Packet = pkt
			b = b[n:]
		case num == toRadioWantConfig && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("toradio want_config_id: %w", protowire.ParseError(n))
			}
			tr.WantConfigID = uint32(v)
			b = b[n:]
		case num == toRadioHeartbeat && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("toradio heartbeat: %w", protowire.ParseError(n))
			}
			_ = v // Heartbeat carries no fields.
			tr.Heartbeat = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("toradio field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return tr, nil
}

// EncodeToRadio builds a host-to-device record.
func EncodeToRadio(tr *ToRadio) []byte {
	var b []byte
	if tr.Packet != nil {
		b = protowire.AppendTag(b, toRadioPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMeshPacket(tr.Packet))
	}
	if tr.WantConfigID != 0 {
		b = protowire.AppendTag(b, toRadioWantConfig, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(tr.WantConfigID))
	}
	if tr.Heartbeat {
		b = protowire.AppendTag(b, toRadioHeartbeat, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}

func decodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("packet tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == meshPacketFrom && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet from: %w", protowire.ParseError(n))
			}
			p.From = v
			b = b[n:]
		case num == meshPacketTo && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet to: %w", protowire.ParseError(n))
			}
			p.To = v
			b = b[n:]
		case num == meshPacketChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet channel: %w", protowire.ParseError(n))
			}
			p.Channel = uint32(v)
			b = b[n:]
		case num == meshPacketDecoded && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("packet decoded: %w", protowire.ParseError(n))
			}
			d, err := decodeData(v)
			if err != nil {
				return nil, err
			}
			p.Decoded = d
			b = b[n:]
		case num == meshPacketEncrypted && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("packet encrypted: %w", protowire.ParseError(n))
			}
			p.Encrypted = append([]byte(nil), v...)
			b = b[n:]
		case num == meshPacketID && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet id: %w", protowire.ParseError(n))
			}
			p.ID = v
			b = b[n:]
		case num == meshPacketRxTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_time: %w", protowire.ParseError(n))
			}
			p.RxTime = v
			b = b[n:]
		case num == meshPacketRxSNR && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_snr: %w", protowire.ParseError(n))
			}
			p.RxSNR = math.Float32frombits(v)
			b = b[n:]
		case num == meshPacketHopLimit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet hop_limit: %w", protowire.ParseError(n))
			}
			p.HopLimit = uint32(v)
			b = b[n:]
		case num == meshPacketWantAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet want_ack: %w", protowire.ParseError(n))
			}
			p.WantAck = v != 0
			b = b[n:]
		case num == meshPacketRxRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_rssi: %w", protowire.ParseError(n))
			}
			p.RxRSSI = int32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("packet field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

func encodeMeshPacket(p *MeshPacket) []byte {
	var b []byte
	if p.From != 0 {
		b = protowire.AppendTag(b, meshPacketFrom, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.From)
	}
	if p.To != 0 {
		b = protowire.AppendTag(b, meshPacketTo, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.To)
	}
	if p.Channel != 0 {
		b = protowire.AppendTag(b, meshPacketChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = protowire.AppendTag(b, meshPacketDecoded, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeData(p.Decoded))
	}
	if len(p.Encrypted) > 0 {
		b = protowire.AppendTag(b, meshPacketEncrypted, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Encrypted)
	}
	if p.ID != 0 {
		b = protowire.AppendTag(b, meshPacketID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ID)
	}
	if p.RxTime != 0 {
		b = protowire.AppendTag(b, meshPacketRxTime, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.RxTime)
	}
	if p.RxSNR != 0 {
		b = protowire.AppendTag(b, meshPacketRxSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.RxSNR))
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, meshPacketHopLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, meshPacketWantAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if p.RxRSSI != 0 {
		b = protowire.AppendTag(b, meshPacketRxRSSI, protowire.VarintType)
		// int32 fields sign-extend to 64 bits on the wire.
		b = protowire.AppendVarint(b, uint64(int64(p.RxRSSI)))
	}
	return b
}

func decodeData(b []byte) (*Data, error) {
	d := &Data{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("data tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == dataPortnum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("data portnum: %w", protowire.ParseError(n))
			}
			d.Portnum = uint32(v)
			b = b[n:]
		case num == dataPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("data payload: %w", protowire.ParseError(n))
			}
			d.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("data field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return d, nil
}

func encodeData(d *Data) []byte {
	var b []byte
	if d.Portnum != 0 {
		b = protowire.AppendTag(b, dataPortnum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Portnum))
	}
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, dataPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	return b
}

// DecodeUser parses a User record, the payload of node-info packets.
func DecodeUser(b []byte) (*User, error) {
	u := &User{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("user tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == userID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("user id: %w", protowire.ParseError(n))
			}
			u.ID = v
			b = b[n:]
		case num == userLongName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("user long_name: %w", protowire.ParseError(n))
			}
			u.LongName = v
			b = b[n:]
		case num == userShortName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("user short_name: %w", protowire.ParseError(n))
			}
			u.ShortName = v
			b = b[n:]
		case num == userHWModel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("user hw_model: %w", protowire.ParseError(n))
			}
			u.HWModel = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("user field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return u, nil
}

// EncodeUser builds a User record.
func EncodeUser(u *User) []byte {
	var b []byte
	if u.ID != "" {
		b = protowire.AppendTag(b, userID, protowire.BytesType)
		b = protowire.AppendString(b, u.ID)
	}
	if u.LongName != "" {
		b = protowire.AppendTag(b, userLongName, protowire.BytesType)
		b = protowire.AppendString(b, u.LongName)
	}
	if u.ShortName != "" {
		b = protowire.AppendTag(b, userShortName, protowire.BytesType)
		b = protowire.AppendString(b, u.ShortName)
	}
	if u.HWModel != 0 {
		b = protowire.AppendTag(b, userHWModel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.HWModel))
	}
	return b
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("nodeinfo tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == nodeInfoNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo num: %w", protowire.ParseError(n))
			}
			ni.Num = uint32(v)
			b = b[n:]
		case num == nodeInfoUser && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo user: %w", protowire.ParseError(n))
			}
			u, err := DecodeUser(v)
			if err != nil {
				return nil, err
			}
			ni.User = u
			b = b[n:]
		case num == nodeInfoPosition && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo position: %w", protowire.ParseError(n))
			}
			ni.Position = append([]byte(nil), v...)
			b = b[n:]
		case num == nodeInfoSNR && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo snr: %w", protowire.ParseError(n))
			}
			ni.SNR = math.Float32frombits(v)
			b = b[n:]
		case num == nodeInfoLastHeard && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo last_heard: %w", protowire.ParseError(n))
			}
			ni.LastHeard = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ni, nil
}

func encodeNodeInfo(ni *NodeInfo) []byte {
	var b []byte
	if ni.Num != 0 {
		b = protowire.AppendTag(b, nodeInfoNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ni.Num))
	}
	if ni.User != nil {
		b = protowire.AppendTag(b, nodeInfoUser, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeUser(ni.User))
	}
	if len(ni.Position) > 0 {
		b = protowire.AppendTag(b, nodeInfoPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, ni.Position)
	}
	if ni.SNR != 0 {
		b = protowire.AppendTag(b, nodeInfoSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(ni.SNR))
	}
	if ni.LastHeard != 0 {
		b = protowire.AppendTag(b, nodeInfoLastHeard, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, ni.LastHeard)
	}
	return b
}

func decodeMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("myinfo tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == myNodeInfoNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("myinfo node num: %w", protowire.ParseError(n))
			}
			mi.MyNodeNum = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("myinfo field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return mi, nil
}
