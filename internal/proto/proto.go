// Package proto holds the wire records shared between subsystems:
// the peer link envelope, discovery records, and contact info.
package proto

import "time"

// Envelope frame types carried on the peer link (newline-delimited JSON).
const (
	TypeHello     = "hello"     // dialer opens: station id + nonce
	TypeChallenge = "challenge" // acceptor answers: own nonce + proof over both
	TypeAuth      = "auth"      // dialer closes the handshake with its proof
	TypeWelcome   = "welcome"   // acceptor confirms, session is authenticated
	TypeRelay     = "relay"     // encrypted relay payload
	TypeAck       = "ack"       // delivery ack for a relay frame, by id
	TypePing      = "ping"      // keep-alive probe
	TypePong      = "pong"      // keep-alive answer
)

// Envelope is one frame on the station-to-station link. Fields are a
// union over the frame types; unused fields are omitted on the wire.
type Envelope struct {
	Type string `json:"type"`

	// Handshake fields (hello, challenge, auth).
	StationID string `json:"stationId,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`
	Proof     []byte `json:"proof,omitempty"`

	// Relay fields. Message is ciphertext; encoding/json carries it
	// as base64. ID correlates the ack.
	ID           string `json:"id,omitempty"`
	FromNodeID   uint32 `json:"fromNodeId,omitempty"`
	TargetNodeID uint32 `json:"targetNodeId,omitempty"`
	Message      []byte `json:"message,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// ContactInfo is how a station can be reached directly. It travels
// through discovery only in encrypted form.
type ContactInfo struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey string `json:"publicKey"` // PEM
	LastSeen  int64  `json:"lastSeen"`  // unix millis
}

// RegisterRequest is the body a station posts to the discovery
// server, both to register and as the heartbeat.
type RegisterRequest struct {
	StationID            string `json:"stationId"`
	EncryptedContactInfo string `json:"encrypted_contact_info"` // base64
	PublicKey            string `json:"public_key"`             // PEM
}

// PeerRecord is one station as the discovery server advertises it:
// the registered fields plus the server-tracked last heartbeat.
type PeerRecord struct {
	StationID            string `json:"stationId"`
	PublicKey            string `json:"public_key"`             // PEM
	EncryptedContactInfo string `json:"encrypted_contact_info"` // base64
	LastSeen             int64  `json:"lastSeen"`               // unix millis
}

func NowMillis() int64 { return time.Now().UnixMilli() }
