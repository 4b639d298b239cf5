package p2p

import (
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encryptedmeshlink/station/internal/proto"
	"github.com/encryptedmeshlink/station/internal/secure"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// missedTicks keep-alive intervals without any inbound frame ends
	// the session with reason "timeout".
	missedTicks = 3
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateConnected
	stateAuthenticated
	stateClosed
	stateError
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// session is one authenticated connection to a peer station. The
// manager owns registration; the session owns its link, read loop and
// keep-alive.
type session struct {
	mgr     *Manager
	link    link
	station string // peer station id, fixed after the handshake
	inbound bool

	state        atomic.Int32
	lastActivity atomic.Int64 // unix millis, inbound frames only

	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Value // string
}

func (s *session) setState(st sessionState) { s.state.Store(int32(st)) }
func (s *session) getState() sessionState   { return sessionState(s.state.Load()) }

func (s *session) touch() {
	now := s.mgr.clock.Now().UnixMilli()
	s.lastActivity.Store(now)
	s.mgr.touchActivity(now)
}

// send writes one envelope with a write deadline. Safe for concurrent
// use; the link serialises writers.
func (s *session) send(env proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("p2p: encode %s frame: %w", env.Type, err)
	}
	_ = s.link.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.link.WriteFrame(b); err != nil {
		return fmt.Errorf("p2p: write %s frame: %w", env.Type, err)
	}
	s.mgr.countSent(env.Type, len(b))
	return nil
}

// readFrame reads and decodes one envelope.
func (s *session) readFrame() (proto.Envelope, error) {
	data, err := s.link.ReadFrame()
	if err != nil {
		return proto.Envelope{}, err
	}
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return proto.Envelope{}, fmt.Errorf("p2p: bad frame: %w", err)
	}
	s.mgr.countReceived(env.Type, len(data))
	return env, nil
}

// handshakeInitiator runs the dialer side:
//
//	-> hello     {stationId, nonceA}
//	<- challenge {stationId, nonceB, proof("responder", A, B)}
//	-> auth      {proof("initiator", A, B)}
//	<- welcome
//
// Both proofs are HMACs over the nonce pair keyed by the static ECDH
// secret, so each side shows it holds the private key for the public
// key discovery advertises.
func (s *session) handshakeInitiator(ownID string, own *ecdh.PrivateKey, peerPub *ecdh.PublicKey) error {
	s.setState(stateConnecting)
	_ = s.link.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer s.link.SetReadDeadline(time.Time{})

	nonceA, err := secure.NewNonce()
	if err != nil {
		return err
	}
	if err := s.send(proto.Envelope{Type: proto.TypeHello, StationID: ownID, Nonce: nonceA}); err != nil {
		return err
	}
	s.setState(stateConnected)

	ch, err := s.readFrame()
	if err != nil {
		return fmt.Errorf("p2p: read challenge: %w", err)
	}
	if ch.Type != proto.TypeChallenge || ch.StationID != s.station || len(ch.Nonce) == 0 {
		return fmt.Errorf("p2p: unexpected %s frame during handshake", ch.Type)
	}
	if !secure.VerifySessionProof(own, peerPub, "responder", nonceA, ch.Nonce, ch.Proof) {
		return fmt.Errorf("p2p: station %s failed key proof", s.station)
	}

	proof, err := secure.SessionProof(own, peerPub, "initiator", nonceA, ch.Nonce)
	if err != nil {
		return err
	}
	if err := s.send(proto.Envelope{Type: proto.TypeAuth, StationID: ownID, Proof: proof}); err != nil {
		return err
	}

	w, err := s.readFrame()
	if err != nil {
		return fmt.Errorf("p2p: read welcome: %w", err)
	}
	if w.Type != proto.TypeWelcome {
		return fmt.Errorf("p2p: unexpected %s frame during handshake", w.Type)
	}

	s.setState(stateAuthenticated)
	s.touch()
	return nil
}

// handshakeResponder runs the acceptor side and returns the verified
// peer station id. lookup resolves a claimed station id to the public
// key discovery knows for it; unknown stations are refused.
func (s *session) handshakeResponder(ownID string, own *ecdh.PrivateKey, lookup func(string) (*ecdh.PublicKey, bool)) (string, error) {
	s.setState(stateConnecting)
	_ = s.link.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer s.link.SetReadDeadline(time.Time{})

	hello, err := s.readFrame()
	if err != nil {
		return "", fmt.Errorf("p2p: read hello: %w", err)
	}
	if hello.Type != proto.TypeHello || hello.StationID == "" || len(hello.Nonce) == 0 {
		return "", fmt.Errorf("p2p: unexpected %s frame during handshake", hello.Type)
	}
	if hello.StationID == ownID {
		return "", fmt.Errorf("p2p: station %s connected to itself", ownID)
	}
	peerPub, ok := lookup(hello.StationID)
	if !ok {
		return "", fmt.Errorf("p2p: unknown station %q", hello.StationID)
	}
	s.setState(stateConnected)

	nonceB, err := secure.NewNonce()
	if err != nil {
		return "", err
	}
	proof, err := secure.SessionProof(own, peerPub, "responder", hello.Nonce, nonceB)
	if err != nil {
		return "", err
	}
	if err := s.send(proto.Envelope{Type: proto.TypeChallenge, StationID: ownID, Nonce: nonceB, Proof: proof}); err != nil {
		return "", err
	}

	auth, err := s.readFrame()
	if err != nil {
		return "", fmt.Errorf("p2p: read auth: %w", err)
	}
	if auth.Type != proto.TypeAuth {
		return "", fmt.Errorf("p2p: unexpected %s frame during handshake", auth.Type)
	}
	if !secure.VerifySessionProof(own, peerPub, "initiator", hello.Nonce, nonceB, auth.Proof) {
		return "", fmt.Errorf("p2p: station %s failed key proof", hello.StationID)
	}

	if err := s.send(proto.Envelope{Type: proto.TypeWelcome, StationID: ownID}); err != nil {
		return "", err
	}

	s.setState(stateAuthenticated)
	s.touch()
	return hello.StationID, nil
}

// readLoop consumes frames until the link dies. Relay frames are acked
// on the spot and handed off; the mesh side must never stall the link.
func (s *session) readLoop() {
	for {
		env, err := s.readFrame()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.close("connection lost")
			}
			return
		}
		s.touch()

		switch env.Type {
		case proto.TypePing:
			_ = s.send(proto.Envelope{Type: proto.TypePong})
		case proto.TypePong:
		case proto.TypeRelay:
			_ = s.send(proto.Envelope{Type: proto.TypeAck, ID: env.ID})
			s.mgr.dispatchRelay(s.station, env)
		case proto.TypeAck:
			s.mgr.resolveAck(env.ID)
		default:
			s.mgr.log.Warn("unexpected frame on authenticated session",
				"type", env.Type, "station", s.station)
		}
	}
}

// keepAlive pings on every tick and closes the session after
// missedTicks intervals without inbound traffic.
func (s *session) keepAlive(interval time.Duration) {
	ticker := s.mgr.clock.NewTicker(interval)
	defer ticker.Stop()

	deadline := (time.Duration(missedTicks) * interval).Milliseconds()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.Chan():
			idle := s.mgr.clock.Now().UnixMilli() - s.lastActivity.Load()
			if idle > deadline {
				s.close("timeout")
				return
			}
			if err := s.send(proto.Envelope{Type: proto.TypePing}); err != nil {
				s.close("keep-alive write failed")
				return
			}
		}
	}
}

// close tears the session down exactly once and unregisters it.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		if reason == "timeout" || reason == "connection lost" {
			s.setState(stateError)
		} else {
			s.setState(stateClosed)
		}
		close(s.closed)
		_ = s.link.Close()
		s.mgr.removeSession(s)
		s.mgr.log.Info("session closed", "station", s.station, "reason", reason)
	})
}

func (s *session) closeReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}
