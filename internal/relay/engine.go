// Package relay is the station's forwarding brain. A radio user types
// "@bob hello"; the engine resolves bob against the registry, delivers
// over the local mesh when it can, hands the message to the encrypted
// peer link when the target lives behind another station, and falls
// back to the store-and-forward queue when the target is known but out
// of reach. Every outcome is reported back to the sender's radio.
package relay

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/encryptedmeshlink/station/internal/discovery"
	"github.com/encryptedmeshlink/station/internal/mesh"
	"github.com/encryptedmeshlink/station/internal/proto"
	"github.com/encryptedmeshlink/station/internal/queue"
	"github.com/encryptedmeshlink/station/internal/registry"
	"github.com/encryptedmeshlink/station/internal/secure"
)

// MeshSender delivers text to a node on the local mesh.
type MeshSender interface {
	Send(text string, toNode uint32) error
}

// PeerDirectory resolves a station id to a currently reachable peer.
type PeerDirectory interface {
	ActivePeer(stationID string) (discovery.Peer, bool)
}

// PeerLink carries relay envelopes to remote stations.
type PeerLink interface {
	SendRelay(ctx context.Context, stationID string, env proto.Envelope) error
}

// Queued relays get a day of retries before they fail for good.
const (
	queuedTTL         = 24 * time.Hour
	queuedMaxAttempts = 10
)

// Options wires an Engine. Registry, Mesh and Store are required.
// Peers and Link may be nil when the station runs without internet
// connectivity; remote targets then queue like offline local ones.
type Options struct {
	Registry *registry.Registry
	Mesh     MeshSender
	Peers    PeerDirectory
	Link     PeerLink
	Store    *queue.Store

	// PrivateKey decrypts inbound relay payloads from peer stations.
	PrivateKey *ecdh.PrivateKey

	// MyNodeNum reports the station radio's own node number, or 0
	// while it is still unknown.
	MyNodeNum func() uint32

	Logger *slog.Logger
}

// Engine routes user relay requests and inbound peer traffic.
type Engine struct {
	reg   *registry.Registry
	mesh  MeshSender
	peers PeerDirectory
	link  PeerLink
	store *queue.Store

	priv   *ecdh.PrivateKey
	myNode func() uint32
	log    *slog.Logger

	decryptFailures atomic.Uint64

	mu          sync.Mutex
	decryptLogs map[string]*rate.Sometimes
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MyNodeNum == nil {
		opts.MyNodeNum = func() uint32 { return 0 }
	}
	return &Engine{
		reg:         opts.Registry,
		mesh:        opts.Mesh,
		peers:       opts.Peers,
		link:        opts.Link,
		store:       opts.Store,
		priv:        opts.PrivateKey,
		myNode:      opts.MyNodeNum,
		log:         opts.Logger.With("component", "relay"),
		decryptLogs: make(map[string]*rate.Sometimes),
	}
}

// HandleRelay resolves target and forwards text on behalf of fromNode.
// Every outcome, including failure, is reported to the sender over the
// mesh. Relays from or to the station's own radio are dropped so a
// confirmation can never trigger another relay.
func (e *Engine) HandleRelay(ctx context.Context, fromNode uint32, target, text string) {
	my := e.myNode()
	if my != 0 && fromNode == my {
		e.log.Info("ignoring relay from own node", "from", fromNode)
		return
	}

	m, found := e.reg.FindBest(target)
	if found && !m.IsRemote() && my != 0 && m.NodeID() == my {
		e.log.Info("ignoring relay to own node", "from", fromNode, "target", target)
		return
	}
	if !found {
		e.log.Info("relay target not found", "from", fromNode, "target", target)
		e.notify(fromNode, fmt.Sprintf("❌ Node %q not found", target))
		return
	}

	if m.IsRemote() {
		e.relayRemote(ctx, fromNode, m, text)
		return
	}
	e.relayLocal(fromNode, m, text)
}

func (e *Engine) relayLocal(fromNode uint32, m registry.Match, text string) {
	if !m.Online {
		e.enqueue(fromNode, m.NodeID(), "", m.Name(), text)
		return
	}

	composed := fmt.Sprintf("[From %d (%s)]: %s", fromNode, e.senderName(fromNode), text)
	if err := e.mesh.Send(composed, m.NodeID()); err != nil {
		e.log.Warn("local relay send failed", "to", m.NodeID(), "error", err)
		e.enqueue(fromNode, m.NodeID(), "", m.Name(), text)
		return
	}

	e.log.Info("relayed locally",
		"from", fromNode, "to", m.NodeID(), "match", m.Kind.String(), "score", m.Score)
	e.notify(fromNode, confirmation(m))
}

func (e *Engine) relayRemote(ctx context.Context, fromNode uint32, m registry.Match, text string) {
	rn := m.Remote
	if !m.Online || e.peers == nil || e.link == nil {
		e.enqueue(fromNode, rn.NodeID, rn.StationID, m.Name(), text)
		return
	}

	peer, ok := e.peers.ActivePeer(rn.StationID)
	if !ok {
		e.log.Info("peer station not available", "station", rn.StationID)
		e.enqueue(fromNode, rn.NodeID, rn.StationID, m.Name(), text)
		return
	}

	ciphertext, err := secure.EncryptMessage([]byte(text), peer.PublicKey)
	if err != nil {
		e.log.Error("encrypt for peer failed", "station", rn.StationID, "error", err)
		e.notify(fromNode, fmt.Sprintf("❌ Could not relay to %s", m.Name()))
		return
	}

	env := proto.Envelope{
		FromNodeID:   fromNode,
		TargetNodeID: rn.NodeID,
		Message:      ciphertext,
	}
	if err := e.link.SendRelay(ctx, rn.StationID, env); err != nil {
		e.log.Warn("peer relay failed", "station", rn.StationID, "error", err)
		e.enqueue(fromNode, rn.NodeID, rn.StationID, m.Name(), text)
		return
	}

	e.log.Info("relayed to peer station", "from", fromNode, "station", rn.StationID)
	e.notify(fromNode, fmt.Sprintf("✅ Message relayed to remote target %q", m.Name()))
}

// HandleInbound delivers a relay envelope received from a peer station
// onto the local mesh with its provenance spelled out. The payload is
// encrypted for this station's key; anything that does not decrypt is
// dropped and counted, logged at most once per peer per minute.
func (e *Engine) HandleInbound(stationID string, env proto.Envelope) {
	plaintext, err := secure.DecryptMessage(env.Message, e.priv)
	if err != nil {
		e.decryptFailures.Add(1)
		e.throttled(stationID).Do(func() {
			e.log.Warn("dropping undecryptable relay", "station", stationID, "error", err)
		})
		return
	}

	// The sender's node ids mean nothing on this mesh, so delivery is
	// a broadcast tagged with where the message came from.
	text := fmt.Sprintf("[From %d via %s]: %s", env.FromNodeID, stationID, plaintext)
	if err := e.mesh.Send(text, mesh.BroadcastAddr); err != nil {
		e.log.Warn("mesh broadcast failed", "station", stationID, "error", err)
		return
	}
	e.log.Info("delivered peer relay", "station", stationID, "from", env.FromNodeID)
}

// SendQueued pushes a store-and-forward message to its target station.
// The delayed marker is prepended before encryption so the remote
// station can broadcast the payload as-is.
func (e *Engine) SendQueued(ctx context.Context, m queue.Message) error {
	if e.peers == nil || e.link == nil {
		return errors.New("no peer link configured")
	}
	peer, ok := e.peers.ActivePeer(m.TargetStation)
	if !ok {
		return fmt.Errorf("station %s not in active set", m.TargetStation)
	}

	ciphertext, err := secure.EncryptMessage([]byte(queue.DelayedPrefix+m.Text), peer.PublicKey)
	if err != nil {
		return fmt.Errorf("encrypt for %s: %w", m.TargetStation, err)
	}

	env := proto.Envelope{
		ID:           m.ID,
		FromNodeID:   m.FromNode,
		TargetNodeID: m.ToNode,
		Message:      ciphertext,
	}
	return e.link.SendRelay(ctx, m.TargetStation, env)
}

// DecryptFailures reports how many inbound payloads failed to decrypt.
func (e *Engine) DecryptFailures() uint64 {
	return e.decryptFailures.Load()
}

// enqueue stores text for delayed delivery and tells the sender what
// happened. station is empty for local targets.
func (e *Engine) enqueue(fromNode, toNode uint32, station, name, text string) {
	id, err := e.store.Enqueue(fromNode, toNode, text, queue.EnqueueOptions{
		TargetStation: station,
		Priority:      queue.PriorityNormal,
		TTL:           queuedTTL,
		MaxAttempts:   queuedMaxAttempts,
	})
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		e.log.Warn("queue full, dropping relay", "from", fromNode, "target", name)
		e.notify(fromNode, "❌ Message queue is full, try again later")
	case errors.Is(err, queue.ErrDuplicate):
		e.notify(fromNode, fmt.Sprintf("📬 %s is offline. Message queued for delivery.", name))
	case err != nil:
		e.log.Error("enqueue failed", "from", fromNode, "target", name, "error", err)
		e.notify(fromNode, fmt.Sprintf("❌ Could not queue message for %s", name))
	default:
		e.log.Info("queued for delayed delivery",
			"id", id, "from", fromNode, "target", name, "station", station)
		e.notify(fromNode, fmt.Sprintf("📬 %s is offline. Message queued for delivery.", name))
	}
}

// notify best-effort sends a status line back to the sender's radio.
func (e *Engine) notify(toNode uint32, text string) {
	if toNode == 0 {
		return
	}
	if err := e.mesh.Send(text, toNode); err != nil {
		e.log.Debug("notify failed", "to", toNode, "error", err)
	}
}

func (e *Engine) senderName(num uint32) string {
	if n, ok := e.reg.LocalByNum(num); ok {
		if n.LongName != "" {
			return n.LongName
		}
		if n.ShortName != "" {
			return n.ShortName
		}
	}
	return fmt.Sprintf("node %d", num)
}

// confirmation builds the sender-facing receipt. The dot mirrors the
// target's freshness and the score is spelled out whenever the match
// was not exact.
func confirmation(m registry.Match) string {
	dot := "🟢"
	if !m.Online {
		dot = "🔴"
	}
	s := fmt.Sprintf("✅ Message relayed to %s (%d) %s", m.Name(), m.NodeID(), dot)
	if m.Score < 100 {
		s += fmt.Sprintf(" [%d%% match]", m.Score)
	}
	return s
}

func (e *Engine) throttled(station string) *rate.Sometimes {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.decryptLogs[station]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: time.Minute}
		e.decryptLogs[station] = s
	}
	return s
}
