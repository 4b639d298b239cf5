// Package station assembles the bridge: one radio on serial, the
// rendezvous client, the encrypted peer link, the message queue, and
// the relay engine between them. Run owns every long-lived loop and
// tears the whole thing down in order when the context ends.
package station

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/encryptedmeshlink/station/internal/command"
	"github.com/encryptedmeshlink/station/internal/config"
	"github.com/encryptedmeshlink/station/internal/discovery"
	"github.com/encryptedmeshlink/station/internal/mesh"
	"github.com/encryptedmeshlink/station/internal/p2p"
	"github.com/encryptedmeshlink/station/internal/queue"
	"github.com/encryptedmeshlink/station/internal/registry"
	"github.com/encryptedmeshlink/station/internal/relay"
	"github.com/encryptedmeshlink/station/internal/secure"
	"github.com/encryptedmeshlink/station/internal/util"
)

const (
	// bridgeFallback starts discovery even when the radio has not
	// announced its node number yet; the number is filled in whenever
	// it arrives.
	bridgeFallback = 2 * time.Second

	// meshHeartbeatInterval paces the device protocol keep-alive.
	meshHeartbeatInterval = 120 * time.Second

	// nodesLogDelay is how long after the config dump settles the
	// available-nodes summary is logged.
	nodesLogDelay = 3 * time.Second

	// meshRecoveryAttempts is how many consecutive reopen failures the
	// station tolerates before giving up.
	meshRecoveryAttempts = 3

	// deviceWaitTimeout caps one wait for the serial device node to
	// reappear after the port dropped.
	deviceWaitTimeout = 30 * time.Second
)

// Options configures a Station beyond its config file.
type Options struct {
	// ConfigPath, when set, lets the station persist a moved p2p
	// listen port back to disk.
	ConfigPath string

	Logger *slog.Logger
	Clock  clockwork.Clock

	// OpenTransport overrides how the radio is attached. Tests hand
	// the station a simulated device; nil means the configured serial
	// port.
	OpenTransport func() (*mesh.Transport, error)
}

// Station is the assembled bridge.
type Station struct {
	cfg     config.Config
	cfgPath string
	baseLog *slog.Logger
	log     *slog.Logger
	clock   clockwork.Clock

	openTransport func() (*mesh.Transport, error)

	priv *ecdh.PrivateKey
	reg  *registry.Registry

	// Built during Run, before any loop starts.
	store *queue.Store
	link  *p2p.Manager
	disc  *discovery.Client
	eng   *relay.Engine
	sched *queue.Scheduler

	// The transport is the only subsystem that gets replaced while the
	// station runs; recovery swaps it under this lock.
	meshMu sync.RWMutex
	mesh   *mesh.Transport

	myNode  atomic.Uint32
	started time.Time

	bridgeOnce  sync.Once
	bridgeReady chan struct{}

	handlers sync.WaitGroup
}

// New validates the config and prepares a station. Nothing is opened
// until Run.
func New(cfg config.Config, opts Options) (*Station, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("station: config: %w", err)
	}
	priv, err := secure.ParsePrivateKey(cfg.Keys.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("station: private key: %w", err)
	}

	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Station{
		cfg:           cfg,
		cfgPath:       opts.ConfigPath,
		baseLog:       base,
		log:           base.With("component", "station"),
		clock:         clock,
		openTransport: opts.OpenTransport,
		priv:          priv,
		reg:           registry.New(clock),
		bridgeReady:   make(chan struct{}),
	}
	if s.openTransport == nil {
		s.openTransport = s.openSerial
	}
	return s, nil
}

// openSerial attaches the configured radio, scanning for a port when
// the config says to auto-detect.
func (s *Station) openSerial() (*mesh.Transport, error) {
	path := s.cfg.Mesh.DevicePath
	if path == "" && s.cfg.Mesh.AutoDetect {
		detected, err := mesh.DetectPort()
		if err != nil {
			return nil, err
		}
		path = detected
		s.log.Info("detected radio port", "path", path)
	}
	return mesh.Open(mesh.Config{
		DevicePath: path,
		BaudRate:   s.cfg.Mesh.BaudRate,
		Logger:     s.baseLog,
		Clock:      s.clock,
	})
}

// Run starts every subsystem and blocks until the context ends or a
// fatal error occurs. All teardown has happened by the time it
// returns.
func (s *Station) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.started = s.clock.Now()

	// A relative queue path lives next to the config file, so stations
	// started from different working directories share one queue.
	dbPath := s.cfg.Queue.DBPath
	if s.cfgPath != "" {
		dbPath = util.ResolvePath(filepath.Dir(s.cfgPath), dbPath)
	}

	store, err := queue.Open(dbPath, queue.Options{
		MaxQueueSize:      s.cfg.Queue.MaxQueueSize,
		BackoffMultiplier: s.cfg.Queue.BackoffMultiplier,
		MaxBackoffDelay:   time.Duration(s.cfg.Queue.MaxBackoffDelaySec) * time.Second,
		Logger:            s.baseLog,
		Clock:             s.clock,
	})
	if err != nil {
		return fmt.Errorf("station: open queue: %w", err)
	}
	s.store = store

	link, err := p2p.NewManager(s, p2p.Options{
		StationID:       s.cfg.StationID,
		PrivateKey:      s.priv,
		ListenPort:      s.cfg.P2P.ListenPort,
		MaxConnections:  s.cfg.P2P.MaxConnections,
		ConnectTimeout:  time.Duration(s.cfg.P2P.ConnectionTimeout) * time.Second,
		EnableWebsocket: s.cfg.P2P.EnableWebsocket,
		WebsocketPath:   s.cfg.P2P.WebsocketPath,
		Logger:          s.baseLog,
		Clock:           s.clock,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("station: p2p: %w", err)
	}
	s.link = link

	port, err := link.Listen()
	if err != nil {
		store.Close()
		return fmt.Errorf("station: p2p listen: %w", err)
	}
	s.persistPort(port)

	disc, err := discovery.NewClient(discovery.Options{
		ServiceURL:    s.cfg.Discovery.ServiceURL,
		StationID:     s.cfg.StationID,
		PublicKeyPEM:  s.cfg.Keys.PublicKey,
		SharedSecret:  s.cfg.SharedSecret(),
		ListenPort:    port,
		CheckInterval: time.Duration(s.cfg.Discovery.CheckIntervalSec) * time.Second,
		PeersInterval: time.Duration(s.cfg.Discovery.PeersIntervalSec) * time.Second,
		Timeout:       time.Duration(s.cfg.Discovery.TimeoutSec) * time.Second,
		Logger:        s.baseLog,
		Clock:         s.clock,
	})
	if err != nil {
		link.Close()
		store.Close()
		return fmt.Errorf("station: discovery: %w", err)
	}
	s.disc = disc

	s.eng = relay.New(relay.Options{
		Registry:   s.reg,
		Mesh:       s,
		Peers:      s,
		Link:       link,
		Store:      store,
		PrivateKey: s.priv,
		MyNodeNum:  s.myNode.Load,
		Logger:     s.baseLog,
	})
	link.SetRelayHandler(s.eng.HandleInbound)

	s.sched = queue.NewScheduler(store, s.reg, s, s.eng, queue.SchedulerOptions{
		Interval: time.Duration(s.cfg.Queue.DeliveryIntervalSec) * time.Second,
		Logger:   s.baseLog,
		Clock:    s.clock,
	})

	transport, err := s.openTransport()
	if err != nil {
		link.Close()
		store.Close()
		return fmt.Errorf("station: open radio: %w", err)
	}
	s.setTransport(transport)

	s.log.Info("station starting",
		"station", s.cfg.StationID, "p2pPort", port, "queueDb", s.cfg.Queue.DBPath)

	// Discovery waits for the radio's node number, or for this timer.
	fallback := s.clock.AfterFunc(bridgeFallback, func() {
		s.startBridge("fallback timer")
	})
	defer fallback.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.link.Run(gctx) })
	g.Go(func() error { return s.sched.Run(gctx) })
	g.Go(func() error { return s.runDiscovery(gctx) })
	g.Go(func() error { return s.pumpPeers(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.meshLoop(gctx) })

	err = g.Wait()
	s.shutdown()
	if err != nil {
		s.log.Error("station stopped on error", "err", err)
		return err
	}
	s.log.Info("station stopped")
	return nil
}

// Send implements the mesh sender used by the relay engine and the
// delivery scheduler. It always targets the current transport, which
// recovery may have replaced since the caller was wired.
func (s *Station) Send(text string, toNode uint32) error {
	t := s.currentTransport()
	if t == nil {
		return mesh.ErrClosed
	}
	return t.Send(text, toNode)
}

// ActivePeer implements the peer directory for the p2p manager and the
// relay engine by delegating to the discovery client.
func (s *Station) ActivePeer(stationID string) (discovery.Peer, bool) {
	if s.disc == nil {
		return discovery.Peer{}, false
	}
	return s.disc.ActivePeer(stationID)
}

// MyNodeNum reports the attached radio's node number, 0 while unknown.
func (s *Station) MyNodeNum() uint32 {
	return s.myNode.Load()
}

// persistPort records a moved p2p listen port so peers get the right
// contact info after the next restart too.
func (s *Station) persistPort(port int) {
	if port == s.cfg.P2P.ListenPort {
		return
	}
	s.log.Warn("configured p2p port busy, moved",
		"configured", s.cfg.P2P.ListenPort, "actual", port)
	s.cfg.P2P.ListenPort = port
	if s.cfgPath == "" {
		return
	}
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		s.log.Error("could not persist moved p2p port", "err", err)
	}
}

func (s *Station) startBridge(trigger string) {
	s.bridgeOnce.Do(func() {
		s.log.Info("starting bridge", "trigger", trigger)
		close(s.bridgeReady)
	})
}

// runDiscovery holds the rendezvous client back until the bridge
// starts, then runs it for the life of the station.
func (s *Station) runDiscovery(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.bridgeReady:
	}
	return s.disc.Run(ctx)
}

// pumpPeers mirrors the discovery view into the registry. Events give
// the immediate add and remove; the ticker refreshes heartbeat
// freshness for stations that stayed listed between polls.
func (s *Station) pumpPeers(ctx context.Context) error {
	ticker := s.clock.NewTicker(time.Duration(s.cfg.Discovery.PeersIntervalSec) * time.Second)
	defer ticker.Stop()

	events := s.disc.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleDiscoveryEvent(ev)
		case <-ticker.Chan():
			for _, p := range s.disc.Peers() {
				s.reg.AddRemote(p.StationID, p.StationID, stationShort(p.StationID), p.LastSeen)
			}
		}
	}
}

func (s *Station) handleDiscoveryEvent(ev discovery.Event) {
	switch ev := ev.(type) {
	case discovery.PeerDiscovered:
		n := s.reg.AddRemote(ev.StationID, ev.StationID, stationShort(ev.StationID), ev.LastSeen)
		s.log.Info("peer station joined", "station", ev.StationID, "virtualId", n.NodeID)
	case discovery.PeerLost:
		s.reg.RemoveRemote(ev.StationID)
		s.log.Info("peer station left", "station", ev.StationID)
	case discovery.ErrorEvent:
		s.log.Warn("discovery error", "op", ev.Op, "err", ev.Err)
	}
}

// heartbeatLoop keeps the radio's serial session alive. Write errors
// here are transient by policy; a dead port surfaces through the
// inbound stream and mesh recovery instead.
func (s *Station) heartbeatLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(meshHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			t := s.currentTransport()
			if t == nil {
				continue
			}
			if err := t.Heartbeat(); err != nil {
				s.log.Warn("mesh heartbeat failed", "err", err)
			}
		}
	}
}

// meshLoop consumes the radio's event stream for the life of the
// station. A stream that ends with a port error triggers reopen with
// backoff; only repeated recovery failure stops the station.
func (s *Station) meshLoop(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Clean close without cancellation only happens during
			// shutdown.
			return nil
		}

		s.log.Error("mesh stream failed", "err", err)
		if rerr := s.recoverMesh(ctx); rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("station: mesh recovery: %w", rerr)
		}
	}
}

func (s *Station) consume(ctx context.Context) error {
	t := s.currentTransport()
	if t == nil {
		return errors.New("station: no transport")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-t.Inbound():
			if !ok {
				return t.Err()
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Station) dispatch(ctx context.Context, ev mesh.Event) {
	switch ev := ev.(type) {
	case mesh.MyNodeInfoEvent:
		if s.myNode.CompareAndSwap(0, ev.NodeNum) {
			s.log.Info("radio node number", "num", ev.NodeNum)
			s.startBridge("my-node-info")
		}

	case mesh.NodeInfoEvent:
		s.recordNode(ev.Node)

	case mesh.DeviceStatusEvent:
		s.log.Debug("device status", "status", ev.Status.String())
		if ev.Status == mesh.StatusConfigured {
			s.clock.AfterFunc(nodesLogDelay, s.logAvailableNodes)
		}

	case mesh.PacketEvent:
		s.handlePacket(ctx, ev.Packet)
	}
}

func (s *Station) recordNode(n *mesh.NodeInfo) {
	if n == nil || n.Num == 0 {
		return
	}
	var long, short string
	if n.User != nil {
		long, short = n.User.LongName, n.User.ShortName
	}
	s.reg.AddOrUpdateLocal(n.Num, long, short, n.Position)
}

// handlePacket bumps sender freshness for any traffic and dispatches
// text to a worker, so a slow handler never stalls the inbound loop.
func (s *Station) handlePacket(ctx context.Context, pkt *mesh.MeshPacket) {
	if pkt == nil {
		return
	}
	if pkt.From != 0 && pkt.From != mesh.BroadcastAddr {
		s.reg.MarkSeen(pkt.From)
	}
	if pkt.Decoded == nil || pkt.Decoded.Portnum != mesh.PortTextMessage {
		return
	}
	if pkt.From == 0 {
		return
	}
	if my := s.myNode.Load(); my != 0 && pkt.From == my {
		return
	}

	cmd := command.Parse(string(pkt.Decoded.Payload))
	if cmd.Raw == "" {
		return
	}
	s.log.Debug("command", "from", pkt.From, "kind", cmd.Kind.String())

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.handle(ctx, pkt.From, cmd)
	}()
}

// recoverMesh reopens the radio with exponential backoff, waiting for
// the device node to reappear when a fixed path is configured. Gives
// up after meshRecoveryAttempts consecutive failures.
func (s *Station) recoverMesh(ctx context.Context) error {
	s.closeTransport()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= meshRecoveryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(policy.NextBackOff()):
		}

		if path := s.cfg.Mesh.DevicePath; path != "" {
			if err := s.waitForDevice(ctx, path); err != nil {
				lastErr = err
				s.log.Warn("radio device not back", "attempt", attempt, "err", err)
				continue
			}
		}

		t, err := s.openTransport()
		if err != nil {
			lastErr = err
			s.log.Warn("radio reopen failed", "attempt", attempt, "err", err)
			continue
		}

		s.setTransport(t)
		s.log.Info("radio reopened", "attempt", attempt)
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", meshRecoveryAttempts, lastErr)
}

// waitForDevice blocks until the serial device node exists, watching
// its directory for the create event.
func (s *Station) waitForDevice(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("device watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// The node may have appeared between the Stat and the Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := s.clock.After(deviceWaitTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("device %s did not reappear within %s", path, deviceWaitTimeout)
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("device watcher closed")
			}
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("device watcher closed")
			}
			s.log.Warn("device watcher error", "err", werr)
		}
	}
}

func (s *Station) currentTransport() *mesh.Transport {
	s.meshMu.RLock()
	defer s.meshMu.RUnlock()
	return s.mesh
}

func (s *Station) setTransport(t *mesh.Transport) {
	s.meshMu.Lock()
	s.mesh = t
	s.meshMu.Unlock()
}

func (s *Station) closeTransport() {
	t := s.currentTransport()
	if t != nil {
		_ = t.Close()
	}
}

// shutdown runs after every loop has stopped: in-flight command
// handlers first, then the store and the port.
func (s *Station) shutdown() {
	s.handlers.Wait()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("queue close failed", "err", err)
		}
	}
	s.closeTransport()
}

// stationShort derives the short name a peer station's virtual node
// shows in node lists.
func stationShort(stationID string) string {
	if len(stationID) <= 4 {
		return stationID
	}
	return stationID[:4]
}
