// Package p2p maintains authenticated sessions with peer stations and
// moves encrypted relay frames across them. One session per station,
// whichever side dialed; frames are acked so senders know a relay
// reached the far station (not yet its radio).
package p2p

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/encryptedmeshlink/station/internal/discovery"
	"github.com/encryptedmeshlink/station/internal/proto"
)

// ErrStationUnavailable means discovery has no dialable address for
// the station right now.
var ErrStationUnavailable = errors.New("p2p: station not available")

const (
	// ackTimeout is how long SendRelay waits for the remote ack.
	ackTimeout = 10 * time.Second

	// portWindow is how many ports above the configured one we try
	// when it is already taken.
	portWindow = 10
)

// Directory resolves station ids to dialable peers; the discovery
// client implements it.
type Directory interface {
	ActivePeer(stationID string) (discovery.Peer, bool)
}

// RelayHandler consumes an authenticated inbound relay frame.
type RelayHandler func(stationID string, env proto.Envelope)

// Options configures a Manager.
type Options struct {
	StationID  string
	PrivateKey *ecdh.PrivateKey

	ListenPort     int // 0 means ephemeral
	MaxConnections int
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// Optional websocket accept path, served on ListenPort+1.
	EnableWebsocket bool
	WebsocketPath   string

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Stats is a snapshot of link activity.
type Stats struct {
	ActiveSessions   int
	TotalSessions    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
	LastActivity     time.Time
}

// SessionInfo describes one live session.
type SessionInfo struct {
	StationID    string
	RemoteAddr   string
	State        string
	Inbound      bool
	LastActivity time.Time
}

// Manager owns the listener and all peer sessions.
type Manager struct {
	opts  Options
	dir   Directory
	log   *slog.Logger
	clock clockwork.Clock

	ln      net.Listener
	port    int
	httpSrv *http.Server

	mu       sync.RWMutex
	sessions map[string]*session // authenticated, by station id
	all      map[*session]struct{}

	dialGroup singleflight.Group

	ackMu   sync.Mutex
	pending map[string]chan struct{}

	handlerMu    sync.RWMutex
	relayHandler RelayHandler

	totalSessions    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errors           atomic.Uint64
	lastActivity     atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager prepares a manager; nothing listens until Listen or Run.
func NewManager(dir Directory, opts Options) (*Manager, error) {
	if opts.StationID == "" {
		return nil, fmt.Errorf("p2p: station id required")
	}
	if opts.PrivateKey == nil {
		return nil, fmt.Errorf("p2p: private key required")
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.WebsocketPath == "" {
		opts.WebsocketPath = "/eml"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		opts:     opts,
		dir:      dir,
		log:      opts.Logger.With("component", "p2p"),
		clock:    opts.Clock,
		sessions: make(map[string]*session),
		all:      make(map[*session]struct{}),
		pending:  make(map[string]chan struct{}),
	}, nil
}

// SetRelayHandler installs the consumer for inbound relay frames.
// Install it before Run; frames arriving without a handler are dropped.
func (m *Manager) SetRelayHandler(h RelayHandler) {
	m.handlerMu.Lock()
	m.relayHandler = h
	m.handlerMu.Unlock()
}

// Listen binds the TCP listener, sliding up through the port window
// when the configured port is taken. Returns the bound port.
func (m *Manager) Listen() (int, error) {
	if m.opts.ListenPort == 0 {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return 0, fmt.Errorf("p2p: listen: %w", err)
		}
		m.ln = ln
		m.port = ln.Addr().(*net.TCPAddr).Port
		return m.port, nil
	}

	for i := range portWindow {
		port := m.opts.ListenPort + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		m.ln = ln
		m.port = port
		if i > 0 {
			m.log.Warn("configured port busy, moved up",
				"configured", m.opts.ListenPort, "port", port)
		}
		return port, nil
	}
	return 0, fmt.Errorf("p2p: no free port in %d-%d",
		m.opts.ListenPort, m.opts.ListenPort+portWindow-1)
}

// Port returns the bound listen port.
func (m *Manager) Port() int {
	return m.port
}

// Run accepts inbound sessions until the context is cancelled, then
// drains everything.
func (m *Manager) Run(ctx context.Context) error {
	if m.ln == nil {
		if _, err := m.Listen(); err != nil {
			return err
		}
	}
	if m.opts.EnableWebsocket {
		m.startWebsocket()
	}

	go func() {
		<-ctx.Done()
		m.Close()
	}()

	m.log.Info("peer link listening", "port", m.port, "max_connections", m.opts.MaxConnections)
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Warn("accept failed", "err", err)
			continue
		}
		if m.sessionCount() >= m.opts.MaxConnections {
			m.log.Warn("refusing connection, at capacity",
				"addr", conn.RemoteAddr(), "max", m.opts.MaxConnections)
			_ = conn.Close()
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(newTCPLink(conn))
		}()
	}
}

// Close drains all sessions and stops the listeners. Idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.ln != nil {
			_ = m.ln.Close()
		}
		if m.httpSrv != nil {
			_ = m.httpSrv.Close()
		}
		for _, s := range m.snapshotAll() {
			s.close("shutting down")
		}
		m.wg.Wait()
		m.log.Info("peer link stopped")
	})
	return nil
}

// SendRelay delivers one relay envelope to a station and waits for its
// ack. An existing session is reused; otherwise the peer is dialed.
func (m *Manager) SendRelay(ctx context.Context, stationID string, env proto.Envelope) error {
	if m.closed.Load() {
		return fmt.Errorf("p2p: manager closed")
	}
	env.Type = proto.TypeRelay
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = proto.NowMillis()
	}

	s, err := m.sessionFor(ctx, stationID)
	if err != nil {
		return err
	}

	// Register the ack slot before the frame leaves, so a fast answer
	// cannot slip past us.
	ackCh := make(chan struct{}, 1)
	m.ackMu.Lock()
	m.pending[env.ID] = ackCh
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		delete(m.pending, env.ID)
		m.ackMu.Unlock()
	}()

	if err := s.send(env); err != nil {
		m.errors.Add(1)
		return err
	}

	select {
	case <-ackCh:
		return nil
	case <-s.closed:
		m.errors.Add(1)
		return fmt.Errorf("p2p: session with %s closed before ack (%s)", stationID, s.closeReason())
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(ackTimeout):
		m.errors.Add(1)
		return fmt.Errorf("p2p: waiting for ack from %s: timeout", stationID)
	}
}

// Stats snapshots the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		ActiveSessions:   m.sessionCount(),
		TotalSessions:    m.totalSessions.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		Errors:           m.errors.Load(),
		LastActivity:     time.UnixMilli(m.lastActivity.Load()),
	}
}

// Sessions lists the authenticated sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			StationID:    s.station,
			RemoteAddr:   s.link.RemoteAddr(),
			State:        s.getState().String(),
			Inbound:      s.inbound,
			LastActivity: time.UnixMilli(s.lastActivity.Load()),
		})
	}
	return out
}

func (m *Manager) sessionFor(ctx context.Context, stationID string) (*session, error) {
	m.mu.RLock()
	s := m.sessions[stationID]
	m.mu.RUnlock()
	if s != nil && s.getState() == stateAuthenticated {
		return s, nil
	}

	// Concurrent senders to the same station share one dial.
	v, err, _ := m.dialGroup.Do(stationID, func() (any, error) {
		m.mu.RLock()
		s := m.sessions[stationID]
		m.mu.RUnlock()
		if s != nil && s.getState() == stateAuthenticated {
			return s, nil
		}
		return m.dialStation(ctx, stationID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (m *Manager) dialStation(ctx context.Context, stationID string) (*session, error) {
	peer, ok := m.dir.ActivePeer(stationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStationUnavailable, stationID)
	}

	d := net.Dialer{Timeout: m.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		m.errors.Add(1)
		return nil, fmt.Errorf("p2p: dial %s at %s: %w", stationID, peer.Addr, err)
	}

	s := m.newSession(newTCPLink(conn), false)
	s.station = stationID
	if err := s.handshakeInitiator(m.opts.StationID, m.opts.PrivateKey, peer.PublicKey); err != nil {
		m.errors.Add(1)
		s.close("handshake failed")
		return nil, err
	}

	m.register(s)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer m.wg.Done()
		s.keepAlive(m.opts.KeepAlive)
	}()

	m.log.Info("peer session established", "station", stationID, "addr", peer.Addr, "direction", "outbound")
	return s, nil
}

func (m *Manager) handleInbound(l link) {
	s := m.newSession(l, true)
	station, err := s.handshakeResponder(m.opts.StationID, m.opts.PrivateKey, m.lookupKey)
	if err != nil {
		m.errors.Add(1)
		m.log.Warn("inbound handshake failed", "addr", l.RemoteAddr(), "err", err)
		s.close("handshake failed")
		return
	}
	s.station = station

	m.register(s)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.keepAlive(m.opts.KeepAlive)
	}()

	m.log.Info("peer session established", "station", station, "addr", l.RemoteAddr(), "direction", "inbound")
	s.readLoop()
}

func (m *Manager) lookupKey(stationID string) (*ecdh.PublicKey, bool) {
	peer, ok := m.dir.ActivePeer(stationID)
	if !ok {
		return nil, false
	}
	return peer.PublicKey, true
}

func (m *Manager) newSession(l link, inbound bool) *session {
	s := &session{mgr: m, link: l, inbound: inbound, closed: make(chan struct{})}
	s.lastActivity.Store(m.clock.Now().UnixMilli())
	m.mu.Lock()
	m.all[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// register makes the session the one session for its station; a stale
// previous session is closed.
func (m *Manager) register(s *session) {
	m.mu.Lock()
	old := m.sessions[s.station]
	m.sessions[s.station] = s
	m.mu.Unlock()

	m.totalSessions.Add(1)
	if old != nil && old != s {
		old.close("replaced")
	}
	// A session that finished its handshake while Close was draining
	// missed the shutdown snapshot.
	if m.closed.Load() {
		s.close("shutting down")
	}
}

func (m *Manager) removeSession(s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.station]; ok && cur == s {
		delete(m.sessions, s.station)
	}
	delete(m.all, s)
	m.mu.Unlock()
}

func (m *Manager) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) snapshotAll() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.all))
	for s := range m.all {
		out = append(out, s)
	}
	return out
}

func (m *Manager) dispatchRelay(stationID string, env proto.Envelope) {
	m.handlerMu.RLock()
	h := m.relayHandler
	m.handlerMu.RUnlock()
	if h == nil {
		m.log.Warn("relay frame dropped, no handler installed", "station", stationID)
		return
	}
	// Decrypt and mesh I/O must not stall the read loop.
	go h(stationID, env)
}

func (m *Manager) resolveAck(id string) {
	m.ackMu.Lock()
	ch, ok := m.pending[id]
	m.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) countSent(frameType string, n int) {
	m.bytesSent.Add(uint64(n))
	if frameType == proto.TypeRelay {
		m.messagesSent.Add(1)
	}
}

func (m *Manager) countReceived(frameType string, n int) {
	m.bytesReceived.Add(uint64(n))
	if frameType == proto.TypeRelay {
		m.messagesReceived.Add(1)
	}
}

func (m *Manager) touchActivity(millis int64) {
	m.lastActivity.Store(millis)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Sessions authenticate with key proofs; the Origin header of a
	// station-to-station dial means nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (m *Manager) startWebsocket() {
	mux := http.NewServeMux()
	mux.HandleFunc(m.opts.WebsocketPath, m.handleWS)
	m.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", m.port+1), Handler: mux}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Warn("websocket listener failed", "err", err)
		}
	}()
	m.log.Info("websocket fallback enabled", "port", m.port+1, "path", m.opts.WebsocketPath)
}

func (m *Manager) handleWS(w http.ResponseWriter, r *http.Request) {
	if m.sessionCount() >= m.opts.MaxConnections {
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handleInbound(newWSLink(conn))
	}()
}
