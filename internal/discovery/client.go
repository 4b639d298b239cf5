// Package discovery keeps a station registered with the rendezvous
// service and tracks which peer stations are reachable. It is the only
// part of the bridge that talks to the wider Internet unencrypted, so
// everything sensitive in it (contact info) travels pre-encrypted.
package discovery

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/encryptedmeshlink/station/internal/proto"
	"github.com/encryptedmeshlink/station/internal/secure"
)

// TestModeEnv short-circuits all HTTP when set and the service host is
// a known placeholder, so offline test runs never hit the network.
const TestModeEnv = "EML_TEST_MODE"

// activeWindow is how recent a server-side heartbeat must be for a
// peer to count as dialable.
const activeWindow = 5 * time.Minute

// State tracks the client lifecycle.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Event is the union of PeerDiscovered, PeerLost and ErrorEvent.
type Event any

// PeerDiscovered means a station appeared in the server's peer list.
type PeerDiscovered struct {
	StationID string
	LastSeen  time.Time
}

// PeerLost means a previously listed station dropped out.
type PeerLost struct {
	StationID string
}

// ErrorEvent surfaces a tolerated failure (heartbeat, peer fetch).
type ErrorEvent struct {
	Op  string
	Err error
}

// Peer is a dialable remote station: its identity key plus the
// decrypted contact address.
type Peer struct {
	StationID string
	PublicKey *ecdh.PublicKey
	Addr      string // host:port
	LastSeen  time.Time
}

// Options configures a Client.
type Options struct {
	ServiceURL   string
	StationID    string
	PublicKeyPEM string
	SharedSecret string

	// AdvertiseIP overrides local address detection; the advertised
	// port is the p2p listen port.
	AdvertiseIP string
	ListenPort  int

	CheckInterval time.Duration // heartbeat, default 30s
	PeersInterval time.Duration // peer list poll, default 120s
	Timeout       time.Duration // per HTTP request, default 10s

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Client is the rendezvous client. One Run loop owns all HTTP traffic;
// the rest of the station watches Events and calls ActivePeer.
type Client struct {
	opts  Options
	base  string
	http  *http.Client
	log   *slog.Logger
	clock clockwork.Clock

	events chan Event

	mu         sync.RWMutex
	state      State
	blob       string // encrypted contact info, built once at register
	known      map[string]proto.PeerRecord
	decryptLog map[string]*rate.Sometimes
}

// NewClient validates the options and prepares a client; no network
// traffic happens until Run.
func NewClient(opts Options) (*Client, error) {
	opts.ServiceURL = strings.TrimRight(strings.TrimSpace(opts.ServiceURL), "/")
	if opts.ServiceURL == "" {
		return nil, fmt.Errorf("discovery: service URL required")
	}
	if _, err := url.Parse(opts.ServiceURL); err != nil {
		return nil, fmt.Errorf("discovery: bad service URL: %w", err)
	}
	if opts.StationID == "" {
		return nil, fmt.Errorf("discovery: station id required")
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.PeersInterval <= 0 {
		opts.PeersInterval = 120 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Client{
		opts:       opts,
		base:       opts.ServiceURL,
		http:       &http.Client{Timeout: opts.Timeout},
		log:        opts.Logger.With("component", "discovery"),
		clock:      opts.Clock,
		events:     make(chan Event, 64),
		known:      make(map[string]proto.PeerRecord),
		decryptLog: make(map[string]*rate.Sometimes),
	}, nil
}

// Events delivers peer membership changes and tolerated errors. The
// channel closes when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State reports the lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PeerCount is the number of stations currently listed besides us.
func (c *Client) PeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.known)
}

// Stations lists the known peer station ids, sorted.
func (c *Client) Stations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.known))
	for id := range c.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeerStatus is one directory row: a listed station and its last
// server-reported heartbeat.
type PeerStatus struct {
	StationID string
	LastSeen  time.Time
}

// Peers snapshots the current directory, sorted by station id. Unlike
// the event stream this includes freshness updates for stations that
// stayed listed between polls.
func (c *Client) Peers() []PeerStatus {
	c.mu.RLock()
	out := make([]PeerStatus, 0, len(c.known))
	for id, rec := range c.known {
		out = append(out, PeerStatus{StationID: id, LastSeen: time.UnixMilli(rec.LastSeen)})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

// ActivePeer resolves a station to a dialable peer: it must be in the
// current list, fresh, and its contact blob must decrypt with our
// shared secret. Decrypt failures are logged at most once per peer per
// minute; a station that does not share our secret is not our peer.
func (c *Client) ActivePeer(stationID string) (Peer, bool) {
	c.mu.RLock()
	rec, ok := c.known[stationID]
	c.mu.RUnlock()
	if !ok {
		return Peer{}, false
	}

	lastSeen := time.UnixMilli(rec.LastSeen)
	if c.clock.Now().Sub(lastSeen) > activeWindow {
		return Peer{}, false
	}

	pub, err := secure.ParsePublicKey(rec.PublicKey)
	if err != nil {
		c.throttled(stationID).Do(func() {
			c.log.Warn("peer has unusable public key", "station", stationID, "err", err)
		})
		return Peer{}, false
	}
	ci, err := secure.DecryptContactInfo(rec.EncryptedContactInfo, c.opts.SharedSecret)
	if err != nil {
		c.throttled(stationID).Do(func() {
			c.log.Warn("peer contact info does not decrypt", "station", stationID, "err", err)
		})
		return Peer{}, false
	}

	return Peer{
		StationID: stationID,
		PublicKey: pub,
		Addr:      net.JoinHostPort(ci.IP, strconv.Itoa(ci.Port)),
		LastSeen:  lastSeen,
	}, true
}

func (c *Client) throttled(stationID string) *rate.Sometimes {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.decryptLog[stationID]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: time.Minute}
		c.decryptLog[stationID] = s
	}
	return s
}

// Run registers, then heartbeats and polls the peer list until the
// context is cancelled, then unregisters best-effort. Registration
// retries forever with exponential backoff; a rendezvous outage should
// never take the bridge down.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.setState(StateIdle)

	c.setState(StateRegistering)
	if err := c.registerWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	c.setState(StateActive)
	c.log.Info("registered with discovery service", "station", c.opts.StationID, "url", c.base)

	// First peer list right away; the poll interval is long.
	c.pollPeers(ctx)

	heartbeat := c.clock.NewTicker(c.opts.CheckInterval)
	defer heartbeat.Stop()
	peers := c.clock.NewTicker(c.opts.PeersInterval)
	defer peers.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopping)
			c.unregister()
			return nil
		case <-heartbeat.Chan():
			if err := c.register(ctx); err != nil {
				c.log.Warn("heartbeat failed", "err", err)
				c.emit(ctx, ErrorEvent{Op: "heartbeat", Err: err})
			}
		case <-peers.Chan():
			c.pollPeers(ctx)
		}
	}
}

func (c *Client) registerWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		err := c.register(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		c.log.Warn("discovery registration failed, retrying", "err", err, "retry_in", wait)
		c.emit(ctx, ErrorEvent{Op: "register", Err: err})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

// register posts the encrypted contact blob; the same request doubles
// as the heartbeat.
func (c *Client) register(ctx context.Context) error {
	if c.simulated() {
		return nil
	}

	blob, err := c.contactBlob()
	if err != nil {
		return err
	}

	body, _ := json.Marshal(proto.RegisterRequest{
		StationID:            c.opts.StationID,
		EncryptedContactInfo: blob,
		PublicKey:            c.opts.PublicKeyPEM,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("register status %s", resp.Status)
	}
	return nil
}

// contactBlob builds the encrypted contact info once and reuses it for
// every heartbeat.
func (c *Client) contactBlob() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blob != "" {
		return c.blob, nil
	}

	ip := c.opts.AdvertiseIP
	if ip == "" {
		ip = localIP()
	}
	blob, err := secure.EncryptContactInfo(proto.ContactInfo{
		IP:        ip,
		Port:      c.opts.ListenPort,
		PublicKey: c.opts.PublicKeyPEM,
		LastSeen:  c.clock.Now().UnixMilli(),
	}, c.opts.SharedSecret)
	if err != nil {
		return "", fmt.Errorf("encrypt contact info: %w", err)
	}
	c.blob = blob
	return blob, nil
}

func (c *Client) pollPeers(ctx context.Context) {
	recs, err := c.fetchPeers(ctx)
	if err != nil {
		c.log.Warn("peer list fetch failed", "err", err)
		c.emit(ctx, ErrorEvent{Op: "peers", Err: err})
		return
	}
	if recs == nil {
		return
	}

	next := make(map[string]proto.PeerRecord, len(recs))
	for _, r := range recs {
		if r.StationID == "" || r.StationID == c.opts.StationID {
			continue
		}
		next[r.StationID] = r
	}

	c.mu.Lock()
	prev := c.known
	c.known = next
	c.mu.Unlock()

	var lost, found []string
	for id := range prev {
		if _, ok := next[id]; !ok {
			lost = append(lost, id)
		}
	}
	for id := range next {
		if _, ok := prev[id]; !ok {
			found = append(found, id)
		}
	}
	sort.Strings(lost)
	sort.Strings(found)

	for _, id := range lost {
		c.log.Info("peer station lost", "station", id)
		c.emit(ctx, PeerLost{StationID: id})
	}
	for _, id := range found {
		c.log.Info("peer station discovered", "station", id)
		c.emit(ctx, PeerDiscovered{
			StationID: id,
			LastSeen:  time.UnixMilli(next[id].LastSeen),
		})
	}
}

// fetchPeers returns nil, nil when the endpoint is unavailable; the
// previous view stays in effect rather than declaring everyone lost.
func (c *Client) fetchPeers(ctx context.Context) ([]proto.PeerRecord, error) {
	if c.simulated() {
		return []proto.PeerRecord{}, nil
	}

	var out struct {
		Peers []proto.PeerRecord `json:"peers"`
	}
	found, err := c.getJSON(ctx, c.base+"?peers=true", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if out.Peers == nil {
		out.Peers = []proto.PeerRecord{}
	}
	return out.Peers, nil
}

// Health asks the service whether it is up.
func (c *Client) Health(ctx context.Context) (bool, error) {
	if c.simulated() {
		return true, nil
	}
	var out map[string]any
	return c.getJSON(ctx, c.base+"?health=true", &out)
}

// unregister is best-effort; the server would expire us anyway.
func (c *Client) unregister() {
	if c.simulated() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := c.base + "?station_id=" + url.QueryEscape(c.opts.StationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("unregister failed", "err", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	c.log.Info("unregistered from discovery service", "station", c.opts.StationID)
}

// getJSON performs a GET, drains the body, and decodes JSON into v.
// Returns (true, nil) on 2xx, (false, nil) on 404/502 (endpoint not
// available), (false, err) otherwise.
func (c *Client) getJSON(ctx context.Context, u string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) emit(ctx context.Context, e Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

// simulated reports whether HTTP should be short-circuited: a test
// environment marker plus a placeholder host.
func (c *Client) simulated() bool {
	if os.Getenv(TestModeEnv) == "" {
		return false
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "test.example.com", "localhost", "127.0.0.1":
		return true
	}
	return false
}

// localIP finds the address the default route would use. The UDP
// connect never sends a packet.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
