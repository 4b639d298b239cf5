package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encryptedmeshlink/station/internal/proto"
	"github.com/encryptedmeshlink/station/internal/secure"
)

// rendezvousServer fakes the discovery service for one station.
type rendezvousServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	peers       []proto.PeerRecord
	posts       int
	deletes     []string
	failPosts   int // fail this many POSTs with 500 before accepting
	lastRequest proto.RegisterRequest
}

func newRendezvousServer(t *testing.T) *rendezvousServer {
	t.Helper()
	rs := &rendezvousServer{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()

		switch {
		case r.Method == http.MethodPost:
			rs.posts++
			if rs.failPosts > 0 {
				rs.failPosts--
				http.Error(w, "overloaded", http.StatusInternalServerError)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&rs.lastRequest)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			rs.deletes = append(rs.deletes, r.URL.Query().Get("station_id"))
			w.WriteHeader(http.StatusOK)
		case r.URL.Query().Get("peers") == "true":
			_ = json.NewEncoder(w).Encode(map[string]any{"peers": rs.peers})
		case r.URL.Query().Get("health") == "true":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *rendezvousServer) setPeers(peers []proto.PeerRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.peers = peers
}

func (rs *rendezvousServer) postCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.posts
}

func (rs *rendezvousServer) register() proto.RegisterRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRequest
}

func (rs *rendezvousServer) unregistered() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.deletes...)
}

func testClient(t *testing.T, rs *rendezvousServer, clock clockwork.Clock) *Client {
	t.Helper()
	pub, _, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	c, err := NewClient(Options{
		ServiceURL:   rs.srv.URL,
		StationID:    "basecamp",
		PublicKeyPEM: pub,
		SharedSecret: "trail-secret",
		AdvertiseIP:  "10.0.0.5",
		ListenPort:   8447,
		Clock:        clock,
	})
	require.NoError(t, err)
	return c
}

func record(t *testing.T, stationID, secret string, lastSeen time.Time) proto.PeerRecord {
	t.Helper()
	pub, _, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	blob, err := secure.EncryptContactInfo(proto.ContactInfo{
		IP:        "192.168.7.7",
		Port:      9001,
		PublicKey: pub,
		LastSeen:  lastSeen.UnixMilli(),
	}, secret)
	require.NoError(t, err)
	return proto.PeerRecord{
		StationID:            stationID,
		PublicKey:            pub,
		EncryptedContactInfo: blob,
		LastSeen:             lastSeen.UnixMilli(),
	}
}

func drainEvents(c *Client) []Event {
	var out []Event
	for {
		select {
		case e := <-c.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRegisterSendsEncryptedContactInfo(t *testing.T) {
	rs := newRendezvousServer(t)
	c := testClient(t, rs, clockwork.NewFakeClock())

	require.NoError(t, c.register(context.Background()))

	req := rs.register()
	assert.Equal(t, "basecamp", req.StationID)
	assert.NotEmpty(t, req.PublicKey)
	require.NotEmpty(t, req.EncryptedContactInfo)

	// Only holders of the shared secret can read the address.
	ci, err := secure.DecryptContactInfo(req.EncryptedContactInfo, "trail-secret")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ci.IP)
	assert.Equal(t, 8447, ci.Port)

	_, err = secure.DecryptContactInfo(req.EncryptedContactInfo, "wrong-secret")
	assert.ErrorIs(t, err, secure.ErrDecrypt)
}

func TestPollPeersEmitsExactDiff(t *testing.T) {
	rs := newRendezvousServer(t)
	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)
	ctx := context.Background()

	now := clock.Now()
	a := record(t, "alpine-a", "trail-secret", now)
	b := record(t, "bravo-b", "trail-secret", now)
	cc := record(t, "charlie-c", "trail-secret", now)

	// L1 = []
	rs.setPeers(nil)
	c.pollPeers(ctx)
	assert.Empty(t, drainEvents(c))

	// L2 = [A, B]
	rs.setPeers([]proto.PeerRecord{a, b})
	c.pollPeers(ctx)
	events := drainEvents(c)
	require.Len(t, events, 2)
	assert.Equal(t, "alpine-a", events[0].(PeerDiscovered).StationID)
	assert.Equal(t, "bravo-b", events[1].(PeerDiscovered).StationID)

	// L3 = [B, C]: lose A, discover C.
	rs.setPeers([]proto.PeerRecord{b, cc})
	c.pollPeers(ctx)
	events = drainEvents(c)
	require.Len(t, events, 2)
	assert.Equal(t, PeerLost{StationID: "alpine-a"}, events[0])
	assert.Equal(t, "charlie-c", events[1].(PeerDiscovered).StationID)

	assert.Equal(t, 2, c.PeerCount())
	assert.Equal(t, []string{"bravo-b", "charlie-c"}, c.Stations())
}

func TestPollPeersExcludesSelf(t *testing.T) {
	rs := newRendezvousServer(t)
	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)

	self := record(t, "basecamp", "trail-secret", clock.Now())
	other := record(t, "bravo-b", "trail-secret", clock.Now())
	rs.setPeers([]proto.PeerRecord{self, other})

	c.pollPeers(context.Background())
	events := drainEvents(c)
	require.Len(t, events, 1)
	assert.Equal(t, "bravo-b", events[0].(PeerDiscovered).StationID)
}

func TestPollPeersServerErrorKeepsView(t *testing.T) {
	rs := newRendezvousServer(t)
	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)
	ctx := context.Background()

	rs.setPeers([]proto.PeerRecord{record(t, "alpine-a", "trail-secret", clock.Now())})
	c.pollPeers(ctx)
	drainEvents(c)
	require.Equal(t, 1, c.PeerCount())

	// A dead endpoint must not look like every peer leaving at once.
	rs.srv.Close()
	c.pollPeers(ctx)
	events := drainEvents(c)
	require.Len(t, events, 1)
	ee, ok := events[0].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "peers", ee.Op)
	assert.Equal(t, 1, c.PeerCount())
}

func TestActivePeer(t *testing.T) {
	rs := newRendezvousServer(t)
	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)
	ctx := context.Background()

	fresh := record(t, "alpine-a", "trail-secret", clock.Now())
	stale := record(t, "old-timer", "trail-secret", clock.Now().Add(-10*time.Minute))
	sealed := record(t, "outsider", "other-secret", clock.Now())
	rs.setPeers([]proto.PeerRecord{fresh, stale, sealed})
	c.pollPeers(ctx)
	drainEvents(c)

	p, ok := c.ActivePeer("alpine-a")
	require.True(t, ok)
	assert.Equal(t, "alpine-a", p.StationID)
	assert.Equal(t, "192.168.7.7:9001", p.Addr)
	assert.NotNil(t, p.PublicKey)

	_, ok = c.ActivePeer("old-timer")
	assert.False(t, ok, "stale heartbeat is not dialable")

	_, ok = c.ActivePeer("outsider")
	assert.False(t, ok, "foreign shared secret is not our network")

	_, ok = c.ActivePeer("never-heard-of")
	assert.False(t, ok)
}

func TestRunRegistersWithRetryThenUnregisters(t *testing.T) {
	rs := newRendezvousServer(t)
	rs.mu.Lock()
	rs.failPosts = 1
	rs.mu.Unlock()

	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// First POST fails; the retry waits on the fake clock.
	require.Eventually(t, func() bool { return rs.postCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, rs.postCount(), 2)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{"basecamp"}, rs.unregistered())

	// Events channel closes with the run loop.
	for {
		if _, open := <-c.Events(); !open {
			break
		}
	}
}

func TestHeartbeatFailureEmitsErrorAndContinues(t *testing.T) {
	rs := newRendezvousServer(t)
	clock := clockwork.NewFakeClock()
	c := testClient(t, rs, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateActive }, 2*time.Second, 10*time.Millisecond)

	rs.mu.Lock()
	rs.failPosts = 1
	rs.mu.Unlock()

	clock.BlockUntil(2) // heartbeat + peers tickers
	clock.Advance(30 * time.Second)

	var got ErrorEvent
	require.Eventually(t, func() bool {
		for _, e := range drainEvents(c) {
			if ee, ok := e.(ErrorEvent); ok {
				got = ee
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "heartbeat", got.Op)
	assert.Equal(t, StateActive, c.State(), "transient failure must not tear the client down")

	cancel()
	require.NoError(t, <-done)
}

func TestHealth(t *testing.T) {
	rs := newRendezvousServer(t)
	c := testClient(t, rs, clockwork.NewFakeClock())

	ok, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSimulatedModeShortCircuits(t *testing.T) {
	t.Setenv(TestModeEnv, "1")

	pub, _, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	c, err := NewClient(Options{
		ServiceURL:   "http://test.example.com/api/stations",
		StationID:    "basecamp",
		PublicKeyPEM: pub,
		SharedSecret: "trail-secret",
		AdvertiseIP:  "10.0.0.5",
		ListenPort:   8447,
		Clock:        clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, c.register(ctx), "no real traffic, no failure")

	peers, err := c.fetchPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	ok, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{StationID: "x"})
	assert.Error(t, err)

	_, err = NewClient(Options{ServiceURL: "http://example.com"})
	assert.Error(t, err)
}
