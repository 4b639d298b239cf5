package registry

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	return New(fc), fc
}

func TestLocalLifecycle(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)

	r.AddOrUpdateLocal(101, "Alice Base", "ALCE", nil)
	n, ok := r.LocalByNum(101)
	require.True(t, ok)
	require.Equal(t, "Alice Base", n.LongName)
	require.True(t, r.IsOnlineLocal(101))

	// A later bare observation must not erase the names.
	fc.Advance(time.Minute)
	r.AddOrUpdateLocal(101, "", "", nil)
	n, _ = r.LocalByNum(101)
	require.Equal(t, "Alice Base", n.LongName)
	require.Equal(t, "ALCE", n.ShortName)
	require.Equal(t, fc.Now(), n.LastSeen)
}

func TestMarkSeenCreatesBareEntry(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	r.MarkSeen(200)
	n, ok := r.LocalByNum(200)
	require.True(t, ok)
	require.Empty(t, n.LongName)
	require.True(t, r.IsOnlineLocal(200))
}

func TestOnlineWindow(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "Alice", "A", nil)

	fc.Advance(OnlineWindow)
	require.True(t, r.IsOnlineLocal(101), "exactly at the window is still online")

	fc.Advance(time.Second)
	require.False(t, r.IsOnlineLocal(101))
	require.Empty(t, r.OnlineLocals())

	// Fresh traffic brings it back.
	r.MarkSeen(101)
	require.True(t, r.IsOnlineLocal(101))
}

func TestRemoteLifecycle(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)

	a := r.AddRemote("station-a", "Station A", "STNA", fc.Now())
	b := r.AddRemote("station-b", "Station B", "STNB", fc.Now())
	require.Equal(t, uint32(5000), a.NodeID)
	require.Equal(t, uint32(5001), b.NodeID)

	// Re-adding refreshes in place, same synthetic id.
	fc.Advance(time.Minute)
	again := r.AddRemote("station-a", "Station A", "STNA", fc.Now())
	require.Equal(t, a.NodeID, again.NodeID)
	require.Equal(t, fc.Now(), again.LastSeen)

	require.True(t, r.RemoveRemote("station-a"))
	require.False(t, r.RemoveRemote("station-a"))
	_, ok := r.RemoteByStation("station-a")
	require.False(t, ok)

	// A returning station gets a fresh id, never a reused one.
	back := r.AddRemote("station-a", "Station A", "STNA", fc.Now())
	require.Equal(t, uint32(5002), back.NodeID)

	remotes := r.Remotes()
	require.Len(t, remotes, 2)
	require.Equal(t, []uint32{5001, 5002}, []uint32{remotes[0].NodeID, remotes[1].NodeID})
}

func TestRemoteLastSeenNeverGoesBackwards(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)
	later := fc.Now().Add(time.Hour)

	r.AddRemote("station-a", "Station A", "STNA", later)
	n := r.AddRemote("station-a", "Station A", "STNA", fc.Now())
	require.Equal(t, later, n.LastSeen)
}

func TestFindBestExactID(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "Alice", "ALCE", nil)

	m, ok := r.FindBest("101")
	require.True(t, ok)
	require.Equal(t, 100, m.Score)
	require.Equal(t, KindExactID, m.Kind)
	require.Equal(t, uint32(101), m.NodeID())
	require.False(t, m.IsRemote())
}

func TestFindBestDigitsFallBackToNames(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "42", "FT", nil)

	// "42" is all digits but matches no node number; the name still wins.
	m, ok := r.FindBest("42")
	require.True(t, ok)
	require.Equal(t, KindExactName, m.Kind)
	require.Equal(t, uint32(101), m.NodeID())
}

func TestFindBestScoring(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "Alice Base", "ALCE", nil)
	r.AddOrUpdateLocal(102, "Bob", "BOB", nil)

	cases := []struct {
		ident string
		want  uint32
		score int
		kind  MatchKind
	}{
		{"bob", 102, 100, KindExactName},            // equal, case-insensitive
		{"ali", 101, 90, KindPartial},               // candidate starts with identifier
		{"alice base camp", 101, 85, KindPartial},   // identifier starts with candidate
		{"ice ba", 101, 70, KindPartial},            // candidate contains identifier
		{"bobby", 102, 85, KindPartial},             // identifier starts with candidate
		{"alize base", 101, 54, KindFuzzy},          // one edit over 10 chars
	}
	for _, tc := range cases {
		m, ok := r.FindBest(tc.ident)
		require.True(t, ok, "ident %q", tc.ident)
		require.Equal(t, tc.want, m.NodeID(), "ident %q", tc.ident)
		require.Equal(t, tc.score, m.Score, "ident %q", tc.ident)
		require.Equal(t, tc.kind, m.Kind, "ident %q", tc.ident)
	}
}

func TestFindBestRejectsNoise(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "Alice", "ALCE", nil)

	_, ok := r.FindBest("zzqqxx")
	require.False(t, ok)
	_, ok = r.FindBest("")
	require.False(t, ok)
	_, ok = r.FindBest("   ")
	require.False(t, ok)
}

func TestFindBestOnlineBonus(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)

	// Both matches are Partial; raw scores favour the stale node 101
	// (90 vs 85) but the online bonus flips the ranking to 102.
	r.AddOrUpdateLocal(101, "alice", "", nil)
	fc.Advance(OnlineWindow + time.Minute)
	r.AddOrUpdateLocal(102, "ali", "", nil)

	m, ok := r.FindBest("alic")
	require.True(t, ok)
	require.Equal(t, uint32(102), m.NodeID())
	require.True(t, m.Online)
}

func TestFindBestKindBreaksRankTies(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)

	// Stale exact name ranks 100+0, fresh prefix ranks 90+10. The
	// rank tie resolves by kind: the exact name wins.
	r.AddOrUpdateLocal(101, "basecamp", "", nil)
	fc.Advance(OnlineWindow + time.Minute)
	r.AddOrUpdateLocal(102, "basecamp north", "", nil)

	m, ok := r.FindBest("basecamp")
	require.True(t, ok)
	require.Equal(t, uint32(101), m.NodeID())
	require.Equal(t, KindExactName, m.Kind)
	require.False(t, m.Online)
}

func TestFindBestDeterministicTiebreak(t *testing.T) {
	t.Parallel()

	// Identical names: kind and score tie, lowest node id wins, and
	// repeated lookups agree.
	r, _ := newTestRegistry(t)
	r.AddOrUpdateLocal(110, "repeater", "", nil)
	r.AddOrUpdateLocal(104, "repeater", "", nil)

	for range 10 {
		m, ok := r.FindBest("repeater")
		require.True(t, ok)
		require.Equal(t, uint32(104), m.NodeID())
	}
}

func TestFindBestCoversRemotes(t *testing.T) {
	t.Parallel()

	r, fc := newTestRegistry(t)
	r.AddOrUpdateLocal(101, "Alice", "ALCE", nil)
	r.AddRemote("mountain-top", "mountain-top", "moun", fc.Now())

	m, ok := r.FindBest("mountain")
	require.True(t, ok)
	require.True(t, m.IsRemote())
	require.Equal(t, "mountain-top", m.Remote.StationID)
	require.Equal(t, 90, m.Score)
	require.True(t, m.Online)
	require.Equal(t, "mountain-top", m.Name())
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"gumbo", "gambol", 2},
		{"nöde", "node", 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, levenshtein([]rune(tc.a), []rune(tc.b)), "%q vs %q", tc.a, tc.b)
	}
}
