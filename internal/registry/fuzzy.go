package registry

import (
	"sort"
	"strconv"
	"strings"
)

// MatchKind orders match quality for tie-breaking: an exact id beats
// an exact name beats a partial beats a fuzzy guess.
type MatchKind int

const (
	KindExactID MatchKind = iota
	KindExactName
	KindPartial
	KindFuzzy
)

func (k MatchKind) String() string {
	switch k {
	case KindExactID:
		return "exact-id"
	case KindExactName:
		return "exact-name"
	case KindPartial:
		return "partial"
	case KindFuzzy:
		return "fuzzy"
	default:
		return "unknown"
	}
}

// minScore is the floor below which a candidate is not worth
// suggesting; a relay to it would surprise the sender.
const minScore = 30

// Match is the registry's best candidate for a user-typed identifier.
// Exactly one of Local and Remote is set.
type Match struct {
	Local  *LocalNode
	Remote *RemoteNode
	Score  int
	Kind   MatchKind
	Online bool
}

// NodeID returns the mesh node number (local) or synthetic id (remote).
func (m Match) NodeID() uint32 {
	if m.Local != nil {
		return m.Local.Num
	}
	return m.Remote.NodeID
}

// Name returns the best human-readable name for confirmations.
func (m Match) Name() string {
	if m.Local != nil {
		if m.Local.LongName != "" {
			return m.Local.LongName
		}
		if m.Local.ShortName != "" {
			return m.Local.ShortName
		}
		return strconv.FormatUint(uint64(m.Local.Num), 10)
	}
	if m.Remote.DisplayName != "" {
		return m.Remote.DisplayName
	}
	return m.Remote.StationID
}

// IsRemote reports whether the match points at a peer station's
// virtual node.
func (m Match) IsRemote() bool { return m.Remote != nil }

// FindBest resolves an identifier to the most plausible node. An
// all-digit identifier that equals a local node number wins outright;
// otherwise every local and remote name is scored and the best
// candidate at or above the floor is returned. Online candidates get
// a +10 ranking bonus so a fresh "Bob" beats a stale one, and exact
// kinds break remaining ties. Ranking is deterministic: equal
// candidates resolve by node id.
func (r *Registry) FindBest(identifier string) (Match, bool) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if id == "" {
		return Match{}, false
	}

	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if num, err := strconv.ParseUint(id, 10, 32); err == nil {
		if n, ok := r.local[uint32(num)]; ok {
			cp := *n
			return Match{Local: &cp, Score: 100, Kind: KindExactID, Online: cp.OnlineAt(now)}, true
		}
	}

	var candidates []Match
	for _, n := range r.local {
		score, kind, ok := scoreNames(id, n.LongName, n.ShortName)
		if !ok {
			continue
		}
		cp := *n
		candidates = append(candidates, Match{Local: &cp, Score: score, Kind: kind, Online: cp.OnlineAt(now)})
	}
	for _, n := range r.remote {
		score, kind, ok := scoreNames(id, n.DisplayName, n.ShortName)
		if !ok {
			continue
		}
		cp := *n
		candidates = append(candidates, Match{Remote: &cp, Score: score, Kind: kind, Online: cp.OnlineAt(now)})
	}
	if len(candidates) == 0 {
		return Match{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i]), rank(candidates[j])
		if ri != rj {
			return ri > rj
		}
		if candidates[i].Kind != candidates[j].Kind {
			return candidates[i].Kind < candidates[j].Kind
		}
		return candidates[i].NodeID() < candidates[j].NodeID()
	})
	return candidates[0], true
}

func rank(m Match) int {
	r := m.Score
	if m.Online {
		r += 10
	}
	return r
}

// scoreNames scores an identifier against a node's long and short
// names and keeps the better of the two. ok is false below the floor.
func scoreNames(id string, names ...string) (int, MatchKind, bool) {
	best, bestKind, found := 0, KindFuzzy, false
	for _, name := range names {
		if name == "" {
			continue
		}
		score, kind := scoreName(id, strings.ToLower(name))
		if !found || score > best || (score == best && kind < bestKind) {
			best, bestKind, found = score, kind, true
		}
	}
	if !found || best < minScore {
		return 0, KindFuzzy, false
	}
	return best, bestKind, true
}

func scoreName(id, name string) (int, MatchKind) {
	switch {
	case name == id:
		return 100, KindExactName
	case strings.HasPrefix(name, id):
		return 90, KindPartial
	case strings.HasPrefix(id, name):
		return 85, KindPartial
	case strings.Contains(name, id):
		return 70, KindPartial
	case strings.Contains(id, name):
		return 65, KindPartial
	}

	a, b := []rune(id), []rune(name)
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 0, KindFuzzy
	}
	d := levenshtein(a, b)
	return (maxLen - d) * 60 / maxLen, KindFuzzy
}

// levenshtein is the classic two-row edit distance over runes.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
