// Package registry is the station's node directory: radios heard on
// the local mesh, and virtual nodes standing in for peers reachable
// over the internet. Lookups answer the two questions the relay path
// asks: who does this identifier refer to, and is it fresh enough to
// try a delivery.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// OnlineWindow is how recently a node must have been heard for the
// bridge to consider it online.
const OnlineWindow = 5 * time.Minute

// remoteIDBase is the first synthetic node id assigned to a remote
// virtual node. Ids grow monotonically and are never reused within a
// process lifetime, so a stale id can't silently point at a new peer.
const remoteIDBase = 5000

// LocalNode is a radio on the same mesh as the station's own.
type LocalNode struct {
	Num       uint32
	LongName  string
	ShortName string
	Position  []byte // opaque device record, never interpreted
	LastSeen  time.Time
}

// OnlineAt reports whether the node was heard recently enough at now.
func (n LocalNode) OnlineAt(now time.Time) bool {
	return now.Sub(n.LastSeen) <= OnlineWindow
}

// RemoteNode is a virtual node representing a peer station. It exists
// while the discovery service lists the peer; LastSeen carries the
// server-reported heartbeat time, so a listed-but-silent station goes
// offline here before it disappears entirely.
type RemoteNode struct {
	NodeID      uint32
	StationID   string
	DisplayName string
	ShortName   string
	LastSeen    time.Time
}

// OnlineAt reports whether the peer station heartbeated recently
// enough at now.
func (n RemoteNode) OnlineAt(now time.Time) bool {
	return now.Sub(n.LastSeen) <= OnlineWindow
}

// Registry holds both node maps behind one lock. Reads take snapshots;
// no caller ever holds the lock across I/O.
type Registry struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	local     map[uint32]*LocalNode
	remote    map[uint32]*RemoteNode
	byStation map[string]uint32
	nextID    uint32
}

func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:     clock,
		local:     make(map[uint32]*LocalNode),
		remote:    make(map[uint32]*RemoteNode),
		byStation: make(map[string]uint32),
		nextID:    remoteIDBase,
	}
}

// AddOrUpdateLocal records a node-info observation and bumps the
// node's freshness. Names are merged: an empty name in the update
// keeps the previous value, so a bare telemetry record doesn't erase
// what an earlier node-info taught us.
func (r *Registry) AddOrUpdateLocal(num uint32, longName, shortName string, position []byte) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.local[num]
	if !ok {
		n = &LocalNode{Num: num}
		r.local[num] = n
	}
	if longName != "" {
		n.LongName = longName
	}
	if shortName != "" {
		n.ShortName = shortName
	}
	if len(position) > 0 {
		n.Position = append([]byte(nil), position...)
	}
	n.LastSeen = now
}

// MarkSeen bumps a local node's freshness on any traffic from it,
// creating a bare entry for nodes we hear before their node-info
// arrives.
func (r *Registry) MarkSeen(num uint32) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.local[num]
	if !ok {
		n = &LocalNode{Num: num}
		r.local[num] = n
	}
	n.LastSeen = now
}

// LocalByNum returns a copy of the local node, if known.
func (r *Registry) LocalByNum(num uint32) (LocalNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.local[num]
	if !ok {
		return LocalNode{}, false
	}
	return *n, true
}

// IsOnlineLocal reports whether a known local node is fresh.
func (r *Registry) IsOnlineLocal(num uint32) bool {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.local[num]
	return ok && n.OnlineAt(now)
}

// Locals returns all local nodes ordered by node number.
func (r *Registry) Locals() []LocalNode {
	r.mu.RLock()
	out := make([]LocalNode, 0, len(r.local))
	for _, n := range r.local {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// OnlineLocals returns the currently online local nodes ordered by
// node number. Used for status reporting over the mesh.
func (r *Registry) OnlineLocals() []LocalNode {
	now := r.clock.Now()

	r.mu.RLock()
	out := make([]LocalNode, 0, len(r.local))
	for _, n := range r.local {
		if n.OnlineAt(now) {
			out = append(out, *n)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// AddRemote creates or refreshes the virtual node for a peer station
// and returns its current state. The synthetic id is assigned once per
// station appearance; re-adding a live station only updates names and
// freshness.
func (r *Registry) AddRemote(stationID, displayName, shortName string, lastSeen time.Time) RemoteNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byStation[stationID]; ok {
		n := r.remote[id]
		if displayName != "" {
			n.DisplayName = displayName
		}
		if shortName != "" {
			n.ShortName = shortName
		}
		if lastSeen.After(n.LastSeen) {
			n.LastSeen = lastSeen
		}
		return *n
	}

	n := &RemoteNode{
		NodeID:      r.nextID,
		StationID:   stationID,
		DisplayName: displayName,
		ShortName:   shortName,
		LastSeen:    lastSeen,
	}
	r.nextID++
	r.remote[n.NodeID] = n
	r.byStation[stationID] = n.NodeID
	return *n
}

// RemoveRemote drops the virtual node for a lost peer station.
func (r *Registry) RemoveRemote(stationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byStation[stationID]
	if !ok {
		return false
	}
	delete(r.byStation, stationID)
	delete(r.remote, id)
	return true
}

// RemoteByStation returns a copy of the peer station's virtual node,
// if the station is currently known.
func (r *Registry) RemoteByStation(stationID string) (RemoteNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byStation[stationID]
	if !ok {
		return RemoteNode{}, false
	}
	return *r.remote[id], true
}

// Remotes returns all remote virtual nodes ordered by synthetic id.
func (r *Registry) Remotes() []RemoteNode {
	r.mu.RLock()
	out := make([]RemoteNode, 0, len(r.remote))
	for _, n := range r.remote {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
