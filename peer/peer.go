// Package peer keeps the table of directly known neighbours and their
// connection state. The router, DHT and discovery share one Table.
package peer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
)

// DefaultMaxPeers bounds the table size.
const DefaultMaxPeers = 256

// State is the connection state of a neighbour.
type State uint8

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateStale
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Peer is a snapshot of one table entry.
type Peer struct {
	ID        identity.NodeID
	Addr      string
	State     State
	FirstSeen uint64
	LastSeen  uint64
}

// Table is the shared neighbour table. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	local    identity.NodeID
	max      int
	peers    map[identity.NodeID]*Peer
	onRemove []func(identity.NodeID)
}

// NewTable creates a table for the node local. max <= 0 selects DefaultMaxPeers.
func NewTable(local identity.NodeID, max int) *Table {
	if max <= 0 {
		max = DefaultMaxPeers
	}
	return &Table{
		local: local,
		max:   max,
		peers: make(map[identity.NodeID]*Peer),
	}
}

// Insert adds p or refreshes the existing entry's address and state.
func (t *Table) Insert(p Peer) error {
	if p.ID.IsZero() {
		return fmt.Errorf("%w: zero peer id", errcode.InvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.ID == t.local {
		return fmt.Errorf("%w: refusing to insert local id", errcode.InvalidArgument)
	}
	if existing, ok := t.peers[p.ID]; ok {
		if p.Addr != "" {
			existing.Addr = p.Addr
		}
		if p.State != StateUnknown {
			existing.State = p.State
		}
		if p.LastSeen > existing.LastSeen {
			existing.LastSeen = p.LastSeen
		}
		return nil
	}
	if len(t.peers) >= t.max {
		return fmt.Errorf("%w: peer table holds %d peers", errcode.OutOfMemory, t.max)
	}
	if p.FirstSeen == 0 {
		p.FirstSeen = p.LastSeen
	}
	cp := p
	t.peers[p.ID] = &cp
	return nil
}

// Lookup returns a snapshot of the entry for id.
func (t *Table) Lookup(id identity.NodeID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// IsConnected reports whether id is a connected neighbour.
func (t *Table) IsConnected(id identity.NodeID) bool {
	p, ok := t.Lookup(id)
	return ok && p.State == StateConnected
}

// SetState changes the state of an existing entry.
func (t *Table) SetState(id identity.NodeID, state State, nowMs uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return fmt.Errorf("%w: unknown peer %s", errcode.InvalidArgument, id.Short())
	}
	p.State = state
	if nowMs > p.LastSeen {
		p.LastSeen = nowMs
	}
	return nil
}

// Touch records activity from id. Stale peers become connected again.
func (t *Table) Touch(id identity.NodeID, nowMs uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	if nowMs > p.LastSeen {
		p.LastSeen = nowMs
	}
	if p.State == StateStale {
		p.State = StateConnected
	}
	return true
}

// Remove deletes id and notifies OnRemove listeners.
func (t *Table) Remove(id identity.NodeID) bool {
	t.mu.Lock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	listeners := append([]func(identity.NodeID){}, t.onRemove...)
	t.mu.Unlock()

	if ok {
		for _, fn := range listeners {
			fn(id)
		}
	}
	return ok
}

// OnRemove registers fn to run after an entry is removed.
func (t *Table) OnRemove(fn func(identity.NodeID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemove = append(t.onRemove, fn)
}

// Count returns the number of entries.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ConnectedCount returns the number of connected entries.
func (t *Table) ConnectedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

// Connected returns the ids of connected peers in ascending order.
func (t *Table) Connected() []identity.NodeID {
	t.mu.RLock()
	ids := make([]identity.NodeID, 0, len(t.peers))
	for id, p := range t.peers {
		if p.State == StateConnected {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return identity.Less(ids[i], ids[j]) })
	return ids
}

// All returns snapshots of every entry ordered by id.
func (t *Table) All() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return identity.Less(out[i].ID, out[j].ID) })
	return out
}

// LocalID returns the owner of the table.
func (t *Table) LocalID() identity.NodeID {
	return t.local
}
