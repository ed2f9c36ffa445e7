package dht

import (
	"fmt"
	"sort"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
)

type candState uint8

const (
	candFresh candState = iota
	candQueried
	candResponded
	candFailed
)

type candidate struct {
	id    identity.NodeID
	state candState
	seen  uint64
}

type query struct {
	node     identity.NodeID
	deadline uint64
}

// lookup is one iterative FIND_NODE search.
type lookup struct {
	id       uint64
	target   identity.NodeID
	started  uint64
	rounds   int
	cands    map[identity.NodeID]*candidate
	pending  map[uint32]query
	best     identity.NodeID
	hasBest  bool
	callback func([]identity.NodeID)
}

// FindNode searches the mesh for the nodes closest to target. callback, if
// not nil, receives up to K ids closest first once the search ends; the list
// may be empty. It runs after the Poll that completes the search.
func (d *DHT) FindNode(target identity.NodeID, callback func([]identity.NodeID)) error {
	if target.IsZero() {
		return fmt.Errorf("%w: zero lookup target", errcode.InvalidArgument)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: dht closed", errcode.NotStarted)
	}
	err := d.startLookupLocked(target, callback)
	d.unlockAndFlush()
	return err
}

// LookupCount returns the number of running and queued lookups.
func (d *DHT) LookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active) + len(d.waiting)
}

func (d *DHT) startLookupLocked(target identity.NodeID, callback func([]identity.NodeID)) error {
	if len(d.active) >= d.cfg.MaxLookups && len(d.waiting) >= d.cfg.MaxQueuedLookups {
		return fmt.Errorf("%w: %d lookups already queued", errcode.OutOfMemory, len(d.waiting))
	}
	d.nextLookup++
	lk := &lookup{
		id:       d.nextLookup,
		target:   target,
		cands:    make(map[identity.NodeID]*candidate),
		pending:  make(map[uint32]query),
		callback: callback,
	}
	if len(d.active) >= d.cfg.MaxLookups {
		d.waiting = append(d.waiting, lk)
		return nil
	}
	d.activateLocked(lk)
	return nil
}

func (d *DHT) activateLocked(lk *lookup) {
	lk.started = d.now
	for _, n := range d.table.FindClosestNodes(lk.target, d.cfg.K, func(n *Node) bool {
		return n.Status == StatusBad
	}) {
		lk.cands[n.ID] = &candidate{id: n.ID, seen: n.FirstSeen}
	}
	d.active = append(d.active, lk)
	d.logger.WithFields(logrus.Fields{
		"function": "lookup",
		"lookup":   lk.id,
		"target":   lk.target.Short(),
		"seeds":    len(lk.cands),
	}).Debug("Lookup started")
	d.startRoundLocked(lk)
}

// ranked returns the candidates not known to have failed, closest first.
func (lk *lookup) ranked() []*candidate {
	out := make([]*candidate, 0, len(lk.cands))
	for _, c := range lk.cands {
		if c.state != candFailed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di := identity.Distance(out[i].id, lk.target)
		dj := identity.Distance(out[j].id, lk.target)
		if di != dj {
			return identity.Less(di, dj)
		}
		return out[i].seen < out[j].seen
	})
	return out
}

func (d *DHT) startRoundLocked(lk *lookup) {
	ranked := lk.ranked()
	if len(ranked) > 0 {
		lk.best = identity.Distance(ranked[0].id, lk.target)
		lk.hasBest = true
	}
	lk.rounds++
	for _, c := range ranked {
		if len(lk.pending) >= d.cfg.Alpha {
			break
		}
		if c.state != candFresh {
			continue
		}
		tx := d.txLocked()
		c.state = candQueried
		lk.pending[tx] = query{node: c.id, deadline: d.now + d.cfg.QueryTimeout}
		d.txLookup[tx] = lk
		d.queueLocked(c.id, &message{typ: MsgFindNode, txid: tx, target: lk.target})
	}
	if len(lk.pending) == 0 {
		d.finishLookupLocked(lk)
	}
}

func (d *DHT) nodesReceivedLocked(from identity.NodeID, m *message) {
	lk, ok := d.txLookup[m.txid]
	if !ok {
		return
	}
	q, ok := lk.pending[m.txid]
	if !ok || q.node != from {
		return
	}
	delete(lk.pending, m.txid)
	delete(d.txLookup, m.txid)
	if c := lk.cands[from]; c != nil {
		c.state = candResponded
	}
	for _, id := range m.nodes {
		if id.IsZero() || id == d.local {
			continue
		}
		if _, known := lk.cands[id]; !known {
			lk.cands[id] = &candidate{id: id, seen: d.now}
		}
	}
}

// queryFailedLocked fails every pending lookup query to dest.
func (d *DHT) queryFailedLocked(dest identity.NodeID) {
	for _, lk := range d.active {
		for tx, q := range lk.pending {
			if q.node == dest {
				d.failQueryLocked(lk, tx)
			}
		}
	}
}

// sendFailedLocked fails the lookup query sent under txid, if any.
func (d *DHT) sendFailedLocked(txid uint32) {
	if lk, ok := d.txLookup[txid]; ok {
		d.failQueryLocked(lk, txid)
	}
}

func (d *DHT) failQueryLocked(lk *lookup, txid uint32) {
	q, ok := lk.pending[txid]
	if !ok {
		return
	}
	delete(lk.pending, txid)
	delete(d.txLookup, txid)
	if c := lk.cands[q.node]; c != nil {
		c.state = candFailed
	}
}

// advanceLookupsLocked times out queries, closes finished rounds and starts
// queued lookups.
func (d *DHT) advanceLookupsLocked() {
	for _, lk := range append([]*lookup(nil), d.active...) {
		for tx, q := range lk.pending {
			if d.now >= q.deadline {
				d.failQueryLocked(lk, tx)
			}
		}
		if elapsed(d.now, lk.started) >= d.cfg.LookupBudget {
			d.finishLookupLocked(lk)
			continue
		}
		if len(lk.pending) > 0 {
			continue
		}
		ranked := lk.ranked()
		improved := len(ranked) > 0 &&
			(!lk.hasBest || identity.Less(identity.Distance(ranked[0].id, lk.target), lk.best))
		if !improved || lk.rounds >= d.cfg.MaxLookupRounds {
			d.finishLookupLocked(lk)
			continue
		}
		d.startRoundLocked(lk)
	}

	for len(d.waiting) > 0 && len(d.active) < d.cfg.MaxLookups {
		lk := d.waiting[0]
		d.waiting = d.waiting[1:]
		d.activateLocked(lk)
	}
}

func (d *DHT) finishLookupLocked(lk *lookup) {
	for i, a := range d.active {
		if a == lk {
			d.active = append(d.active[:i], d.active[i+1:]...)
			break
		}
	}
	for tx := range lk.pending {
		delete(d.txLookup, tx)
	}
	lk.pending = nil

	ranked := lk.ranked()
	if len(ranked) > d.cfg.K {
		ranked = ranked[:d.cfg.K]
	}
	result := make([]identity.NodeID, len(ranked))
	for i, c := range ranked {
		result[i] = c.id
	}
	d.logger.WithFields(logrus.Fields{
		"function": "lookup",
		"lookup":   lk.id,
		"target":   lk.target.Short(),
		"rounds":   lk.rounds,
		"found":    len(result),
	}).Debug("Lookup finished")
	if lk.callback != nil {
		cb := lk.callback
		d.deferred = append(d.deferred, func() { cb(result) })
	}
}
