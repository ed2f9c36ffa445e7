package onion

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Stats counts onion activity since creation.
type Stats struct {
	CircuitsBuilt uint64
	BuildFailures uint64
	CellsRelayed  uint64
	CoverSent     uint64
	Delivered     uint64
	Exited        uint64
}

type outgoing struct {
	to    identity.NodeID
	proto router.Protocol
	data  []byte
	// origin circuit the cell belongs to, nil for relay traffic
	circ *circuit
}

// Layer is the working onion implementation.
type Layer struct {
	mu     sync.Mutex
	cfg    Config
	logger *logrus.Entry

	router   Router
	local    identity.NodeID
	cctx     *crypto.Context
	ident    *crypto.KeyPair
	ownIdent bool
	conn     Connectivity
	live     LivenessSource

	hopCount int
	cover    bool
	limiter  *rate.Limiter
	now      uint64
	closed   bool

	peerKeys    map[identity.NodeID][crypto.KeySize]byte
	circuits    map[uint32]*circuit
	originLinks map[linkKey]*circuit
	relays      map[linkKey]*relay
	relayNext   map[linkKey]*relay

	onDeliver func([]byte)
	stats     Stats
	failures  []error
	outbox    []outgoing
	deferred  []func()
}

func newLayer(r Router, localID identity.NodeID, cctx *crypto.Context, opts ...Option) (*Layer, error) {
	l := &Layer{
		cfg:         DefaultConfig(),
		router:      r,
		local:       localID,
		cctx:        cctx,
		peerKeys:    make(map[identity.NodeID][crypto.KeySize]byte),
		circuits:    make(map[uint32]*circuit),
		originLinks: make(map[linkKey]*circuit),
		relays:      make(map[linkKey]*relay),
		relayNext:   make(map[linkKey]*relay),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.cfg.validate(); err != nil {
		return nil, err
	}
	if l.logger == nil {
		l.logger = logrus.WithFields(logrus.Fields{"package": "onion", "node": localID.Short()})
	}
	if l.ident == nil {
		kp, err := cctx.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		l.ident, l.ownIdent = kp, true
	}
	l.hopCount = l.cfg.HopCount
	l.cover = l.cfg.CoverTraffic
	l.limiter = rate.NewLimiter(rate.Limit(l.cfg.CoverRate), l.cfg.CoverBurst)

	r.Register(router.ProtoOnion, router.Endpoint{
		OnMessage: l.receiveCell,
		OnFailure: l.cellFailed,
	})
	r.Register(router.ProtoOnionExit, router.Endpoint{OnMessage: l.receiveExit})

	l.logger.WithFields(logrus.Fields{
		"function": "New",
		"hops":     l.hopCount,
	}).Debug("Onion layer created")
	return l, nil
}

// PublicKey returns this node's onion identity key.
func (l *Layer) PublicKey() ([crypto.KeySize]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: onion layer closed", errcode.NotStarted)
	}
	return l.ident.Public, nil
}

// AddPeerKey records id's onion key. Keys that are malformed, low order or
// claimed for the local id are rejected.
func (l *Layer) AddPeerKey(id identity.NodeID, key []byte) error {
	if id.IsZero() || id == l.local {
		return fmt.Errorf("%w: cannot record a key for %s", errcode.InvalidArgument, id.Short())
	}
	pub, err := crypto.ValidatePublicKey(key)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: onion layer closed", errcode.NotStarted)
	}
	l.peerKeys[id] = pub
	return nil
}

// PeerKeyCount returns the number of recorded peer keys.
func (l *Layer) PeerKeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peerKeys)
}

// SetHopCount sets the length of circuits built after the call.
func (l *Layer) SetHopCount(n int) error {
	if n < MinHops || n > MaxHops {
		return fmt.Errorf("%w: hop count %d outside %d..%d", errcode.InvalidArgument, n, MinHops, MaxHops)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hopCount = n
	return nil
}

// HopCount returns the configured circuit length.
func (l *Layer) HopCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hopCount
}

// EnableCoverTraffic turns the dummy traffic generator on or off. Circuits
// are left alone either way.
func (l *Layer) EnableCoverTraffic(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cover = enabled
	if enabled {
		for _, c := range l.circuits {
			c.nextCover = l.now + l.coverDelayLocked()
		}
	}
}

// CoverTrafficEnabled reports whether cover traffic is on.
func (l *Layer) CoverTrafficEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cover
}

// OnDeliver installs the handler for payloads that reach this node through
// a circuit.
func (l *Layer) OnDeliver(fn func(payload []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDeliver = fn
}

// Stats returns the activity counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close tears down every circuit and relay and detaches from the router.
// Calling Close again does nothing.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	for _, c := range l.circuits {
		l.closeCircuitLocked(c, ReasonClosed)
		l.releaseLocked(c)
	}
	for _, rl := range l.relays {
		l.dropRelayLocked(rl, ReasonClosed, identity.Zero)
	}
	l.closed = true
	l.peerKeys = make(map[identity.NodeID][crypto.KeySize]byte)
	if l.ownIdent {
		_ = crypto.WipeKeyPair(l.ident)
	}
	l.flushLocked()

	l.router.Register(router.ProtoOnion, router.Endpoint{})
	l.router.Register(router.ProtoOnionExit, router.Endpoint{})
	l.logger.WithField("function", "Close").Info("Onion layer closed")
	return nil
}

func (l *Layer) coverDelayLocked() uint64 {
	span := l.cfg.CoverMaxInterval - l.cfg.CoverMinInterval
	if span == 0 {
		return l.cfg.CoverMinInterval
	}
	return l.cfg.CoverMinInterval + rand.Uint64N(span+1)
}

func (l *Layer) sendLocked(to identity.NodeID, c *cell, owner *circuit) {
	l.outbox = append(l.outbox, outgoing{to: to, proto: router.ProtoOnion, data: c.marshal(), circ: owner})
}

func (l *Layer) deliverLocked(payload []byte) {
	l.stats.Delivered++
	if fn := l.onDeliver; fn != nil {
		p := append([]byte(nil), payload...)
		l.deferred = append(l.deferred, func() { fn(p) })
	}
}

// flushLocked releases the lock, sends queued cells and runs callbacks.
// Cells for an origin circuit whose first hop refuses them fail that
// circuit. A building circuit is rebuilt around the refusing hop and keeps
// its queued payloads, so the refusal is only returned when a circuit lost
// its payloads for good.
func (l *Layer) flushLocked() error {
	type refusal struct {
		c   *circuit
		to  identity.NodeID
		err error
	}
	var first error
	for {
		out := l.outbox
		calls := l.deferred
		l.outbox, l.deferred = nil, nil
		l.mu.Unlock()

		var broken []refusal
		for _, o := range out {
			err := l.router.SendProto(o.to, o.proto, o.data)
			if err == nil {
				continue
			}
			l.logger.WithFields(logrus.Fields{
				"function": "flush",
				"to":       o.to.Short(),
				"error":    err.Error(),
			}).Debug("Router refused cell")
			if o.circ != nil {
				broken = append(broken, refusal{c: o.circ, to: o.to, err: err})
			}
		}
		for _, fn := range calls {
			fn()
		}
		if len(broken) == 0 {
			return first
		}

		l.mu.Lock()
		for _, b := range broken {
			if b.c.live() {
				l.failCircuitLocked(b.c, b.to, fmt.Errorf("%w: entry hop refused cell", errcode.PeerUnreachable))
			}
			// StateFailed means a rebuilt circuit took over the payloads.
			if b.c.state != StateFailed && first == nil {
				first = fmt.Errorf("%w: entry hop %s: %v", errcode.PeerUnreachable, b.to.Short(), b.err)
			}
		}
	}
}

func (l *Layer) receiveExit(from identity.NodeID, payload []byte) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.deliverLocked(payload)
	_ = l.flushLocked()
}

func (l *Layer) cellFailed(dest identity.NodeID, err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	var hit []*circuit
	for _, c := range l.circuits {
		if c.live() && c.plan[0].id == dest {
			hit = append(hit, c)
		}
	}
	for _, c := range hit {
		l.failCircuitLocked(c, dest, fmt.Errorf("%w: entry hop %s: %v", errcode.PeerUnreachable, dest.Short(), err))
	}
	for _, rl := range l.relays {
		if rl.next != dest {
			continue
		}
		if rl.extending {
			l.extendFailedLocked(rl)
		} else {
			l.dropRelayLocked(rl, ReasonProtocol, dest)
		}
	}
	_ = l.flushLocked()
}

// receiveCell dispatches a cell from a neighbouring onion node.
func (l *Layer) receiveCell(from identity.NodeID, payload []byte) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	c, err := parseCell(payload)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"function": "receiveCell",
			"from":     from.Short(),
			"error":    err.Error(),
		}).Debug("Dropping malformed cell")
		l.mu.Unlock()
		return
	}
	key := linkKey{peer: from, circ: c.circ}

	switch c.typ {
	case cellCreate:
		l.handleCreateLocked(key, c.body)
	case cellCreated:
		if circ, ok := l.originLinks[key]; ok {
			l.handleCreatedLocked(circ, c.body)
		} else if rl, ok := l.relayNext[key]; ok {
			l.handleNextCreatedLocked(rl, c.body)
		}
	case cellRelay:
		if rl, ok := l.relays[key]; ok {
			l.handleRelayLocked(rl, c.body)
		}
	case cellRelayBack:
		if circ, ok := l.originLinks[key]; ok {
			l.handleRelayBackLocked(circ, c.body)
		} else if rl, ok := l.relayNext[key]; ok {
			l.handleNextRelayBackLocked(rl, c.body)
		}
	case cellDestroy:
		reason := DestroyReason(c.body[0])
		if rl, ok := l.relays[key]; ok {
			l.dropRelayLocked(rl, reason, from)
		} else if rl, ok := l.relayNext[key]; ok {
			l.dropRelayLocked(rl, reason, from)
		} else if circ, ok := l.originLinks[key]; ok {
			l.failCircuitLocked(circ, identity.Zero, fmt.Errorf("%w: circuit destroyed by %s (reason %d)",
				errcode.NoCircuit, from.Short(), reason))
		}
	}
	_ = l.flushLocked()
}

// allocCircLocked picks a circuit id unused on the link to peer.
func (l *Layer) allocCircLocked(peer identity.NodeID) uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		k := linkKey{peer: peer, circ: id}
		if _, used := l.originLinks[k]; used {
			continue
		}
		if _, used := l.relayNext[k]; used {
			continue
		}
		if _, used := l.relays[k]; used {
			continue
		}
		if _, used := l.circuits[id]; used {
			continue
		}
		return id
	}
}
