package dht

import (
	"fmt"
	"sync"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/sirupsen/logrus"
)

// Router is the delivery capability the DHT sends and receives through.
// *router.Router implements it.
type Router interface {
	SendProto(dest identity.NodeID, proto router.Protocol, payload []byte) error
	Register(proto router.Protocol, ep router.Endpoint)
}

// Config holds DHT parameters. Times are milliseconds.
type Config struct {
	K                int
	Alpha            int
	ChallengeTimeout uint64
	PingInterval     uint64
	ProbeTimeout     uint64
	MaxProbeFailures int
	RefreshInterval  uint64
	QueryTimeout     uint64
	MaxLookupRounds  int
	LookupBudget     uint64
	MaxLookups       int
	MaxQueuedLookups int
	InboxSize        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		K:                8,
		Alpha:            3,
		ChallengeTimeout: 5_000,
		PingInterval:     30_000,
		ProbeTimeout:     5_000,
		MaxProbeFailures: 2,
		RefreshInterval:  60_000,
		QueryTimeout:     3_000,
		MaxLookupRounds:  8,
		LookupBudget:     15_000,
		MaxLookups:       4,
		MaxQueuedLookups: 32,
		InboxSize:        1024,
	}
}

func (c Config) validate() error {
	switch {
	case c.K <= 0 || c.K > 255:
		return fmt.Errorf("%w: K must be in 1..255, got %d", errcode.InvalidArgument, c.K)
	case c.Alpha <= 0:
		return fmt.Errorf("%w: Alpha must be positive", errcode.InvalidArgument)
	case c.MaxProbeFailures <= 0 || c.MaxLookupRounds <= 0 || c.MaxLookups <= 0:
		return fmt.Errorf("%w: probe and lookup limits must be positive", errcode.InvalidArgument)
	case c.InboxSize <= 0:
		return fmt.Errorf("%w: InboxSize must be positive", errcode.InvalidArgument)
	}
	return nil
}

// Option customizes a DHT.
type Option func(*DHT)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(d *DHT) { d.cfg = cfg }
}

// WithLogger sets the log entry the DHT writes to.
func WithLogger(entry *logrus.Entry) Option {
	return func(d *DHT) { d.logger = entry }
}

type inbound struct {
	from    identity.NodeID
	payload []byte
	failed  bool
}

type outgoing struct {
	to   identity.NodeID
	txid uint32
	msg  []byte
}

// challenge is a pending liveness check of a full bucket's least recently
// seen node on behalf of a candidate.
type challenge struct {
	lrs       identity.NodeID
	candidate identity.NodeID
	txid      uint32
	deadline  uint64
}

// DHT is a Kademlia-style map of the mesh. All its traffic goes through the
// router; inbound messages are queued and handled on the next Poll.
type DHT struct {
	mu     sync.Mutex
	cfg    Config
	logger *logrus.Entry

	router Router
	local  identity.NodeID
	table  *RoutingTable

	now         uint64
	closed      bool
	nextTx      uint32
	lastRefresh uint64

	inbox      []inbound
	challenges map[int]*challenge

	nextLookup uint64
	active     []*lookup
	waiting    []*lookup
	txLookup   map[uint32]*lookup

	outbox   []outgoing
	deferred []func()
}

// New creates a DHT for localID and registers it with r for ProtoDHT.
func New(r Router, localID identity.NodeID, opts ...Option) (*DHT, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: dht needs a router", errcode.InvalidArgument)
	}
	if localID.IsZero() {
		return nil, fmt.Errorf("%w: zero local id", errcode.InvalidArgument)
	}
	d := &DHT{
		cfg:        DefaultConfig(),
		router:     r,
		local:      localID,
		challenges: make(map[int]*challenge),
		txLookup:   make(map[uint32]*lookup),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.validate(); err != nil {
		return nil, err
	}
	if d.logger == nil {
		d.logger = logrus.WithFields(logrus.Fields{"package": "dht", "node": localID.Short()})
	}
	d.table = NewRoutingTable(localID, d.cfg.K)

	r.Register(router.ProtoDHT, router.Endpoint{
		OnMessage: d.receive,
		OnFailure: d.deliveryFailed,
	})
	d.logger.WithField("function", "New").Debug("DHT created")
	return d, nil
}

// LocalID returns the DHT's own NodeID.
func (d *DHT) LocalID() identity.NodeID {
	return d.local
}

func (d *DHT) receive(from identity.NodeID, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if len(d.inbox) >= d.cfg.InboxSize {
		d.logger.WithFields(logrus.Fields{
			"function": "receive",
			"from":     from.Short(),
		}).Debug("Inbox full, dropping message")
		return
	}
	d.inbox = append(d.inbox, inbound{from: from, payload: payload})
}

func (d *DHT) deliveryFailed(dest identity.NodeID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.inbox) >= d.cfg.InboxSize {
		return
	}
	d.inbox = append(d.inbox, inbound{from: dest, failed: true})
}

// AddNode inserts id into its bucket. A known id is left untouched. When the
// bucket is full its least recently seen node is challenged and BucketFull
// returned; the candidate takes the slot if the challenge goes unanswered.
func (d *DHT) AddNode(id identity.NodeID) error {
	if id.IsZero() || id == d.local {
		return fmt.Errorf("%w: cannot add %s", errcode.InvalidArgument, id.Short())
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: dht closed", errcode.NotStarted)
	}
	err := d.addNodeLocked(id)
	d.unlockAndFlush()
	return err
}

func (d *DHT) addNodeLocked(id identity.NodeID) error {
	bucket := d.table.BucketFor(id)
	if bucket.Get(id) != nil {
		return nil
	}
	if d.table.Insert(NewNode(id, d.now)) {
		d.logger.WithFields(logrus.Fields{
			"function": "AddNode",
			"peer":     id.Short(),
			"bucket":   identity.BucketIndex(d.local, id),
		}).Debug("Node added")
		return nil
	}

	idx := identity.BucketIndex(d.local, id)
	if _, pending := d.challenges[idx]; !pending {
		lrs := bucket.LeastRecentlySeen()
		tx := d.txLocked()
		d.challenges[idx] = &challenge{
			lrs:       lrs.ID,
			candidate: id,
			txid:      tx,
			deadline:  d.now + d.cfg.ChallengeTimeout,
		}
		d.queueLocked(lrs.ID, &message{typ: MsgPing, txid: tx})
	}
	return fmt.Errorf("%w: bucket %d holds %d nodes", errcode.BucketFull, idx, bucket.Len())
}

// Remove drops id from the table and reports whether it was known.
func (d *DHT) Remove(id identity.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(id)
}

func (d *DHT) removeLocked(id identity.NodeID) bool {
	if !d.table.Remove(id) {
		return false
	}
	idx := identity.BucketIndex(d.local, id)
	if ch, ok := d.challenges[idx]; ok && ch.lrs == id {
		delete(d.challenges, idx)
		d.table.Insert(NewNode(ch.candidate, d.now))
	}
	return true
}

// Contains reports whether id is in the table.
func (d *DHT) Contains(id identity.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.Get(id) != nil
}

// NodeCount returns the number of nodes across all buckets.
func (d *DHT) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.Len()
}

// BucketIndex returns the bucket id belongs in.
func (d *DHT) BucketIndex(id identity.NodeID) int {
	return identity.BucketIndex(d.local, id)
}

// Bucket returns the ids in bucket i, least recently seen first.
func (d *DHT) Bucket(i int) []identity.NodeID {
	if i < 0 || i >= identity.Bits {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return ids(d.table.Bucket(i).nodes)
}

// BucketSize returns the number of nodes in bucket i.
func (d *DHT) BucketSize(i int) int {
	if i < 0 || i >= identity.Bits {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.Bucket(i).Len()
}

// Closest returns up to n known ids closest to target, closest first.
func (d *DHT) Closest(target identity.NodeID, n int) []identity.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ids(d.table.FindClosestNodes(target, n, nil))
}

// SuggestNextHops returns up to n known ids near dest that are not known to
// be dead. The router treats them as forwarding hints.
func (d *DHT) SuggestNextHops(dest identity.NodeID, n int) []identity.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ids(d.table.FindClosestNodes(dest, n, func(node *Node) bool {
		return node.Status == StatusBad
	}))
}

// Liveness scores id in [0, 1] from its probe history. Unknown ids score 0.
func (d *DHT) Liveness(id identity.NodeID) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.table.Get(id)
	if n == nil {
		return 0
	}
	return n.Reliability()
}

// Close detaches the DHT from the router. Outstanding lookups are dropped
// without calling back. Calling Close again does nothing.
func (d *DHT) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.inbox = nil
	d.outbox = nil
	d.active = nil
	d.waiting = nil
	d.txLookup = make(map[uint32]*lookup)
	d.challenges = make(map[int]*challenge)
	d.mu.Unlock()

	d.router.Register(router.ProtoDHT, router.Endpoint{})
	d.logger.WithField("function", "Close").Debug("DHT closed")
	return nil
}

// Poll handles queued inbound messages, resolves challenges and probes,
// refreshes a stale bucket and advances lookups at nowMs.
func (d *DHT) Poll(nowMs uint64) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: dht closed", errcode.NotStarted)
	}
	if nowMs > d.now {
		d.now = nowMs
	}

	inbox := d.inbox
	d.inbox = nil
	for _, in := range inbox {
		if in.failed {
			d.queryFailedLocked(in.from)
			continue
		}
		d.handleLocked(in.from, in.payload)
	}

	d.resolveChallengesLocked()
	d.probeLocked()
	d.refreshLocked()
	d.advanceLookupsLocked()
	d.unlockAndFlush()
	return nil
}

func (d *DHT) handleLocked(from identity.NodeID, payload []byte) {
	m, err := parseMessage(payload, d.cfg.K)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"function": "handle",
			"from":     from.Short(),
			"error":    err.Error(),
		}).Debug("Dropping malformed message")
		return
	}
	if from.IsZero() || from == d.local {
		return
	}
	d.markAliveLocked(from)

	switch m.typ {
	case MsgPing:
		d.queueLocked(from, &message{typ: MsgPong, txid: m.txid})
	case MsgFindNode:
		closest := d.table.FindClosestNodes(m.target, d.cfg.K, func(n *Node) bool {
			return n.ID == from || n.Status == StatusBad
		})
		d.queueLocked(from, &message{typ: MsgNodes, txid: m.txid, nodes: ids(closest)})
	case MsgNodes:
		d.nodesReceivedLocked(from, m)
	}
}

// markAliveLocked records that from just spoke.
func (d *DHT) markAliveLocked(from identity.NodeID) {
	idx := identity.BucketIndex(d.local, from)
	if ch, ok := d.challenges[idx]; ok && ch.lrs == from {
		delete(d.challenges, idx)
		d.logger.WithFields(logrus.Fields{
			"function":  "markAlive",
			"peer":      from.Short(),
			"candidate": ch.candidate.Short(),
		}).Debug("Challenged node answered, candidate discarded")
	}

	bucket := d.table.BucketFor(from)
	if n := bucket.MoveToTail(from, d.now); n != nil {
		if n.probing() {
			n.RecordPingResponse(d.now, true)
		}
		return
	}
	if err := d.addNodeLocked(from); err == nil {
		bucket.MoveToTail(from, d.now)
	}
}

func (d *DHT) txLocked() uint32 {
	d.nextTx++
	if d.nextTx == 0 {
		d.nextTx = 1
	}
	return d.nextTx
}

func (d *DHT) queueLocked(to identity.NodeID, m *message) {
	d.outbox = append(d.outbox, outgoing{to: to, txid: m.txid, msg: m.marshal()})
}

// unlockAndFlush releases the lock, then sends queued messages and runs
// queued callbacks. The router may call SuggestNextHops while sending, so
// nothing here may run under the DHT lock.
func (d *DHT) unlockAndFlush() {
	out := d.outbox
	calls := d.deferred
	d.outbox, d.deferred = nil, nil
	d.mu.Unlock()

	var failed []outgoing
	for _, o := range out {
		if err := d.router.SendProto(o.to, router.ProtoDHT, o.msg); err != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "flush",
				"to":       o.to.Short(),
				"error":    err.Error(),
			}).Debug("Router refused message")
			failed = append(failed, o)
		}
	}
	if len(failed) > 0 {
		d.mu.Lock()
		for _, o := range failed {
			d.sendFailedLocked(o.txid)
		}
		d.mu.Unlock()
	}
	for _, fn := range calls {
		fn()
	}
}

func ids(nodes []*Node) []identity.NodeID {
	out := make([]identity.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// Ensure *router.Router can carry DHT traffic and take its hints.
var (
	_ Router             = (*router.Router)(nil)
	_ router.RouteHinter = (*DHT)(nil)
)
