// Package discovery finds neighbours and keeps the peer table current.
//
// Peers surface through transport PeerDiscovered events, raised by links in
// memory or by rendezvous peer lists. Discovery greets each one with an
// Announce; an Announce or AnnounceAck back marks the peer connected and
// hands it to the DHT. Silent peers go stale and are eventually removed.
// When the transport can reach a rendezvous point, Discovery keeps this node
// registered there and asks for more peers while the neighbourhood is thin.
package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// PeerTable is the part of the neighbour table discovery maintains.
// *peer.Table implements it.
type PeerTable interface {
	Insert(p peer.Peer) error
	Lookup(id identity.NodeID) (peer.Peer, bool)
	SetState(id identity.NodeID, state peer.State, nowMs uint64) error
	Remove(id identity.NodeID) bool
	All() []peer.Peer
	ConnectedCount() int
}

// DHTSink receives newly connected neighbours. *dht.DHT implements it.
type DHTSink interface {
	AddNode(id identity.NodeID) error
}

// addressBook is implemented by transports that know where a peer lives.
type addressBook interface {
	PeerAddress(id identity.NodeID) (string, bool)
}

// Config holds discovery timing. Times are milliseconds.
type Config struct {
	KeepaliveInterval uint64
	StaleAfter        uint64
	RemoveAfter       uint64
	RegisterInterval  uint64
	QueryInterval     uint64
	SlowQueryInterval uint64
	MinPeers          int
	PeersPerQuery     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 15_000,
		StaleAfter:        90_000,
		RemoveAfter:       300_000,
		RegisterInterval:  30_000,
		QueryInterval:     10_000,
		SlowQueryInterval: 60_000,
		MinPeers:          4,
		PeersPerQuery:     transport.MaxRendezvousPeers,
	}
}

func (c Config) validate() error {
	switch {
	case c.KeepaliveInterval == 0 || c.RegisterInterval == 0 || c.QueryInterval == 0:
		return fmt.Errorf("%w: intervals must be positive", errcode.InvalidArgument)
	case c.StaleAfter <= c.KeepaliveInterval || c.RemoveAfter <= c.StaleAfter:
		return fmt.Errorf("%w: need keepalive < stale (%d) < remove (%d)", errcode.InvalidArgument, c.StaleAfter, c.RemoveAfter)
	case c.SlowQueryInterval < c.QueryInterval:
		return fmt.Errorf("%w: slow query interval below query interval", errcode.InvalidArgument)
	}
	return nil
}

// Option customizes a Discovery.
type Option func(*Discovery)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(d *Discovery) { d.cfg = cfg }
}

// WithLogger sets the log entry discovery writes to.
func WithLogger(entry *logrus.Entry) Option {
	return func(d *Discovery) { d.logger = entry }
}

// WithOnionKey publishes key in announcements and rendezvous registrations.
func WithOnionKey(key []byte) Option {
	return func(d *Discovery) { d.onionKey = append([]byte(nil), key...) }
}

// Discovery drives the neighbour handshake and rendezvous upkeep.
type Discovery struct {
	mu     sync.Mutex
	cfg    Config
	logger *logrus.Entry

	peers    PeerTable
	tr       transport.Transport
	bs       transport.BootstrapClient
	local    identity.NodeID
	onionKey []byte

	dht       DHTSink
	onPeerKey func(id identity.NodeID, key []byte)

	running    bool
	closed     bool
	now        uint64
	announced  map[identity.NodeID]uint64
	registered bool
	lastReg    uint64
	lastQuery  uint64
	queried    bool
	deferred   []func()
}

var handledTypes = []transport.PacketType{
	transport.PacketPeerDiscovered,
	transport.PacketAnnounce,
	transport.PacketAnnounceAck,
}

// New creates discovery for localID over tr, maintaining peers.
func New(peers PeerTable, tr transport.Transport, localID identity.NodeID, opts ...Option) (*Discovery, error) {
	if peers == nil || tr == nil {
		return nil, fmt.Errorf("%w: discovery needs a peer table and a transport", errcode.InvalidArgument)
	}
	if localID.IsZero() {
		return nil, fmt.Errorf("%w: zero local id", errcode.InvalidArgument)
	}
	d := &Discovery{
		cfg:       DefaultConfig(),
		peers:     peers,
		tr:        tr,
		local:     localID,
		announced: make(map[identity.NodeID]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.validate(); err != nil {
		return nil, err
	}
	if d.onionKey != nil && len(d.onionKey) != 32 {
		return nil, fmt.Errorf("%w: onion key must be 32 bytes", errcode.InvalidArgument)
	}
	if d.logger == nil {
		d.logger = logrus.WithFields(logrus.Fields{"package": "discovery", "node": localID.Short()})
	}
	if bs, ok := tr.(transport.BootstrapClient); ok {
		d.bs = bs
	}
	return d, nil
}

// SetDHT installs the sink newly connected peers are fed to.
func (d *Discovery) SetDHT(sink DHTSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dht = sink
}

// OnPeerKey installs the handler for onion keys peers publish. Keys are
// passed on as received; whether to trust them is the host's decision.
func (d *Discovery) OnPeerKey(fn func(id identity.NodeID, key []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPeerKey = fn
}

// Start begins handling discovery traffic.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: discovery closed", errcode.NotStarted)
	}
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	d.tr.RegisterHandler(transport.PacketPeerDiscovered, d.handleDiscovered)
	d.tr.RegisterHandler(transport.PacketAnnounce, d.handleAnnounce)
	d.tr.RegisterHandler(transport.PacketAnnounceAck, d.handleAnnounceAck)
	d.logger.WithField("function", "Start").Info("Discovery started")
	return nil
}

// Stop detaches from the transport and leaves the rendezvous registry.
// Stopping a stopped Discovery does nothing.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	registered := d.registered
	d.registered = false
	d.queried = false
	d.announced = make(map[identity.NodeID]uint64)
	d.mu.Unlock()

	for _, t := range handledTypes {
		d.tr.RegisterHandler(t, nil)
	}
	var err error
	if registered && d.bs != nil {
		err = d.bs.UnregisterFromBootstrap()
	}
	d.logger.WithField("function", "Stop").Info("Discovery stopped")
	return err
}

// Close stops discovery for good.
func (d *Discovery) Close() error {
	err := d.Stop()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// Running reports whether discovery is started.
func (d *Discovery) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Poll sends due keepalives, ages silent peers and keeps the rendezvous
// registration fresh.
func (d *Discovery) Poll(nowMs uint64) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("%w: discovery not started", errcode.NotStarted)
	}
	if nowMs > d.now {
		d.now = nowMs
	}
	now := d.now
	var due []identity.NodeID
	for _, p := range d.peers.All() {
		age := elapsed(now, p.LastSeen)
		switch {
		case age >= d.cfg.RemoveAfter:
			delete(d.announced, p.ID)
			d.deferred = append(d.deferred, d.removeFunc(p.ID))
			continue
		case age >= d.cfg.StaleAfter && p.State == peer.StateConnected:
			_ = d.peers.SetState(p.ID, peer.StateStale, 0)
			d.logger.WithFields(logrus.Fields{
				"function": "Poll",
				"peer":     p.ID.Short(),
				"silent":   age,
			}).Debug("Peer went stale")
		}
		if last, ok := d.announced[p.ID]; !ok || elapsed(now, last) >= d.cfg.KeepaliveInterval {
			d.announced[p.ID] = now
			due = append(due, p.ID)
		}
	}
	bsCalls := d.bootstrapDueLocked(now)
	calls := d.deferred
	d.deferred = nil
	d.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
	for _, id := range due {
		d.send(id, transport.PacketAnnounce)
	}
	var errs []error
	for _, fn := range bsCalls {
		if err := fn(); err != nil && !errors.Is(err, errcode.NotStarted) {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (d *Discovery) removeFunc(id identity.NodeID) func() {
	return func() {
		if d.peers.Remove(id) {
			d.logger.WithFields(logrus.Fields{
				"function": "Poll",
				"peer":     id.Short(),
			}).Info("Removed silent peer")
		}
	}
}

// bootstrapDueLocked returns the rendezvous requests due at now.
func (d *Discovery) bootstrapDueLocked(now uint64) []func() error {
	if d.bs == nil {
		return nil
	}
	var calls []func() error
	if !d.registered || elapsed(now, d.lastReg) >= d.cfg.RegisterInterval {
		if d.registered {
			calls = append(calls, d.bs.Heartbeat)
		} else {
			key := d.onionKey
			calls = append(calls, func() error { return d.bs.RegisterWithBootstrap(key) })
		}
		d.registered = true
		d.lastReg = now
	}
	interval := d.cfg.QueryInterval
	if d.peers.ConnectedCount() >= d.cfg.MinPeers {
		interval = d.cfg.SlowQueryInterval
	}
	if !d.queried || elapsed(now, d.lastQuery) >= interval {
		n := d.cfg.PeersPerQuery
		calls = append(calls, func() error { return d.bs.RequestPeers(n) })
		d.queried = true
		d.lastQuery = now
	}
	return calls
}

func (d *Discovery) send(to identity.NodeID, typ transport.PacketType) {
	err := d.tr.Send(to, &transport.Packet{
		PacketType: typ,
		Data:       transport.EncodePeerDiscovered(d.onionKey),
	})
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"function": "send",
			"peer":     to.Short(),
			"type":     typ.String(),
			"error":    err.Error(),
		}).Debug("Announcement not sent")
	}
}

func (d *Discovery) handleDiscovered(packet *transport.Packet, from identity.NodeID) error {
	d.mu.Lock()
	if !d.running || from == d.local || from.IsZero() {
		d.mu.Unlock()
		return nil
	}
	if _, known := d.peers.Lookup(from); !known {
		err := d.peers.Insert(peer.Peer{
			ID:        from,
			Addr:      d.addressOf(from),
			State:     peer.StateConnecting,
			FirstSeen: d.now,
			LastSeen:  d.now,
		})
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"function": "handleDiscovered",
				"peer":     from.Short(),
				"error":    err.Error(),
			}).Warn("Could not record discovered peer")
			d.mu.Unlock()
			return err
		}
		d.logger.WithFields(logrus.Fields{
			"function": "handleDiscovered",
			"peer":     from.Short(),
		}).Debug("Discovered peer")
	}
	d.keyLocked(from, transport.DecodePeerDiscovered(packet.Data))
	d.announced[from] = d.now
	d.runDeferredUnlock()

	d.send(from, transport.PacketAnnounce)
	return nil
}

func (d *Discovery) handleAnnounce(packet *transport.Packet, from identity.NodeID) error {
	if !d.greeted(packet, from) {
		return nil
	}
	d.send(from, transport.PacketAnnounceAck)
	return nil
}

func (d *Discovery) handleAnnounceAck(packet *transport.Packet, from identity.NodeID) error {
	d.greeted(packet, from)
	return nil
}

// greeted records a handshake message from a neighbour, marking it
// connected. It reports whether the message was accepted.
func (d *Discovery) greeted(packet *transport.Packet, from identity.NodeID) bool {
	d.mu.Lock()
	if !d.running || from == d.local || from.IsZero() {
		d.mu.Unlock()
		return false
	}
	p, known := d.peers.Lookup(from)
	if !known {
		err := d.peers.Insert(peer.Peer{
			ID:        from,
			Addr:      d.addressOf(from),
			State:     peer.StateConnected,
			FirstSeen: d.now,
			LastSeen:  d.now,
		})
		if err != nil {
			d.mu.Unlock()
			return false
		}
	} else if err := d.peers.SetState(from, peer.StateConnected, d.now); err != nil {
		d.mu.Unlock()
		return false
	}
	if !known || p.State != peer.StateConnected {
		d.logger.WithFields(logrus.Fields{
			"function": "greeted",
			"peer":     from.Short(),
		}).Info("Peer connected")
		if sink := d.dht; sink != nil {
			d.deferred = append(d.deferred, func() {
				if err := sink.AddNode(from); err != nil && !errors.Is(err, errcode.BucketFull) {
					d.logger.WithFields(logrus.Fields{
						"function": "greeted",
						"peer":     from.Short(),
						"error":    err.Error(),
					}).Debug("DHT did not take peer")
				}
			})
		}
	}
	d.keyLocked(from, transport.DecodePeerDiscovered(packet.Data))
	d.runDeferredUnlock()
	return true
}

func (d *Discovery) keyLocked(from identity.NodeID, key []byte) {
	if key == nil || d.onPeerKey == nil {
		return
	}
	fn := d.onPeerKey
	d.deferred = append(d.deferred, func() { fn(from, key) })
}

func (d *Discovery) runDeferredUnlock() {
	calls := d.deferred
	d.deferred = nil
	d.mu.Unlock()
	for _, fn := range calls {
		fn()
	}
}

func (d *Discovery) addressOf(id identity.NodeID) string {
	if book, ok := d.tr.(addressBook); ok {
		if addr, ok := book.PeerAddress(id); ok {
			return addr
		}
	}
	return ""
}

func elapsed(now, since uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}
