// Package router delivers opaque payloads to any NodeID over a topology of
// directly reachable peers.
//
// Payloads to a neighbour go straight to the transport. Anything else follows
// a cached RouteEntry, a next-hop hint from the DHT, or waits while a route
// request floods the mesh. Every hop acknowledges the frames it receives and
// the sender retransmits with bounded exponential backoff. Destinations
// reorder frames per origin so payloads arrive in submission order.
//
// A Router is driven entirely by Poll and by the transport's Poll; it starts
// no goroutines.
package router

import (
	"fmt"
	"math/rand/v2"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Protocol tags a payload so the destination hands it to the right layer.
type Protocol uint8

const (
	ProtoData      Protocol = 0
	ProtoDHT       Protocol = 1
	ProtoOnion     Protocol = 2
	ProtoOnionExit Protocol = 3
)

// State is the router lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// Endpoint receives payloads and delivery failures for one protocol.
// Callbacks run on the goroutine that polls the router or the transport and
// may call back into the router.
type Endpoint struct {
	OnMessage func(from identity.NodeID, payload []byte)
	OnFailure func(dest identity.NodeID, err error)
}

// PeerTable is the view of the shared neighbour table the router needs.
type PeerTable interface {
	IsConnected(id identity.NodeID) bool
	Connected() []identity.NodeID
	Touch(id identity.NodeID, nowMs uint64) bool
	OnRemove(fn func(identity.NodeID))
}

// RouteHinter suggests next hops toward a destination. The DHT implements it.
type RouteHinter interface {
	SuggestNextHops(dest identity.NodeID, n int) []identity.NodeID
}

// RouteEntry is a cached next-hop decision.
type RouteEntry struct {
	Dest    identity.NodeID
	NextHop identity.NodeID
	Hops    uint8
	Learned uint64
	Expires uint64
}

// Config holds router timing and capacity parameters. Times are milliseconds.
type Config struct {
	MaxTTL            uint8
	RouteTTL          uint64
	DiscoveryWindow   uint64
	RequestInterval   uint64
	RetryBase         uint64
	RetryMax          uint64
	MaxAttempts       int
	MaxQueuePerDest   int
	ReorderTimeout    uint64
	ReorderWindow     int
	RouteCacheSize    int
	SeenCacheSize     int
	RequestRate       float64
	RequestBurst      int
	HintFanout        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTTL:          16,
		RouteTTL:        60_000,
		DiscoveryWindow: 5_000,
		RequestInterval: 1_500,
		RetryBase:       250,
		RetryMax:        4_000,
		MaxAttempts:     5,
		MaxQueuePerDest: 64,
		ReorderTimeout:  3_000,
		ReorderWindow:   64,
		RouteCacheSize:  1024,
		SeenCacheSize:   4096,
		RequestRate:     10,
		RequestBurst:    20,
		HintFanout:      3,
	}
}

// Option customizes a Router.
type Option func(*Router)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Router) { r.cfg = cfg }
}

// WithLogger sets the log entry the router writes to.
func WithLogger(entry *logrus.Entry) Option {
	return func(r *Router) { r.logger = entry }
}

// WithEpoch pins the session epoch, for tests that restart a router.
func WithEpoch(epoch uint32) Option {
	return func(r *Router) { r.epoch = epoch }
}

// Router forwards payloads hop by hop.
type Router struct {
	mu     sync.Mutex
	cfg    Config
	logger *logrus.Entry

	local identity.NodeID
	peers PeerTable
	tr    transport.Transport

	state   State
	closed  bool
	release bool
	now     uint64
	epoch   uint32

	hinter    RouteHinter
	endpoints map[Protocol]Endpoint

	nextSeq  map[identity.NodeID]uint32
	reqID    uint32
	routes   *lru.Cache[identity.NodeID, RouteEntry]
	seen     *lru.Cache[frameKey, struct{}]
	seenReq  *lru.Cache[reqKey, struct{}]
	rx       *lru.Cache[identity.NodeID, *rxState]
	limiter  *rate.Limiter
	queues   map[identity.NodeID]*destQueue
	inflight map[frameKey]*inflight
	finding  map[identity.NodeID]*discovery

	failures []error
	deferred []func()
}

// New creates an idle router for localID.
func New(peers PeerTable, tr transport.Transport, localID identity.NodeID, opts ...Option) (*Router, error) {
	if peers == nil || tr == nil {
		return nil, fmt.Errorf("%w: router needs a peer table and a transport", errcode.InvalidArgument)
	}
	if localID.IsZero() {
		return nil, fmt.Errorf("%w: zero local id", errcode.InvalidArgument)
	}

	r := &Router{
		cfg:       DefaultConfig(),
		local:     localID,
		peers:     peers,
		tr:        tr,
		endpoints: make(map[Protocol]Endpoint),
		nextSeq:   make(map[identity.NodeID]uint32),
		queues:    make(map[identity.NodeID]*destQueue),
		inflight:  make(map[frameKey]*inflight),
		finding:   make(map[identity.NodeID]*discovery),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.WithFields(logrus.Fields{"package": "router", "node": localID.Short()})
	}
	if r.epoch == 0 {
		r.epoch = rand.Uint32() | 1
	}
	if err := r.cfg.validate(); err != nil {
		return nil, err
	}

	var err error
	if r.routes, err = lru.New[identity.NodeID, RouteEntry](r.cfg.RouteCacheSize); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.OutOfMemory, err)
	}
	if r.seen, err = lru.New[frameKey, struct{}](r.cfg.SeenCacheSize); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.OutOfMemory, err)
	}
	if r.seenReq, err = lru.New[reqKey, struct{}](r.cfg.SeenCacheSize); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.OutOfMemory, err)
	}
	if r.rx, err = lru.New[identity.NodeID, *rxState](r.cfg.RouteCacheSize); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.OutOfMemory, err)
	}
	r.limiter = rate.NewLimiter(rate.Limit(r.cfg.RequestRate), r.cfg.RequestBurst)

	tr.RegisterHandler(transport.PacketRouteData, r.handleData)
	tr.RegisterHandler(transport.PacketRouteAck, r.handleAck)
	tr.RegisterHandler(transport.PacketRouteRequest, r.handleRequest)
	tr.RegisterHandler(transport.PacketRouteReply, r.handleReply)
	tr.RegisterHandler(transport.PacketRouteError, r.handleRouteError)
	peers.OnRemove(r.peerRemoved)

	r.logger.WithField("function", "New").Debug("Router created")
	return r, nil
}

func (c Config) validate() error {
	switch {
	case c.MaxTTL == 0:
		return fmt.Errorf("%w: MaxTTL must be positive", errcode.InvalidArgument)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: MaxAttempts must be positive", errcode.InvalidArgument)
	case c.RetryBase == 0 || c.RetryMax < c.RetryBase:
		return fmt.Errorf("%w: retry backoff bounds %d..%d", errcode.InvalidArgument, c.RetryBase, c.RetryMax)
	case c.MaxQueuePerDest <= 0 || c.ReorderWindow <= 0:
		return fmt.Errorf("%w: queue sizes must be positive", errcode.InvalidArgument)
	case c.RouteCacheSize <= 0 || c.SeenCacheSize <= 0:
		return fmt.Errorf("%w: cache sizes must be positive", errcode.InvalidArgument)
	case c.RequestRate <= 0 || c.RequestBurst <= 0:
		return fmt.Errorf("%w: request rate must be positive", errcode.InvalidArgument)
	}
	return nil
}

// LocalID returns the router's own NodeID.
func (r *Router) LocalID() identity.NodeID {
	return r.local
}

// Register installs the endpoint for proto, replacing any previous one.
func (r *Router) Register(proto Protocol, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[proto] = ep
}

// SetRouteHinter installs the next-hop capability consulted when no route is cached.
func (r *Router) SetRouteHinter(h RouteHinter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hinter = h
}

// Start moves the router to Active.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: router closed", errcode.NotStarted)
	}
	r.state = StateActive
	r.release = false
	r.logger.WithField("function", "Start").Info("Router started")
	return nil
}

// Stop moves the router to Idle. Queued and in-flight frames are dropped on
// the next Poll. Stopping an idle router does nothing.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		return nil
	}
	r.state = StateIdle
	r.release = true
	r.logger.WithField("function", "Stop").Info("Router stopped")
	return nil
}

// State returns the lifecycle state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close stops the router for good and detaches it from the transport.
// Calling Close again does nothing.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = StateIdle
	r.releaseLocked()
	r.mu.Unlock()

	for _, t := range []transport.PacketType{
		transport.PacketRouteData, transport.PacketRouteAck, transport.PacketRouteRequest,
		transport.PacketRouteReply, transport.PacketRouteError,
	} {
		r.tr.RegisterHandler(t, nil)
	}
	return nil
}

func (r *Router) releaseLocked() {
	r.queues = make(map[identity.NodeID]*destQueue)
	r.inflight = make(map[frameKey]*inflight)
	r.finding = make(map[identity.NodeID]*discovery)
	r.routes.Purge()
	r.rx.Purge()
	r.failures = nil
	r.release = false
}

// Route returns the cached route to dest if it is still usable.
func (r *Router) Route(dest identity.NodeID) (RouteEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validRouteLocked(dest)
}

// RouteCount returns the number of cached routes, valid or not yet pruned.
func (r *Router) RouteCount() int {
	return r.routes.Len()
}

// PendingCount returns the number of payloads waiting for a route.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queues {
		n += len(q.items)
	}
	return n
}

// InFlightCount returns the number of frames awaiting a hop acknowledgement.
func (r *Router) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// unlockAndRun releases the lock and runs callbacks queued while it was held.
func (r *Router) unlockAndRun() {
	calls := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range calls {
		fn()
	}
}

func (r *Router) deliverLocked(proto Protocol, from identity.NodeID, payload []byte) {
	ep, ok := r.endpoints[proto]
	if !ok || ep.OnMessage == nil {
		r.logger.WithFields(logrus.Fields{
			"function": "deliver",
			"proto":    proto,
		}).Debug("No endpoint for protocol, dropping payload")
		return
	}
	r.deferred = append(r.deferred, func() { ep.OnMessage(from, payload) })
}

func (r *Router) failLocked(proto Protocol, dest identity.NodeID, err error) {
	r.failures = append(r.failures, err)
	if ep, ok := r.endpoints[proto]; ok && ep.OnFailure != nil {
		r.deferred = append(r.deferred, func() { ep.OnFailure(dest, err) })
	}
}

// Ensure the shared peer table satisfies PeerTable.
var _ PeerTable = (*peer.Table)(nil)
