package cyxwiz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/dht"
	"github.com/opd-ai/cyxwiz/discovery"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/factory"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/keystore"
	"github.com/opd-ai/cyxwiz/onion"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// MessageHandler receives payloads sent to this node with Send.
type MessageHandler func(from identity.NodeID, payload []byte)

// FailureHandler is told when a payload from Send could not be delivered.
type FailureHandler func(dest identity.NodeID, err error)

// Node is one mesh participant: a transport with a peer table, router, DHT,
// discovery and onion layer wired together.
type Node struct {
	opts   Options
	id     identity.NodeID
	logger *logrus.Entry
	clk    clock.Clock
	epoch  time.Time

	tr    transport.Transport
	peers *peer.Table
	rt    *router.Router
	dht   *dht.DHT
	disc  *discovery.Discovery
	onion onion.Onion
	store *keystore.Store

	mu        sync.RWMutex
	closed    bool
	onMessage MessageHandler
	onFailure FailureHandler
}

// New creates and starts a node. Init must have been called. A nil opts
// selects NewOptions. When crypto is unavailable the node runs without an
// onion layer and SendAnonymous fails with errcode.CryptoUnavailable.
func New(options *Options) (*Node, error) {
	if !Initialized() {
		return nil, fmt.Errorf("%w: Init has not been called", errcode.NotStarted)
	}
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if options.LogLevel != "" {
		level, _ := logrus.ParseLevel(options.LogLevel)
		logrus.SetLevel(level)
	}

	n := &Node{opts: *options, clk: options.Clock}
	if n.clk == nil {
		n.clk = clock.New()
	}
	n.epoch = n.clk.Now()

	if err := n.build(); err != nil {
		_ = n.teardown()
		return nil, err
	}
	n.logger.WithFields(logrus.Fields{
		"function": "New",
		"hops":     n.onion.HopCount(),
		"cover":    n.onion.CoverTrafficEnabled(),
	}).Info("Node started")
	return n, nil
}

// build creates every component; on error the caller tears down whatever
// was created.
func (n *Node) build() error {
	cctx := CryptoContext()

	var onionKey *crypto.KeyPair
	if n.opts.KeystorePath != "" {
		store, err := keystore.Open(n.opts.KeystorePath, n.opts.Passphrase)
		if err != nil {
			return err
		}
		n.store = store
		ident, _, err := store.LoadOrCreate(cctx)
		if err != nil {
			return err
		}
		n.id, onionKey = ident.NodeID, ident.Onion
	} else {
		id, err := GenerateNodeID()
		if err != nil {
			return err
		}
		n.id = id
	}
	n.logger = n.componentLogger("cyxwiz")

	f := factory.NewTransportFactoryWithConfig(n.opts.Transport)
	if n.opts.Transport.UseSimulation {
		f.SwitchToSimulation(n.opts.Network)
	}
	tr, err := f.CreateTransport(n.id)
	if err != nil {
		return err
	}
	n.tr = tr
	n.peers = peer.NewTable(n.id, n.opts.MaxPeers)

	n.rt, err = router.New(n.peers, tr, n.id,
		router.WithConfig(n.opts.Router),
		router.WithLogger(n.componentLogger("router")))
	if err != nil {
		return err
	}
	n.rt.Register(router.ProtoData, router.Endpoint{
		OnMessage: n.deliver,
		OnFailure: n.fail,
	})

	n.dht, err = dht.New(n.rt, n.id,
		dht.WithConfig(n.opts.DHT),
		dht.WithLogger(n.componentLogger("dht")))
	if err != nil {
		return err
	}
	n.rt.SetRouteHinter(n.dht)

	onionCfg := n.opts.Onion
	onionCfg.HopCount = n.opts.HopCount
	onionCfg.CoverTraffic = n.opts.CoverTraffic
	onionOpts := []onion.Option{
		onion.WithConfig(onionCfg),
		onion.WithLogger(n.componentLogger("onion")),
		onion.WithConnectivity(n.peers),
		onion.WithLiveness(n.dht),
	}
	if onionKey != nil {
		onionOpts = append(onionOpts, onion.WithIdentity(onionKey))
	}
	n.onion, err = onion.New(n.rt, n.id, cctx, onionOpts...)
	switch {
	case errors.Is(err, errcode.CryptoUnavailable):
		n.logger.WithField("function", "build").Warn("Onion layer unavailable")
	case err != nil:
		return err
	}

	discOpts := []discovery.Option{
		discovery.WithConfig(n.opts.Discovery),
		discovery.WithLogger(n.componentLogger("discovery")),
	}
	if pub, err := n.onion.PublicKey(); err == nil {
		discOpts = append(discOpts, discovery.WithOnionKey(pub[:]))
	}
	n.disc, err = discovery.New(n.peers, tr, n.id, discOpts...)
	if err != nil {
		return err
	}
	n.disc.SetDHT(n.dht)
	n.disc.OnPeerKey(n.learnPeerKey)

	if err := n.rt.Start(); err != nil {
		return err
	}
	return n.disc.Start()
}

func (n *Node) componentLogger(pkg string) *logrus.Entry {
	fields := logrus.Fields{"package": pkg, "node": n.id.Short()}
	if n.opts.Logger != nil {
		return n.opts.Logger.WithFields(fields)
	}
	return logrus.WithFields(fields)
}

func (n *Node) learnPeerKey(id identity.NodeID, key []byte) {
	if err := n.onion.AddPeerKey(id, key); err != nil && !errors.Is(err, errcode.CryptoUnavailable) {
		n.logger.WithFields(logrus.Fields{
			"function": "learnPeerKey",
			"peer":     id.Short(),
			"error":    err.Error(),
		}).Warn("Rejected peer onion key")
	}
}

func (n *Node) deliver(from identity.NodeID, payload []byte) {
	n.mu.RLock()
	fn := n.onMessage
	n.mu.RUnlock()
	if fn != nil {
		fn(from, payload)
	}
}

func (n *Node) fail(dest identity.NodeID, err error) {
	n.mu.RLock()
	fn := n.onFailure
	n.mu.RUnlock()
	if fn != nil {
		fn(dest, err)
		return
	}
	n.logger.WithFields(logrus.Fields{
		"function": "fail",
		"dest":     dest.Short(),
		"error":    err.Error(),
	}).Debug("Delivery failed")
}

// ID returns this node's identity.
func (n *Node) ID() identity.NodeID {
	return n.id
}

// Peers returns the neighbour table.
func (n *Node) Peers() *peer.Table { return n.peers }

// Router returns the mesh router.
func (n *Node) Router() *router.Router { return n.rt }

// DHT returns the routing table.
func (n *Node) DHT() *dht.DHT { return n.dht }

// Onion returns the onion layer, which is the unavailable variant on builds
// without crypto.
func (n *Node) Onion() onion.Onion { return n.onion }

// Discovery returns the neighbour discovery component.
func (n *Node) Discovery() *discovery.Discovery { return n.disc }

// Transport returns the datagram transport.
func (n *Node) Transport() transport.Transport { return n.tr }

// IsBootstrapConnected reports whether the rendezvous point answered recently.
func (n *Node) IsBootstrapConnected() bool {
	return n.tr.IsBootstrapConnected()
}

// IterationInterval returns how often the node should be ticked.
func (n *Node) IterationInterval() time.Duration {
	return n.opts.TickInterval
}

// OnMessage installs the handler for payloads addressed to this node.
func (n *Node) OnMessage(fn MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = fn
}

// OnDeliveryFailure installs the handler for payloads that could not be
// delivered.
func (n *Node) OnDeliveryFailure(fn FailureHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFailure = fn
}

// OnAnonymousMessage installs the handler for payloads that arrive through
// an onion circuit. The sender is not known.
func (n *Node) OnAnonymousMessage(fn func(payload []byte)) {
	n.onion.OnDeliver(fn)
}

// Send routes payload to dest through the mesh.
func (n *Node) Send(dest identity.NodeID, payload []byte) error {
	if n.isClosed() {
		return fmt.Errorf("%w: node closed", errcode.NotStarted)
	}
	return n.rt.Send(dest, payload)
}

// SendAnonymous sends payload to dest through an onion circuit.
func (n *Node) SendAnonymous(dest identity.NodeID, payload []byte) error {
	if n.isClosed() {
		return fmt.Errorf("%w: node closed", errcode.NotStarted)
	}
	return n.onion.SendTo(dest, payload)
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Tick drives one poll cycle at nowMs: transport, router, discovery, DHT,
// then onion. Failures from each stage are combined; every stage runs even
// when an earlier one failed.
func (n *Node) Tick(nowMs uint64) error {
	if n.isClosed() {
		return fmt.Errorf("%w: node closed", errcode.NotStarted)
	}

	var errs error
	errs = multierr.Append(errs, n.tr.Poll(0))
	errs = multierr.Append(errs, n.rt.Poll(nowMs))
	errs = multierr.Append(errs, n.disc.Poll(nowMs))
	errs = multierr.Append(errs, n.dht.Poll(nowMs))
	if err := n.onion.Poll(nowMs); !errors.Is(err, errcode.CryptoUnavailable) {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Now returns the node clock in milliseconds since the node was created.
func (n *Node) Now() uint64 {
	return uint64(n.clk.Since(n.epoch) / time.Millisecond)
}

// Run ticks the node every IterationInterval until ctx is done or the node
// is closed. Tick failures are logged and do not stop the loop.
func (n *Node) Run(ctx context.Context) error {
	ticker := n.clk.Ticker(n.opts.TickInterval)
	defer ticker.Stop()

	logger := n.logger.WithField("function", "Run")
	logger.WithField("interval", n.opts.TickInterval).Debug("Node loop started")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Node loop stopped")
			return nil
		case <-ticker.C:
			err := n.Tick(n.Now())
			if errors.Is(err, errcode.NotStarted) && n.isClosed() {
				return nil
			}
			for _, e := range multierr.Errors(err) {
				logger.WithField("error", e.Error()).Debug("Tick reported failure")
			}
		}
	}
}

// Close stops every component and releases the transport and keystore.
// Calling Close again does nothing.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	err := n.teardown()
	n.logger.WithField("function", "Close").Info("Node closed")
	return err
}

func (n *Node) teardown() error {
	var errs error
	if n.disc != nil {
		errs = multierr.Append(errs, n.disc.Close())
	}
	if n.onion != nil {
		errs = multierr.Append(errs, n.onion.Close())
	}
	if n.dht != nil {
		errs = multierr.Append(errs, n.dht.Close())
	}
	if n.rt != nil {
		errs = multierr.Append(errs, n.rt.Close())
	}
	if n.tr != nil {
		errs = multierr.Append(errs, n.tr.Close())
	}
	if n.store != nil {
		errs = multierr.Append(errs, n.store.Close())
	}
	return errs
}
