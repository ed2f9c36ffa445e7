package onion

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/sirupsen/logrus"
)

const (
	MinHops     = 1
	MaxHops     = limits.MaxOnionHops
	DefaultHops = 3
)

// Onion is the anonymous delivery layer. New returns either the working
// implementation or one whose every operation fails with CryptoUnavailable.
type Onion interface {
	// PublicKey returns this node's long-term onion identity key.
	PublicKey() ([crypto.KeySize]byte, error)
	// AddPeerKey records the onion key of id, making it eligible as a hop.
	AddPeerKey(id identity.NodeID, key []byte) error
	// SetHopCount sets the length of circuits built from now on.
	SetHopCount(n int) error
	HopCount() int
	// SendTo sends payload to dest through a circuit, building one if needed.
	SendTo(dest identity.NodeID, payload []byte) error
	// Poll advances circuit builds, expiry and cover traffic at nowMs.
	Poll(nowMs uint64) error
	EnableCoverTraffic(enabled bool)
	CoverTrafficEnabled() bool
	CircuitCount() int
	PeerKeyCount() int
	// OnDeliver installs the handler for payloads that arrive anonymously.
	OnDeliver(fn func(payload []byte))
	Circuits() []CircuitInfo
	CloseCircuit(id uint32) error
	Stats() Stats
	Close() error
}

// Router is the delivery capability cells travel over. *router.Router
// implements it.
type Router interface {
	SendProto(dest identity.NodeID, proto router.Protocol, payload []byte) error
	Register(proto router.Protocol, ep router.Endpoint)
}

// Connectivity reports direct reachability. *peer.Table implements it.
type Connectivity interface {
	IsConnected(id identity.NodeID) bool
}

// LivenessSource scores peers in [0, 1]. *dht.DHT implements it.
type LivenessSource interface {
	Liveness(id identity.NodeID) float64
}

// Config holds onion parameters. Times are milliseconds.
type Config struct {
	HopCount         int
	HopTimeout       uint64
	MaxBuildRetries  int
	CircuitLifetime  uint64
	CircuitIdle      uint64
	RelayIdle        uint64
	CoverTraffic     bool
	CoverMinInterval uint64
	CoverMaxInterval uint64
	CoverRate        float64
	CoverBurst       int
	ReplayWindow     int
	MaxCircuits      int
	MaxRelays        int
	MaxPending       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HopCount:         DefaultHops,
		HopTimeout:       5_000,
		MaxBuildRetries:  3,
		CircuitLifetime:  600_000,
		CircuitIdle:      120_000,
		RelayIdle:        300_000,
		CoverMinInterval: 1_000,
		CoverMaxInterval: 5_000,
		CoverRate:        4,
		CoverBurst:       8,
		ReplayWindow:     1024,
		MaxCircuits:      64,
		MaxRelays:        1024,
		MaxPending:       32,
	}
}

func (c Config) validate() error {
	switch {
	case c.HopCount < MinHops || c.HopCount > MaxHops:
		return fmt.Errorf("%w: hop count %d outside %d..%d", errcode.InvalidArgument, c.HopCount, MinHops, MaxHops)
	case c.MaxBuildRetries <= 0:
		return fmt.Errorf("%w: MaxBuildRetries must be positive", errcode.InvalidArgument)
	case c.CoverMinInterval == 0 || c.CoverMaxInterval < c.CoverMinInterval:
		return fmt.Errorf("%w: cover interval %d..%d", errcode.InvalidArgument, c.CoverMinInterval, c.CoverMaxInterval)
	case c.CoverRate <= 0 || c.CoverBurst <= 0:
		return fmt.Errorf("%w: cover budget must be positive", errcode.InvalidArgument)
	case c.ReplayWindow <= 0 || c.MaxCircuits <= 0 || c.MaxRelays <= 0 || c.MaxPending <= 0:
		return fmt.Errorf("%w: table sizes must be positive", errcode.InvalidArgument)
	}
	return nil
}

// Option customizes a Layer.
type Option func(*Layer)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(l *Layer) { l.cfg = cfg }
}

// WithLogger sets the log entry the layer writes to.
func WithLogger(entry *logrus.Entry) Option {
	return func(l *Layer) { l.logger = entry }
}

// WithIdentity uses kp as the onion identity instead of a fresh pair.
// The caller keeps ownership of kp.
func WithIdentity(kp *crypto.KeyPair) Option {
	return func(l *Layer) { l.ident = kp }
}

// WithConnectivity lets hop selection prefer directly connected peers.
func WithConnectivity(c Connectivity) Option {
	return func(l *Layer) { l.conn = c }
}

// WithLiveness lets hop selection prefer peers the DHT finds responsive.
func WithLiveness(s LivenessSource) Option {
	return func(l *Layer) { l.live = s }
}

// New creates the onion layer for localID. Without a usable crypto context
// it returns a layer that fails every operation, together with
// CryptoUnavailable.
func New(r Router, localID identity.NodeID, cctx *crypto.Context, opts ...Option) (Onion, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: onion layer needs a router", errcode.InvalidArgument)
	}
	if localID.IsZero() {
		return nil, fmt.Errorf("%w: zero local id", errcode.InvalidArgument)
	}
	if !crypto.Available || cctx == nil || !cctx.Usable() {
		return Unavailable(), fmt.Errorf("%w: onion layer disabled", errcode.CryptoUnavailable)
	}
	return newLayer(r, localID, cctx, opts...)
}
