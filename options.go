package cyxwiz

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/cyxwiz/dht"
	"github.com/opd-ai/cyxwiz/discovery"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/factory"
	"github.com/opd-ai/cyxwiz/onion"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

// Environment variables read by NewOptions, in addition to the transport
// variables documented in package factory.
const (
	EnvHops         = "CYXWIZ_HOPS"
	EnvCoverTraffic = "CYXWIZ_COVER_TRAFFIC"
	EnvTickMs       = "CYXWIZ_TICK_MS"
	EnvKeystore     = "CYXWIZ_KEYSTORE"
	EnvLogLevel     = "CYXWIZ_LOG_LEVEL"
)

// Tick interval bounds in milliseconds.
const (
	MinTickMs     = 1
	MaxTickMs     = 10_000
	DefaultTickMs = 50
)

// Options contains node configuration.
type Options struct {
	// Transport selects UDP or in-memory transport and its addresses.
	Transport factory.TransportConfig
	// Network is the in-memory network used when Transport.UseSimulation is set.
	Network *transport.MemNetwork

	// HopCount is the onion circuit length.
	HopCount int
	// CoverTraffic enables synthetic onion cells.
	CoverTraffic bool
	// TickInterval is how often Run polls the node.
	TickInterval time.Duration
	// MaxPeers bounds the peer table.
	MaxPeers int

	// KeystorePath persists the node identity when set.
	KeystorePath string
	// Passphrase seals the stored onion key. It is wiped once used.
	Passphrase []byte

	// LogLevel is applied to the global logrus logger when set.
	LogLevel string
	// Logger overrides the entry every component logs through.
	Logger *logrus.Entry
	// Clock drives Run. Defaults to the wall clock.
	Clock clock.Clock

	Router    router.Config
	DHT       dht.Config
	Onion     onion.Config
	Discovery discovery.Config
}

// NewOptions returns the defaults with environment overrides applied.
func NewOptions() *Options {
	opts := &Options{
		Transport:    factory.DefaultTransportConfig(),
		HopCount:     onion.DefaultHops,
		CoverTraffic: false,
		TickInterval: DefaultTickMs * time.Millisecond,
		MaxPeers:     peer.DefaultMaxPeers,
		Router:       router.DefaultConfig(),
		DHT:          dht.DefaultConfig(),
		Onion:        onion.DefaultConfig(),
		Discovery:    discovery.DefaultConfig(),
	}
	applyEnvironmentOverrides(opts)
	return opts
}

// NewOptionsForTesting returns defaults for an in-memory node on network,
// ignoring the environment.
func NewOptionsForTesting(network *transport.MemNetwork) *Options {
	return &Options{
		Transport:    factory.TransportConfig{UseSimulation: true},
		Network:      network,
		HopCount:     onion.DefaultHops,
		TickInterval: DefaultTickMs * time.Millisecond,
		MaxPeers:     peer.DefaultMaxPeers,
		Router:       router.DefaultConfig(),
		DHT:          dht.DefaultConfig(),
		Onion:        onion.DefaultConfig(),
		Discovery:    discovery.DefaultConfig(),
	}
}

func applyEnvironmentOverrides(opts *Options) {
	factory.ApplyEnvironmentOverrides(&opts.Transport)
	parseIntSetting(EnvHops, onion.MinHops, onion.MaxHops, &opts.HopCount)
	parseCoverSetting(opts)
	parseTickSetting(opts)
	if path := os.Getenv(EnvKeystore); path != "" {
		opts.KeystorePath = path
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			warnEnv("applyEnvironmentOverrides", EnvLogLevel, level, err, opts.LogLevel)
		} else {
			opts.LogLevel = level
		}
	}
}

func parseIntSetting(envVar string, lo, hi int, target *int) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		warnEnv("parseIntSetting", envVar, raw, err, *target)
		return
	}
	if n < lo || n > hi {
		warnEnv("parseIntSetting", envVar, raw, fmt.Errorf("outside %d..%d", lo, hi), *target)
		return
	}
	*target = n
}

func parseCoverSetting(opts *Options) {
	raw := os.Getenv(EnvCoverTraffic)
	if raw == "" {
		return
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		warnEnv("parseCoverSetting", EnvCoverTraffic, raw, err, opts.CoverTraffic)
		return
	}
	opts.CoverTraffic = enabled
}

func parseTickSetting(opts *Options) {
	ms := int(opts.TickInterval / time.Millisecond)
	parseIntSetting(EnvTickMs, MinTickMs, MaxTickMs, &ms)
	opts.TickInterval = time.Duration(ms) * time.Millisecond
}

func warnEnv(function, envVar, value string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    function,
		"env_var":     envVar,
		"value":       value,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Ignoring invalid environment variable, using default")
}

func (o *Options) validate() error {
	switch {
	case o.HopCount < onion.MinHops || o.HopCount > onion.MaxHops:
		return fmt.Errorf("%w: hop count %d outside %d..%d", errcode.InvalidArgument, o.HopCount, onion.MinHops, onion.MaxHops)
	case o.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive", errcode.InvalidArgument)
	case o.Transport.UseSimulation && o.Network == nil:
		return fmt.Errorf("%w: simulation needs a network", errcode.InvalidArgument)
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			return fmt.Errorf("%w: log level %q", errcode.InvalidArgument, o.LogLevel)
		}
	}
	return nil
}
