package factory

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

// Environment variables read by ApplyEnvironmentOverrides.
const (
	EnvUseSimulation = "CYXWIZ_USE_SIMULATION"
	EnvListen        = "CYXWIZ_LISTEN"
	EnvBootstrap     = "CYXWIZ_BOOTSTRAP"
)

// TransportConfig selects and configures a transport.
type TransportConfig struct {
	// UseSimulation attaches to an in-memory network instead of a socket.
	UseSimulation bool
	// ListenAddr is the UDP host:port to bind.
	ListenAddr string
	// BootstrapAddr is the rendezvous host:port, empty for none.
	BootstrapAddr string
}

// DefaultTransportConfig returns a UDP configuration on an ephemeral port
// with no rendezvous point.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		UseSimulation: false,
		ListenAddr:    transport.DefaultUDPConfig().ListenAddr,
	}
}

// ApplyEnvironmentOverrides updates cfg from CYXWIZ_* variables. Values that
// fail to parse are logged and ignored.
func ApplyEnvironmentOverrides(cfg *TransportConfig) {
	parseSimulationSetting(cfg)
	parseAddressSetting(EnvListen, &cfg.ListenAddr)
	parseAddressSetting(EnvBootstrap, &cfg.BootstrapAddr)
}

func parseSimulationSetting(cfg *TransportConfig) {
	raw := os.Getenv(EnvUseSimulation)
	if raw == "" {
		return
	}
	useSim, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseSimulationSetting",
			"env_var":     EnvUseSimulation,
			"value":       raw,
			"error":       err.Error(),
			"using_value": cfg.UseSimulation,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	cfg.UseSimulation = useSim
}

func parseAddressSetting(envVar string, target *string) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	if err := validateAddress(raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseAddressSetting",
			"env_var":     envVar,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Invalid address in environment variable, using default")
		return
	}
	*target = raw
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port %q out of range", port)
	}
	return nil
}

// TransportFactory creates transports from a default configuration. It is
// safe for concurrent use.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig TransportConfig
	network       *transport.MemNetwork
}

// NewTransportFactory creates a factory from the defaults and the environment.
func NewTransportFactory() *TransportFactory {
	cfg := DefaultTransportConfig()
	ApplyEnvironmentOverrides(&cfg)
	return NewTransportFactoryWithConfig(cfg)
}

// NewTransportFactoryWithConfig creates a factory with an explicit
// configuration; the environment is not consulted.
func NewTransportFactoryWithConfig(cfg TransportConfig) *TransportFactory {
	logrus.WithFields(logrus.Fields{
		"function":       "NewTransportFactory",
		"use_simulation": cfg.UseSimulation,
		"listen":         cfg.ListenAddr,
		"bootstrap":      cfg.BootstrapAddr,
	}).Debug("Created transport factory")
	return &TransportFactory{defaultConfig: cfg}
}

// CreateTransport creates a transport for localID using the default config.
func (f *TransportFactory) CreateTransport(localID identity.NodeID) (transport.Transport, error) {
	f.mu.RLock()
	cfg := f.defaultConfig
	f.mu.RUnlock()
	return f.CreateTransportWithConfig(localID, cfg)
}

// CreateTransportWithConfig creates a transport for localID using cfg. In
// simulation mode the factory's network is used, or a fresh one if none was
// set.
func (f *TransportFactory) CreateTransportWithConfig(localID identity.NodeID, cfg TransportConfig) (transport.Transport, error) {
	if localID.IsZero() {
		return nil, fmt.Errorf("%w: zero local id", errcode.InvalidArgument)
	}

	if cfg.UseSimulation {
		network := f.simulationNetwork()
		tr, err := network.Attach(localID)
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "CreateTransportWithConfig",
			"type":     "simulation",
			"node":     localID.Short(),
		}).Info("Created in-memory transport")
		return tr, nil
	}

	tr, err := transport.NewUDPTransport(transport.UDPConfig{
		ListenAddr:    cfg.ListenAddr,
		BootstrapAddr: cfg.BootstrapAddr,
	})
	if err != nil {
		return nil, err
	}
	tr.SetLocalID(localID)
	logrus.WithFields(logrus.Fields{
		"function": "CreateTransportWithConfig",
		"type":     "udp",
		"node":     localID.Short(),
		"addr":     tr.LocalAddr().String(),
	}).Info("Created UDP transport")
	return tr, nil
}

func (f *TransportFactory) simulationNetwork() *transport.MemNetwork {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.network == nil {
		f.network = transport.NewMemNetwork()
	}
	return f.network
}

// SwitchToSimulation makes later transports attach to network. A nil network
// means a fresh one is created on first use.
func (f *TransportFactory) SwitchToSimulation(network *transport.MemNetwork) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultConfig.UseSimulation = true
	f.network = network
	logrus.WithField("function", "SwitchToSimulation").Debug("Factory switched to simulation mode")
}

// SwitchToReal makes later transports bind UDP sockets.
func (f *TransportFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultConfig.UseSimulation = false
	logrus.WithField("function", "SwitchToReal").Debug("Factory switched to real mode")
}

// Network returns the in-memory network used in simulation mode, if any.
func (f *TransportFactory) Network() *transport.MemNetwork {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.network
}

// GetCurrentConfig returns a copy of the default configuration.
func (f *TransportFactory) GetCurrentConfig() TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig
}

// IsUsingSimulation reports whether new transports are in-memory.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.UseSimulation
}

// UpdateConfig replaces the default configuration after validating it.
func (f *TransportFactory) UpdateConfig(cfg TransportConfig) error {
	if !cfg.UseSimulation {
		if err := validateAddress(cfg.ListenAddr); err != nil {
			return fmt.Errorf("%w: listen address: %v", errcode.InvalidArgument, err)
		}
	}
	if cfg.BootstrapAddr != "" {
		if err := validateAddress(cfg.BootstrapAddr); err != nil {
			return fmt.Errorf("%w: bootstrap address: %v", errcode.InvalidArgument, err)
		}
	}
	f.mu.Lock()
	f.defaultConfig = cfg
	f.mu.Unlock()
	return nil
}
