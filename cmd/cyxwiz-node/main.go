// Command cyxwiz-node runs a single mesh node.
//
// Configuration comes from CYXWIZ_* environment variables, then flags. With
// -send-to the node periodically sends -message to the given NodeID, through
// an onion circuit when -anonymous is set, which makes two instances behind
// the same rendezvous point a quick end-to-end check.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/cyxwiz"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/onion"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	listen         string
	bootstrap      string
	hops           int
	cover          bool
	tick           time.Duration
	keystore       string
	passphraseEnv  string
	logLevel       string
	statusInterval time.Duration
	sendTo         string
	message        string
	sendInterval   time.Duration
	anonymous      bool
}

func parseCLIFlags(args []string) (*CLIConfig, *cyxwiz.Options, error) {
	opts := cyxwiz.NewOptions()
	config := &CLIConfig{}
	fs := flag.NewFlagSet("cyxwiz-node", flag.ContinueOnError)

	// Network
	fs.StringVar(&config.listen, "listen", opts.Transport.ListenAddr, "UDP address to listen on")
	fs.StringVar(&config.bootstrap, "bootstrap", opts.Transport.BootstrapAddr, "Rendezvous server host:port")

	// Onion
	fs.IntVar(&config.hops, "hops", opts.HopCount, "Onion circuit length")
	fs.BoolVar(&config.cover, "cover", opts.CoverTraffic, "Send onion cover traffic")

	// Node
	fs.DurationVar(&config.tick, "tick", opts.TickInterval, "Poll interval")
	fs.StringVar(&config.keystore, "keystore", opts.KeystorePath, "Identity database path (empty for a throwaway identity)")
	fs.StringVar(&config.passphraseEnv, "passphrase-env", "", "Environment variable holding the keystore passphrase")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.DurationVar(&config.statusInterval, "status-interval", 30*time.Second, "How often to log node status (0 disables)")

	// Traffic
	fs.StringVar(&config.sendTo, "send-to", "", "Hex NodeID to send test messages to")
	fs.StringVar(&config.message, "message", "hello from cyxwiz", "Test message payload")
	fs.DurationVar(&config.sendInterval, "send-interval", 10*time.Second, "Test message interval")
	fs.BoolVar(&config.anonymous, "anonymous", false, "Send test messages through an onion circuit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if opts.LogLevel != "" && !flagSet(fs, "log-level") {
		config.logLevel = opts.LogLevel
	}
	return config, opts, nil
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func validateCLIConfig(config *CLIConfig) error {
	if config.listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if config.hops < onion.MinHops || config.hops > onion.MaxHops {
		return fmt.Errorf("hops must be between %d and %d", onion.MinHops, onion.MaxHops)
	}
	if config.tick <= 0 {
		return fmt.Errorf("tick must be positive")
	}
	if config.statusInterval < 0 {
		return fmt.Errorf("status interval cannot be negative")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	if config.sendTo != "" {
		if _, err := identity.FromHex(config.sendTo); err != nil {
			return fmt.Errorf("invalid -send-to: %v", err)
		}
		if config.sendInterval <= 0 {
			return fmt.Errorf("send interval must be positive")
		}
	}
	if config.passphraseEnv != "" && os.Getenv(config.passphraseEnv) == "" {
		return fmt.Errorf("passphrase variable %s is empty", config.passphraseEnv)
	}
	return nil
}

// applyCLIConfig copies flag values over the environment-derived options.
func applyCLIConfig(config *CLIConfig, opts *cyxwiz.Options, clk clock.Clock) {
	opts.Transport.ListenAddr = config.listen
	opts.Transport.BootstrapAddr = config.bootstrap
	opts.HopCount = config.hops
	opts.CoverTraffic = config.cover
	opts.TickInterval = config.tick
	opts.KeystorePath = config.keystore
	opts.LogLevel = config.logLevel
	opts.Clock = clk
	if config.passphraseEnv != "" {
		opts.Passphrase = []byte(os.Getenv(config.passphraseEnv))
	}
}

func run(ctx context.Context, config *CLIConfig, opts *cyxwiz.Options, clk clock.Clock) error {
	if err := cyxwiz.Init(); err != nil {
		return err
	}
	defer cyxwiz.Shutdown()

	applyCLIConfig(config, opts, clk)
	node, err := cyxwiz.New(opts)
	if err != nil {
		return err
	}
	defer node.Close()

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"node_id":  node.ID().String(),
	}).Info("Node running")

	node.OnMessage(func(from identity.NodeID, payload []byte) {
		logrus.WithFields(logrus.Fields{
			"from":    from.Short(),
			"message": string(payload),
		}).Info("Message received")
	})
	node.OnAnonymousMessage(func(payload []byte) {
		logrus.WithField("message", string(payload)).Info("Anonymous message received")
	})
	node.OnDeliveryFailure(func(dest identity.NodeID, err error) {
		logrus.WithFields(logrus.Fields{
			"dest":  dest.Short(),
			"error": err.Error(),
		}).Warn("Delivery failed")
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(ctx)
	})
	if config.statusInterval > 0 {
		g.Go(func() error {
			return every(ctx, clk, config.statusInterval, func() { logStatus(node) })
		})
	}
	if config.sendTo != "" {
		dest, _ := identity.FromHex(config.sendTo)
		g.Go(func() error {
			return every(ctx, clk, config.sendInterval, func() {
				sendTest(node, dest, []byte(config.message), config.anonymous)
			})
		})
	}
	return g.Wait()
}

func every(ctx context.Context, clk clock.Clock, interval time.Duration, fn func()) error {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func logStatus(node *cyxwiz.Node) {
	logrus.WithFields(logrus.Fields{
		"function":  "logStatus",
		"peers":     node.Peers().Count(),
		"connected": node.Peers().ConnectedCount(),
		"dht_nodes": node.DHT().NodeCount(),
		"routes":    node.Router().RouteCount(),
		"circuits":  node.Onion().CircuitCount(),
		"bootstrap": node.IsBootstrapConnected(),
	}).Info("Node status")
}

func sendTest(node *cyxwiz.Node, dest identity.NodeID, payload []byte, anonymous bool) {
	send := node.Send
	if anonymous {
		send = node.SendAnonymous
	}
	if err := send(dest, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "sendTest",
			"dest":      dest.Short(),
			"anonymous": anonymous,
			"error":     err.Error(),
		}).Warn("Send failed")
	}
}

func main() {
	config, opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, opts, clock.New()); err != nil {
		logrus.WithError(err).Error("Node failed")
		os.Exit(1)
	}
	logrus.Info("Node stopped")
}
