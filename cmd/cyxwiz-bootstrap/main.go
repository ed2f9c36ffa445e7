// Command cyxwiz-bootstrap runs a rendezvous point for cyxwiz nodes.
//
// Nodes register their NodeID and onion key here and ask for their first
// neighbours. The registry is kept in memory only.
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
	"github.com/opd-ai/cyxwiz/bootstrap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	listen        string
	peerTimeout   time.Duration
	statsInterval time.Duration
	logLevel      string
}

func parseCLIFlags(args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("cyxwiz-bootstrap", flag.ContinueOnError)
	fs.StringVar(&config.listen, "listen", bootstrap.DefaultConfig().ListenAddr, "UDP address to listen on")
	fs.DurationVar(&config.peerTimeout, "peer-timeout", bootstrap.DefaultPeerTimeout, "How long a registration stays active without a heartbeat")
	fs.DurationVar(&config.statsInterval, "stats-interval", time.Minute, "How often to log registry statistics (0 disables)")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

func validateCLIConfig(config *CLIConfig) error {
	if config.listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if config.peerTimeout <= 0 {
		return fmt.Errorf("peer timeout must be positive")
	}
	if config.statsInterval < 0 {
		return fmt.Errorf("stats interval cannot be negative")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	return nil
}

func run(ctx context.Context, config *CLIConfig, clk clock.Clock) error {
	level, _ := logrus.ParseLevel(config.logLevel)
	logrus.SetLevel(level)

	server, err := bootstrap.NewServer(bootstrap.Config{
		ListenAddr:  config.listen,
		PeerTimeout: config.peerTimeout,
		Clock:       clk,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx)
	})
	if config.statsInterval > 0 {
		g.Go(func() error {
			ticker := clk.Ticker(config.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					stats := server.Stats()
					logrus.WithFields(logrus.Fields{
						"function":   "run",
						"registered": stats.TotalRegistered,
						"active":     stats.ActiveCount,
						"packets":    stats.PacketsProcessed,
						"rejected":   stats.PacketsRejected,
					}).Info("Registry statistics")
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})
	return g.Wait()
}

func main() {
	config, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, clock.New()); err != nil {
		logrus.WithError(err).Error("Bootstrap server failed")
		os.Exit(1)
	}
	logrus.Info("Bootstrap server stopped")
}
