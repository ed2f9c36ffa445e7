package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/cyxwiz"
	"github.com/opd-ai/cyxwiz/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		cyxwiz.EnvHops, cyxwiz.EnvCoverTraffic, cyxwiz.EnvTickMs, cyxwiz.EnvKeystore, cyxwiz.EnvLogLevel,
		factory.EnvUseSimulation, factory.EnvListen, factory.EnvBootstrap,
	} {
		t.Setenv(key, "")
	}
}

func TestParseCLIFlags(t *testing.T) {
	clearEnv(t)
	config, _, err := parseCLIFlags([]string{
		"-listen", "127.0.0.1:0", "-hops", "2", "-cover",
		"-send-to", strings.Repeat("ab", 32), "-anonymous",
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", config.listen)
	assert.Equal(t, 2, config.hops)
	assert.True(t, config.cover)
	assert.True(t, config.anonymous)
	assert.Equal(t, "info", config.logLevel)
	require.NoError(t, validateCLIConfig(config))

	_, _, err = parseCLIFlags([]string{"-bogus"})
	assert.Error(t, err)
}

func TestEnvironmentSeedsFlagDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(cyxwiz.EnvHops, "4")
	t.Setenv(cyxwiz.EnvLogLevel, "debug")
	t.Setenv(factory.EnvBootstrap, "192.0.2.1:33445")

	config, _, err := parseCLIFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, config.hops)
	assert.Equal(t, "debug", config.logLevel)
	assert.Equal(t, "192.0.2.1:33445", config.bootstrap)

	config, _, err = parseCLIFlags([]string{"-log-level", "warn"})
	require.NoError(t, err)
	assert.Equal(t, "warn", config.logLevel)
}

func TestValidateCLIConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CLIConfig)
	}{
		{"empty listen", func(c *CLIConfig) { c.listen = "" }},
		{"too many hops", func(c *CLIConfig) { c.hops = 9 }},
		{"zero hops", func(c *CLIConfig) { c.hops = 0 }},
		{"zero tick", func(c *CLIConfig) { c.tick = 0 }},
		{"negative status", func(c *CLIConfig) { c.statusInterval = -time.Second }},
		{"bad level", func(c *CLIConfig) { c.logLevel = "chatty" }},
		{"bad destination", func(c *CLIConfig) { c.sendTo = "xyz" }},
		{"zero send interval", func(c *CLIConfig) { c.sendTo = strings.Repeat("01", 32); c.sendInterval = 0 }},
		{"missing passphrase", func(c *CLIConfig) { c.passphraseEnv = "CYXWIZ_TEST_UNSET_PASSPHRASE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			config, _, err := parseCLIFlags(nil)
			require.NoError(t, err)
			tt.modify(config)
			assert.Error(t, validateCLIConfig(config))
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clearEnv(t)
	config, opts, err := parseCLIFlags([]string{"-listen", "127.0.0.1:0", "-status-interval", "1s",
		"-send-to", strings.Repeat("cd", 32), "-send-interval", "1s", "-log-level", "warn"})
	require.NoError(t, err)
	require.NoError(t, validateCLIConfig(config))

	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, config, opts, mock) }()

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		mock.Add(time.Second)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
