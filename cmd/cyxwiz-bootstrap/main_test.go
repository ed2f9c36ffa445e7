package main

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIFlags(t *testing.T) {
	config, err := parseCLIFlags([]string{"-listen", "127.0.0.1:9000", "-peer-timeout", "2m", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", config.listen)
	assert.Equal(t, 2*time.Minute, config.peerTimeout)
	assert.Equal(t, time.Minute, config.statsInterval)
	require.NoError(t, validateCLIConfig(config))

	_, err = parseCLIFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidateCLIConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CLIConfig)
	}{
		{"empty listen", func(c *CLIConfig) { c.listen = "" }},
		{"zero timeout", func(c *CLIConfig) { c.peerTimeout = 0 }},
		{"negative stats", func(c *CLIConfig) { c.statsInterval = -time.Second }},
		{"bad level", func(c *CLIConfig) { c.logLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := parseCLIFlags(nil)
			require.NoError(t, err)
			tt.modify(config)
			assert.Error(t, validateCLIConfig(config))
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	config, err := parseCLIFlags([]string{"-listen", "127.0.0.1:0", "-log-level", "error"})
	require.NoError(t, err)
	mock := clock.NewMock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, config, mock) }()

	mock.Add(2 * time.Minute)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return")
	}
}
