package main

import (
	"context"
	"testing"
	"time"

	"groupsync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServeRejectsUnknownStore(t *testing.T) {
	cfg := groupsync.DefaultConfig()
	cfg.ServerURI = "ftp://example.org"

	err := serve(context.Background(), cfg, "127.0.0.1:0", zap.NewNop())
	assert.ErrorIs(t, err, groupsync.ErrUnsupportedStore)
}

func TestServeStopsWithContext(t *testing.T) {
	cfg := groupsync.DefaultConfig()
	cfg.ServerURI = "mem://controlpanel-stop"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "127.0.0.1:0", zap.NewNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestCommandFlags(t *testing.T) {
	c := newCommand()
	for _, name := range []string{"listen", "server-uri", "database", "heartbeat", "log-level"} {
		assert.NotNil(t, c.Flags().Lookup(name), name)
	}
	assert.Equal(t, ":8080", c.Flags().Lookup("listen").DefValue)
}
