package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"listen port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"relay scheme", func(c *Config) { c.Relay.URL = "http://relay.example.org/ws" }},
		{"relay room", func(c *Config) {
			c.Relay.URL = "ws://relay.example.org/ws"
			c.Relay.Room = "a/b"
		}},
		{"relay listen", func(c *Config) { c.Relay.ListenAddr = "nope" }},
		{"dedup ttl", func(c *Config) { c.Bus.DedupTTLSec = 0 }},
		{"ledger mode", func(c *Config) { c.Ledger.Mode = "open" }},
		{"negotiation timeout", func(c *Config) { c.Negotiation.TimeoutSec = 0 }},
		{"ice server", func(c *Config) { c.Negotiation.ICEServers = []string{"http://x"} }},
		{"blob size", func(c *Config) { c.Blob.MaxMB = 0 }},
		{"history", func(c *Config) { c.Chat.HistorySize = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"ledger":{"mode":"public"}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModePublic, cfg.Ledger.Mode)
	assert.Equal(t, Default().Ledger.Topic, cfg.Ledger.Topic)
	assert.Equal(t, 50, cfg.Blob.MaxMB)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	t.Setenv("GOOPCHAT_RELAY_URL", "ws://127.0.0.1:8787/ws")
	t.Setenv("GOOPCHAT_ICE_SERVERS", "stun:a.example:3478,stun:b.example:3478")
	t.Setenv("GOOPCHAT_BLOB_MAX_MB", "10")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8787/ws", cfg.Relay.URL)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.Negotiation.ICEServers)
	assert.Equal(t, 10, cfg.Blob.MaxMB)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Chat, cfg.Chat)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	updated := Default()
	updated.Log.Level = "debug"
	require.NoError(t, Save(path, updated))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
