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

func validConfig() Config {
	cfg := Default()
	cfg.Identity.ID = "alice"
	return cfg
}

func TestDefaultNeedsIdentity(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Signaling.Token = "tok"
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transport", func(c *Config) { c.Signaling.Transport = "carrier-pigeon" }},
		{"http url", func(c *Config) { c.Signaling.URL = "http://example.com/signal" }},
		{"unspecified host", func(c *Config) { c.Signaling.URL = "ws://0.0.0.0:8791/signal" }},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeoutSec = -1 }},
		{"huge dismiss delay", func(c *Config) { c.Call.DismissDelayMs = 120_000 }},
		{"ice url scheme", func(c *Config) { c.Media.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }},
		{"ice without urls", func(c *Config) { c.Media.ICEServers = []ICEServer{{}} }},
		{"zero width", func(c *Config) { c.Media.Video.Width = 0 }},
		{"facing", func(c *Config) { c.Media.Video.Facing = "left" }},
		{"storage dir", func(c *Config) { c.Storage.Dir = " " }},
		{"http addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"log buffer", func(c *Config) { c.Log.Buffer = -1 }},
		{"user id", func(c *Config) { c.Identity.ID = "a b" }},
		{"libp2p port", func(c *Config) {
			c.Signaling.Transport = TransportLibp2p
			c.Signaling.ListenPort = 70000
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig()
	cfg.Signaling.Transport = TransportMemory
	cfg.Signaling.URL = ""
	assert.NoError(t, cfg.Validate())
}

func TestDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 45*time.Second, cfg.RingTimeout())
	assert.Equal(t, time.Minute, cfg.DialTimeout())
	assert.Equal(t, 2*time.Second, cfg.DismissDelay())
}

func TestLoadPartialStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"id":"bob"},"call":{"ring_timeout_seconds":10}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.ID)
	assert.Equal(t, 10, cfg.Call.RingTimeoutSec)
	assert.Equal(t, 60, cfg.Call.DialTimeoutSec, "unset fields keep defaults")
}

func TestEnsureAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "callkit.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.ID = "carol"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "carol", cfg.Identity.ID)

	cfg.Log.Format = "xml"
	assert.Error(t, Save(path, cfg))
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(
		"CALLKIT_NAME=From File\nCALLKIT_RING_TIMEOUT=5\nOTHER=ignored\nCALLKIT_PEERS=a, b,,c\n"), 0o644))
	t.Setenv("CALLKIT_NAME", "From Env")

	vars, err := Env(envPath)
	require.NoError(t, err)
	assert.NotContains(t, vars, "OTHER")

	cfg := validConfig()
	require.NoError(t, cfg.ApplyEnv(vars))
	assert.Equal(t, "From Env", cfg.Identity.DisplayName)
	assert.Equal(t, 5, cfg.Call.RingTimeoutSec)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Signaling.Peers)

	require.Error(t, cfg.ApplyEnv(map[string]string{"CALLKIT_DIAL_TIMEOUT": "soon"}))

	_, err = Env(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callkit.json")
	cfg := validConfig()
	require.NoError(t, Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg.Call.RingTimeoutSec = 7
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, 7, c.Call.RingTimeoutSec)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
