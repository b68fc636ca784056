package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/protocol"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.Network.DatagramSize, cfg.Network.MaxFrameSize())

	// larger fragments are fine once datagrams grow with them
	cfg.Network.DatagramSize = 9000
	cfg.Network.FragmentSize = 9000 - protocol.DataOverhead
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "velonet.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[network]
workers = 4
fragment_size = 1024
handshake_timeout = "3s"

[metrics]
enabled = true
addr = ":9100"

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Network.Workers)
	assert.Equal(t, 1024, cfg.Network.FragmentSize)
	assert.Equal(t, 3*time.Second, cfg.Network.HandshakeTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Network.MaxMessageSize, cfg.Network.MaxMessageSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[network]\nwokers = 2\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network.wokers")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VELONET_WORKERS":           "3",
		"VELONET_FRAGMENT_SIZE":     "512",
		"VELONET_MAX_MESSAGE_SIZE":  "4096",
		"VELONET_HANDSHAKE_TIMEOUT": "250ms",
		"VELONET_LEGACY_PREAMBLE":   "true",
		"VELONET_METRICS_ADDR":      "127.0.0.1:0",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 3, cfg.Network.Workers)
	assert.Equal(t, 512, cfg.Network.FragmentSize)
	assert.Equal(t, uint64(4096), cfg.Network.MaxMessageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Network.HandshakeTimeout)
	assert.True(t, cfg.Network.LegacyPreamble)
	assert.True(t, cfg.Metrics.Enabled)

	env["VELONET_WORKERS"] = "many"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Network.Workers = 0 }},
		{"zero fragment", func(c *Config) { c.Network.FragmentSize = 0 }},
		{"huge fragment", func(c *Config) { c.Network.FragmentSize = 1 << 20 }},
		{"zero cap", func(c *Config) { c.Network.MaxMessageSize = 0 }},
		{"tiny datagram", func(c *Config) { c.Network.DatagramSize = 10 }},
		{"fragment above datagram", func(c *Config) { c.Network.FragmentSize = protocol.MaxChunkSize }},
		{"frame one byte too big", func(c *Config) { c.Network.FragmentSize = c.Network.DatagramSize - protocol.DataOverhead + 1 }},
		{"no timeout", func(c *Config) { c.Network.HandshakeTimeout = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
