package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dataDir: /var/lib/meridian\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBindAddr, cfg.BindAddr)
	assert.Equal(t, DefaultProbeInterval, cfg.ProbeInterval)
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, DefaultGossipFanout, cfg.GossipFanout)
	assert.Equal(t, DefaultGossipJitter, cfg.GossipJitter)
	assert.Equal(t, DefaultHopLimit, cfg.HopLimit)
	assert.Equal(t, DefaultSeenTTL, cfg.SeenTTL)
	assert.Equal(t, DefaultCertValidity, cfg.CertValidity)
	assert.Equal(t, DefaultTombstoneRetention, cfg.TombstoneRetention)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
dataDir: /var/lib/meridian
bindAddr: "127.0.0.1:9000"
probeInterval: 2s
probeTimeout: 250ms
gossipFanout: 5
hopLimit: 3
logLevel: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.BindAddr)
	assert.Equal(t, 2*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 5, cfg.GossipFanout)
	assert.Equal(t, 3, cfg.HopLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadParsesSeeds(t *testing.T) {
	id := strings.Repeat("ab", 32)
	cfg, err := Load(writeConfig(t, `
dataDir: /var/lib/meridian
seeds:
  - id: `+id+`
    addrs: ["seed1.example:7946", "10.0.0.1:7946"]
`))
	require.NoError(t, err)

	require.Len(t, cfg.Seeds, 1)
	assert.Len(t, cfg.Seeds[0].Addrs, 2)

	raw, err := DecodeSeedID(cfg.Seeds[0].ID)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing data dir", "bindAddr: \"127.0.0.1:9000\"\n"},
		{"jitter out of range", "dataDir: /tmp/x\ngossipJitter: 1.5\n"},
		{"probe timeout above interval", "dataDir: /tmp/x\nprobeInterval: 1s\nprobeTimeout: 2s\n"},
		{"seed id wrong length", "dataDir: /tmp/x\nseeds:\n  - id: abcd\n    addrs: [\"x:1\"]\n"},
		{"seed without addrs", "dataDir: /tmp/x\nseeds:\n  - id: " + strings.Repeat("ab", 32) + "\n    addrs: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
