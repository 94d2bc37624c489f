package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr = "0.0.0.0:7946"

	DefaultProbeInterval  = 1 * time.Second
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultIndirectProbes = 3
	DefaultSuspectTimeout = 5 * time.Second

	DefaultGossipInterval = 2 * time.Second
	DefaultGossipFanout   = 3
	DefaultGossipJitter   = 0.1

	DefaultCompressionThreshold = 1024
	DefaultHopLimit             = 8
	DefaultSeenTTL              = 2 * time.Minute
	DefaultSeenCapacity         = 4096

	DefaultCertValidity       = 30 * 24 * time.Hour
	DefaultTombstoneRetention = 30 * time.Minute

	DefaultDialTimeout  = 2 * time.Second
	DefaultDialAttempts = 3
	DefaultIdleTimeout  = 90 * time.Second

	idHexLen = 64
)

// SeedPeer is a statically configured rejoin point: a peer ID with one or
// more addresses that are never evicted from the resolver.
type SeedPeer struct {
	ID    string   `yaml:"id"`
	Addrs []string `yaml:"addrs"`
}

type Config struct {
	DataDir         string   `yaml:"dataDir"`
	BindAddr        string   `yaml:"bindAddr,omitempty"`
	AdvertisedAddrs []string `yaml:"advertisedAddrs,omitempty"`

	Seeds []SeedPeer `yaml:"seeds,omitempty"`

	ProbeInterval  time.Duration `yaml:"probeInterval,omitempty"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout,omitempty"`
	IndirectProbes int           `yaml:"indirectProbes,omitempty"`
	SuspectTimeout time.Duration `yaml:"suspectTimeout,omitempty"`

	GossipInterval time.Duration `yaml:"gossipInterval,omitempty"`
	GossipFanout   int           `yaml:"gossipFanout,omitempty"`
	GossipJitter   float64       `yaml:"gossipJitter,omitempty"`

	CompressionThreshold int           `yaml:"compressionThreshold,omitempty"`
	HopLimit             int           `yaml:"hopLimit,omitempty"`
	SeenTTL              time.Duration `yaml:"seenTTL,omitempty"`
	SeenCapacity         int           `yaml:"seenCapacity,omitempty"`

	CertValidity       time.Duration `yaml:"certValidity,omitempty"`
	TombstoneRetention time.Duration `yaml:"tombstoneRetention,omitempty"`

	DialTimeout  time.Duration `yaml:"dialTimeout,omitempty"`
	DialAttempts int           `yaml:"dialAttempts,omitempty"`
	IdleTimeout  time.Duration `yaml:"idleTimeout,omitempty"`

	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	LogLevel    string `yaml:"logLevel,omitempty"`
}

// Load reads and validates a YAML config file, applying defaults to any
// field left unset. All values are fixed at startup; there is no reload.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.BindAddr = strOrDefault(c.BindAddr, DefaultBindAddr)
	c.ProbeInterval = durOrDefault(c.ProbeInterval, DefaultProbeInterval)
	c.ProbeTimeout = durOrDefault(c.ProbeTimeout, DefaultProbeTimeout)
	c.IndirectProbes = intOrDefault(c.IndirectProbes, DefaultIndirectProbes)
	c.SuspectTimeout = durOrDefault(c.SuspectTimeout, DefaultSuspectTimeout)
	c.GossipInterval = durOrDefault(c.GossipInterval, DefaultGossipInterval)
	c.GossipFanout = intOrDefault(c.GossipFanout, DefaultGossipFanout)
	if c.GossipJitter == 0 {
		c.GossipJitter = DefaultGossipJitter
	}
	c.CompressionThreshold = intOrDefault(c.CompressionThreshold, DefaultCompressionThreshold)
	c.HopLimit = intOrDefault(c.HopLimit, DefaultHopLimit)
	c.SeenTTL = durOrDefault(c.SeenTTL, DefaultSeenTTL)
	c.SeenCapacity = intOrDefault(c.SeenCapacity, DefaultSeenCapacity)
	c.CertValidity = durOrDefault(c.CertValidity, DefaultCertValidity)
	c.TombstoneRetention = durOrDefault(c.TombstoneRetention, DefaultTombstoneRetention)
	c.DialTimeout = durOrDefault(c.DialTimeout, DefaultDialTimeout)
	c.DialAttempts = intOrDefault(c.DialAttempts, DefaultDialAttempts)
	c.IdleTimeout = durOrDefault(c.IdleTimeout, DefaultIdleTimeout)
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	if c.GossipJitter < 0 || c.GossipJitter >= 1 {
		return errors.New("gossipJitter must be in [0, 1)")
	}
	if c.ProbeTimeout >= c.ProbeInterval {
		return errors.New("probeTimeout must be below probeInterval")
	}

	for i, seed := range c.Seeds {
		if _, err := DecodeSeedID(seed.ID); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		if len(seed.Addrs) == 0 {
			return fmt.Errorf("seed[%d]: at least one address required", i)
		}
	}
	return nil
}

// DecodeSeedID parses a hex-encoded 32-byte peer ID.
func DecodeSeedID(s string) ([]byte, error) {
	if len(s) != idHexLen {
		return nil, fmt.Errorf("invalid peer id length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}
	return b, nil
}

func durOrDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func intOrDefault(n, fallback int) int {
	if n == 0 {
		return fallback
	}
	return n
}

func strOrDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
