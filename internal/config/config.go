// Package config holds the runtime configuration and its loaders.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/1ureka/velonet/internal/protocol"
)

// Config is the root configuration.
type Config struct {
	Network Network `toml:"network"`
	Metrics Metrics `toml:"metrics"`
	Log     Log     `toml:"log"`
}

// Network holds the limits and sizing of the transport.
type Network struct {
	Workers          int           `toml:"workers"`           // worker threads; 0 means one
	FragmentSize     int           `toml:"fragment_size"`     // payload bytes per Data frame
	MaxMessageSize   uint64        `toml:"max_message_size"`  // hard cap on DataHeader.length
	InboxSize        int           `toml:"inbox_size"`        // frames buffered per channel on read
	OutboxSize       int           `toml:"outbox_size"`       // frames buffered per channel on write
	DatagramSize     int           `toml:"datagram_size"`     // max UDP datagram / websocket batch
	FramesPerTick    int           `toml:"frames_per_tick"`   // frames pulled from the scheduler per channel and wake
	HandshakeTimeout time.Duration `toml:"handshake_timeout"` // channels still handshaking after this are dropped
	PollInterval     time.Duration `toml:"poll_interval"`     // upper bound on a worker's poll wait
	LegacyPreamble   bool          `toml:"legacy_preamble"`   // send the fixed preamble instead of a Handshake frame
	ICEServers       []string      `toml:"ice_servers"`       // STUN/TURN urls for webrtc channels
}

// Metrics configures the HTTP metrics endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
}

// defaultDatagram stays under the common 1500-byte MTU with room for IP and UDP headers.
const defaultDatagram = 1400

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Network: Network{
			Workers:          1,
			FragmentSize:     defaultDatagram - protocol.DataOverhead,
			MaxMessageSize:   256 << 20,
			InboxSize:        1024,
			OutboxSize:       1024,
			DatagramSize:     defaultDatagram,
			FramesPerTick:    64,
			HandshakeTimeout: 10 * time.Second,
			PollInterval:     time.Second,
			ICEServers:       []string{"stun:stun.l.google.com:19302"},
		},
		Metrics: Metrics{Enabled: false, Addr: "127.0.0.1:9090"},
		Log:     Log{Level: "info"},
	}
}

// Load builds a configuration from defaults, an optional TOML file, an optional
// .env file in the working directory and VELONET_* environment variables, in
// that order of precedence (last wins).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return cfg, fmt.Errorf("config: .env: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setInt("VELONET_WORKERS", &c.Network.Workers)
	setInt("VELONET_FRAGMENT_SIZE", &c.Network.FragmentSize)
	setInt("VELONET_DATAGRAM_SIZE", &c.Network.DatagramSize)
	setDuration("VELONET_HANDSHAKE_TIMEOUT", &c.Network.HandshakeTimeout)
	if v, ok := lookup("VELONET_MAX_MESSAGE_SIZE"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: VELONET_MAX_MESSAGE_SIZE: %w", err))
		} else {
			c.Network.MaxMessageSize = n
		}
	}
	if v, ok := lookup("VELONET_LEGACY_PREAMBLE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: VELONET_LEGACY_PREAMBLE: %w", err))
		} else {
			c.Network.LegacyPreamble = b
		}
	}
	if v, ok := lookup("VELONET_METRICS_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup("VELONET_LOG_LEVEL"); ok {
		c.Log.Level = strings.TrimSpace(v)
	}
	return errors.Join(errs...)
}

// Validate checks that the limits are usable together.
func (c Config) Validate() error {
	n := c.Network
	var errs []error
	if n.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", n.Workers))
	}
	if n.FragmentSize < 1 || n.FragmentSize > protocol.MaxChunkSize {
		errs = append(errs, fmt.Errorf("fragment_size must be in [1, %d], got %d", protocol.MaxChunkSize, n.FragmentSize))
	}
	if n.MaxMessageSize == 0 {
		errs = append(errs, errors.New("max_message_size must be positive"))
	}
	if n.InboxSize < 1 || n.OutboxSize < 1 {
		errs = append(errs, errors.New("inbox_size and outbox_size must be positive"))
	}
	if n.DatagramSize < protocol.DataOverhead+1 {
		errs = append(errs, fmt.Errorf("datagram_size must exceed %d, got %d", protocol.DataOverhead, n.DatagramSize))
	} else if n.MaxFrameSize() > n.DatagramSize {
		// a Data frame must fit one datagram whole
		errs = append(errs, fmt.Errorf("fragment_size %d needs datagrams of %d bytes, datagram_size is %d",
			n.FragmentSize, n.MaxFrameSize(), n.DatagramSize))
	}
	if n.FramesPerTick < 1 {
		errs = append(errs, fmt.Errorf("frames_per_tick must be positive, got %d", n.FramesPerTick))
	}
	if n.HandshakeTimeout <= 0 || n.PollInterval <= 0 {
		errs = append(errs, errors.New("handshake_timeout and poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// MaxFrameSize is the largest encoded Data frame this configuration emits.
func (n Network) MaxFrameSize() int {
	return protocol.DataOverhead + n.FragmentSize
}
