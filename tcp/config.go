// TCP configuration, loadable from TOML via the teacher's own root
// dependency github.com/BurntSushi/toml.
package tcp

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/loopkernel/tcpstack/tcperrors"
)

const (
	// MinMSS and MaxMSS bound AdvertisedMSS.
	MinMSS = 88
	MaxMSS = 65495

	// DefaultMSS is used when AdvertisedMSS is left at its zero value.
	DefaultMSS = 1460
)

// Config holds the recognized TCP options from spec.md §6, plus [NEW]
// rst_rate_limit (A3).
type Config struct {
	AdvertisedMSS     uint16        `toml:"advertised_mss"`
	HandshakeRetries  int           `toml:"handshake_retries"`
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	ReceiveWindowSize uint16        `toml:"receive_window_size"`
	WindowScale       uint8         `toml:"window_scale"`
	AckDelayTimeout   time.Duration `toml:"ack_delay_timeout"`
	RxChecksumOffload bool          `toml:"rx_checksum_offload"`
	TxChecksumOffload bool          `toml:"tx_checksum_offload"`

	// RSTRateLimit bounds RSTs synthesized per remote per second (A3); zero
	// means unlimited.
	RSTRateLimit int `toml:"rst_rate_limit"`

	// Backlog is the passive-open engine's max_backlog.
	Backlog int `toml:"backlog"`
}

// DefaultConfig returns the documented defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		AdvertisedMSS:     DefaultMSS,
		HandshakeRetries:  5,
		HandshakeTimeout:  3 * time.Second,
		ReceiveWindowSize: 0xFFFF,
		WindowScale:       0,
		AckDelayTimeout:   200 * time.Millisecond,
		RxChecksumOffload: false,
		TxChecksumOffload: false,
		RSTRateLimit:      100,
		Backlog:           64,
	}
}

// Validate clamps and rejects out-of-range values, mirroring spec.md §6's
// "clamped to [MIN_MSS, MAX_MSS]" rule for AdvertisedMSS and rejecting an
// out-of-range WindowScale outright (local configuration is a programming
// input, not untrusted wire data, so InvalidArgument rather than Malformed).
func (c *Config) Validate() error {
	if c.AdvertisedMSS == 0 {
		c.AdvertisedMSS = DefaultMSS
	}
	if c.AdvertisedMSS < MinMSS {
		c.AdvertisedMSS = MinMSS
	}
	if c.AdvertisedMSS > MaxMSS {
		c.AdvertisedMSS = MaxMSS
	}
	if c.WindowScale > MaxWindowScale {
		return tcperrors.New(tcperrors.InvalidArgument, "tcp.Config.Validate", "window_scale out of range [0,14]")
	}
	if c.HandshakeRetries < 0 {
		return tcperrors.New(tcperrors.InvalidArgument, "tcp.Config.Validate", "handshake_retries must be >= 0")
	}
	if c.Backlog <= 0 {
		return tcperrors.New(tcperrors.InvalidArgument, "tcp.Config.Validate", "backlog must be > 0")
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file, applying defaults
// for any field left unset and validating the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, tcperrors.Wrap(tcperrors.IoError, "tcp.LoadConfig", "failed to decode config file", err)
	}
	_ = meta
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
