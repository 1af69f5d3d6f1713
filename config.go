package tempest

import (
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Options collects the tunables enumerated in spec.md §6. Zero-value
// Options is not ready to use; call DefaultOptions or LoadOptionsFile.
type Options struct {
	MaxMessageLength uint32        `toml:"max_message_length"`
	BufferLimit      int           `toml:"buffer_limit"`
	SigningHash      string        `toml:"signing_hash_algorithm"`
	ResendInterval   time.Duration `toml:"resend_interval"`
	PingInterval     time.Duration `toml:"ping_interval"`

	// LogLevel names the zap level passed to NewLoggerAtLevel
	// ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`
	// MetricsAddr is the listen address for the Prometheus HTTP
	// endpoint Server.Start exposes. Empty disables the listener.
	MetricsAddr string `toml:"metrics_addr"`
}

// DefaultOptions returns the spec-mandated defaults: 1 MiB max message
// length, 10x CPU count buffer slots, SHA-256 HMAC, and a 1 second
// UDP resend interval.
func DefaultOptions() Options {
	return Options{
		MaxMessageLength: 1 << 20,
		BufferLimit:      10 * runtime.NumCPU(),
		SigningHash:      "SHA256",
		ResendInterval:   time.Second,
		PingInterval:     30 * time.Second,
		LogLevel:         "info",
		MetricsAddr:      "",
	}
}

// LoadOptionsFile reads a TOML configuration file, overlaying it on
// DefaultOptions. Unset keys keep their default value.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}
