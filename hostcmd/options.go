package hostcmd

import (
	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/sigverify"
)

// Config holds the host command server configuration.
type Config struct {
	// Versions is returned by GET_OS_HW_VERSIONS
	Versions protocol.OSHWVersions

	// TrustedKeys are reported by the QUERY_RSA_KEYS HAL message (optional)
	TrustedKeys *sigverify.KeyTable

	// Clock timestamps requests for host time sync (default: real clock)
	Clock clock.Clock

	// OutboxLength is the number of events kept for READ_EVENT
	OutboxLength int

	// InterruptLine is called when the wakeup or non-wakeup line to the
	// host changes level (optional)
	InterruptLine func(wakeup, asserted bool)

	// Reboot is called for the REBOOT HAL message (optional)
	Reboot func()

	// Logger is used for logging rejected requests (optional)
	Logger logging.Logger
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Clock:        clock.Real(),
		OutboxLength: 64,
	}
}

// Option is a functional option for configuring the Server.
type Option func(*Config)

// WithVersions sets the versions reported to the host.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithVersions(protocol.OSHWVersions{
//	    HWType: 0x4E48, HWVersion: 1, BLVersion: 1, OSVersion: 1,
//	}))
func WithVersions(v protocol.OSHWVersions) Option {
	return func(c *Config) {
		c.Versions = v
	}
}

// WithTrustedKeys sets the public keys reported by QUERY_RSA_KEYS.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithTrustedKeys(table))
func WithTrustedKeys(table *sigverify.KeyTable) Option {
	return func(c *Config) {
		c.TrustedKeys = table
	}
}

// WithClock sets the clock used for host time sync.
//
// Example:
//
//	fake := clock.NewFake(time.Unix(0, 0))
//	srv := hostcmd.New(k, up, hostcmd.WithClock(fake))
func WithClock(c clock.Clock) Option {
	return func(cfg *Config) {
		cfg.Clock = c
	}
}

// WithOutboxLength sets how many outbound events are kept.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithOutboxLength(16))
func WithOutboxLength(n int) Option {
	return func(c *Config) {
		c.OutboxLength = n
	}
}

// WithInterruptLine sets the callback driving the interrupt lines.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithInterruptLine(func(wakeup, asserted bool) {
//	    gpio.Set(wakeup, asserted)
//	}))
func WithInterruptLine(fn func(wakeup, asserted bool)) Option {
	return func(c *Config) {
		c.InterruptLine = fn
	}
}

// WithReboot sets the callback for the REBOOT HAL message.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithReboot(cancel))
func WithReboot(fn func()) Option {
	return func(c *Config) {
		c.Reboot = fn
	}
}

// WithLogger sets a logger for the server.
//
// Example:
//
//	srv := hostcmd.New(k, up, hostcmd.WithLogger(logger))
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
