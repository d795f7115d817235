package client

import (
	"time"

	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/protocol"
)

// Config holds the client configuration.
type Config struct {
	// ProgressCallback is called during uploads to report progress (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging transactions (optional)
	Logger logging.Logger

	// Clock paces retries and timestamps READ_EVENT (default: real clock)
	Clock clock.Clock

	// ChunkSize is the image data carried by one FIRMWARE_CHUNK request.
	// Default is 251 bytes (packet payload minus the 4-byte offset)
	ChunkSize int

	// Retries is the number of times a request is resent after a transfer
	// error or NAK
	Retries int

	// RetryDelay is the pause before resending a request
	RetryDelay time.Duration

	// BusyDelay is the pause after a NAK_BUSY reply or a WAIT chunk reply
	BusyDelay time.Duration

	// PollInterval is the pause between FINISH_FIRMWARE_UPLOAD polls while
	// the hub is still processing
	PollInterval time.Duration

	// MaxRestarts is the number of times an upload is started over after
	// a RESTART or CANCEL chunk reply
	MaxRestarts int
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Clock:        clock.Real(),
		ChunkSize:    protocol.MaxChunkData,
		Retries:      3,
		RetryDelay:   10 * time.Millisecond,
		BusyDelay:    50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		MaxRestarts:  3,
	}
}

// Option is a functional option for configuring the Client.
type Option func(*Config)

// WithProgressCallback sets a callback function to track upload progress.
//
// Example:
//
//	c := client.New(port,
//	    client.WithProgressCallback(func(p client.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for the client.
//
// Example:
//
//	c := client.New(port, client.WithLogger(logging.Slog(slog.Default())))
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for retry pacing.
//
// Example:
//
//	c := client.New(port, client.WithClock(clock.NewFake(time.Unix(0, 0))))
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// WithChunkSize sets the image data size per FIRMWARE_CHUNK request.
// Sizes outside 1..251 are ignored.
//
// Example:
//
//	c := client.New(port, client.WithChunkSize(128))
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= protocol.MaxChunkData {
			c.ChunkSize = size
		}
	}
}

// WithRetries sets the number of resends for a failed request.
//
// Example:
//
//	c := client.New(port, client.WithRetries(5))
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithRetryDelay sets the pause before a resend.
//
// Example:
//
//	c := client.New(port, client.WithRetryDelay(20*time.Millisecond))
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		c.RetryDelay = d
	}
}

// WithBusyDelay sets the pause after the hub reported it is busy.
//
// Example:
//
//	c := client.New(port, client.WithBusyDelay(100*time.Millisecond))
func WithBusyDelay(d time.Duration) Option {
	return func(c *Config) {
		c.BusyDelay = d
	}
}

// WithPollInterval sets the pause between finish polls.
//
// Example:
//
//	c := client.New(port, client.WithPollInterval(5*time.Millisecond))
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithMaxRestarts sets how often an upload may start over.
//
// Example:
//
//	c := client.New(port, client.WithMaxRestarts(1))
func WithMaxRestarts(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxRestarts = n
		}
	}
}
