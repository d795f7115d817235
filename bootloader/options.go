package bootloader

import (
	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/logging"
)

// Config holds the programmer configuration.
type Config struct {
	// ProgressCallback is called during programming to report progress (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging operations (optional)
	Logger logging.Logger

	// Clock measures elapsed time for progress reports (default: real clock)
	Clock clock.Clock

	// ChunkSize is the maximum data size per WRITE_MEM frame.
	// Default is 256 bytes, the largest frame the loader accepts
	ChunkSize int

	// Retries is the number of times a NAKed WRITE_MEM frame is resent
	Retries int

	// VerifyAfterProgram reads the staged image back before finishing
	VerifyAfterProgram bool
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Clock:              clock.Real(),
		ChunkSize:          MaxFrame,
		Retries:            3,
		VerifyAfterProgram: true,
	}
}

// Option is a functional option for configuring the Programmer.
type Option func(*Config)

// WithProgressCallback sets a callback function to track programming progress.
//
// Example:
//
//	prog := bootloader.New(port,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for the programmer operations.
//
// Example:
//
//	prog := bootloader.New(port, bootloader.WithLogger(logging.Slog(slog.Default())))
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for elapsed time in progress reports.
//
// Example:
//
//	prog := bootloader.New(port, bootloader.WithClock(clock.NewFake(time.Unix(0, 0))))
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// WithChunkSize sets the maximum data size per WRITE_MEM frame.
// Sizes outside 1..256 are ignored.
//
// Example:
//
//	prog := bootloader.New(port, bootloader.WithChunkSize(64))
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= MaxFrame {
			c.ChunkSize = size
		}
	}
}

// WithRetries sets the number of resends for a NAKed write.
//
// Example:
//
//	prog := bootloader.New(port, bootloader.WithRetries(5))
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithVerifyAfterProgram enables or disables reading the staged image back.
// Default is true.
//
// Example:
//
//	prog := bootloader.New(port, bootloader.WithVerifyAfterProgram(false))
func WithVerifyAfterProgram(verify bool) Option {
	return func(c *Config) {
		c.VerifyAfterProgram = verify
	}
}
