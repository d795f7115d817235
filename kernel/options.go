package kernel

import (
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/segment"
)

// Config holds the kernel configuration.
type Config struct {
	// MaxTasks is the number of application task slots
	MaxTasks int

	// QueueLength is the capacity of the event queue
	QueueLength int

	// Platform loads and unloads external apps (optional; without it only
	// internal apps can run)
	Platform Platform

	// Segments is the store scanned for external apps (optional)
	Segments *segment.Store

	// InternalApps are started first by Start, in order
	InternalApps []InternalApp

	// Logger is used for logging kernel operations (optional)
	Logger logging.Logger
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		MaxTasks:    16,
		QueueLength: 512,
	}
}

// Option is a functional option for configuring the Kernel.
type Option func(*Config)

// WithMaxTasks sets the number of task slots.
//
// Example:
//
//	k := kernel.New(kernel.WithMaxTasks(4))
func WithMaxTasks(n int) Option {
	return func(c *Config) {
		c.MaxTasks = n
	}
}

// WithQueueLength sets the event queue capacity.
//
// Example:
//
//	k := kernel.New(kernel.WithQueueLength(64))
func WithQueueLength(n int) Option {
	return func(c *Config) {
		c.QueueLength = n
	}
}

// WithPlatform sets the loader for external apps.
//
// Example:
//
//	k := kernel.New(kernel.WithPlatform(myPlatform))
func WithPlatform(p Platform) Option {
	return func(c *Config) {
		c.Platform = p
	}
}

// WithSegments sets the segment store holding external apps.
//
// Example:
//
//	k := kernel.New(
//	    kernel.WithPlatform(myPlatform),
//	    kernel.WithSegments(segment.New(ctrl)),
//	)
func WithSegments(store *segment.Store) Option {
	return func(c *Config) {
		c.Segments = store
	}
}

// WithInternalApps registers apps linked into the kernel image.
//
// Example:
//
//	k := kernel.New(kernel.WithInternalApps(kernel.InternalApp{
//	    Header: hdr,
//	    New:    func() kernel.App { return &myApp{} },
//	}))
func WithInternalApps(apps ...InternalApp) Option {
	return func(c *Config) {
		c.InternalApps = append(c.InternalApps, apps...)
	}
}

// WithLogger sets a logger for kernel operations.
//
// Example:
//
//	k := kernel.New(kernel.WithLogger(logging.Slog(nil)))
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
