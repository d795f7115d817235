package upload

import (
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/sigverify"
)

// Config holds the upload manager configuration.
type Config struct {
	// Keys is the AES key store used for encrypted images and key
	// payloads (optional; without it encrypted images fail)
	Keys *Keys

	// TrustedKeys are the RSA public keys accepted as signing roots
	TrustedKeys *sigverify.KeyTable

	// RequireSigned rejects unsigned containers
	RequireSigned bool

	// MaxChunk is the largest chunk payload accepted
	MaxChunk int

	// FeedSize is the most bytes handed to the verifier per deferred call
	FeedSize int

	// VerifyOSUpdate runs the boot-time check of a staged OS image after
	// its marker was set to downloaded (optional)
	VerifyOSUpdate func() error

	// OnEraseDone is called when a scheduled erase of the shared area has
	// finished, so the host can be told to resume (optional)
	OnEraseDone func()

	// SetBusy brackets long flash work the host must not interrupt
	// (optional)
	SetBusy func(busy bool)

	// Logger is used for logging upload progress (optional)
	Logger logging.Logger
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		RequireSigned: true,
		MaxChunk:      251, // packet payload minus the 4-byte offset
		FeedSize:      64,
	}
}

// Option is a functional option for configuring the Manager.
type Option func(*Config)

// WithKeys sets the AES key store.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithKeys(upload.NewKeys(ee)))
func WithKeys(keys *Keys) Option {
	return func(c *Config) {
		c.Keys = keys
	}
}

// WithTrustedKeys sets the accepted signing roots.
//
// Example:
//
//	table := sigverify.NewKeyTable()
//	table.Add(pub)
//	m := upload.New(k, segs, upload.WithTrustedKeys(table))
func WithTrustedKeys(table *sigverify.KeyTable) Option {
	return func(c *Config) {
		c.TrustedKeys = table
	}
}

// WithRequireSigned enables or disables the signed-image requirement.
// Images are required to be signed by default.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithRequireSigned(false))
func WithRequireSigned(required bool) Option {
	return func(c *Config) {
		c.RequireSigned = required
	}
}

// WithMaxChunk sets the largest accepted chunk.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithMaxChunk(128))
func WithMaxChunk(n int) Option {
	return func(c *Config) {
		c.MaxChunk = n
	}
}

// WithFeedSize bounds the verifier work done per deferred call.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithFeedSize(16))
func WithFeedSize(n int) Option {
	return func(c *Config) {
		c.FeedSize = n
	}
}

// WithOSVerifier sets the hook run after an OS image was staged.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithOSVerifier(func() error {
//	    _, err := engine.VerifyOSUpdate()
//	    return err
//	}))
func WithOSVerifier(fn func() error) Option {
	return func(c *Config) {
		c.VerifyOSUpdate = fn
	}
}

// WithEraseDone sets the hook called after a scheduled shared-area erase.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithEraseDone(func() {
//	    irq.Set(protocol.IntCmdWait)
//	}))
func WithEraseDone(fn func()) Option {
	return func(c *Config) {
		c.OnEraseDone = fn
	}
}

// WithBusy sets the hook bracketing long flash work.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithBusy(server.SetBusy))
func WithBusy(fn func(busy bool)) Option {
	return func(c *Config) {
		c.SetBusy = fn
	}
}

// WithLogger sets a logger for upload progress.
//
// Example:
//
//	m := upload.New(k, segs, upload.WithLogger(logger))
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
