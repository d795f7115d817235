package device

import (
	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/sigverify"
)

type options struct {
	logger        logging.Logger
	clock         clock.Clock
	device        flash.Device
	trusted       *sigverify.KeyTable
	platform      kernel.Platform
	internal      []kernel.InternalApp
	interruptLine func(wakeup, asserted bool)
}

// Option is a functional option for configuring a Hub.
type Option func(*options)

// WithLogger sets the logger shared by every hub component.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock of the host command server.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithDevice uses dev as the flash chip instead of a blank MemDevice.
//
// Example:
//
//	dev, layout, err := flash.LoadSnapshot(f)
//	cfg.Flash.Layout = layout
//	hub, err := device.New(cfg, device.WithDevice(dev))
func WithDevice(dev flash.Device) Option {
	return func(o *options) {
		o.device = dev
	}
}

// WithTrustedKeys sets the signing roots instead of loading the key files
// named in the config.
func WithTrustedKeys(table *sigverify.KeyTable) Option {
	return func(o *options) {
		o.trusted = table
	}
}

// WithPlatform sets the loader for external apps. Without one, apps in
// the shared area are kept but not run.
func WithPlatform(p kernel.Platform) Option {
	return func(o *options) {
		o.platform = p
	}
}

// WithInternalApps adds apps linked into the kernel image.
func WithInternalApps(apps ...kernel.InternalApp) Option {
	return func(o *options) {
		o.internal = append(o.internal, apps...)
	}
}

// WithInterruptLine is called when an interrupt line to the host changes
// level.
func WithInterruptLine(fn func(wakeup, asserted bool)) Option {
	return func(o *options) {
		o.interruptLine = fn
	}
}

func (o *options) logInfo(msg string, keysAndValues ...interface{}) {
	if o.logger != nil {
		o.logger.Info(msg, keysAndValues...)
	}
}
