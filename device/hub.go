package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/moffa90/go-nanohub/bootloader"
	"github.com/moffa90/go-nanohub/eedata"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/hostcmd"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/segment"
	"github.com/moffa90/go-nanohub/sigverify"
	"github.com/moffa90/go-nanohub/upload"
)

// ErrNotRunning is returned when the hub has not been powered on.
var ErrNotRunning = errors.New("device: hub is not powered on")

// Hub is one simulated sensor hub: a flash chip, the bootloader that
// guards it, and, once powered on, the kernel with its upload manager and
// host command server.
//
// PowerOn and Reboot must not run while Run is active.
type Hub struct {
	cfg    Config
	opts   options
	dev    flash.Device
	ctrl   *flash.Controller
	keys   *sigverify.KeyTable
	engine *bootloader.Engine

	rt     *runtime
	reboot atomic.Bool
}

// runtime is everything that lives between two boots.
type runtime struct {
	k    *kernel.Kernel
	segs *segment.Store
	ee   *eedata.Store
	up   *upload.Manager
	srv  *hostcmd.Server
}

// New builds a powered-off hub from cfg.
func New(cfg Config, opts ...Option) (*Hub, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}

	dev := o.device
	if dev == nil {
		dev = flash.NewMemDevice(layout.Size())
	}
	ctrl, err := flash.NewController(dev, layout, flash.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	keys := o.trusted
	if keys == nil {
		keys, err = LoadTrustedKeys(cfg.TrustedKeys)
		if err != nil {
			return nil, fmt.Errorf("load trusted keys: %w", err)
		}
	}
	if keys.Len() == 0 {
		o.logInfo("no trusted keys configured, every signed image will be rejected")
	}

	engine := bootloader.NewEngine(ctrl, keys,
		bootloader.WithEngineLogger(o.logger),
		bootloader.WithScanWindow(cfg.Bootloader.ScanWindow),
	)
	return &Hub{
		cfg:    cfg,
		opts:   o,
		dev:    dev,
		ctrl:   ctrl,
		keys:   keys,
		engine: engine,
	}, nil
}

// Config returns the configuration the hub was built with.
func (h *Hub) Config() Config { return h.cfg }

// Device returns the flash chip.
func (h *Hub) Device() flash.Device { return h.dev }

// Flash returns the flash controller.
func (h *Hub) Flash() *flash.Controller { return h.ctrl }

// Engine returns the bootloader engine.
func (h *Hub) Engine() *bootloader.Engine { return h.engine }

// TrustedKeys returns the signing roots.
func (h *Hub) TrustedKeys() *sigverify.KeyTable { return h.keys }

// Running reports whether the hub has been powered on.
func (h *Hub) Running() bool { return h.rt != nil }

// Kernel returns the running kernel, or nil before PowerOn.
func (h *Hub) Kernel() *kernel.Kernel {
	if h.rt == nil {
		return nil
	}
	return h.rt.k
}

// Uploads returns the running upload manager, or nil before PowerOn.
func (h *Hub) Uploads() *upload.Manager {
	if h.rt == nil {
		return nil
	}
	return h.rt.up
}

// Server returns the running host command server, or nil before PowerOn.
func (h *Hub) Server() *hostcmd.Server {
	if h.rt == nil {
		return nil
	}
	return h.rt.srv
}

// Segments returns the segment store of the running kernel, or nil before
// PowerOn.
func (h *Hub) Segments() *segment.Store {
	if h.rt == nil {
		return nil
	}
	return h.rt.segs
}

// RebootRequested reports whether the host asked for a reboot since the
// last boot.
func (h *Hub) RebootRequested() bool { return h.reboot.Load() }

// NewLoader returns a loader server for rw, ready to pass to PowerOn.
func (h *Hub) NewLoader(rw io.ReadWriter, opts ...bootloader.LoaderOption) *bootloader.LoaderServer {
	opts = append([]bootloader.LoaderOption{bootloader.WithLoaderLogger(h.opts.logger)}, opts...)
	return bootloader.NewLoaderServer(rw, h.engine, opts...)
}

// FlashKernel writes payload over the kernel region, the way a factory
// programmer would.
func (h *Hub) FlashKernel(payload []byte) error {
	start, end := h.ctrl.Region(flash.TypeKernel)
	if len(payload) == 0 || uint32(len(payload)) > end-start {
		return fmt.Errorf("kernel image of %d bytes does not fit %d-byte region", len(payload), end-start)
	}
	if err := h.ctrl.EraseType(flash.TypeKernel); err != nil {
		return fmt.Errorf("erase kernel: %w", err)
	}
	if err := h.ctrl.Program(start, payload, flash.TypeKernel); err != nil {
		return fmt.Errorf("program kernel: %w", err)
	}
	return nil
}

// PowerOn runs the bootloader with loader (nil for none), then starts the
// kernel: the host command app, the configured internal apps and every
// runnable app in the shared area. It returns bootloader.ErrNoKernel when
// there is nothing to boot.
func (h *Hub) PowerOn(ctx context.Context, loader bootloader.Loader) (bootloader.BootReport, error) {
	h.rt = nil
	h.reboot.Store(false)

	report, err := h.engine.Boot(ctx, loader)
	if err != nil {
		return report, err
	}
	h.opts.logInfo("bootloader done", "status", report.Status.String(), "applied", report.Applied, "rounds", report.Rounds)

	rt, err := h.assemble()
	if err != nil {
		return report, err
	}
	if err := rt.k.Start(); err != nil {
		return report, fmt.Errorf("start kernel: %w", err)
	}
	rt.k.RunUntilIdle()
	h.rt = rt
	return report, nil
}

// Reboot powers the hub off and on again with loader.
func (h *Hub) Reboot(ctx context.Context, loader bootloader.Loader) (bootloader.BootReport, error) {
	h.opts.logInfo("rebooting")
	return h.PowerOn(ctx, loader)
}

func (h *Hub) assemble() (*runtime, error) {
	l := h.opts.logger
	rt := &runtime{
		segs: segment.New(h.ctrl, segment.WithLogger(l)),
		ee:   eedata.New(h.ctrl, eedata.WithLogger(l)),
	}

	kopts := []kernel.Option{
		kernel.WithMaxTasks(h.cfg.Kernel.MaxTasks),
		kernel.WithQueueLength(h.cfg.Kernel.QueueLength),
		kernel.WithSegments(rt.segs),
		kernel.WithInternalApps(h.opts.internal...),
		kernel.WithLogger(l),
	}
	if h.opts.platform != nil {
		kopts = append(kopts, kernel.WithPlatform(h.opts.platform))
	}
	rt.k = kernel.New(kopts...)

	rt.up = upload.New(rt.k, rt.segs,
		upload.WithKeys(upload.NewKeys(rt.ee)),
		upload.WithTrustedKeys(h.keys),
		upload.WithRequireSigned(h.cfg.Upload.RequireSigned),
		upload.WithMaxChunk(h.cfg.Upload.MaxChunk),
		upload.WithFeedSize(h.cfg.Upload.FeedSize),
		upload.WithOSVerifier(func() error {
			_, err := h.engine.VerifyOSUpdate()
			return err
		}),
		upload.WithEraseDone(func() { rt.srv.Interrupts().Set(protocol.IntCmdWait) }),
		upload.WithBusy(func(busy bool) { rt.srv.SetBusy(busy) }),
		upload.WithLogger(l),
	)

	sopts := []hostcmd.Option{
		hostcmd.WithVersions(h.cfg.Host.Versions.OSHWVersions()),
		hostcmd.WithTrustedKeys(h.keys),
		hostcmd.WithOutboxLength(h.cfg.Host.OutboxLength),
		hostcmd.WithInterruptLine(h.opts.interruptLine),
		hostcmd.WithReboot(func() { h.reboot.Store(true) }),
		hostcmd.WithLogger(l),
	}
	if h.opts.clock != nil {
		sopts = append(sopts, hostcmd.WithClock(h.opts.clock))
	}
	rt.srv = hostcmd.New(rt.k, rt.up, sopts...)

	if _, err := rt.k.StartInternal(rt.srv.App()); err != nil {
		return nil, fmt.Errorf("start host command app: %w", err)
	}
	return rt, nil
}

// Run dispatches kernel events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.rt == nil {
		return ErrNotRunning
	}
	return h.rt.k.Run(ctx)
}

// Exchange answers one host request frame. Run must be active on another
// goroutine.
func (h *Hub) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if h.rt == nil {
		return nil, ErrNotRunning
	}
	return h.rt.srv.Exchange(ctx, frame)
}

// Serve answers host request frames read from rw until the stream ends.
// Run must be active on another goroutine.
func (h *Hub) Serve(ctx context.Context, rw io.ReadWriter) error {
	if h.rt == nil {
		return ErrNotRunning
	}
	return h.rt.srv.Serve(ctx, rw)
}
