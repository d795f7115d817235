package bootloader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/logging"
	"github.com/moffa90/go-nanohub/sigverify"
)

// DefaultScanWindow is how far into the shared region VerifyOSUpdate looks
// for an OS update header. It covers a segment header plus an app header
// in front of an OS image staged by the upload protocol.
const DefaultScanWindow = 256

// blankWord is the first kernel word of an erased kernel region.
const blankWord = 0xFFFFFFFF

// Engine verifies staged OS updates and copies them over the kernel.
type Engine struct {
	flash  *flash.Controller
	keys   *sigverify.KeyTable
	logger logging.Logger
	scan   uint32

	kernelStart, kernelEnd uint32
	sharedStart, sharedEnd uint32
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger of an Engine.
func WithEngineLogger(logger logging.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithScanWindow sets how many bytes of the shared region are searched for
// an OS update header. The window is scanned in 4-byte steps.
func WithScanWindow(n uint32) EngineOption {
	return func(e *Engine) {
		e.scan = n
	}
}

// NewEngine creates an Engine over c trusting the keys in keys.
//
// Example:
//
//	ctrl, _ := flash.NewController(dev, flash.DefaultLayout())
//	engine := bootloader.NewEngine(ctrl, keys)
//	report, err := engine.Boot(ctx, nil)
func NewEngine(c *flash.Controller, keys *sigverify.KeyTable, opts ...EngineOption) *Engine {
	if c == nil {
		panic("flash controller cannot be nil")
	}
	if keys == nil {
		keys = sigverify.NewKeyTable()
	}
	e := &Engine{
		flash: c,
		keys:  keys,
		scan:  DefaultScanWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.kernelStart, e.kernelEnd = c.Region(flash.TypeKernel)
	e.sharedStart, e.sharedEnd = c.Region(flash.TypeShared)
	return e
}

// Flash returns the controller the engine works on.
func (e *Engine) Flash() *flash.Controller { return e.flash }

// Update locates a staged OS image.
type Update struct {
	Addr   uint32
	Header image.OSHeader
}

// VerifyImage checks the OS update whose header starts at addr.
//
// Header level rejects (range, alignment, size, magic, a marker that is
// INVALID or still IN_PROGRESS) leave flash untouched. Once a header with a
// checkable marker is found, the marker is always rewritten: VERIFIED on
// success, INVALID on any signature failure.
func (e *Engine) VerifyImage(addr uint32) (image.OSHeader, error) {
	const overhead = image.OSHeaderSize + image.OSTrailerSize
	fail := func(s Status, err error) (image.OSHeader, error) {
		return image.OSHeader{}, &VerifyError{Status: s, Addr: addr, Err: err}
	}

	if addr < e.sharedStart || uint64(addr)+overhead > uint64(e.sharedEnd) || addr&3 != 0 {
		return fail(StatusHdrCheckFailed, nil)
	}
	raw, err := e.flash.ReadBytes(addr, image.OSHeaderSize)
	if err != nil {
		return fail(StatusHdrCheckFailed, err)
	}
	size := binary.LittleEndian.Uint32(raw[12:])
	if uint64(size) > uint64(e.sharedEnd-addr)-overhead {
		return fail(StatusHdrCheckFailed, nil)
	}
	if !image.HasOSMagic(raw) {
		return fail(StatusHdrCheckFailed, nil)
	}
	h := image.OSHeader{Marker: image.Marker(raw[image.OSMarkerOffset]), Size: size}
	if h.Marker == image.MarkerInvalid || h.Marker == image.MarkerInProgress {
		return fail(StatusMarkerInvalid, nil)
	}

	status, err := e.checkSignature(addr, h)
	marker := image.MarkerVerified
	if status != StatusSuccess {
		marker = image.MarkerInvalid
	}
	if werr := e.writeMarker(addr, marker); werr != nil {
		e.logError("writing os update marker failed", "addr", fmt.Sprintf("0x%08X", addr), "marker", marker.String(), "error", werr)
	}
	if status != StatusSuccess {
		e.logInfo("os update rejected", "addr", fmt.Sprintf("0x%08X", addr), "status", status.String())
		return fail(status, err)
	}
	h.Marker = image.MarkerVerified
	e.logInfo("os update verified", "addr", fmt.Sprintf("0x%08X", addr), "size", h.Size)
	return h, nil
}

func (e *Engine) checkSignature(addr uint32, h image.OSHeader) (Status, error) {
	payloadAddr := addr + image.OSHeaderSize
	trailer, err := e.flash.ReadBytes(payloadAddr+h.Size, image.OSTrailerSize)
	if err != nil {
		return StatusInvalidSignature, err
	}
	sig := trailer[:sigverify.RSABytes]
	pub := trailer[sigverify.RSABytes:]

	if !e.keys.Contains(pub) {
		return StatusUnknownPubkey, sigverify.ErrUnknownKey
	}
	decoded, err := sigverify.PubOp(sig, pub)
	if err != nil {
		return StatusInvalidSignature, err
	}
	expected, err := sigverify.CheckPadding(decoded)
	if err != nil {
		return StatusInvalidSignatureHash, err
	}

	var payload []byte
	if h.Size > 0 {
		if payload, err = e.flash.ReadBytes(payloadAddr, h.Size); err != nil {
			return StatusInvalidSignatureHash, err
		}
	}
	if !bytes.Equal(expected, image.OSDigest(h, payload)) {
		return StatusInvalidSignatureHash, sigverify.ErrHashMismatch
	}
	return StatusSuccess, nil
}

func (e *Engine) writeMarker(addr uint32, m image.Marker) error {
	return e.flash.Program(addr+image.OSMarkerOffset, []byte{byte(m)}, flash.TypeShared)
}

// VerifyOSUpdate scans the start of the shared region for an OS update
// header and verifies the first one found.
func (e *Engine) VerifyOSUpdate() (Update, error) {
	err := error(&VerifyError{Status: StatusHdrCheckFailed, Addr: e.sharedStart})
	for off := uint32(0); off < e.scan; off += 4 {
		addr := e.sharedStart + off
		var h image.OSHeader
		h, err = e.VerifyImage(addr)
		if err == nil {
			return Update{Addr: addr, Header: h}, nil
		}
		if StatusOf(err) != StatusHdrCheckFailed {
			break
		}
	}
	return Update{}, err
}

// MarkDownloaded moves the marker of the image at the start of the shared
// region from IN_PROGRESS to DOWNLOADED. Any other marker is left alone.
func (e *Engine) MarkDownloaded() error {
	raw, err := e.flash.ReadBytes(e.sharedStart, image.OSHeaderSize)
	if err != nil {
		return err
	}
	if image.Marker(raw[image.OSMarkerOffset]) != image.MarkerInProgress {
		return nil
	}
	return e.writeMarker(e.sharedStart, image.MarkerDownloaded)
}

// UpdateFinished marks a loader-staged image downloaded and verifies it.
func (e *Engine) UpdateFinished() error {
	if err := e.MarkDownloaded(); err != nil {
		e.logError("marking staged image downloaded failed", "error", err)
	}
	_, err := e.VerifyImage(e.sharedStart)
	return err
}

// Apply copies a verified update over the kernel: erase the kernel region,
// program the payload at its start, then erase the shared region.
// Size checks run before anything is erased.
func (e *Engine) Apply(u Update) error {
	size := u.Header.Size
	if size == 0 || size > e.kernelEnd-e.kernelStart {
		return fmt.Errorf("apply %d byte payload to %d byte kernel: %w", size, e.kernelEnd-e.kernelStart, ErrImageTooLarge)
	}
	payload, err := e.flash.ReadBytes(u.Addr+image.OSHeaderSize, size)
	if err != nil {
		return fmt.Errorf("read staged payload: %w", err)
	}
	if err := e.flash.EraseType(flash.TypeKernel); err != nil {
		return fmt.Errorf("erase kernel: %w", err)
	}
	if err := e.flash.Program(e.kernelStart, payload, flash.TypeKernel); err != nil {
		return fmt.Errorf("program kernel: %w", err)
	}
	if err := e.flash.EraseType(flash.TypeShared); err != nil {
		return fmt.Errorf("erase shared: %w", err)
	}
	e.logInfo("os update applied", "size", size)
	return nil
}

// KernelBlank reports whether the first kernel word is erased.
func (e *Engine) KernelBlank() (bool, error) {
	raw, err := e.flash.ReadBytes(e.kernelStart, 4)
	if err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(raw) == blankWord, nil
}

// Loader is a session that can stage an image before the boot check.
// Run returns io.EOF once its transport is gone.
type Loader interface {
	Run(ctx context.Context, force bool) error
}

// BootReport describes a finished boot sequence.
type BootReport struct {
	// Status is the result of the last update check
	Status Status

	// Applied is true if an update was copied over the kernel
	Applied bool

	// Rounds counts loader and check passes
	Rounds int
}

// Boot runs the bootloader entry sequence: give the loader a chance to
// stage an image, verify the staged update, apply it on success, and erase
// the shared region on any result other than "no header found". The
// sequence repeats with the loader forced while the kernel region is blank.
func (e *Engine) Boot(ctx context.Context, loader Loader) (BootReport, error) {
	var report BootReport
	force := false
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Rounds++

		closed := false
		if loader != nil {
			if err := loader.Run(ctx, force); err != nil {
				if !errors.Is(err, io.EOF) {
					return report, fmt.Errorf("loader: %w", err)
				}
				closed = true
			}
		}

		u, err := e.VerifyOSUpdate()
		report.Status = StatusOf(err)
		switch report.Status {
		case StatusSuccess:
			if err := e.Apply(u); err != nil {
				e.logError("applying os update failed", "error", err)
			} else {
				report.Applied = true
			}
		case StatusHdrCheckFailed:
		default:
			if err := e.flash.EraseType(flash.TypeShared); err != nil {
				e.logError("erasing rejected update failed", "error", err)
			}
		}

		blank, err := e.KernelBlank()
		if err != nil {
			return report, err
		}
		if !blank {
			return report, nil
		}
		if loader == nil || closed {
			return report, ErrNoKernel
		}
		e.logInfo("kernel region blank, forcing loader")
		force = true
	}
}

func (e *Engine) logInfo(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Info(msg, keysAndValues...)
	}
}

func (e *Engine) logError(msg string, keysAndValues ...interface{}) {
	if e.logger != nil {
		e.logger.Error(msg, keysAndValues...)
	}
}
