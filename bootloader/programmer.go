package bootloader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/image"
)

// Programmer stages OS images on a device through the low-level loader.
// It handles the complete programming sequence including verification and
// progress tracking.
//
// A Programmer drives one link and is not safe for concurrent use.
type Programmer struct {
	device io.ReadWriter
	config Config
}

// LoaderInfo is the reply to GET.
type LoaderInfo struct {
	Version  byte
	Commands []byte
}

// Supports reports whether the loader lists cmd.
func (i *LoaderInfo) Supports(cmd byte) bool {
	return bytes.IndexByte(i.Commands, cmd) >= 0
}

// Sizes is the reply to GET_SIZES.
type Sizes struct {
	Kernel uint32
	Shared uint32
	EEData uint32
}

// New creates a new Programmer with the given device and options.
// The device must implement io.ReadWriter for communication with the loader.
//
// Example:
//
//	port, _ := term.Open("/dev/ttyUSB0", term.Speed(115200), term.RawMode)
//	prog := bootloader.New(port,
//	    bootloader.WithProgressCallback(progressFunc),
//	    bootloader.WithChunkSize(128),
//	)
func New(device io.ReadWriter, opts ...Option) *Programmer {
	if device == nil {
		panic("device cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Programmer{
		device: device,
		config: cfg,
	}
}

// Program performs the complete staging sequence:
//  1. Query the loader version and region sizes
//  2. Check the image is a well-formed OS update that fits the shared region
//  3. Erase the shared region
//  4. Write the image sequentially from the staging base
//  5. Read it back if verification is enabled
//  6. Signal UPDATE_FINISHED so the device checks the signature
//
// The operation can be cancelled via context.
//
// Example:
//
//	img, _ := os.ReadFile("nanohub-os.img")
//	err := prog.Program(context.Background(), img)
func (p *Programmer) Program(ctx context.Context, img []byte) error {
	osImg, err := image.ParseOSImage(img)
	if err != nil {
		return fmt.Errorf("parse os image: %w", err)
	}
	if osImg.Header.Marker != image.MarkerInProgress {
		return fmt.Errorf("os image marker is %s, want %s", osImg.Header.Marker, image.MarkerInProgress)
	}
	img = img[:image.OSImageSize(osImg.Header.Size)]
	total := len(img)

	startTime := p.config.Clock.Now()
	elapsed := func() time.Duration { return clock.Since(p.config.Clock, startTime) }

	// Phase 1: Query the loader
	p.reportProgress(Progress{Phase: PhaseConnecting, TotalBytes: total})

	info, err := p.Get(ctx)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	p.logDebug("loader found", "version", fmt.Sprintf("0x%02X", info.Version), "commands", fmt.Sprintf("% X", info.Commands))
	for _, cmd := range []byte{CmdWriteMem, CmdErase, CmdUpdateFinished} {
		if !info.Supports(cmd) {
			return fmt.Errorf("loader does not support command 0x%02X", cmd)
		}
	}

	// Phase 2: Check the image fits
	if info.Supports(CmdGetSizes) {
		sizes, err := p.GetSizes(ctx)
		if err != nil {
			return fmt.Errorf("get sizes: %w", err)
		}
		p.logDebug("loader sizes", "kernel", sizes.Kernel, "shared", sizes.Shared, "eedata", sizes.EEData)
		if uint64(total) > uint64(sizes.Shared) {
			return fmt.Errorf("%d byte image, %d byte shared region: %w", total, sizes.Shared, ErrImageTooLarge)
		}
		if osImg.Header.Size > sizes.Kernel {
			return fmt.Errorf("%d byte payload, %d byte kernel region: %w", osImg.Header.Size, sizes.Kernel, ErrImageTooLarge)
		}
	}

	// Phase 3: Erase
	p.reportProgress(Progress{Phase: PhaseErasing, TotalBytes: total, Percentage: 2, ElapsedTime: elapsed()})
	if err := p.Erase(ctx); err != nil {
		return fmt.Errorf("erase: %w", err)
	}

	// Phase 4: Write frames (5% to 85%)
	written := 0
	for written < total {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		n := min(p.config.ChunkSize, total-written)
		addr := StagingBase + uint32(written)
		if err := p.writeFrame(ctx, addr, img[written:written+n]); err != nil {
			return fmt.Errorf("write 0x%08X: %w", addr, err)
		}
		written += n
		p.reportProgress(Progress{
			Phase:        PhaseWriting,
			BytesWritten: written,
			TotalBytes:   total,
			Percentage:   5 + float64(written)/float64(total)*80,
			ElapsedTime:  elapsed(),
		})
	}

	// Phase 5: Read back
	if p.config.VerifyAfterProgram && info.Supports(CmdReadMem) {
		p.reportProgress(Progress{Phase: PhaseVerifying, BytesWritten: written, TotalBytes: total, Percentage: 88, ElapsedTime: elapsed()})
		staged, err := p.ReadMem(ctx, StagingBase, total)
		if err != nil {
			return fmt.Errorf("read back: %w", err)
		}
		if i := firstDiff(staged, img); i >= 0 {
			return &MismatchError{Addr: StagingBase + uint32(i)}
		}
	}

	// Phase 6: Finish
	p.reportProgress(Progress{Phase: PhaseFinishing, BytesWritten: written, TotalBytes: total, Percentage: 95, ElapsedTime: elapsed()})
	if err := p.UpdateFinished(ctx); err != nil {
		return fmt.Errorf("update finished: %w", err)
	}

	p.reportProgress(Progress{Phase: PhaseComplete, BytesWritten: written, TotalBytes: total, Percentage: 100, ElapsedTime: elapsed()})
	p.logInfo("programming complete",
		"bytes", written,
		"elapsed", elapsed().String(),
	)
	return nil
}

// writeFrame writes one frame, resending it when the loader NAKs.
func (p *Programmer) writeFrame(ctx context.Context, addr uint32, data []byte) error {
	var err error
	for attempt := 0; attempt <= p.config.Retries; attempt++ {
		if attempt > 0 {
			p.logDebug("resending frame", "addr", fmt.Sprintf("0x%08X", addr), "attempt", attempt)
		}
		err = p.WriteMem(ctx, addr, data)
		var nak *NAKError
		if err == nil || !errors.As(err, &nak) {
			return err
		}
	}
	return err
}

// Get queries the loader version and supported commands.
func (p *Programmer) Get(ctx context.Context) (*LoaderInfo, error) {
	if err := p.command(ctx, CmdGet); err != nil {
		return nil, err
	}
	n, err := p.readByte()
	if err != nil {
		return nil, err
	}
	body := make([]byte, int(n)+1)
	if _, err := io.ReadFull(p.device, body); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if err := p.expectACK(CmdGet, "reply"); err != nil {
		return nil, err
	}
	return &LoaderInfo{Version: body[0], Commands: body[1:]}, nil
}

// GetSizes queries the kernel, shared and EE-data region sizes.
func (p *Programmer) GetSizes(ctx context.Context) (*Sizes, error) {
	if err := p.command(ctx, CmdGetSizes); err != nil {
		return nil, err
	}
	n, err := p.readByte()
	if err != nil {
		return nil, err
	}
	body := make([]byte, int(n)+1)
	if _, err := io.ReadFull(p.device, body); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if err := p.expectACK(CmdGetSizes, "reply"); err != nil {
		return nil, err
	}
	if len(body) < 12 {
		return nil, fmt.Errorf("sizes reply is %d bytes, want 12", len(body))
	}
	return &Sizes{
		Kernel: binary.BigEndian.Uint32(body[0:]),
		Shared: binary.BigEndian.Uint32(body[4:]),
		EEData: binary.BigEndian.Uint32(body[8:]),
	}, nil
}

// Erase erases the shared region. Reads and writes are refused until an
// erase succeeded in the session.
func (p *Programmer) Erase(ctx context.Context) error {
	if err := p.command(ctx, CmdErase); err != nil {
		return err
	}
	frame := binary.BigEndian.AppendUint16(nil, EraseShared)
	frame = append(frame, frame[0]^frame[1])
	if err := p.write(frame); err != nil {
		return err
	}
	return p.expectACK(CmdErase, "erase")
}

// ReadMem reads n bytes of staged data starting at addr.
func (p *Programmer) ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := min(MaxFrame, n-len(out))
		if err := p.command(ctx, CmdReadMem); err != nil {
			return nil, err
		}
		a := addr + uint32(len(out))
		if err := p.write(addressFrame(a)); err != nil {
			return nil, err
		}
		if err := p.expectACK(CmdReadMem, "address"); err != nil {
			return nil, err
		}
		l := byte(chunk - 1)
		if err := p.write([]byte{l, ^l}); err != nil {
			return nil, err
		}
		if err := p.expectACK(CmdReadMem, "length"); err != nil {
			return nil, err
		}
		buf := make([]byte, chunk)
		if _, err := io.ReadFull(p.device, buf); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// WriteMem writes up to 256 bytes at addr. Writes must continue exactly
// where the previous one ended, and the first must start with an OS header.
func (p *Programmer) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > MaxFrame {
		return fmt.Errorf("write frame of %d bytes, want 1..%d", len(data), MaxFrame)
	}
	if err := p.command(ctx, CmdWriteMem); err != nil {
		return err
	}
	if err := p.write(addressFrame(addr)); err != nil {
		return err
	}
	if err := p.expectACK(CmdWriteMem, "address"); err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+2)
	sum := byte(len(data) - 1)
	frame = append(frame, sum)
	for _, b := range data {
		sum ^= b
	}
	frame = append(frame, data...)
	frame = append(frame, sum)
	if err := p.write(frame); err != nil {
		return err
	}
	return p.expectACK(CmdWriteMem, "data")
}

// UpdateFinished marks the staged image downloaded. The device verifies
// it and ACKs only a verified image.
func (p *Programmer) UpdateFinished(ctx context.Context) error {
	if err := p.command(ctx, CmdUpdateFinished); err != nil {
		return err
	}
	return p.expectACK(CmdUpdateFinished, "verify")
}

// command syncs with the loader and sends cmd.
func (p *Programmer) command(ctx context.Context, cmd byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.write([]byte{SyncIn}); err != nil {
		return err
	}
	b, err := p.readByte()
	if err != nil {
		return err
	}
	if b != SyncOut {
		return &FrameError{Expected: SyncOut, Actual: b}
	}
	if err := p.write([]byte{cmd, ^cmd}); err != nil {
		return err
	}
	return p.expectACK(cmd, "")
}

func (p *Programmer) expectACK(cmd byte, stage string) error {
	b, err := p.readByte()
	if err != nil {
		return err
	}
	switch b {
	case ACK:
		return nil
	case NAK:
		p.logDebug("loader NAK", "cmd", fmt.Sprintf("0x%02X", cmd), "stage", stage)
		return &NAKError{Command: cmd, Stage: stage}
	default:
		return &FrameError{Expected: ACK, Actual: b}
	}
}

func (p *Programmer) write(b []byte) error {
	if _, err := p.device.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (p *Programmer) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(p.device, b[:]); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return b[0], nil
}

func addressFrame(addr uint32) []byte {
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 5), addr)
	return append(frame, frame[0]^frame[1]^frame[2]^frame[3])
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return len(a)
	}
	return -1
}

// reportProgress calls the progress callback if configured.
func (p *Programmer) reportProgress(progress Progress) {
	if p.config.ProgressCallback != nil {
		p.config.ProgressCallback(progress)
	}
}

// logDebug logs a debug message if a logger is configured.
func (p *Programmer) logDebug(msg string, keysAndValues ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is configured.
func (p *Programmer) logInfo(msg string, keysAndValues ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Info(msg, keysAndValues...)
	}
}
