package bootloader

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/logging"
)

// Loader link bytes.
const (
	SyncIn  byte = 0x5A
	SyncOut byte = 0xA5
	ACK     byte = 0x79
	NAK     byte = 0x1F
)

// Loader commands.
const (
	CmdGet            byte = 0x00
	CmdReadMem        byte = 0x11
	CmdWriteMem       byte = 0x31
	CmdErase          byte = 0x44
	CmdGetSizes       byte = 0xEE
	CmdUpdateFinished byte = 0xEF
)

// LoaderVersion is reported by GET.
const LoaderVersion byte = 0x11

// StagingBase is the address the host uses for offset 0 of the shared region.
const StagingBase uint32 = 0x50000000

// EraseShared is the erase block code that selects the whole shared region.
const EraseShared uint16 = 0xFFF0

// MaxFrame is the largest data frame a READ_MEM or WRITE_MEM carries.
const MaxFrame = 256

var supportedCommands = []byte{CmdGet, CmdReadMem, CmdWriteMem, CmdErase, CmdGetSizes, CmdUpdateFinished}

// LoaderServer is the device side of the low-level loader link. It stages
// an OS image in the shared region on behalf of a host.
type LoaderServer struct {
	rw      io.ReadWriter
	engine  *Engine
	logger  logging.Logger
	request func() bool

	// per session
	seenErase    bool
	nextAddr     uint32
	expectedSize uint32
}

// LoaderOption configures a LoaderServer.
type LoaderOption func(*LoaderServer)

// WithLoaderLogger sets the logger of a LoaderServer.
func WithLoaderLogger(logger logging.Logger) LoaderOption {
	return func(s *LoaderServer) {
		s.logger = logger
	}
}

// WithEntryRequest sets the check that decides whether an unforced Run
// serves the link. Without one every Run serves it.
func WithEntryRequest(fn func() bool) LoaderOption {
	return func(s *LoaderServer) {
		s.request = fn
	}
}

// NewLoaderServer creates a loader serving rw on top of engine.
//
// Example:
//
//	port, _ := term.Open("/dev/ttyUSB0", term.Speed(115200), term.RawMode)
//	loader := bootloader.NewLoaderServer(port, engine)
//	report, err := engine.Boot(ctx, loader)
func NewLoaderServer(rw io.ReadWriter, engine *Engine, opts ...LoaderOption) *LoaderServer {
	if rw == nil {
		panic("device cannot be nil")
	}
	if engine == nil {
		panic("engine cannot be nil")
	}
	s := &LoaderServer{rw: rw, engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves loader commands until the transport reports an error. A
// closed transport ends the session with io.EOF. Unless force is set, the
// session is skipped when the entry request check says no host is waiting.
func (s *LoaderServer) Run(ctx context.Context, force bool) error {
	if !force && s.request != nil && !s.request() {
		return nil
	}
	s.seenErase = false
	s.nextAddr = 0
	s.expectedSize = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.serveOne(); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return err
		}
	}
}

func (s *LoaderServer) serveOne() error {
	for {
		b, err := s.readByte()
		if err != nil {
			return err
		}
		if b == SyncIn {
			break
		}
	}
	if err := s.writeBytes(SyncOut); err != nil {
		return err
	}

	var hdr [2]byte
	if _, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		return err
	}
	cmd := hdr[0]
	if cmd^hdr[1] != 0xFF {
		s.logDebug("loader command complement mismatch", "cmd", fmt.Sprintf("0x%02X", cmd))
		return s.ack(false)
	}

	switch cmd {
	case CmdGet:
		return s.handleGet()
	case CmdReadMem:
		return s.handleReadMem()
	case CmdWriteMem:
		return s.handleWriteMem()
	case CmdErase:
		return s.handleErase()
	case CmdGetSizes:
		return s.handleGetSizes()
	case CmdUpdateFinished:
		return s.handleUpdateFinished()
	default:
		s.logDebug("unknown loader command", "cmd", fmt.Sprintf("0x%02X", cmd))
		return s.ack(false)
	}
}

func (s *LoaderServer) handleGet() error {
	if err := s.ack(true); err != nil {
		return err
	}
	out := make([]byte, 0, 2+len(supportedCommands))
	out = append(out, byte(len(supportedCommands)), LoaderVersion)
	out = append(out, supportedCommands...)
	if err := s.writeBytes(out...); err != nil {
		return err
	}
	return s.ack(true)
}

func (s *LoaderServer) handleReadMem() error {
	if !s.seenErase {
		return s.ack(false)
	}
	if err := s.ack(true); err != nil {
		return err
	}
	off, ok, err := s.readAddress()
	if err != nil || !ok {
		return s.nakOr(err)
	}
	if err := s.ack(true); err != nil {
		return err
	}

	var lenFrame [2]byte
	if _, err := io.ReadFull(s.rw, lenFrame[:]); err != nil {
		return err
	}
	n := uint32(lenFrame[0]) + 1
	if lenFrame[0]^lenFrame[1] != 0xFF || uint64(off)+uint64(n) > uint64(s.sharedSize()) {
		return s.ack(false)
	}
	if err := s.ack(true); err != nil {
		return err
	}

	start, _ := s.engine.flash.Region(flash.TypeShared)
	data, err := s.engine.flash.ReadBytes(start+off, n)
	if err != nil {
		// The length was already acknowledged; the host sees a short read.
		s.logError("loader read failed", "offset", off, "error", err)
		return err
	}
	return s.writeBytes(data...)
}

func (s *LoaderServer) handleWriteMem() error {
	if !s.seenErase {
		return s.ack(false)
	}
	if err := s.ack(true); err != nil {
		return err
	}
	off, ok, err := s.readAddress()
	if err != nil || !ok || off != s.nextAddr {
		return s.nakOr(err)
	}
	if err := s.ack(true); err != nil {
		return err
	}

	nb, err := s.readByte()
	if err != nil {
		return err
	}
	n := int(nb) + 1
	frame := make([]byte, n+1)
	if _, err := io.ReadFull(s.rw, frame); err != nil {
		return err
	}
	data := frame[:n]
	sum := nb
	for _, b := range data {
		sum ^= b
	}
	if sum != frame[n] || uint64(off)+uint64(n) > uint64(s.sharedSize()) {
		return s.ack(false)
	}

	if off == 0 {
		if n < image.OSHeaderSize || !image.HasOSMagic(data) || image.Marker(data[image.OSMarkerOffset]) != image.MarkerInProgress {
			s.logDebug("loader first write is not an in-progress os header")
			return s.ack(false)
		}
		h, _ := image.ParseOSHeader(data)
		s.expectedSize = image.OSImageSize(h.Size)
	}
	if uint64(off)+uint64(n) > uint64(s.expectedSize) {
		return s.ack(false)
	}

	start, _ := s.engine.flash.Region(flash.TypeShared)
	if err := s.engine.flash.Program(start+off, data, flash.TypeShared); err != nil {
		s.logError("loader write failed", "offset", off, "error", err)
		return s.ack(false)
	}
	s.nextAddr += uint32(n)
	return s.ack(true)
}

func (s *LoaderServer) handleErase() error {
	if err := s.ack(true); err != nil {
		return err
	}
	var frame [3]byte
	if _, err := io.ReadFull(s.rw, frame[:]); err != nil {
		return err
	}
	if frame[0]^frame[1] != frame[2] || binary.BigEndian.Uint16(frame[:2]) != EraseShared {
		return s.ack(false)
	}
	if err := s.engine.flash.EraseType(flash.TypeShared); err != nil {
		s.logError("loader erase failed", "error", err)
		return s.ack(false)
	}
	s.seenErase = true
	s.nextAddr = 0
	s.expectedSize = 0
	s.logInfo("loader erased shared region")
	return s.ack(true)
}

func (s *LoaderServer) handleGetSizes() error {
	if err := s.ack(true); err != nil {
		return err
	}
	l := s.engine.flash.Layout()
	out := make([]byte, 1, 13)
	out[0] = 11
	for _, t := range []flash.Type{flash.TypeKernel, flash.TypeShared, flash.TypeEEData} {
		start, end, _ := l.Region(t)
		out = binary.BigEndian.AppendUint32(out, end-start)
	}
	if err := s.writeBytes(out...); err != nil {
		return err
	}
	return s.ack(true)
}

func (s *LoaderServer) handleUpdateFinished() error {
	if err := s.ack(true); err != nil {
		return err
	}
	err := s.engine.UpdateFinished()
	s.logInfo("loader update finished", "status", StatusOf(err).String())
	return s.ack(err == nil)
}

// readAddress reads a 4-byte big-endian address plus its XOR checksum and
// returns the shared region offset it names.
func (s *LoaderServer) readAddress() (uint32, bool, error) {
	var frame [5]byte
	if _, err := io.ReadFull(s.rw, frame[:]); err != nil {
		return 0, false, err
	}
	if frame[0]^frame[1]^frame[2]^frame[3] != frame[4] {
		return 0, false, nil
	}
	addr := binary.BigEndian.Uint32(frame[:4])
	if addr < StagingBase || addr-StagingBase > s.sharedSize() {
		return 0, false, nil
	}
	return addr - StagingBase, true, nil
}

func (s *LoaderServer) sharedSize() uint32 {
	start, end := s.engine.flash.Region(flash.TypeShared)
	return end - start
}

func (s *LoaderServer) nakOr(err error) error {
	if err != nil {
		return err
	}
	return s.ack(false)
}

func (s *LoaderServer) ack(ok bool) error {
	if ok {
		return s.writeBytes(ACK)
	}
	return s.writeBytes(NAK)
}

func (s *LoaderServer) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.rw, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *LoaderServer) writeBytes(b ...byte) error {
	_, err := s.rw.Write(b)
	return err
}

func (s *LoaderServer) logDebug(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}

func (s *LoaderServer) logInfo(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *LoaderServer) logError(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Error(msg, keysAndValues...)
	}
}
