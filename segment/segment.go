package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/logging"
)

// Segment layout constants.
const (
	// HeaderSize is the state byte plus the 24-bit size.
	HeaderSize = 4

	// FooterSize is the CRC-32 appended after the padded data.
	FooterSize = 4

	// SizeUnset is the size field of a segment that was never closed.
	SizeUnset = 0xFFFFFF

	// MaxSize is the largest data size a segment can record.
	MaxSize = SizeUnset - 1
)

var (
	// ErrNoSpace means no EMPTY segment with enough room is left.
	ErrNoSpace = errors.New("segment: no free space in shared area")

	// ErrTooLarge means a size does not fit the size field or the area.
	ErrTooLarge = errors.New("segment: size too large")

	// ErrNotFound means an address does not name a segment.
	ErrNotFound = errors.New("segment: not found")

	// ErrBadState means the segment is not in a state allowing the operation.
	ErrBadState = errors.New("segment: bad state")
)

// State is the segment state byte. Every transition only clears bits.
type State uint8

const (
	StateEmpty    State = 0xFF
	StateReserved State = 0xFC
	StateValid    State = 0xF0
	StateErased   State = 0x00
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReserved:
		return "reserved"
	case StateValid:
		return "valid"
	case StateErased:
		return "erased"
	default:
		return fmt.Sprintf("state(0x%02X)", uint8(s))
	}
}

// Segment is one record of the shared area as last read from flash.
type Segment struct {
	// Addr is the flash address of the segment header.
	Addr  uint32
	State State
	// Size is the raw size field; SizeUnset if never closed.
	Size uint32
}

// DataAddr returns the flash address of the first data byte.
func (s Segment) DataAddr() uint32 { return s.Addr + HeaderSize }

// Closed reports whether the size field has been written.
func (s Segment) Closed() bool { return s.Size != SizeUnset }

// Store is the Segment Store over the shared region of a flash controller.
// Segments are packed from the start of the region; iteration stops at the
// first segment whose size is unset or that would run past the region.
type Store struct {
	flash  *flash.Controller
	start  uint32
	end    uint32
	crc    bool
	logger logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithoutFooter disables the CRC footer.
func WithoutFooter() Option {
	return func(s *Store) {
		s.crc = false
	}
}

// WithLogger sets a logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store over the shared region of c.
func New(c *flash.Controller, opts ...Option) *Store {
	if c == nil {
		panic("flash controller cannot be nil")
	}
	start, end := c.Region(flash.TypeShared)
	s := &Store{flash: c, start: start, end: end, crc: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Region returns the address span of the shared area.
func (s *Store) Region() (start, end uint32) { return s.start, s.end }

// Flash returns the underlying controller.
func (s *Store) Flash() *flash.Controller { return s.flash }

// AlignedSize returns the bytes a segment with dataSize data bytes occupies
// after its header: data padded to 4 plus the footer if enabled.
func (s *Store) AlignedSize(dataSize uint32) uint32 {
	n := (dataSize + 3) &^ 3
	if s.crc {
		n += FooterSize
	}
	return n
}

// Fits reports whether a segment at seg's address can hold dataSize bytes
// before the region end.
func (s *Store) Fits(seg Segment, dataSize uint32) bool {
	return dataSize <= MaxSize && uint64(seg.DataAddr())+uint64(s.AlignedSize(dataSize)) <= uint64(s.end)
}

// next returns the address following seg, or the region end if seg is open.
func (s *Store) next(seg Segment) uint64 {
	if !seg.Closed() {
		return uint64(s.end)
	}
	return uint64(seg.Addr) + HeaderSize + uint64(s.AlignedSize(seg.Size))
}

// Read decodes the segment header at addr.
func (s *Store) Read(addr uint32) (Segment, error) {
	var hdr [HeaderSize]byte
	if err := s.flash.Read(addr, hdr[:]); err != nil {
		return Segment{}, err
	}
	return Segment{
		Addr:  addr,
		State: State(hdr[0]),
		Size:  uint32(hdr[1]) | uint32(hdr[2])<<8 | uint32(hdr[3])<<16,
	}, nil
}

// Walk calls fn for every segment in flash order until fn returns false.
// The last segment visited may be open (EMPTY or RESERVED).
func (s *Store) Walk(fn func(Segment) bool) error {
	addr := uint64(s.start)
	for addr+HeaderSize <= uint64(s.end) {
		seg, err := s.Read(uint32(addr))
		if err != nil {
			return err
		}
		if !fn(seg) {
			return nil
		}
		addr = s.next(seg)
	}
	return nil
}

// Segments returns every segment in flash order.
func (s *Store) Segments() ([]Segment, error) {
	var out []Segment
	err := s.Walk(func(seg Segment) bool {
		out = append(out, seg)
		return true
	})
	return out, err
}

// Create reserves the first EMPTY segment for up to size data bytes.
func (s *Store) Create(size uint32) (Segment, error) {
	if size > MaxSize {
		return Segment{}, ErrTooLarge
	}
	var found *Segment
	if err := s.Walk(func(seg Segment) bool {
		if seg.State == StateEmpty {
			found = &seg
			return false
		}
		return true
	}); err != nil {
		return Segment{}, err
	}
	if found == nil {
		return Segment{}, ErrNoSpace
	}
	if !s.Fits(*found, size) {
		return Segment{}, ErrNoSpace
	}
	if err := s.SetState(*found, StateReserved); err != nil {
		return Segment{}, err
	}
	found.State = StateReserved
	s.logDebug("segment reserved", "addr", found.Addr, "size", size)
	return *found, nil
}

// Write programs p at offset off of the segment data.
func (s *Store) Write(seg Segment, off uint32, p []byte) error {
	if uint64(seg.DataAddr())+uint64(off)+uint64(len(p)) > uint64(s.end) {
		return ErrTooLarge
	}
	return s.flash.Program(seg.DataAddr()+off, p, flash.TypeShared)
}

// Close records the final size and state of a reserved segment and writes
// the padding and footer.
func (s *Store) Close(seg Segment, dataSize uint32, state State) error {
	if dataSize > MaxSize {
		return ErrTooLarge
	}
	if uint64(seg.DataAddr())+uint64(s.AlignedSize(dataSize)) > uint64(s.end) {
		return ErrTooLarge
	}

	hdr := []byte{byte(state), byte(dataSize), byte(dataSize >> 8), byte(dataSize >> 16)}
	if err := s.flash.Program(seg.Addr, hdr, flash.TypeShared); err != nil {
		return fmt.Errorf("close segment 0x%08X: %w", seg.Addr, err)
	}

	full := HeaderSize + dataSize
	footer := make([]byte, (-full)&3, 8)
	if s.crc {
		sum, err := s.checksum(seg.Addr, full)
		if err != nil {
			return err
		}
		footer = binary.LittleEndian.AppendUint32(footer, sum)
	}
	if len(footer) > 0 {
		if err := s.flash.Program(seg.Addr+full, footer, flash.TypeShared); err != nil {
			return fmt.Errorf("close segment 0x%08X footer: %w", seg.Addr, err)
		}
	}
	s.logDebug("segment closed", "addr", seg.Addr, "size", dataSize, "state", state.String())
	return nil
}

// SetState programs the state byte.
func (s *Store) SetState(seg Segment, state State) error {
	return s.flash.Program(seg.Addr, []byte{byte(state)}, flash.TypeShared)
}

// Erase marks the segment ERASED.
func (s *Store) Erase(seg Segment) error {
	return s.SetState(seg, StateErased)
}

// Wipe zeroes the data, padding and footer of a closed segment. Every chunk
// is attempted even if an earlier one fails.
func (s *Store) Wipe(seg Segment) error {
	if !seg.Closed() || seg.State == StateEmpty {
		return fmt.Errorf("wipe segment 0x%08X (%s): %w", seg.Addr, seg.State, ErrBadState)
	}
	var zero [256]byte
	var errs []error
	addr := seg.DataAddr()
	for n := s.AlignedSize(seg.Size); n > 0; {
		step := min(n, uint32(len(zero)))
		if err := s.flash.Program(addr, zero[:step], flash.TypeShared); err != nil {
			errs = append(errs, err)
		}
		addr += step
		n -= step
	}
	return errors.Join(errs...)
}

// Data reads the data bytes of a closed segment.
func (s *Store) Data(seg Segment) ([]byte, error) {
	if !seg.Closed() {
		return nil, fmt.Errorf("read segment 0x%08X: %w", seg.Addr, ErrBadState)
	}
	return s.flash.ReadBytes(seg.DataAddr(), seg.Size)
}

// Lookup returns the segment whose data starts at dataAddr.
func (s *Store) Lookup(dataAddr uint32) (Segment, error) {
	var found *Segment
	if err := s.Walk(func(seg Segment) bool {
		if seg.DataAddr() == dataAddr {
			found = &seg
			return false
		}
		return true
	}); err != nil {
		return Segment{}, err
	}
	if found == nil {
		return Segment{}, ErrNotFound
	}
	return *found, nil
}

// CheckFooter reports whether the stored CRC matches the segment contents.
// It always succeeds when footers are disabled.
func (s *Store) CheckFooter(seg Segment) (bool, error) {
	if !s.crc {
		return true, nil
	}
	if !seg.Closed() {
		return false, nil
	}
	full := HeaderSize + seg.Size
	want, err := s.checksum(seg.Addr, full)
	if err != nil {
		return false, err
	}
	var stored [FooterSize]byte
	if err := s.flash.Read(seg.Addr+((full+3)&^3), stored[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(stored[:]) == want, nil
}

// EraseAll erases the whole shared region.
func (s *Store) EraseAll() error {
	s.logInfo("erasing shared area", "start", s.start, "end", s.end)
	return s.flash.EraseType(flash.TypeShared)
}

func (s *Store) checksum(addr, n uint32) (uint32, error) {
	b, err := s.flash.ReadBytes(addr, n)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(b), nil
}

func (s *Store) logDebug(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}

func (s *Store) logInfo(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}
