package flash

import (
	"io"
	"sync"
)

// Unlock keys for the flash controller's program/erase sequence.
const (
	Key1 = 0x45670123
	Key2 = 0xCDEF89AB
)

// Device is the hardware contract behind the flash primitives. An
// implementation must accept byte programs and sector erases only while
// unlocked, report busy while an operation is in flight, and behave like
// NOR flash: programming can only clear bits, erasing sets a whole sector
// to 0xFF.
type Device interface {
	io.ReaderAt

	// Size returns the device size in bytes.
	Size() uint32

	// Unlock opens the controller for program/erase with the key sequence.
	Unlock(key1, key2 uint32) error

	// Lock closes the controller again.
	Lock()

	// ProgramByte starts programming v at addr.
	ProgramByte(addr uint32, v byte) error

	// EraseSector starts erasing [start, start+size).
	EraseSector(start, size uint32) error

	// Busy reports whether the last operation is still in progress.
	Busy() bool
}

// IRQ disables and restores interrupts around flash operations.
type IRQ interface {
	Disable() uint32
	Restore(state uint32)
}

type noIRQ struct{}

func (noIRQ) Disable() uint32 { return 0 }
func (noIRQ) Restore(uint32)  {}

// MemDevice is a RAM-backed NOR flash simulation. It enforces the unlock
// sequence and bit-clearing program semantics, can simulate a busy
// status register, and can be told to drop writes at chosen addresses to
// model a failing cell.
type MemDevice struct {
	mu       sync.Mutex
	mem      []byte
	unlocked bool
	busy     int
	latency  int
	stuck    map[uint32]bool

	programs int
	erases   int
}

// NewMemDevice returns an erased device of the given size.
func NewMemDevice(size uint32) *MemDevice {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &MemDevice{mem: mem, stuck: make(map[uint32]bool)}
}

// NewMemDeviceFrom returns a device holding a copy of contents.
func NewMemDeviceFrom(contents []byte) *MemDevice {
	mem := make([]byte, len(contents))
	copy(mem, contents)
	return &MemDevice{mem: mem, stuck: make(map[uint32]bool)}
}

// SetLatency makes every operation report busy for n polls.
func (m *MemDevice) SetLatency(n int) {
	m.mu.Lock()
	m.latency = n
	m.mu.Unlock()
}

// FailProgramAt makes byte programs at addr silently leave the cell as is.
func (m *MemDevice) FailProgramAt(addr uint32) {
	m.mu.Lock()
	m.stuck[addr] = true
	m.mu.Unlock()
}

// Size implements Device.
func (m *MemDevice) Size() uint32 { return uint32(len(m.mem)) }

// ReadAt implements io.ReaderAt.
func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Unlock implements Device.
func (m *MemDevice) Unlock(key1, key2 uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key1 != Key1 || key2 != Key2 {
		m.unlocked = false
		return ErrBadKey
	}
	m.unlocked = true
	return nil
}

// Lock implements Device.
func (m *MemDevice) Lock() {
	m.mu.Lock()
	m.unlocked = false
	m.mu.Unlock()
}

// ProgramByte implements Device.
func (m *MemDevice) ProgramByte(addr uint32, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked {
		return ErrLocked
	}
	if int(addr) >= len(m.mem) {
		return ErrOutOfRange
	}
	m.programs++
	m.busy = m.latency
	if !m.stuck[addr] {
		m.mem[addr] &= v
	}
	return nil
}

// EraseSector implements Device.
func (m *MemDevice) EraseSector(start, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked {
		return ErrLocked
	}
	if uint64(start)+uint64(size) > uint64(len(m.mem)) {
		return ErrOutOfRange
	}
	m.erases++
	m.busy = m.latency
	for i := start; i < start+size; i++ {
		m.mem[i] = 0xFF
	}
	return nil
}

// Busy implements Device. Each poll consumes one unit of latency.
func (m *MemDevice) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy > 0 {
		m.busy--
		return true
	}
	return false
}

// Bytes returns a copy of the whole device contents.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.mem))
	copy(out, m.mem)
	return out
}

// ProgramCount returns the number of byte programs issued so far.
func (m *MemDevice) ProgramCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programs
}

// EraseCount returns the number of sector erases issued so far.
func (m *MemDevice) EraseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}
