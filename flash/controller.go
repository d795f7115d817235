package flash

import (
	"bytes"
	"fmt"

	"github.com/moffa90/go-nanohub/logging"
)

// Controller is the Flash Primitive Layer. It owns a Device and the static
// flash table and exposes the only two mutating operations, Program and
// Erase, both behind the typed-area guard.
//
// Program and Erase run with interrupts disabled through the configured IRQ
// hook and busy-poll the device between steps. A Controller must not be used
// from more than one goroutine at a time.
type Controller struct {
	dev    Device
	layout Layout
	irq    IRQ
	logger logging.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithIRQ sets the interrupt disable/restore hook.
func WithIRQ(irq IRQ) Option {
	return func(c *Controller) {
		if irq != nil {
			c.irq = irq
		}
	}
}

// WithLogger sets a logger for flash operations.
func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController validates the layout against the device and returns a
// Controller. It panics if dev is nil.
func NewController(dev Device, layout Layout, opts ...Option) (*Controller, error) {
	if dev == nil {
		panic("flash device cannot be nil")
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.Size() > dev.Size() {
		return nil, fmt.Errorf("flash layout covers 0x%X bytes, device has 0x%X", layout.Size(), dev.Size())
	}

	c := &Controller{dev: dev, layout: layout, irq: noIRQ{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Layout returns the flash table.
func (c *Controller) Layout() Layout { return c.layout }

// Device returns the underlying device.
func (c *Controller) Device() Device { return c.dev }

// Region returns the address span of region type t.
func (c *Controller) Region(t Type) (start, end uint32) {
	start, end, _ = c.layout.Region(t)
	return start, end
}

// Read copies flash contents at addr into p.
func (c *Controller) Read(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(c.layout.Size()) {
		return &RangeError{Addr: addr, Length: uint32(len(p)), Err: ErrOutOfRange}
	}
	if _, err := c.dev.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("flash read 0x%08X: %w", addr, err)
	}
	return nil
}

// ReadBytes returns a fresh copy of n bytes at addr.
func (c *Controller) ReadBytes(addr, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Program writes src at dst inside a region of type t.
//
// Before any hardware access it checks the typed-area guard and that every
// byte only clears bits ((existing & new) == new). If any byte would need a
// 0-to-1 transition the call fails and flash is left untouched. Only bytes
// that differ are programmed; the result is read back and compared.
func (c *Controller) Program(dst uint32, src []byte, t Type) error {
	if len(src) == 0 {
		return ErrEmpty
	}
	if uint64(len(src)) > uint64(^uint32(0)) {
		return &RangeError{Addr: dst, Length: ^uint32(0), Err: ErrOutOfRange}
	}
	length := uint32(len(src))
	if err := c.layout.CheckRange(dst, length, t); err != nil {
		return err
	}

	existing := make([]byte, length)
	if err := c.Read(dst, existing); err != nil {
		return err
	}
	for i := range src {
		if existing[i]&src[i] != src[i] {
			return &ZeroToOneError{Addr: dst + uint32(i), Existing: existing[i], New: src[i]}
		}
	}

	if err := c.critical(func() error {
		for i := range src {
			if existing[i] == src[i] {
				continue
			}
			if err := c.dev.ProgramByte(dst+uint32(i), src[i]); err != nil {
				return err
			}
			c.waitIdle()
		}
		return nil
	}); err != nil {
		c.logError("flash program failed", "addr", fmt.Sprintf("0x%08X", dst), "len", length, "error", err)
		return fmt.Errorf("flash program 0x%08X: %w", dst, err)
	}

	readback := make([]byte, length)
	if err := c.Read(dst, readback); err != nil {
		return err
	}
	if !bytes.Equal(readback, src) {
		c.logError("flash program verify failed", "addr", fmt.Sprintf("0x%08X", dst), "len", length)
		return &RangeError{Addr: dst, Length: length, Err: ErrVerify}
	}
	return nil
}

// Erase erases every sector selected by mask. Each selected sector must be
// of type t. Erased sectors are read back and must be all 0xFF.
func (c *Controller) Erase(mask uint32, t Type) error {
	if mask == 0 {
		return nil
	}
	for i := 0; i < MaxSectors; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if i >= len(c.layout) {
			return fmt.Errorf("erase mask 0x%08X selects sector %d: %w", mask, i, ErrOutOfRange)
		}
		if c.layout[i].Type != t {
			return fmt.Errorf("erase sector %d (%s) as %s: %w", i, c.layout[i].Type, t, ErrWrongArea)
		}
	}

	if err := c.critical(func() error {
		for i, s := range c.layout {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			if err := c.dev.EraseSector(s.Start, s.Size); err != nil {
				return err
			}
			c.waitIdle()
		}
		return nil
	}); err != nil {
		return fmt.Errorf("flash erase: %w", err)
	}

	for i, s := range c.layout {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		buf, err := c.ReadBytes(s.Start, s.Size)
		if err != nil {
			return err
		}
		for _, b := range buf {
			if b != 0xFF {
				return &RangeError{Addr: s.Start, Length: s.Size, Err: ErrVerify}
			}
		}
	}

	c.logDebug("flash erased", "mask", fmt.Sprintf("0x%08X", mask), "type", t.String())
	return nil
}

// EraseType erases every sector of type t.
func (c *Controller) EraseType(t Type) error {
	return c.Erase(c.layout.Mask(t), t)
}

// critical runs fn with interrupts disabled and the controller unlocked.
func (c *Controller) critical(fn func() error) error {
	state := c.irq.Disable()
	defer c.irq.Restore(state)

	c.waitIdle()
	if err := c.dev.Unlock(Key1, Key2); err != nil {
		return err
	}
	defer c.dev.Lock()

	return fn()
}

func (c *Controller) waitIdle() {
	for c.dev.Busy() {
	}
}

func (c *Controller) logDebug(msg string, keysAndValues ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Controller) logError(msg string, keysAndValues ...interface{}) {
	if c.logger != nil {
		c.logger.Error(msg, keysAndValues...)
	}
}
