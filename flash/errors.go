package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned for zero-length program requests.
	ErrEmpty = errors.New("flash: empty write")

	// ErrOutOfRange is returned when a request leaves the flash table.
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrWrongArea is returned when a request touches a sector of another type.
	ErrWrongArea = errors.New("flash: request crosses a region of a different type")

	// ErrZeroToOne is returned when a write would need to set a cleared bit.
	ErrZeroToOne = errors.New("flash: write requires an erase first")

	// ErrVerify is returned when read-back after program or erase mismatches.
	ErrVerify = errors.New("flash: read-back verification failed")

	// ErrLocked is returned by a device asked to program while locked.
	ErrLocked = errors.New("flash: controller is locked")

	// ErrBadKey is returned by a device given the wrong unlock sequence.
	ErrBadKey = errors.New("flash: bad unlock key")
)

// RangeError describes a request rejected by the typed-area guard.
type RangeError struct {
	Addr   uint32
	Length uint32
	Err    error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("flash request 0x%08X+0x%X: %v", e.Addr, e.Length, e.Err)
}

func (e *RangeError) Unwrap() error { return e.Err }

// ZeroToOneError reports the first byte that would need a 0-to-1 transition.
type ZeroToOneError struct {
	Addr     uint32
	Existing byte
	New      byte
}

func (e *ZeroToOneError) Error() string {
	return fmt.Sprintf("flash byte 0x%08X: cannot program 0x%02X over 0x%02X without erase",
		e.Addr, e.New, e.Existing)
}

func (e *ZeroToOneError) Unwrap() error { return ErrZeroToOne }
