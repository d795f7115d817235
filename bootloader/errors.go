package bootloader

import (
	"errors"
	"fmt"
)

// Status is the result of checking a staged OS update.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusHdrCheckFailed
	StatusMarkerInvalid
	StatusUnknownPubkey
	StatusInvalidSignature
	StatusInvalidSignatureHash
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusHdrCheckFailed:
		return "header check failed"
	case StatusMarkerInvalid:
		return "marker invalid"
	case StatusUnknownPubkey:
		return "unknown public key"
	case StatusInvalidSignature:
		return "invalid signature"
	case StatusInvalidSignatureHash:
		return "invalid signature hash"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

var (
	// ErrNoKernel is returned by Boot when the kernel region is still blank
	// and no loader session can provide an image.
	ErrNoKernel = errors.New("bootloader: kernel region is blank")

	// ErrImageTooLarge is returned when an image does not fit its target region.
	ErrImageTooLarge = errors.New("bootloader: image does not fit")
)

// VerifyError reports a staged OS update that was not accepted.
type VerifyError struct {
	Status Status
	Addr   uint32
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("os update at 0x%08X: %s: %v", e.Addr, e.Status, e.Err)
	}
	return fmt.Sprintf("os update at 0x%08X: %s", e.Addr, e.Status)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// StatusOf returns the verification status carried by err. A nil error is
// StatusSuccess; errors that are not a VerifyError count as a failed header
// check.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Status
	}
	return StatusHdrCheckFailed
}

// NAKError indicates the loader refused a command or one of its frames.
type NAKError struct {
	Command byte
	Stage   string
}

func (e *NAKError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("loader NAK for command 0x%02X (%s)", e.Command, e.Stage)
	}
	return fmt.Sprintf("loader NAK for command 0x%02X", e.Command)
}

// FrameError indicates an unexpected byte on the loader link.
type FrameError struct {
	Expected byte
	Actual   byte
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("loader framing error: expected 0x%02X, got 0x%02X", e.Expected, e.Actual)
}

// MismatchError indicates staged data read back differently than written.
type MismatchError struct {
	Addr uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("staged data mismatch at 0x%08X", e.Addr)
}
