package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooShort means fewer bytes than MinFrameSize were given
	ErrFrameTooShort = errors.New("frame too short")

	// ErrBadSync means the frame did not start with SyncByte
	ErrBadSync = errors.New("invalid sync byte")

	// ErrLengthMismatch means the frame size disagrees with its length byte
	ErrLengthMismatch = errors.New("frame length mismatch")

	// ErrChecksum means the CRC footer does not match the frame
	ErrChecksum = errors.New("checksum mismatch")
)

// ProtocolError represents a request the hub rejected with a NAK reason,
// or a reply whose reason does not match the request.
type ProtocolError struct {
	// Operation is the command that failed
	Operation string

	// Reason is the reason of the reply
	Reason Reason
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s (0x%08X)", e.Operation, getReasonName(e.Reason), uint32(e.Reason))
}

// Busy reports whether the hub rejected the request because it was busy.
func (e *ProtocolError) Busy() bool { return e.Reason == ReasonNakBusy }

// IsProtocolError returns true if the error is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// getReasonName returns a human-readable name for a reply reason.
func getReasonName(r Reason) string {
	switch r {
	case ReasonNak:
		return "rejected"
	case ReasonNakBusy:
		return "hub busy"
	default:
		return "unexpected reply " + r.String()
	}
}
