package protocol

import (
	"fmt"
	"io"
)

// ReadPacket reads one frame from a byte stream. Bytes before SyncByte
// (preamble, line noise) are skipped. The frame is returned unvalidated;
// pass it to ParsePacket.
func ReadPacket(r io.Reader) ([]byte, error) {
	frame := make([]byte, HeaderSize, MaxFrameSize)

	for {
		if _, err := io.ReadFull(r, frame[:1]); err != nil {
			return nil, err
		}
		if frame[0] == SyncByte {
			break
		}
	}

	if _, err := io.ReadFull(r, frame[1:HeaderSize]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rest := int(frame[9]) + FooterSize
	frame = frame[:HeaderSize+rest]
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return frame, nil
}
