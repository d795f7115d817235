package protocol

import (
	"encoding/binary"
	"fmt"
)

// ParsePacket validates a frame and extracts its fields.
// Checks sync byte, length and CRC.
//
// Frame structure:
//
//	[SYNC][SEQ(4)][REASON(4)][LEN][DATA...][CRC(4)]
//
// The returned Data aliases frame.
func ParsePacket(frame []byte) (*Packet, error) {
	if len(frame) < MinFrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, minimum is %d", ErrFrameTooShort, len(frame), MinFrameSize)
	}

	if frame[0] != SyncByte {
		return nil, fmt.Errorf("%w: got 0x%02X, expected 0x%02X", ErrBadSync, frame[0], SyncByte)
	}

	dataLen := int(frame[9])
	expectedLen := MinFrameSize + dataLen
	if len(frame) != expectedLen {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d (MinFrameSize=%d + dataLen=%d)",
			ErrLengthMismatch, len(frame), expectedLen, MinFrameSize, dataLen)
	}

	crcExpected := binary.LittleEndian.Uint32(frame[HeaderSize+dataLen:])
	crcActual := calculatePacketChecksum(frame[:HeaderSize+dataLen])
	if crcExpected != crcActual {
		return nil, fmt.Errorf("%w: got 0x%08X, expected 0x%08X", ErrChecksum, crcActual, crcExpected)
	}

	return &Packet{
		Seq:    binary.LittleEndian.Uint32(frame[1:5]),
		Reason: Reason(binary.LittleEndian.Uint32(frame[5:9])),
		Data:   frame[HeaderSize : HeaderSize+dataLen],
	}, nil
}

// CheckReply verifies that a reply answers a request: same sequence number
// and reason. NAK replies become a *ProtocolError.
func CheckReply(operation string, req, reply *Packet) error {
	if reply.Seq != req.Seq {
		return fmt.Errorf("%s: reply sequence %d, expected %d", operation, reply.Seq, req.Seq)
	}
	if reply.Reason != req.Reason {
		return &ProtocolError{Operation: operation, Reason: reply.Reason}
	}
	return nil
}

// ParseOSHWVersionsResponse parses the GET_OS_HW_VERSIONS reply.
//
// Data format (12 bytes):
//
//	[HW_TYPE(2)][HW_VER(2)][BL_VER(2)][OS_VER(2)][VARIANT_VER(4)]
func ParseOSHWVersionsResponse(data []byte) (*OSHWVersions, error) {
	if len(data) != OSHWVersionsResponseSize {
		return nil, fmt.Errorf("invalid data length for OS/HW versions response: got %d bytes, expected %d", len(data), OSHWVersionsResponseSize)
	}

	return &OSHWVersions{
		HWType:         binary.LittleEndian.Uint16(data[0:2]),
		HWVersion:      binary.LittleEndian.Uint16(data[2:4]),
		BLVersion:      binary.LittleEndian.Uint16(data[4:6]),
		OSVersion:      binary.LittleEndian.Uint16(data[6:8]),
		VariantVersion: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// ParseAppVersionsResponse parses the GET_APP_VERSIONS reply. An empty
// reply means no running app has the id.
//
// Data format (4 bytes):
//
//	[APP_VER(4)]
func ParseAppVersionsResponse(data []byte) (version uint32, found bool, err error) {
	switch len(data) {
	case 0:
		return 0, false, nil
	case AppVersionsResponseSize:
		return binary.LittleEndian.Uint32(data), true, nil
	default:
		return 0, false, fmt.Errorf("invalid data length for app versions response: got %d bytes, expected %d", len(data), AppVersionsResponseSize)
	}
}

// ParseAppInfoResponse parses the QUERY_APP_INFO reply. An empty reply
// means the index is past the last running app.
//
// Data format (16 bytes):
//
//	[APP_ID(8)][APP_VER(4)][APP_SIZE(4)]
func ParseAppInfoResponse(data []byte) (*AppInfo, bool, error) {
	switch len(data) {
	case 0:
		return nil, false, nil
	case AppInfoResponseSize:
		return &AppInfo{
			ID:      binary.LittleEndian.Uint64(data[0:8]),
			Version: binary.LittleEndian.Uint32(data[8:12]),
			Size:    binary.LittleEndian.Uint32(data[12:16]),
		}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid data length for app info response: got %d bytes, expected %d", len(data), AppInfoResponseSize)
	}
}

// ParseByteResponse parses the one-byte replies: the accepted flag of
// START_FIRMWARE_UPLOAD, MASK/UNMASK_INTERRUPT and WRITE_EVENT, the chunk
// reply of FIRMWARE_CHUNK and the upload reply of FINISH_FIRMWARE_UPLOAD.
func ParseByteResponse(data []byte) (byte, error) {
	if len(data) != 1 {
		return 0, fmt.Errorf("invalid data length for response: got %d bytes, expected 1", len(data))
	}
	return data[0], nil
}

// ParseInterruptResponse parses the GET_INTERRUPT reply: the pending
// interrupt bitmap, bit i in byte i/8.
func ParseInterruptResponse(data []byte) ([]byte, error) {
	if len(data) != InterruptBitmapSize {
		return nil, fmt.Errorf("invalid data length for interrupt response: got %d bytes, expected %d", len(data), InterruptBitmapSize)
	}
	return data, nil
}

// ParseEvent parses READ_EVENT reply data or WRITE_EVENT request data.
// An empty READ_EVENT reply means nothing is pending and parses as
// (nil, nil).
//
// Data format:
//
//	[EVT_TYPE(4)][EVT_DATA...]
func ParseEvent(data []byte) (*Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < EventTypeSize {
		return nil, fmt.Errorf("invalid data length for event: got %d bytes, minimum is %d", len(data), EventTypeSize)
	}
	return &Event{
		Type: binary.LittleEndian.Uint32(data),
		Data: data[EventTypeSize:],
	}, nil
}

// ParseRawPacket parses the data of an app event. The data length byte
// must match the bytes present.
//
// Data format:
//
//	[APP_ID(8)][DATA_LEN(1)][DATA...]
func ParseRawPacket(data []byte) (*RawPacket, error) {
	if len(data) < RawPacketHeaderSize {
		return nil, fmt.Errorf("invalid data length for raw packet: got %d bytes, minimum is %d", len(data), RawPacketHeaderSize)
	}
	n := int(data[8])
	if len(data) != RawPacketHeaderSize+n {
		return nil, fmt.Errorf("raw packet length mismatch: got %d bytes, expected %d", len(data)-RawPacketHeaderSize, n)
	}
	return &RawPacket{
		AppID: binary.LittleEndian.Uint64(data[0:8]),
		Data:  data[RawPacketHeaderSize:],
	}, nil
}

// ParseHalMessage splits raw packet data of the HAL app into message id
// and body.
func ParseHalMessage(data []byte) (*HalMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty HAL message")
	}
	return &HalMessage{Msg: HalMsg(data[0]), Body: data[1:]}, nil
}
