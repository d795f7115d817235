package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request parsers used by the hub side. Lengths are range checked by the
// command table before these run; the checks here only keep them safe on
// their own.

// ParseAppVersionsRequest returns the APP_ID of a GET_APP_VERSIONS request.
func ParseAppVersionsRequest(data []byte) (uint64, error) {
	if len(data) != AppVersionsRequestSize {
		return 0, fmt.Errorf("invalid data length for app versions request: got %d bytes, expected %d", len(data), AppVersionsRequestSize)
	}
	return binary.LittleEndian.Uint64(data), nil
}

// ParseAppInfoRequest returns the APP_IDX of a QUERY_APP_INFO request.
func ParseAppInfoRequest(data []byte) (uint32, error) {
	if len(data) != AppInfoRequestSize {
		return 0, fmt.Errorf("invalid data length for app info request: got %d bytes, expected %d", len(data), AppInfoRequestSize)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ParseStartUploadRequest returns SIZE and CRC of a START_FIRMWARE_UPLOAD
// request.
func ParseStartUploadRequest(data []byte) (size, crc uint32, err error) {
	if len(data) != StartUploadRequestSize {
		return 0, 0, fmt.Errorf("invalid data length for start upload request: got %d bytes, expected %d", len(data), StartUploadRequestSize)
	}
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8]), nil
}

// ParseChunkRequest splits a FIRMWARE_CHUNK request (or CONT_UPLOAD HAL
// body) into offset and data. The data aliases the input.
func ParseChunkRequest(data []byte) (offset uint32, chunk []byte, err error) {
	if len(data) < ChunkOffsetSize {
		return 0, nil, fmt.Errorf("invalid data length for chunk request: got %d bytes, minimum is %d", len(data), ChunkOffsetSize)
	}
	return binary.LittleEndian.Uint32(data), data[ChunkOffsetSize:], nil
}

// ParseReadEventRequest returns the host boot time of a READ_EVENT request.
func ParseReadEventRequest(data []byte) (uint64, error) {
	if len(data) != ReadEventRequestSize {
		return 0, fmt.Errorf("invalid data length for read event request: got %d bytes, expected %d", len(data), ReadEventRequestSize)
	}
	return binary.LittleEndian.Uint64(data), nil
}

// ParseUint32 reads the little-endian u32 that starts most HAL bodies
// (app index, upload length, key offset).
func ParseUint32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("invalid data length: got %d bytes, minimum is 4", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ParseUint64 reads the little-endian u64 app id of the app management
// HAL bodies.
func ParseUint64(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("invalid data length: got %d bytes, minimum is 8", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}
