package protocol

import (
	"encoding/binary"
	"fmt"
)

// BuildPacket constructs a packet frame.
//
// Frame structure:
//
//	[SYNC][SEQ(4)][REASON(4)][LEN][DATA...][CRC(4)]
//
// All fields are little-endian. The CRC covers SYNC through DATA.
func BuildPacket(seq uint32, reason Reason, data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("data length %d exceeds maximum %d bytes", len(data), MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize, MinFrameSize+len(data))
	frame[0] = SyncByte
	binary.LittleEndian.PutUint32(frame[1:5], seq)
	binary.LittleEndian.PutUint32(frame[5:9], uint32(reason))
	frame[9] = byte(len(data))
	frame = append(frame, data...)

	return binary.LittleEndian.AppendUint32(frame, calculatePacketChecksum(frame)), nil
}

// BuildGetOSHWVersionsCmd constructs a GET_OS_HW_VERSIONS request.
func BuildGetOSHWVersionsCmd(seq uint32) ([]byte, error) {
	return BuildPacket(seq, ReasonGetOSHWVersions, nil)
}

// BuildGetAppVersionsCmd constructs a GET_APP_VERSIONS request.
//
// Data format:
//
//	[APP_ID(8)]
func BuildGetAppVersionsCmd(seq uint32, appID uint64) ([]byte, error) {
	return BuildPacket(seq, ReasonGetAppVersions, binary.LittleEndian.AppendUint64(nil, appID))
}

// BuildQueryAppInfoCmd constructs a QUERY_APP_INFO request for the app at
// position idx among the running apps.
//
// Data format:
//
//	[APP_IDX(4)]
func BuildQueryAppInfoCmd(seq uint32, idx uint32) ([]byte, error) {
	return BuildPacket(seq, ReasonQueryAppInfo, binary.LittleEndian.AppendUint32(nil, idx))
}

// BuildStartUploadCmd constructs a START_FIRMWARE_UPLOAD request.
//
// Data format:
//
//	[SIZE(4)][CRC(4)]
//
// The CRC is ImageChecksum of the complete image.
func BuildStartUploadCmd(seq uint32, size, crc uint32) ([]byte, error) {
	data := make([]byte, StartUploadRequestSize)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], crc)
	return BuildPacket(seq, ReasonStartFirmwareUpload, data)
}

// BuildFirmwareChunkCmd constructs a FIRMWARE_CHUNK request.
//
// Data format:
//
//	[OFFSET(4)][DATA...]
//
// The data must be 1 to MaxChunkData bytes.
func BuildFirmwareChunkCmd(seq uint32, offset uint32, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}
	if len(chunk) > MaxChunkData {
		return nil, fmt.Errorf("data length %d exceeds maximum %d bytes", len(chunk), MaxChunkData)
	}

	data := make([]byte, 0, ChunkOffsetSize+len(chunk))
	data = binary.LittleEndian.AppendUint32(data, offset)
	data = append(data, chunk...)
	return BuildPacket(seq, ReasonFirmwareChunk, data)
}

// BuildFinishUploadCmd constructs a FINISH_FIRMWARE_UPLOAD request.
func BuildFinishUploadCmd(seq uint32) ([]byte, error) {
	return BuildPacket(seq, ReasonFinishFirmwareUpload, nil)
}

// BuildGetInterruptCmd constructs a GET_INTERRUPT request. A non-nil clear
// bitmap (InterruptBitmapSize bytes, bit i of byte i/8) clears those bits
// before the pending set is returned.
func BuildGetInterruptCmd(seq uint32, clear []byte) ([]byte, error) {
	if clear != nil && len(clear) != InterruptBitmapSize {
		return nil, fmt.Errorf("clear bitmap must be exactly %d bytes, got %d", InterruptBitmapSize, len(clear))
	}
	return BuildPacket(seq, ReasonGetInterrupt, clear)
}

// BuildMaskInterruptCmd constructs a MASK_INTERRUPT request.
//
// Data format:
//
//	[INTERRUPT(1)]
func BuildMaskInterruptCmd(seq uint32, bit uint8) ([]byte, error) {
	return BuildPacket(seq, ReasonMaskInterrupt, []byte{bit})
}

// BuildUnmaskInterruptCmd constructs an UNMASK_INTERRUPT request.
//
// Data format:
//
//	[INTERRUPT(1)]
func BuildUnmaskInterruptCmd(seq uint32, bit uint8) ([]byte, error) {
	return BuildPacket(seq, ReasonUnmaskInterrupt, []byte{bit})
}

// BuildReadEventCmd constructs a READ_EVENT request carrying the host's
// current boot time in nanoseconds, used by the hub for time sync.
//
// Data format:
//
//	[HOST_BOOT_TIME(8)]
func BuildReadEventCmd(seq uint32, hostBootTime uint64) ([]byte, error) {
	return BuildPacket(seq, ReasonReadEvent, binary.LittleEndian.AppendUint64(nil, hostBootTime))
}

// BuildWriteEventCmd constructs a WRITE_EVENT request.
//
// Data format:
//
//	[EVT_TYPE(4)][EVT_DATA...]
func BuildWriteEventCmd(seq uint32, evt Event) ([]byte, error) {
	data, err := evt.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return BuildPacket(seq, ReasonWriteEvent, data)
}

// BuildAppMessageCmd constructs a WRITE_EVENT request that delivers data
// privately to the app with the given id.
func BuildAppMessageCmd(seq uint32, appID uint64, data []byte) ([]byte, error) {
	raw, err := RawPacket{AppID: appID, Data: data}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return BuildWriteEventCmd(seq, Event{Type: EventAppFromHost, Data: raw})
}

// BuildHalCmd constructs a WRITE_EVENT request carrying a HAL message.
func BuildHalCmd(seq uint32, msg HalMsg, args []byte) ([]byte, error) {
	return BuildAppMessageCmd(seq, HalAppID, append([]byte{byte(msg)}, args...))
}

// MarshalBinary encodes the event as [EVT_TYPE(4)][EVT_DATA...].
func (e Event) MarshalBinary() ([]byte, error) {
	if EventTypeSize+len(e.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("event data length %d exceeds maximum %d bytes", len(e.Data), MaxPayloadSize-EventTypeSize)
	}
	out := make([]byte, 0, EventTypeSize+len(e.Data))
	out = binary.LittleEndian.AppendUint32(out, e.Type)
	return append(out, e.Data...), nil
}

// MarshalBinary encodes the raw packet.
func (p RawPacket) MarshalBinary() ([]byte, error) {
	if len(p.Data) > MaxRawPacketData {
		return nil, fmt.Errorf("raw packet data length %d exceeds maximum %d bytes", len(p.Data), MaxRawPacketData)
	}
	out := make([]byte, 0, RawPacketHeaderSize+len(p.Data))
	out = binary.LittleEndian.AppendUint64(out, p.AppID)
	out = append(out, byte(len(p.Data)))
	return append(out, p.Data...), nil
}

// MarshalBinary encodes a HAL reply as the raw packet the HAL app sends
// to the host.
func (m HalMessage) MarshalBinary() ([]byte, error) {
	return RawPacket{AppID: HalAppID, Data: append([]byte{byte(m.Msg)}, m.Body...)}.MarshalBinary()
}

// Bytes encodes the GET_OS_HW_VERSIONS reply.
func (v OSHWVersions) Bytes() []byte {
	out := make([]byte, OSHWVersionsResponseSize)
	binary.LittleEndian.PutUint16(out[0:2], v.HWType)
	binary.LittleEndian.PutUint16(out[2:4], v.HWVersion)
	binary.LittleEndian.PutUint16(out[4:6], v.BLVersion)
	binary.LittleEndian.PutUint16(out[6:8], v.OSVersion)
	binary.LittleEndian.PutUint32(out[8:12], v.VariantVersion)
	return out
}

// Bytes encodes the QUERY_APP_INFO reply.
func (a AppInfo) Bytes() []byte {
	out := make([]byte, AppInfoResponseSize)
	binary.LittleEndian.PutUint64(out[0:8], a.ID)
	binary.LittleEndian.PutUint32(out[8:12], a.Version)
	binary.LittleEndian.PutUint32(out[12:16], a.Size)
	return out
}
