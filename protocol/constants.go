package protocol

import "fmt"

// Frame structure constants.
const (
	// SyncByte is the first byte of every packet (0x31)
	SyncByte = 0x31

	// HeaderSize is SYNC(1) + SEQ(4) + REASON(4) + LEN(1)
	HeaderSize = 10

	// FooterSize is the trailing CRC-32
	FooterSize = 4

	// MinFrameSize is the size of a packet without payload
	MinFrameSize = HeaderSize + FooterSize

	// MaxPayloadSize is the largest payload a one-byte length can carry
	MaxPayloadSize = 255

	// MaxFrameSize is the size of a packet with a full payload
	MaxFrameSize = MinFrameSize + MaxPayloadSize
)

// Reason is the command code of a packet. Replies echo the request reason.
type Reason uint32

// Reply-only reasons.
const (
	// ReasonNak rejects a malformed, unknown or out-of-range request
	ReasonNak Reason = 0x00000001

	// ReasonNakBusy rejects a request while the hub is busy with flash work
	ReasonNakBusy Reason = 0x00000002
)

// Command reasons.
const (
	ReasonGetOSHWVersions      Reason = 0x00001000
	ReasonGetAppVersions       Reason = 0x00001001
	ReasonQueryAppInfo         Reason = 0x00001002
	ReasonStartFirmwareUpload  Reason = 0x00001040
	ReasonFirmwareChunk        Reason = 0x00001041
	ReasonFinishFirmwareUpload Reason = 0x00001042
	ReasonGetInterrupt         Reason = 0x00001080
	ReasonMaskInterrupt        Reason = 0x00001081
	ReasonUnmaskInterrupt      Reason = 0x00001082
	ReasonReadEvent            Reason = 0x00001090
	ReasonWriteEvent           Reason = 0x00001091
)

// String returns a human-readable name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNak:
		return "nak"
	case ReasonNakBusy:
		return "nak busy"
	case ReasonGetOSHWVersions:
		return "get os/hw versions"
	case ReasonGetAppVersions:
		return "get app versions"
	case ReasonQueryAppInfo:
		return "query app info"
	case ReasonStartFirmwareUpload:
		return "start firmware upload"
	case ReasonFirmwareChunk:
		return "firmware chunk"
	case ReasonFinishFirmwareUpload:
		return "finish firmware upload"
	case ReasonGetInterrupt:
		return "get interrupt"
	case ReasonMaskInterrupt:
		return "mask interrupt"
	case ReasonUnmaskInterrupt:
		return "unmask interrupt"
	case ReasonReadEvent:
		return "read event"
	case ReasonWriteEvent:
		return "write event"
	default:
		return fmt.Sprintf("reason 0x%08X", uint32(r))
	}
}

// Interrupt bits.
const (
	// MaxInterrupts is the number of interrupt bits the hub keeps
	MaxInterrupts = 256

	// IntBootComplete is raised once the hub finished booting
	IntBootComplete = 0

	// IntWakeup means wakeup events are waiting to be read
	IntWakeup = 1

	// IntNonWakeup means non-wakeup events are waiting to be read
	IntNonWakeup = 2

	// IntCmdWait is raised when a command asked the host to wait (an
	// upload is erasing the shared area) and the hub is ready again
	IntCmdWait = 3
)

// Event types carried by READ_EVENT and WRITE_EVENT. They share numbering
// with the kernel event types.
const (
	// EventAppFromHost addresses a raw packet to one app
	EventAppFromHost uint32 = 0x103

	// EventAppToHost carries a raw packet from an app to the host
	EventAppToHost uint32 = 0x104
)

// HAL app identity. HAL messages are raw packets addressed to this app.
const (
	// VendorNanohub is the vendor of the built-in apps ("NANOH")
	VendorNanohub uint64 = 0x4E414E4F48

	// HalAppID is the app id of the host command server
	HalAppID uint64 = VendorNanohub << 24
)

// HalMsg identifies a HAL message.
type HalMsg uint8

// HAL messages.
const (
	HalExtAppsOn    HalMsg = 0
	HalExtAppsOff   HalMsg = 1
	HalExtAppDelete HalMsg = 2
	HalQueryMemInfo HalMsg = 3
	HalQueryApps    HalMsg = 4
	HalQueryRSAKeys HalMsg = 5
	HalStartUpload  HalMsg = 6
	HalContUpload   HalMsg = 7
	HalFinishUpload HalMsg = 8
	HalReboot       HalMsg = 9
)

// Payload sizes.
const (
	// OSHWVersionsResponseSize is HW_TYPE(2) HW_VER(2) BL_VER(2) OS_VER(2) VARIANT(4)
	OSHWVersionsResponseSize = 12

	// AppVersionsRequestSize is APP_ID(8)
	AppVersionsRequestSize = 8

	// AppVersionsResponseSize is APP_VER(4)
	AppVersionsResponseSize = 4

	// AppInfoRequestSize is APP_IDX(4)
	AppInfoRequestSize = 4

	// AppInfoResponseSize is APP_ID(8) APP_VER(4) APP_SIZE(4)
	AppInfoResponseSize = 16

	// StartUploadRequestSize is SIZE(4) CRC(4)
	StartUploadRequestSize = 8

	// ChunkOffsetSize is the OFFSET(4) in front of chunk data
	ChunkOffsetSize = 4

	// MaxChunkData is the most image bytes one chunk packet carries
	MaxChunkData = MaxPayloadSize - ChunkOffsetSize

	// InterruptBitmapSize is MaxInterrupts bits as bytes
	InterruptBitmapSize = MaxInterrupts / 8

	// ReadEventRequestSize is HOST_BOOT_TIME(8)
	ReadEventRequestSize = 8

	// EventTypeSize is the EVT_TYPE(4) in front of event data
	EventTypeSize = 4

	// RawPacketHeaderSize is APP_ID(8) DATA_LEN(1)
	RawPacketHeaderSize = 9

	// MaxRawPacketData is the raw packet data that fits one event packet
	MaxRawPacketData = MaxPayloadSize - EventTypeSize - RawPacketHeaderSize

	// RSAKeyChunkSize is the most public key bytes one QUERY_RSA_KEYS reply carries
	RSAKeyChunkSize = 64
)
