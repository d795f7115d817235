package protocol

// Packet is one decoded request or reply.
type Packet struct {
	// Seq is the host-chosen sequence number, echoed in the reply
	Seq uint32

	// Reason is the command code
	Reason Reason

	// Data is the payload (at most MaxPayloadSize bytes)
	Data []byte
}

// OSHWVersions identifies the hub hardware and firmware.
// Returned by the GET_OS_HW_VERSIONS command.
type OSHWVersions struct {
	// HWType is the board type
	HWType uint16

	// HWVersion is the board revision
	HWVersion uint16

	// BLVersion is the bootloader version
	BLVersion uint16

	// OSVersion is the kernel version
	OSVersion uint16

	// VariantVersion identifies the board variant build
	VariantVersion uint32
}

// AppInfo describes one running app.
// Returned by the QUERY_APP_INFO command and the QUERY_APPS HAL message.
type AppInfo struct {
	// ID is the 64-bit app id
	ID uint64

	// Version is the app version from its header
	Version uint32

	// Size is the flash used by the app image
	Size uint32
}

// Event is one outbound event returned by READ_EVENT, or the event
// carried by WRITE_EVENT.
type Event struct {
	// Type is the event type
	Type uint32

	// Data is the event payload
	Data []byte
}

// RawPacket is app traffic between the host and one app, carried as the
// data of EventAppFromHost and EventAppToHost.
//
// Layout:
//
//	[APP_ID(8)][DATA_LEN(1)][DATA...]
type RawPacket struct {
	// AppID is the app the packet is for or from
	AppID uint64

	// Data is the app payload
	Data []byte
}

// HalMessage is a raw packet to or from the HAL app: the first data byte
// is the message id, the rest are its arguments or reply.
type HalMessage struct {
	// Msg is the message id
	Msg HalMsg

	// Body holds the arguments of a request or the reply fields
	Body []byte
}
