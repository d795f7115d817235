// Package protocol implements the sensor hub host command packet protocol.
//
// This package provides functions to build request frames, parse reply
// frames, and encode or decode the payload of every command.
//
// # Protocol Overview
//
// Requests and replies share one packet structure:
//
//	[SYNC][SEQ(4)][REASON(4)][LEN][DATA...][CRC(4)]
//
// Where:
//   - SYNC = 0x31
//   - SEQ = host-chosen sequence number, echoed by the reply
//   - REASON = command code, echoed by the reply
//   - LEN = payload length, 0 to 255
//   - CRC = CRC-32 (IEEE) over SYNC through DATA
//
// All multi-byte fields are little-endian. The hub answers a malformed,
// unknown or badly sized request with ReasonNak, and any request while it
// is busy with flash work with ReasonNakBusy. A request repeating the
// sequence number of the previous one gets the previous reply again.
//
// # Command Builders
//
// Use the Build* functions to create request frames:
//
//	frame, err := protocol.BuildStartUploadCmd(seq, uint32(len(img)), protocol.ImageChecksum(img))
//	frame, err := protocol.BuildFirmwareChunkCmd(seq, offset, img[offset:end])
//	// ... etc
//
// # Reply Parsers
//
// Use ParsePacket to validate a frame and CheckReply to match it against
// the request:
//
//	reply, err := protocol.ParsePacket(frame)
//	if err != nil {
//	    return err
//	}
//	if err := protocol.CheckReply("start upload", req, reply); err != nil {
//	    return err // *ProtocolError for NAK replies
//	}
//
// Then use the Parse* functions for command-specific data:
//
//	versions, err := protocol.ParseOSHWVersionsResponse(reply.Data)
//	chunkReply, err := protocol.ParseByteResponse(reply.Data)
//
// # HAL Messages
//
// App management and the asynchronous upload path are HAL messages:
// WRITE_EVENT requests carrying a raw packet addressed to HalAppID. The
// hub answers them with EventAppToHost events read back with READ_EVENT.
//
//	args := binary.LittleEndian.AppendUint64(nil, appID)
//	frame, err := protocol.BuildHalCmd(seq, protocol.HalExtAppsOn, args)
package protocol
