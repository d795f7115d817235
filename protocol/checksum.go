package protocol

import "hash/crc32"

// calculatePacketChecksum computes the CRC-32 (IEEE) footer of a packet.
//
// The checksum covers every byte from SYNC through DATA.
func calculatePacketChecksum(frame []byte) uint32 {
	return crc32.ChecksumIEEE(frame)
}

// ImageChecksum computes the CRC-32 (IEEE) sent with START_FIRMWARE_UPLOAD.
// The hub recomputes it over the received chunks.
func ImageChecksum(image []byte) uint32 {
	return crc32.ChecksumIEEE(image)
}
