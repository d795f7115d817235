package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/moffa90/go-nanohub/sigverify"
)

// OS update header constants.
const (
	// OSHeaderSize is the encoded size of OSHeader.
	OSHeaderSize = 16

	// OSMagicSize is the size of the NUL padded magic field.
	OSMagicSize = 11

	// OSMarkerOffset is the offset of the marker byte inside the header.
	OSMarkerOffset = OSMagicSize

	// OSTrailerSize is the signature plus public key appended to the payload.
	OSTrailerSize = 2 * sigverify.RSABytes
)

// OSMagic identifies an OS update header.
const OSMagic = "Nanohub OS"

// Marker records how far verification of a staged OS update got. Each
// later state clears more bits so it can be written over the previous one
// without an erase.
type Marker byte

const (
	MarkerInProgress Marker = 0xFF
	MarkerDownloaded Marker = 0xFE
	MarkerVerified   Marker = 0xF0
	MarkerInvalid    Marker = 0x00
)

// String returns the marker name.
func (m Marker) String() string {
	switch m {
	case MarkerInProgress:
		return "in-progress"
	case MarkerDownloaded:
		return "downloaded"
	case MarkerVerified:
		return "verified"
	case MarkerInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("marker(0x%02X)", byte(m))
	}
}

// OSHeader precedes an OS image.
//
//	[MAGIC(11)][MARKER(1)][SIZE(4)]
type OSHeader struct {
	Marker Marker
	Size   uint32
}

// Bytes encodes the header.
func (h OSHeader) Bytes() []byte {
	b := make([]byte, OSHeaderSize)
	copy(b, OSMagic)
	b[OSMarkerOffset] = byte(h.Marker)
	binary.LittleEndian.PutUint32(b[12:], h.Size)
	return b
}

// HasOSMagic reports whether b starts with the OS update magic.
func HasOSMagic(b []byte) bool {
	if len(b) < OSMagicSize {
		return false
	}
	var magic [OSMagicSize]byte
	copy(magic[:], OSMagic)
	return bytes.Equal(b[:OSMagicSize], magic[:])
}

// ParseOSHeader decodes an OS update header.
func ParseOSHeader(b []byte) (*OSHeader, error) {
	if len(b) < OSHeaderSize {
		return nil, &HeaderError{Field: "os header", Detail: fmt.Sprintf("got %d bytes, need %d", len(b), OSHeaderSize)}
	}
	if !HasOSMagic(b) {
		return nil, &HeaderError{Field: "os magic", Detail: fmt.Sprintf("%q", b[:OSMagicSize])}
	}
	return &OSHeader{
		Marker: Marker(b[OSMarkerOffset]),
		Size:   binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// OSImageSize returns the full size of an OS image with a payload of size
// bytes: header, payload, signature and public key.
func OSImageSize(size uint32) uint32 {
	return OSHeaderSize + size + OSTrailerSize
}

// OSImage is a decoded OS update.
type OSImage struct {
	Header    OSHeader
	Payload   []byte
	Signature []byte
	PublicKey []byte
}

// ParseOSImage splits an OS update into its parts.
func ParseOSImage(b []byte) (*OSImage, error) {
	h, err := ParseOSHeader(b)
	if err != nil {
		return nil, err
	}
	need := uint64(OSImageSize(h.Size))
	if uint64(len(b)) < need {
		return nil, &HeaderError{Field: "os size", Detail: fmt.Sprintf("header says %d payload bytes, image is %d bytes", h.Size, len(b))}
	}
	payloadEnd := OSHeaderSize + int(h.Size)
	return &OSImage{
		Header:    *h,
		Payload:   b[OSHeaderSize:payloadEnd],
		Signature: b[payloadEnd : payloadEnd+sigverify.RSABytes],
		PublicKey: b[payloadEnd+sigverify.RSABytes : payloadEnd+OSTrailerSize],
	}, nil
}

// OSDigest returns the digest signed for an OS image: the header with the
// marker forced to in-progress, then the payload.
func OSDigest(h OSHeader, payload []byte) []byte {
	h.Marker = MarkerInProgress
	sum := sigverify.NewHash()
	sum.Write(h.Bytes())
	sum.Write(payload)
	return sum.Sum(nil)
}
