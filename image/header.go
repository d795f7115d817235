package image

import (
	"encoding/binary"
	"fmt"
)

// App header constants.
const (
	// AppHeaderSize is the encoded size of AppHeader.
	AppHeaderSize = 32

	// AppMagic is "NHAP" read as a little-endian word.
	AppMagic uint32 = 0x5041484E

	// FormatVersion is the only header version understood.
	FormatVersion = 1
)

// Flags is the app header flag word.
type Flags uint16

const (
	// FlagInternal marks an app linked into the kernel image.
	FlagInternal Flags = 1 << iota
	// FlagApplication marks a loadable application.
	FlagApplication
	// FlagSecure asks for the staged data to be wiped, not just invalidated.
	FlagSecure
	// FlagVolatile means the image must not persist after it is consumed.
	FlagVolatile
	// FlagSigned means a signature and public key follow the body.
	FlagSigned
	// FlagEncrypted means an encryption header precedes an AES-CBC body.
	FlagEncrypted
	// FlagKeyDelete turns a key payload into a removal request.
	FlagKeyDelete
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// PayloadType tags what the body of a container holds.
type PayloadType uint8

const (
	PayloadApp PayloadType = 1
	PayloadKey PayloadType = 2
	PayloadOS  PayloadType = 3
)

// String returns a short payload name.
func (p PayloadType) String() string {
	switch p {
	case PayloadApp:
		return "app"
	case PayloadKey:
		return "key"
	case PayloadOS:
		return "os"
	default:
		return fmt.Sprintf("payload(%d)", uint8(p))
	}
}

// AppID is a 64-bit application identifier: a 40-bit vendor above a
// 24-bit sequence number.
type AppID uint64

// Wildcards accepted by AppID.Matches.
const (
	VendorAny uint64 = 0xFFFFFFFFFF
	SeqAny    uint32 = 0xFFFFFF
)

// MakeAppID combines a vendor and sequence number.
func MakeAppID(vendor uint64, seq uint32) AppID {
	return AppID(vendor<<24 | uint64(seq&0xFFFFFF))
}

// Vendor returns the 40-bit vendor part.
func (id AppID) Vendor() uint64 { return uint64(id) >> 24 }

// Seq returns the 24-bit sequence part.
func (id AppID) Seq() uint32 { return uint32(id) & 0xFFFFFF }

// Matches reports whether id matches a vendor/sequence filter.
// VendorAny and SeqAny match everything.
func (id AppID) Matches(vendor uint64, seq uint32) bool {
	return (vendor == VendorAny || id.Vendor() == vendor) &&
		(seq == SeqAny || id.Seq() == seq)
}

// String formats the id as vendor:seq in hex.
func (id AppID) String() string {
	return fmt.Sprintf("%010X:%06X", id.Vendor(), id.Seq())
}

// AppHeader is the common header of every firmware container.
//
// Layout (little-endian):
//
//	[MAGIC(4)][VERSION(2)][FLAGS(2)][APP_ID(8)][APP_VERSION(4)]
//	[PAYLOAD_TYPE(1)][RFU(3)][PAYLOAD_SIZE(4)][RFU(4)]
type AppHeader struct {
	Magic       uint32
	Version     uint16
	Flags       Flags
	AppID       AppID
	AppVersion  uint32
	PayloadType PayloadType
	PayloadSize uint32
}

// NewAppHeader returns a header with magic and version filled in.
func NewAppHeader(id AppID, version uint32, payload PayloadType, flags Flags) AppHeader {
	return AppHeader{
		Magic:       AppMagic,
		Version:     FormatVersion,
		Flags:       flags,
		AppID:       id,
		AppVersion:  version,
		PayloadType: payload,
	}
}

// MarshalBinary encodes the header.
func (h AppHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, AppHeaderSize)
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Version)
	binary.LittleEndian.PutUint16(b[6:], uint16(h.Flags))
	binary.LittleEndian.PutUint64(b[8:], uint64(h.AppID))
	binary.LittleEndian.PutUint32(b[16:], h.AppVersion)
	b[20] = byte(h.PayloadType)
	binary.LittleEndian.PutUint32(b[24:], h.PayloadSize)
	return b, nil
}

// Bytes is MarshalBinary without the error.
func (h AppHeader) Bytes() []byte {
	b, _ := h.MarshalBinary()
	return b
}

// ParseAppHeader decodes and validates an app header.
func ParseAppHeader(b []byte) (*AppHeader, error) {
	if len(b) < AppHeaderSize {
		return nil, &HeaderError{Field: "length", Detail: fmt.Sprintf("got %d bytes, need %d", len(b), AppHeaderSize)}
	}
	h := &AppHeader{
		Magic:       binary.LittleEndian.Uint32(b[0:]),
		Version:     binary.LittleEndian.Uint16(b[4:]),
		Flags:       Flags(binary.LittleEndian.Uint16(b[6:])),
		AppID:       AppID(binary.LittleEndian.Uint64(b[8:])),
		AppVersion:  binary.LittleEndian.Uint32(b[16:]),
		PayloadType: PayloadType(b[20]),
		PayloadSize: binary.LittleEndian.Uint32(b[24:]),
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks magic and version.
func (h *AppHeader) Validate() error {
	if h.Magic != AppMagic {
		return &HeaderError{Field: "magic", Detail: fmt.Sprintf("0x%08X", h.Magic)}
	}
	if h.Version != FormatVersion {
		return &HeaderError{Field: "version", Detail: fmt.Sprintf("%d", h.Version)}
	}
	return nil
}

// HeaderError describes a malformed header field.
type HeaderError struct {
	Field  string
	Detail string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid image header %s: %s", e.Field, e.Detail)
}

// Encryption header and key info sizes.
const (
	EncrHeaderSize = 24
	KeyInfoSize    = 40
	AESKeySize     = 32
	AESBlockSize   = 16

	// KeyTypeAES256 is the only key type.
	KeyTypeAES256 = 1
)

// EncrHeader follows the app header of an encrypted container.
type EncrHeader struct {
	KeyID uint64
	IV    [AESBlockSize]byte
}

// Bytes encodes the encryption header.
func (h EncrHeader) Bytes() []byte {
	b := make([]byte, EncrHeaderSize)
	binary.LittleEndian.PutUint64(b, h.KeyID)
	copy(b[8:], h.IV[:])
	return b
}

// ParseEncrHeader decodes an encryption header.
func ParseEncrHeader(b []byte) (*EncrHeader, error) {
	if len(b) < EncrHeaderSize {
		return nil, &HeaderError{Field: "encryption header", Detail: fmt.Sprintf("got %d bytes", len(b))}
	}
	h := &EncrHeader{KeyID: binary.LittleEndian.Uint64(b)}
	copy(h.IV[:], b[8:24])
	return h, nil
}

// KeyInfo is the body of a key-management container.
//
//	[ID(4)][TYPE(1)][RFU(3)][KEY(32)]
type KeyInfo struct {
	ID   uint32
	Type uint8
	Key  [AESKeySize]byte
}

// Bytes encodes the key info.
func (k KeyInfo) Bytes() []byte {
	b := make([]byte, KeyInfoSize)
	binary.LittleEndian.PutUint32(b, k.ID)
	b[4] = k.Type
	copy(b[8:], k.Key[:])
	return b
}

// ParseKeyInfo decodes a key info body.
func ParseKeyInfo(b []byte) (*KeyInfo, error) {
	if len(b) < KeyInfoSize {
		return nil, &HeaderError{Field: "key info", Detail: fmt.Sprintf("got %d bytes, need %d", len(b), KeyInfoSize)}
	}
	k := &KeyInfo{ID: binary.LittleEndian.Uint32(b), Type: b[4]}
	copy(k.Key[:], b[8:40])
	return k, nil
}

// MakeKeyID scopes a key info id to the vendor that uploaded it.
func MakeKeyID(vendor uint64, id uint32) uint64 {
	return vendor<<24 | uint64(id&0xFFFFFF)
}
