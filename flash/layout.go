package flash

import (
	"fmt"
	"strings"
)

// Type identifies what a flash sector is used for. Every program and erase
// request names the type it expects to touch and is rejected if any sector
// it overlaps has a different type.
type Type uint8

const (
	TypeBootloader Type = 1
	TypeEEData     Type = 2
	TypeKernel     Type = 3
	TypeShared     Type = 4
)

// String returns the lower-case region name used in configuration files.
func (t Type) String() string {
	switch t {
	case TypeBootloader:
		return "bootloader"
	case TypeEEData:
		return "eedata"
	case TypeKernel:
		return "kernel"
	case TypeShared:
		return "shared"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "bootloader", "bl":
		*t = TypeBootloader
	case "eedata", "ee":
		*t = TypeEEData
	case "kernel", "os":
		*t = TypeKernel
	case "shared", "staging":
		*t = TypeShared
	default:
		return fmt.Errorf("unknown flash region type %q", text)
	}
	return nil
}

// Sector is one entry of the flash table.
type Sector struct {
	Start uint32 `yaml:"start" cbor:"1,keyasint"`
	Size  uint32 `yaml:"size" cbor:"2,keyasint"`
	Type  Type   `yaml:"type" cbor:"3,keyasint"`
}

// End returns the first address past the sector.
func (s Sector) End() uint32 { return s.Start + s.Size }

// Layout is the static table mapping flash address ranges to region types.
// Sectors are sorted by address and contiguous starting at 0.
type Layout []Sector

// MaxSectors is the number of sectors an erase mask can address.
const MaxSectors = 32

// DefaultLayout returns the flash table of the reference hub: 16 KiB
// bootloader, two 16 KiB EE-data sectors, 80 KiB kernel and 384 KiB of
// shared staging space.
func DefaultLayout() Layout {
	return Layout{
		{Start: 0x00000, Size: 0x04000, Type: TypeBootloader},
		{Start: 0x04000, Size: 0x04000, Type: TypeEEData},
		{Start: 0x08000, Size: 0x04000, Type: TypeEEData},
		{Start: 0x0C000, Size: 0x04000, Type: TypeKernel},
		{Start: 0x10000, Size: 0x10000, Type: TypeKernel},
		{Start: 0x20000, Size: 0x20000, Type: TypeShared},
		{Start: 0x40000, Size: 0x20000, Type: TypeShared},
		{Start: 0x60000, Size: 0x20000, Type: TypeShared},
	}
}

// SmallLayout returns a compact table with 1 KiB sectors, convenient for
// tests and simulations.
func SmallLayout() Layout {
	return Layout{
		{Start: 0x0000, Size: 0x0400, Type: TypeBootloader},
		{Start: 0x0400, Size: 0x0400, Type: TypeEEData},
		{Start: 0x0800, Size: 0x0400, Type: TypeEEData},
		{Start: 0x0C00, Size: 0x0400, Type: TypeKernel},
		{Start: 0x1000, Size: 0x1000, Type: TypeKernel},
		{Start: 0x2000, Size: 0x2000, Type: TypeShared},
		{Start: 0x4000, Size: 0x2000, Type: TypeShared},
	}
}

// Validate checks that the table is non-empty, sorted, contiguous from 0,
// addressable by an erase mask, and that each region type forms one
// contiguous span.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("flash layout is empty")
	}
	if len(l) > MaxSectors {
		return fmt.Errorf("flash layout has %d sectors, maximum is %d", len(l), MaxSectors)
	}

	var next uint32
	seen := make(map[Type]int)
	for i, s := range l {
		if s.Size == 0 {
			return fmt.Errorf("sector %d has zero size", i)
		}
		if s.Start != next {
			return fmt.Errorf("sector %d starts at 0x%X, expected 0x%X", i, s.Start, next)
		}
		if uint64(s.Start)+uint64(s.Size) > 1<<32 {
			return fmt.Errorf("sector %d overflows the address space", i)
		}
		if last, ok := seen[s.Type]; ok && last != i-1 {
			return fmt.Errorf("sector %d: region %s is not contiguous", i, s.Type)
		}
		seen[s.Type] = i
		next = s.End()
	}
	return nil
}

// Size returns the total flash size covered by the table.
func (l Layout) Size() uint32 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1].End()
}

// Region returns the address span covered by sectors of type t.
func (l Layout) Region(t Type) (start, end uint32, ok bool) {
	for _, s := range l {
		if s.Type != t {
			continue
		}
		if !ok {
			start, ok = s.Start, true
		}
		end = s.End()
	}
	return start, end, ok
}

// Mask returns the erase mask selecting every sector of type t.
func (l Layout) Mask(t Type) uint32 {
	var mask uint32
	for i, s := range l {
		if s.Type == t {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// CheckRange is the typed-area guard: it rejects a request that leaves the
// table or overlaps any sector whose type is not t.
func (l Layout) CheckRange(addr, length uint32, t Type) error {
	end := uint64(addr) + uint64(length)
	if end > uint64(l.Size()) {
		return &RangeError{Addr: addr, Length: length, Err: ErrOutOfRange}
	}
	for _, s := range l {
		if uint64(s.Start) < end && addr < s.End() && s.Type != t {
			return &RangeError{Addr: addr, Length: length, Err: ErrWrongArea}
		}
	}
	return nil
}
