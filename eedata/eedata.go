// Package eedata implements the EE-data region: a log of small named records
// in flash where the newest non-erased version of a name wins.
//
// Each record is a little-endian header word followed by its data padded to
// four bytes:
//
//	bits  0..19  name (0 = erased)
//	bits 20..31  data size in bytes
//
// A header of 0xFFFFFFFF marks the start of free space. Erasing a record
// clears its name bits in place. When the region is full the live records
// are rewritten from the start of a freshly erased region.
package eedata

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/logging"
)

// Record limits.
const (
	HeaderSize = 4

	// MaxName is the largest usable record name.
	MaxName = 0xFFFFE

	// MaxData is the largest record payload.
	MaxData = 0xFFF

	nameMask  = 0xFFFFF
	sizeShift = 20
	freeWord  = 0xFFFFFFFF
)

// Well-known record names.
const (
	// NameEncryptionKey holds one AES key per record: key id u64, key[32].
	NameEncryptionKey uint32 = 1
)

var (
	// ErrFull means the region cannot hold the record even after compaction.
	ErrFull = errors.New("eedata: region full")

	// ErrBadName means the name is 0 or above MaxName.
	ErrBadName = errors.New("eedata: invalid record name")

	// ErrTooLarge means the data exceeds MaxData.
	ErrTooLarge = errors.New("eedata: record too large")
)

// Record is one stored version.
type Record struct {
	// Addr is the flash address of the header word.
	Addr uint32
	Name uint32
	Data []byte
}

func (r Record) size() uint32 { return HeaderSize + align4(uint32(len(r.Data))) }

// Store manages the EE-data region of a flash controller.
type Store struct {
	flash  *flash.Controller
	start  uint32
	end    uint32
	logger logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store over the EE-data region of c.
func New(c *flash.Controller, opts ...Option) *Store {
	if c == nil {
		panic("flash controller cannot be nil")
	}
	start, end := c.Region(flash.TypeEEData)
	s := &Store{flash: c, start: start, end: end}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// scan walks every record, erased ones included, and returns the address of
// the first free word.
func (s *Store) scan(fn func(r Record)) (uint32, error) {
	addr := s.start
	for addr+HeaderSize <= s.end {
		var hdr [HeaderSize]byte
		if err := s.flash.Read(addr, hdr[:]); err != nil {
			return 0, err
		}
		word := binary.LittleEndian.Uint32(hdr[:])
		if word == freeWord {
			return addr, nil
		}
		size := word >> sizeShift
		if uint64(addr)+HeaderSize+uint64(align4(size)) > uint64(s.end) {
			// Torn record: treat everything from here as unusable.
			s.logError("eedata record overruns region", "addr", addr, "size", size)
			return s.end, nil
		}
		if fn != nil {
			data, err := s.flash.ReadBytes(addr+HeaderSize, size)
			if err != nil {
				return 0, err
			}
			fn(Record{Addr: addr, Name: word & nameMask, Data: data})
		}
		addr += HeaderSize + align4(size)
	}
	return s.end, nil
}

// Records returns every non-erased record in write order.
func (s *Store) Records() ([]Record, error) {
	var out []Record
	_, err := s.scan(func(r Record) {
		if r.Name != 0 {
			out = append(out, r)
		}
	})
	return out, err
}

// All returns every non-erased version of name, oldest first.
func (s *Store) All(name uint32) ([]Record, error) {
	var out []Record
	_, err := s.scan(func(r Record) {
		if r.Name == name && name != 0 {
			out = append(out, r)
		}
	})
	return out, err
}

// Get returns the newest version of name.
func (s *Store) Get(name uint32) ([]byte, bool, error) {
	all, err := s.All(name)
	if err != nil || len(all) == 0 {
		return nil, false, err
	}
	return all[len(all)-1].Data, true, nil
}

// Append stores a new version of name without touching older versions.
func (s *Store) Append(name uint32, data []byte) (Record, error) {
	if name == 0 || name > MaxName {
		return Record{}, ErrBadName
	}
	if len(data) > MaxData {
		return Record{}, ErrTooLarge
	}
	rec := Record{Name: name, Data: data}

	free, err := s.scan(nil)
	if err != nil {
		return Record{}, err
	}
	if uint64(free)+uint64(rec.size()) > uint64(s.end) {
		if err := s.Compact(); err != nil {
			return Record{}, err
		}
		if free, err = s.scan(nil); err != nil {
			return Record{}, err
		}
		if uint64(free)+uint64(rec.size()) > uint64(s.end) {
			return Record{}, ErrFull
		}
	}
	rec.Addr = free
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Set stores data as the only version of name.
func (s *Store) Set(name uint32, data []byte) error {
	rec, err := s.Append(name, data)
	if err != nil {
		return err
	}
	older, err := s.All(name)
	if err != nil {
		return err
	}
	for _, r := range older {
		if r.Addr == rec.Addr {
			continue
		}
		if err := s.EraseRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// EraseRecord marks one version as erased by clearing its name.
func (s *Store) EraseRecord(r Record) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(r.Data))<<sizeShift)
	if err := s.flash.Program(r.Addr, hdr[:], flash.TypeEEData); err != nil {
		return fmt.Errorf("erase eedata record 0x%08X: %w", r.Addr, err)
	}
	return nil
}

// Compact erases the region and rewrites every non-erased record.
func (s *Store) Compact() error {
	live, err := s.Records()
	if err != nil {
		return err
	}
	s.logInfo("compacting eedata", "records", len(live))
	if err := s.flash.EraseType(flash.TypeEEData); err != nil {
		return err
	}
	addr := s.start
	for _, r := range live {
		r.Addr = addr
		if err := s.write(r); err != nil {
			return err
		}
		addr += r.size()
	}
	return nil
}

// Free returns the number of bytes left before compaction is needed.
func (s *Store) Free() (uint32, error) {
	free, err := s.scan(nil)
	if err != nil {
		return 0, err
	}
	return s.end - free, nil
}

func (s *Store) write(r Record) error {
	buf := make([]byte, r.size())
	binary.LittleEndian.PutUint32(buf, r.Name|uint32(len(r.Data))<<sizeShift)
	copy(buf[HeaderSize:], r.Data)
	if err := s.flash.Program(r.Addr, buf, flash.TypeEEData); err != nil {
		return fmt.Errorf("write eedata record 0x%08X: %w", r.Addr, err)
	}
	return nil
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func (s *Store) logInfo(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Store) logError(msg string, keysAndValues ...interface{}) {
	if s.logger != nil {
		s.logger.Error(msg, keysAndValues...)
	}
}
