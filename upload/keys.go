package upload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/moffa90/go-nanohub/eedata"
	"github.com/moffa90/go-nanohub/image"
)

// keyRecordSize is the EE-data record of one encryption key: id then key.
const keyRecordSize = 8 + image.AESKeySize

var (
	// ErrKeyExists means a key with the same id is already stored.
	ErrKeyExists = errors.New("upload: key already exists")

	// ErrKeyNotFound means no key with the id is stored.
	ErrKeyNotFound = errors.New("upload: key not found")
)

// Keys is the AES key store kept in EE-data. A nil *Keys holds no keys.
type Keys struct {
	ee *eedata.Store
}

// NewKeys returns a key store over ee.
func NewKeys(ee *eedata.Store) *Keys {
	return &Keys{ee: ee}
}

func (k *Keys) records() ([]eedata.Record, error) {
	if k == nil || k.ee == nil {
		return nil, nil
	}
	return k.ee.All(eedata.NameEncryptionKey)
}

func decodeKeyRecord(r eedata.Record) (uint64, []byte, bool) {
	if len(r.Data) != keyRecordSize {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint64(r.Data), r.Data[8:], true
}

// Lookup returns the key stored under id.
func (k *Keys) Lookup(id uint64) ([]byte, bool) {
	recs, err := k.records()
	if err != nil {
		return nil, false
	}
	for _, r := range recs {
		if got, key, ok := decodeKeyRecord(r); ok && got == id {
			return key, true
		}
	}
	return nil, false
}

// IDs returns the ids of every stored key in write order.
func (k *Keys) IDs() ([]uint64, error) {
	recs, err := k.records()
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, r := range recs {
		if id, _, ok := decodeKeyRecord(r); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Add stores a new key. Replacing an existing key requires deleting it
// first.
func (k *Keys) Add(id uint64, key []byte) error {
	if k == nil || k.ee == nil {
		return errors.New("upload: no key storage")
	}
	if len(key) != image.AESKeySize {
		return fmt.Errorf("upload: key is %d bytes, want %d", len(key), image.AESKeySize)
	}
	if _, ok := k.Lookup(id); ok {
		return ErrKeyExists
	}
	rec := make([]byte, keyRecordSize)
	binary.LittleEndian.PutUint64(rec, id)
	copy(rec[8:], key)
	_, err := k.ee.Append(eedata.NameEncryptionKey, rec)
	return err
}

// Delete erases every stored copy of the key. All copies are attempted
// even if one fails.
func (k *Keys) Delete(id uint64) error {
	recs, err := k.records()
	if err != nil {
		return err
	}
	var errs []error
	found := 0
	for _, r := range recs {
		if got, _, ok := decodeKeyRecord(r); ok && got == id {
			found++
			if err := k.ee.EraseRecord(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if found == 0 {
		return ErrKeyNotFound
	}
	return errors.Join(errs...)
}
