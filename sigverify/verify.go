package sigverify

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"hash"
)

var (
	// ErrUnknownKey means the signing key is not in the trusted table.
	ErrUnknownKey = errors.New("sigverify: signing key is not trusted")

	// ErrDecode means the RSA operation could not run on the inputs.
	ErrDecode = errors.New("sigverify: signature decode failed")

	// ErrPadding means the decoded block is not correctly padded.
	ErrPadding = errors.New("sigverify: bad signature padding")

	// ErrHashMismatch means the signed digest differs from the data digest.
	ErrHashMismatch = errors.New("sigverify: digest mismatch")
)

// KeyTable is the fixed set of trusted RSA-2048 public keys. Keys are
// moduli in little-endian limb order.
type KeyTable struct {
	keys [][]byte
}

// NewKeyTable returns a table trusting the given moduli. Entries that are
// not RSABytes long are ignored.
func NewKeyTable(keys ...[]byte) *KeyTable {
	t := &KeyTable{}
	for _, k := range keys {
		t.Add(k)
	}
	return t
}

// Add trusts one more modulus.
func (t *KeyTable) Add(key []byte) {
	if len(key) != RSABytes {
		return
	}
	t.keys = append(t.keys, bytes.Clone(key))
}

// Contains reports whether key is trusted. The scan is linear.
func (t *KeyTable) Contains(key []byte) bool {
	if t == nil {
		return false
	}
	for _, k := range t.keys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// Len returns the number of trusted keys.
func (t *KeyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Bytes returns the concatenation of all trusted keys, in table order.
func (t *KeyTable) Bytes() []byte {
	if t == nil {
		return nil
	}
	out := make([]byte, 0, len(t.keys)*RSABytes)
	for _, k := range t.keys {
		out = append(out, k...)
	}
	return out
}

// NewHash returns the incremental digest used for every signed image.
func NewHash() hash.Hash { return sha256.New() }

// MatchDigest checks a decoded signature block against digest.
func MatchDigest(decoded, digest []byte) error {
	signed, err := CheckPadding(decoded)
	if err != nil {
		return err
	}
	if !bytes.Equal(signed, digest) {
		return ErrHashMismatch
	}
	return nil
}

// Verify runs the whole pipeline for one signature: trusted key lookup,
// RSA decode, padding check and digest comparison.
func Verify(keys *KeyTable, digest, sig, pubKey []byte) error {
	if !keys.Contains(pubKey) {
		return ErrUnknownKey
	}
	decoded, err := PubOp(sig, pubKey)
	if err != nil {
		return err
	}
	return MatchDigest(decoded, digest)
}
