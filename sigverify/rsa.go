package sigverify

import (
	"encoding/binary"
	"math/big"
)

// Sizes of the fixed-width RSA-2048 operands.
const (
	RSABytes = 256
	RSAWords = RSABytes / 4

	// HashWords is the number of 32-bit words of a SHA-256 digest.
	HashWords = 8
	HashBytes = HashWords * 4

	// PublicExponent is the only exponent accepted for trusted keys.
	PublicExponent = 65537

	// rsaSquarings is log2(PublicExponent - 1).
	rsaSquarings = 16
)

// RSAState is an incremental RSA public-key operation. Each Step performs
// one modular squaring or multiplication so a caller running on a
// cooperative loop can spread the work over several turns.
//
// Operands and results are little-endian byte strings of RSABytes bytes
// (least significant 32-bit limb first).
type RSAState struct {
	n    *big.Int
	base *big.Int
	acc  *big.Int
	step int
}

// Start loads a signature and modulus. It fails with ErrDecode when the
// modulus is not a usable odd 2048-bit value or the signature is not
// smaller than the modulus.
func (s *RSAState) Start(sig, modulus []byte) error {
	if len(sig) != RSABytes || len(modulus) != RSABytes {
		return ErrDecode
	}
	n := leToInt(modulus)
	base := leToInt(sig)
	if n.Sign() == 0 || n.Bit(0) == 0 || base.Cmp(n) >= 0 {
		return ErrDecode
	}
	s.n = n
	s.base = base
	s.acc = new(big.Int).Set(base)
	s.step = 0
	return nil
}

// Step advances the operation. It returns the decoded value once the last
// multiplication has run and nil before that.
func (s *RSAState) Step() []byte {
	if s.n == nil {
		return nil
	}
	if s.step < rsaSquarings {
		s.acc.Mul(s.acc, s.acc)
		s.acc.Mod(s.acc, s.n)
		s.step++
		return nil
	}
	s.acc.Mul(s.acc, s.base)
	s.acc.Mod(s.acc, s.n)
	out := intToLE(s.acc)
	s.n = nil
	return out
}

// Steps returns how many calls to Step one operation takes.
func Steps() int { return rsaSquarings + 1 }

// PubOp runs the whole public-key operation at once.
func PubOp(sig, modulus []byte) ([]byte, error) {
	var s RSAState
	if err := s.Start(sig, modulus); err != nil {
		return nil, err
	}
	for {
		if out := s.Step(); out != nil {
			return out, nil
		}
	}
}

// CheckPadding validates the padding of a decoded signature and returns
// the embedded SHA-256 digest (big-endian, as produced by crypto/sha256).
//
// Viewed as little-endian words the decoded block must hold:
//
//	words 0..7      digest, least significant byte first
//	word  8         low byte 0x00, other three bytes non-zero
//	words 9..62     no zero bytes
//	word  63        top half 0x0002, low two bytes non-zero
func CheckPadding(decoded []byte) ([]byte, error) {
	if len(decoded) != RSABytes {
		return nil, ErrPadding
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(decoded[i*4:]) }

	for i := HashWords + 1; i < RSAWords-1; i++ {
		w := word(i)
		if w&0xFF == 0 || w&0xFF00 == 0 || w&0xFF0000 == 0 || w&0xFF000000 == 0 {
			return nil, ErrPadding
		}
	}

	w := word(HashWords)
	if w&0xFF != 0 || w&0xFF00 == 0 || w&0xFF0000 == 0 || w&0xFF000000 == 0 {
		return nil, ErrPadding
	}

	w = word(RSAWords - 1)
	if w>>16 != 0x0002 || w&0xFF == 0 || w&0xFF00 == 0 {
		return nil, ErrPadding
	}

	digest := make([]byte, HashBytes)
	for i := range digest {
		digest[i] = decoded[HashBytes-1-i]
	}
	return digest, nil
}

func leToInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

func intToLE(v *big.Int) []byte {
	be := v.FillBytes(make([]byte, RSABytes))
	le := make([]byte, RSABytes)
	for i, b := range be {
		le[RSABytes-1-i] = b
	}
	return le
}
