package sigverify

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
)

// PublicKeyBytes returns the modulus of pub in the little-endian limb order
// stored in images and the trusted key table.
func PublicKeyBytes(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != RSABytes*8 {
		return nil, fmt.Errorf("key is %d bits, want %d", pub.N.BitLen(), RSABytes*8)
	}
	if pub.E != PublicExponent {
		return nil, fmt.Errorf("key exponent is %d, want %d", pub.E, PublicExponent)
	}
	return intToLE(pub.N), nil
}

// Sign produces a signature over a SHA-256 digest that CheckPadding and
// MatchDigest accept. The padding bytes are drawn from random, which
// defaults to crypto/rand when nil.
func Sign(random io.Reader, priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != HashBytes {
		return nil, fmt.Errorf("digest is %d bytes, want %d", len(digest), HashBytes)
	}
	if _, err := PublicKeyBytes(&priv.PublicKey); err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}

	// Big-endian block: 00 02 PS... 00 digest.
	block := make([]byte, RSABytes)
	block[1] = 0x02
	ps := block[2 : RSABytes-HashBytes-1]
	if err := nonZeroRandom(random, ps); err != nil {
		return nil, err
	}
	copy(block[RSABytes-HashBytes:], digest)

	m := new(big.Int).SetBytes(block)
	s := new(big.Int).Exp(m, priv.D, priv.N)
	return intToLE(s), nil
}

func nonZeroRandom(r io.Reader, out []byte) error {
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("read padding: %w", err)
	}
	var one [1]byte
	for i := range out {
		for out[i] == 0 {
			if _, err := io.ReadFull(r, one[:]); err != nil {
				return fmt.Errorf("read padding: %w", err)
			}
			out[i] = one[0]
		}
	}
	return nil
}

// GenerateKey creates a new RSA-2048 signing key.
func GenerateKey(random io.Reader) (*rsa.PrivateKey, error) {
	if random == nil {
		random = rand.Reader
	}
	return rsa.GenerateKey(random, RSABytes*8)
}

// EncodePrivateKeyPEM encodes priv as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PEM key is %T, want RSA", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
