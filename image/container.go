package image

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"os"

	"github.com/moffa90/go-nanohub/sigverify"
)

// Container is a parsed firmware upload: app header, optional encryption
// header, body and optional signature trailer.
type Container struct {
	Header AppHeader

	// Encryption is set when FlagEncrypted is.
	Encryption *EncrHeader

	// Body is the payload as transmitted. For encrypted containers it is
	// ciphertext padded to AESBlockSize.
	Body []byte

	// Signature and PublicKey are set when FlagSigned is.
	Signature []byte
	PublicKey []byte
}

// Parse reads a container from path.
//
// Example:
//
//	c, err := image.Parse("app.napp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("App: %s v%d\n", c.Header.AppID, c.Header.AppVersion)
func Parse(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseReader(f)
}

// ParseReader reads a container from r.
func ParseReader(r io.Reader) (*Container, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return ParseBytes(b)
}

// ParseBytes splits a container image into its parts. The returned slices
// alias b.
func ParseBytes(b []byte) (*Container, error) {
	h, err := ParseAppHeader(b)
	if err != nil {
		return nil, err
	}
	c := &Container{Header: *h}
	rest := b[AppHeaderSize:]

	if h.Flags.Has(FlagEncrypted) {
		if c.Encryption, err = ParseEncrHeader(rest); err != nil {
			return nil, err
		}
		rest = rest[EncrHeaderSize:]
	}

	bodyLen := int(h.PayloadSize)
	if h.Flags.Has(FlagEncrypted) {
		bodyLen = PaddedSize(bodyLen)
	}
	trailer := 0
	if h.Flags.Has(FlagSigned) {
		trailer = 2 * sigverify.RSABytes
	}
	if len(rest) != bodyLen+trailer {
		return nil, &HeaderError{
			Field:  "payload size",
			Detail: fmt.Sprintf("expected %d bytes after headers, got %d", bodyLen+trailer, len(rest)),
		}
	}
	c.Body = rest[:bodyLen]
	if trailer > 0 {
		c.Signature = rest[bodyLen : bodyLen+sigverify.RSABytes]
		c.PublicKey = rest[bodyLen+sigverify.RSABytes:]
	}
	return c, nil
}

// Size returns the encoded length of the container.
func (c *Container) Size() int {
	n := AppHeaderSize + len(c.Body) + len(c.Signature) + len(c.PublicKey)
	if c.Encryption != nil {
		n += EncrHeaderSize
	}
	return n
}

// PaddedSize rounds n up to a whole number of AES blocks.
func PaddedSize(n int) int {
	return (n + AESBlockSize - 1) / AESBlockSize * AESBlockSize
}

// Decrypt returns the plaintext body trimmed to PayloadSize. Unencrypted
// containers return Body unchanged.
func (c *Container) Decrypt(key []byte) ([]byte, error) {
	if c.Encryption == nil {
		return c.Body, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if len(c.Body)%AESBlockSize != 0 {
		return nil, fmt.Errorf("decrypt: body is %d bytes, not block aligned", len(c.Body))
	}
	out := make([]byte, len(c.Body))
	cipher.NewCBCDecrypter(block, c.Encryption.IV[:]).CryptBlocks(out, c.Body)
	return out[:c.Header.PayloadSize], nil
}

// Digest returns the signed digest: SHA-256 over the app header and the
// plaintext body.
func Digest(h AppHeader, plaintext []byte) []byte {
	sum := sigverify.NewHash()
	sum.Write(h.Bytes())
	sum.Write(plaintext)
	return sum.Sum(nil)
}

// Encryption selects the key used by Build to encrypt a body.
type Encryption struct {
	KeyID uint64
	Key   [AESKeySize]byte

	// IV is drawn from the builder's random source when zero.
	IV [AESBlockSize]byte
}

// Builder assembles upload containers and OS images.
type Builder struct {
	// SignWith signs containers and OS images when set.
	SignWith *rsa.PrivateKey

	// Encrypt encrypts container bodies when set.
	Encrypt *Encryption

	// Rand is used for IVs and signature padding. Defaults to crypto/rand.
	Rand io.Reader
}

func (b *Builder) random() io.Reader {
	if b.Rand == nil {
		return rand.Reader
	}
	return b.Rand
}

// Build wraps body in a container. PayloadSize, magic, version and the
// signed/encrypted flags of h are filled in from the builder.
func (b *Builder) Build(h AppHeader, body []byte) ([]byte, error) {
	h.Magic = AppMagic
	h.Version = FormatVersion
	h.PayloadSize = uint32(len(body))
	h.Flags &^= FlagSigned | FlagEncrypted
	if b.SignWith != nil {
		h.Flags |= FlagSigned
	}
	if b.Encrypt != nil {
		h.Flags |= FlagEncrypted
	}

	var out bytes.Buffer
	out.Write(h.Bytes())

	if b.Encrypt != nil {
		enc := *b.Encrypt
		if enc.IV == ([AESBlockSize]byte{}) {
			if _, err := io.ReadFull(b.random(), enc.IV[:]); err != nil {
				return nil, fmt.Errorf("generate iv: %w", err)
			}
		}
		block, err := aes.NewCipher(enc.Key[:])
		if err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
		padded := make([]byte, PaddedSize(len(body)))
		copy(padded, body)
		cipher.NewCBCEncrypter(block, enc.IV[:]).CryptBlocks(padded, padded)

		out.Write(EncrHeader{KeyID: enc.KeyID, IV: enc.IV}.Bytes())
		out.Write(padded)
	} else {
		out.Write(body)
	}

	if b.SignWith != nil {
		if err := b.appendSignature(&out, Digest(h, body)); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// BuildOS produces a signed OS image with the marker set to in-progress.
func (b *Builder) BuildOS(payload []byte) ([]byte, error) {
	if b.SignWith == nil {
		return nil, fmt.Errorf("os image requires a signing key")
	}
	h := OSHeader{Marker: MarkerInProgress, Size: uint32(len(payload))}

	var out bytes.Buffer
	out.Write(h.Bytes())
	out.Write(payload)
	if err := b.appendSignature(&out, OSDigest(h, payload)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// BuildKey wraps an AES key into a key-management container.
func (b *Builder) BuildKey(id AppID, version uint32, info KeyInfo, remove bool) ([]byte, error) {
	flags := FlagApplication
	if remove {
		flags |= FlagKeyDelete
	}
	if info.Type == 0 {
		info.Type = KeyTypeAES256
	}
	return b.Build(NewAppHeader(id, version, PayloadKey, flags), info.Bytes())
}

func (b *Builder) appendSignature(out *bytes.Buffer, digest []byte) error {
	sig, err := sigverify.Sign(b.random(), b.SignWith, digest)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	pub, err := sigverify.PublicKeyBytes(&b.SignWith.PublicKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	out.Write(sig)
	out.Write(pub)
	return nil
}
