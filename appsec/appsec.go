// Package appsec verifies a firmware container while it streams in.
//
// A Verifier is fed the container bytes in arbitrary pieces. It parses the
// app header and optional encryption header, decrypts the body, hashes the
// header and plaintext, and hands the header plus plaintext to a write
// callback as soon as they are known. When a signature trailer is present
// the RSA check is run one step per DoSomeProcessing call, so a caller on a
// cooperative loop can interleave it with other work.
package appsec

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"hash"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/sigverify"
)

// Status is the verifier state reported to callers. Everything except OK
// and NeedMoreTime is terminal.
type Status uint8

const (
	OK Status = iota
	NeedMoreTime
	KeyNotFound
	HeaderError
	TooMuchData
	TooLittleData
	SigVerifyFail
	SigDecodeFail
	SigRootUnknown
	MemoryError
	InvalidData
	VerifyFailed
	Bad
)

var statusNames = [...]string{
	OK:             "ok",
	NeedMoreTime:   "need more time",
	KeyNotFound:    "key not found",
	HeaderError:    "header error",
	TooMuchData:    "too much data",
	TooLittleData:  "too little data",
	SigVerifyFail:  "signature verify failed",
	SigDecodeFail:  "signature decode failed",
	SigRootUnknown: "signature root unknown",
	MemoryError:    "memory error",
	InvalidData:    "invalid data",
	VerifyFailed:   "verify failed",
	Bad:            "bad",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether s ends verification.
func (s Status) Terminal() bool { return s != OK && s != NeedMoreTime }

// WriteFunc receives verified-so-far output bytes in order.
type WriteFunc func(p []byte) error

// KeyLookupFunc returns the AES key stored under keyID.
type KeyLookupFunc func(keyID uint64) (key []byte, ok bool)

type phase uint8

const (
	phaseHeader phase = iota
	phaseEncrHeader
	phaseBody
	phaseTrailer
	phaseRSA
	phaseDone
)

// Config wires a Verifier to its collaborators.
type Config struct {
	Write WriteFunc
	Keys  *sigverify.KeyTable
	// Lookup resolves encryption key ids; nil means no keys are known.
	Lookup KeyLookupFunc
	// RequireSigned rejects containers without FlagSigned.
	RequireSigned bool
}

// Verifier is the incremental container verifier. It is not safe for
// concurrent use.
type Verifier struct {
	cfg    Config
	phase  phase
	status Status

	buf    []byte
	header image.AppHeader
	hash   hash.Hash

	cbc       cipher.BlockMode
	bodyLeft  uint32 // on-wire body bytes still expected
	plainLeft uint32 // plaintext bytes still to emit

	rsa     sigverify.RSAState
	trailer []byte
}

// New returns a Verifier waiting for the app header.
func New(cfg Config) *Verifier {
	if cfg.Write == nil {
		panic("appsec write callback cannot be nil")
	}
	return &Verifier{cfg: cfg, hash: sigverify.NewHash()}
}

// Status returns the current status.
func (v *Verifier) Status() Status { return v.status }

// Header returns the parsed app header; it is zero until the header is in.
func (v *Verifier) Header() image.AppHeader { return v.header }

// RxData feeds container bytes. It returns how many bytes of p were not
// consumed; a non-zero remainder comes with NeedMoreTime and must be fed
// again after DoSomeProcessing has returned OK.
func (v *Verifier) RxData(p []byte) (left int, st Status) {
	for len(p) > 0 {
		if v.status != OK {
			return len(p), v.status
		}
		var n int
		switch v.phase {
		case phaseHeader:
			n = v.rxHeader(p)
		case phaseEncrHeader:
			n = v.rxEncrHeader(p)
		case phaseBody:
			n = v.rxBody(p)
		case phaseTrailer:
			n = v.rxTrailer(p)
		case phaseRSA:
			v.status = NeedMoreTime
			return len(p), NeedMoreTime
		case phaseDone:
			v.status = TooMuchData
			return len(p), TooMuchData
		}
		p = p[n:]
	}
	return 0, v.status
}

// DoSomeProcessing runs one RSA step when a signature check is pending.
func (v *Verifier) DoSomeProcessing() Status {
	if v.phase != phaseRSA || v.status != NeedMoreTime {
		return v.status
	}
	decoded := v.rsa.Step()
	if decoded == nil {
		return v.status
	}
	err := sigverify.MatchDigest(decoded, v.hash.Sum(nil))
	switch {
	case err == nil:
		v.phase, v.status = phaseDone, OK
	case errors.Is(err, sigverify.ErrPadding):
		v.status = SigDecodeFail
	default:
		v.status = SigVerifyFail
	}
	return v.status
}

// Finish reports the final status once every byte has been fed. An image
// that stopped short of its declared size is TooLittleData.
func (v *Verifier) Finish() Status {
	if v.status.Terminal() || v.status == NeedMoreTime {
		return v.status
	}
	if v.phase != phaseDone {
		v.status = TooLittleData
	}
	return v.status
}

// collect appends from p until buf holds want bytes.
func (v *Verifier) collect(p []byte, want int) int {
	n := min(want-len(v.buf), len(p))
	v.buf = append(v.buf, p[:n]...)
	return n
}

func (v *Verifier) rxHeader(p []byte) int {
	n := v.collect(p, image.AppHeaderSize)
	if len(v.buf) < image.AppHeaderSize {
		return n
	}
	hdr, err := image.ParseAppHeader(v.buf)
	if err != nil {
		v.status = HeaderError
		return n
	}
	if v.cfg.RequireSigned && !hdr.Flags.Has(image.FlagSigned) {
		v.status = SigVerifyFail
		return n
	}
	v.header = *hdr
	v.hash.Write(v.buf)
	if !v.emit(v.buf) {
		return n
	}
	v.buf = v.buf[:0]

	v.plainLeft = hdr.PayloadSize
	v.bodyLeft = hdr.PayloadSize
	if hdr.Flags.Has(image.FlagEncrypted) {
		v.bodyLeft = uint32(image.PaddedSize(int(hdr.PayloadSize)))
		v.phase = phaseEncrHeader
	} else {
		v.afterHeaders()
	}
	return n
}

func (v *Verifier) rxEncrHeader(p []byte) int {
	n := v.collect(p, image.EncrHeaderSize)
	if len(v.buf) < image.EncrHeaderSize {
		return n
	}
	eh, err := image.ParseEncrHeader(v.buf)
	v.buf = v.buf[:0]
	if err != nil {
		v.status = HeaderError
		return n
	}
	if v.cfg.Lookup == nil {
		v.status = KeyNotFound
		return n
	}
	key, ok := v.cfg.Lookup(eh.KeyID)
	if !ok {
		v.status = KeyNotFound
		return n
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		v.status = InvalidData
		return n
	}
	v.cbc = cipher.NewCBCDecrypter(block, eh.IV[:])
	v.afterHeaders()
	return n
}

func (v *Verifier) afterHeaders() {
	v.phase = phaseBody
	if v.bodyLeft == 0 {
		v.afterBody()
	}
}

func (v *Verifier) rxBody(p []byte) int {
	if v.cbc == nil {
		n := min(len(p), int(v.bodyLeft))
		v.plain(p[:n])
		v.bodyLeft -= uint32(n)
		if v.bodyLeft == 0 && v.status == OK {
			v.afterBody()
		}
		return n
	}

	n := v.collect(p, image.AESBlockSize)
	if len(v.buf) < image.AESBlockSize {
		return n
	}
	block := make([]byte, image.AESBlockSize)
	v.cbc.CryptBlocks(block, v.buf)
	v.buf = v.buf[:0]
	v.bodyLeft -= image.AESBlockSize
	v.plain(block[:min(uint32(len(block)), v.plainLeft)])
	if v.bodyLeft == 0 && v.status == OK {
		v.afterBody()
	}
	return n
}

func (v *Verifier) plain(p []byte) {
	v.hash.Write(p)
	v.plainLeft -= uint32(len(p))
	v.emit(p)
}

func (v *Verifier) afterBody() {
	if v.header.Flags.Has(image.FlagSigned) {
		v.phase = phaseTrailer
		return
	}
	v.phase = phaseDone
}

func (v *Verifier) rxTrailer(p []byte) int {
	n := v.collect(p, 2*sigverify.RSABytes)
	if len(v.buf) < 2*sigverify.RSABytes {
		return n
	}
	v.trailer = append(v.trailer[:0], v.buf...)
	v.buf = v.buf[:0]
	sig := v.trailer[:sigverify.RSABytes]
	pub := v.trailer[sigverify.RSABytes:]

	if !v.cfg.Keys.Contains(pub) {
		v.status = SigRootUnknown
		return n
	}
	if err := v.rsa.Start(sig, pub); err != nil {
		v.status = SigDecodeFail
		return n
	}
	v.phase = phaseRSA
	v.status = NeedMoreTime
	return n
}

func (v *Verifier) emit(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if err := v.cfg.Write(p); err != nil {
		v.status = Bad
		return false
	}
	return true
}
