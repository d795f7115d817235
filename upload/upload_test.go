package upload

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/moffa90/go-nanohub/appsec"
	"github.com/moffa90/go-nanohub/eedata"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/internal/testkeys"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/segment"
)

const vendor = 0x123456

type fixture struct {
	k     *kernel.Kernel
	store *segment.Store
	keys  *Keys
	m     *Manager
	dev   *flash.MemDevice
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	layout := flash.SmallLayout()
	dev := flash.NewMemDevice(layout.Size())
	c, err := flash.NewController(dev, layout)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	f := &fixture{
		k:     kernel.New(),
		store: segment.New(c),
		keys:  NewKeys(eedata.New(c)),
		dev:   dev,
	}
	opts = append([]Option{
		WithKeys(f.keys),
		WithTrustedKeys(testkeys.Table(t, "upload")),
		WithFeedSize(16),
	}, opts...)
	f.m = New(f.k, f.store, opts...)
	return f
}

// send pushes raw through Start/Chunk/Finish the way a host would and
// returns the final finish reply.
func (f *fixture) send(t *testing.T, raw []byte, chunk int) Reply {
	t.Helper()
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	f.sendChunks(t, raw, 0, chunk)
	return f.poll(t)
}

func (f *fixture) sendChunks(t *testing.T, raw []byte, from, chunk int) {
	t.Helper()
	for off := from; off < len(raw); {
		n := min(chunk, len(raw)-off)
		switch r := f.m.Chunk(uint32(off), raw[off:off+n]); r {
		case ChunkAccepted:
			off += n
		case ChunkResend, ChunkWait:
		default:
			t.Fatalf("chunk at %d: %v", off, r)
		}
		f.k.RunUntilIdle()
	}
}

func (f *fixture) poll(t *testing.T) Reply {
	t.Helper()
	for i := 0; i < 1000; i++ {
		r := f.m.Finish()
		if r != Processing {
			return r
		}
		f.k.RunUntilIdle()
	}
	t.Fatal("upload never finished")
	return Bad
}

func (f *fixture) segments(t *testing.T) []segment.Segment {
	t.Helper()
	segs, err := f.store.Segments()
	if err != nil {
		t.Fatal(err)
	}
	return segs
}

// lastClosed returns the last closed segment in the store.
func (f *fixture) lastClosed(t *testing.T) segment.Segment {
	t.Helper()
	var last segment.Segment
	for _, s := range f.segments(t) {
		if s.Closed() {
			last = s
		}
	}
	return last
}

func appImage(t *testing.T, b image.Builder, flags image.Flags, body []byte) []byte {
	t.Helper()
	raw, err := b.Build(image.NewAppHeader(image.MakeAppID(vendor, 1), 3, image.PayloadApp, image.FlagApplication|flags), body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func signer(t *testing.T) image.Builder {
	return image.Builder{SignWith: testkeys.Key(t, "upload")}
}

func TestUploadRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("accelerometer calibration "), 30)
	for _, chunk := range []int{1, 37, 128, 251} {
		f := newFixture(t)
		raw := appImage(t, signer(t), 0, body)
		if got := f.send(t, raw, chunk); got != Success {
			t.Fatalf("chunk %d: finish = %v (status %v)", chunk, got, f.m.Status())
		}
		seg := f.lastClosed(t)
		if seg.State != segment.StateValid {
			t.Fatalf("chunk %d: segment state %v", chunk, seg.State)
		}
		data, err := f.store.Data(seg)
		if err != nil {
			t.Fatal(err)
		}
		c, _ := image.ParseBytes(raw)
		want := append(c.Header.Bytes(), body...)
		if !bytes.Equal(data, want) {
			t.Errorf("chunk %d: staged %d bytes, want %d", chunk, len(data), len(want))
		}
		if f.m.Active() {
			t.Error("upload still active after finish")
		}
		// The reply stays available.
		if got := f.m.Finish(); got != Success {
			t.Errorf("repeated finish = %v", got)
		}
	}
}

func TestUploadFailures(t *testing.T) {
	other := image.Builder{SignWith: testkeys.Key(t, "upload-untrusted")}
	body := []byte("gyro driver")

	corrupt := appImage(t, signer(t), 0, body)
	corrupt[image.AppHeaderSize+2] ^= 1

	tests := []struct {
		name  string
		raw   []byte
		crc   func(raw []byte) uint32
		reply Reply
	}{
		{"crc mismatch", appImage(t, signer(t), 0, body), func(raw []byte) uint32 { return crc32.ChecksumIEEE(raw) ^ 1 }, Bad},
		{"payload bit flip", corrupt, crc32.ChecksumIEEE, SigVerifyFail},
		{"untrusted signer", appImage(t, other, 0, body), crc32.ChecksumIEEE, SigRootUnknown},
		{"unsigned", appImage(t, image.Builder{}, 0, body), crc32.ChecksumIEEE, SigVerifyFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.m.Start(uint32(len(tt.raw)), tt.crc(tt.raw))
			for off := 0; off < len(tt.raw) && f.m.Active(); off += 64 {
				end := min(off+64, len(tt.raw))
				if r := f.m.Chunk(uint32(off), tt.raw[off:end]); r != ChunkAccepted {
					break
				}
				f.k.RunUntilIdle()
			}
			if got := f.poll(t); got != tt.reply {
				t.Errorf("finish = %v, want %v", got, tt.reply)
			}
			for _, s := range f.segments(t) {
				if s.State == segment.StateValid {
					t.Errorf("segment 0x%X left valid", s.Addr)
				}
			}
		})
	}
}

func TestChunkRestart(t *testing.T) {
	f := newFixture(t)
	raw := appImage(t, signer(t), 0, bytes.Repeat([]byte{0xA5}, 600))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))

	if r := f.m.Chunk(0, raw[:200]); r != ChunkAccepted {
		t.Fatalf("first chunk = %v", r)
	}
	f.k.RunUntilIdle()
	if r := f.m.Chunk(300, raw[300:400]); r != ChunkRestart {
		t.Fatalf("chunk 100 bytes ahead = %v, want restart", r)
	}
	if received, _, _ := f.m.Progress(); received != 0 {
		t.Fatalf("progress after restart = %d", received)
	}

	f.sendChunks(t, raw, 0, 200)
	if got := f.poll(t); got != Success {
		t.Fatalf("retransmission finish = %v", got)
	}
	segs := f.segments(t)
	if len(segs) < 2 || segs[0].State != segment.StateErased || f.lastClosed(t).State != segment.StateValid {
		t.Errorf("segments after restart: %+v", segs)
	}
}

func TestChunkResendWhileProcessing(t *testing.T) {
	f := newFixture(t)
	raw := appImage(t, signer(t), 0, make([]byte, 300))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	if r := f.m.Chunk(0, raw[:100]); r != ChunkAccepted {
		t.Fatal(r)
	}
	if r := f.m.Chunk(100, raw[100:200]); r != ChunkResend {
		t.Errorf("chunk during processing = %v, want resend", r)
	}
	f.k.RunUntilIdle()
	if r := f.m.Chunk(100, raw[100:200]); r != ChunkAccepted {
		t.Errorf("chunk after processing = %v", r)
	}
}

func TestNoUpload(t *testing.T) {
	f := newFixture(t)
	if r := f.m.Chunk(0, []byte{1}); r != ChunkCancelNoRetry {
		t.Errorf("chunk without start = %v", r)
	}
	if r := f.m.Finish(); r != Success {
		t.Errorf("finish without start = %v", r)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	raw := appImage(t, signer(t), 0, make([]byte, 100))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	f.m.Cancel()
	if r := f.m.Chunk(0, raw[:50]); r != ChunkCancel {
		t.Fatalf("chunk after cancel = %v", r)
	}
	if r := f.m.Chunk(0, raw[:50]); r != ChunkCancelNoRetry {
		t.Errorf("chunk after cancelled upload = %v", r)
	}
	if r := f.m.Finish(); r != Bad {
		t.Errorf("finish after cancel = %v", r)
	}
}

func TestShortUpload(t *testing.T) {
	f := newFixture(t)
	raw := appImage(t, signer(t), 0, make([]byte, 100))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	f.sendChunks(t, raw[:80], 0, 40)
	if r := f.m.Finish(); r != Bad {
		t.Errorf("finish of short upload = %v", r)
	}
	if s := f.lastClosed(t); s.State != segment.StateErased || s.Size != 80 {
		t.Errorf("short upload segment = %+v", s)
	}
}

func TestEraseWhenFull(t *testing.T) {
	var erased int
	f := newFixture(t, WithEraseDone(func() { erased++ }))
	start, end := f.store.Region()

	// Fill the shared area with one big valid segment.
	big, err := f.store.Create(end - start - segment.HeaderSize - segment.FooterSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Close(big, end-start-segment.HeaderSize-segment.FooterSize, segment.StateValid); err != nil {
		t.Fatal(err)
	}

	raw := appImage(t, signer(t), 0, make([]byte, 64))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	if r := f.m.Chunk(0, raw[:32]); r != ChunkWait {
		t.Fatalf("chunk with full area = %v, want wait", r)
	}
	if r := f.m.Chunk(0, raw[:32]); r != ChunkWait {
		t.Fatalf("second chunk during erase = %v, want wait", r)
	}
	f.k.RunUntilIdle()
	if erased != 1 {
		t.Fatalf("erase hook called %d times", erased)
	}
	f.sendChunks(t, raw, 0, 32)
	if got := f.poll(t); got != Success {
		t.Errorf("finish after erase = %v", got)
	}
}

func TestRestartLargerThanReservedSpace(t *testing.T) {
	f := newFixture(t)
	start, end := f.store.Region()

	// A valid segment takes half the area, so the next reservation sits in
	// the second half.
	half := (end - start) / 2
	old, err := f.store.Create(half)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Close(old, half, segment.StateValid); err != nil {
		t.Fatal(err)
	}

	small := appImage(t, signer(t), 0, make([]byte, 32))
	f.m.Start(uint32(len(small)), crc32.ChecksumIEEE(small))

	// Restart with an image that only fits an empty area.
	raw := appImage(t, signer(t), 0, bytes.Repeat([]byte{0xA5}, int(half)))
	f.m.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	if r := f.m.Chunk(0, raw[:64]); r != ChunkWait {
		t.Fatalf("first chunk after oversize restart = %v, want wait", r)
	}
	f.k.RunUntilIdle()
	f.sendChunks(t, raw, 0, 251)
	if got := f.poll(t); got != Success {
		t.Fatalf("finish = %v (status %v)", got, f.m.Status())
	}
	if seg := f.lastClosed(t); seg.State != segment.StateValid || seg.Addr != start {
		t.Errorf("upload segment = %+v, want valid at area start", seg)
	}
}

func TestTooLargeForArea(t *testing.T) {
	f := newFixture(t)
	start, end := f.store.Region()
	f.m.Start(end-start+1, 0)
	if r := f.m.Chunk(0, []byte{1}); r != ChunkWait {
		t.Fatalf("first chunk = %v", r)
	}
	f.k.RunUntilIdle()
	if r := f.m.Chunk(0, []byte{1}); r != ChunkCancelNoRetry {
		t.Errorf("chunk after failed erase = %v", r)
	}
}

func TestVolatileAndSecure(t *testing.T) {
	body := bytes.Repeat([]byte{0x3C}, 64)
	tests := []struct {
		name  string
		flags image.Flags
		state segment.State
		wiped bool
	}{
		{"persistent", 0, segment.StateValid, false},
		{"volatile", image.FlagVolatile, segment.StateErased, false},
		{"volatile secure", image.FlagVolatile | image.FlagSecure, segment.StateErased, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if got := f.send(t, appImage(t, signer(t), tt.flags, body), 100); got != Success {
				t.Fatalf("finish = %v", got)
			}
			seg := f.lastClosed(t)
			if seg.State != tt.state {
				t.Errorf("state = %v, want %v", seg.State, tt.state)
			}
			data, err := f.store.Flash().ReadBytes(seg.DataAddr(), seg.Size)
			if err != nil {
				t.Fatal(err)
			}
			if allZero := bytes.Count(data, []byte{0}) == len(data); allZero != tt.wiped {
				t.Errorf("wiped = %v, want %v", allZero, tt.wiped)
			}
		})
	}
}

func TestKeyManagement(t *testing.T) {
	f := newFixture(t)
	b := signer(t)
	id := image.MakeAppID(vendor, 7)
	info := image.KeyInfo{ID: 42}
	copy(info.Key[:], bytes.Repeat([]byte{0x11}, image.AESKeySize))
	keyID := image.MakeKeyID(vendor, 42)

	add, err := b.BuildKey(id, 1, info, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.send(t, add, 200); got != Success {
		t.Fatalf("add key = %v", got)
	}
	if key, ok := f.keys.Lookup(keyID); !ok || !bytes.Equal(key, info.Key[:]) {
		t.Fatalf("key not stored")
	}
	if got := f.send(t, add, 200); got != Bad {
		t.Errorf("adding an existing key = %v, want bad", got)
	}

	enc := &image.Encryption{KeyID: keyID, Key: info.Key}
	secret := image.Builder{SignWith: b.SignWith, Encrypt: enc}
	body := []byte("encrypted sensor app body")
	if got := f.send(t, appImage(t, secret, 0, body), 64); got != Success {
		t.Fatalf("encrypted upload = %v", got)
	}
	data, _ := f.store.Data(f.lastClosed(t))
	if !bytes.HasSuffix(data, body) {
		t.Error("encrypted body not staged as plaintext")
	}

	del, err := b.BuildKey(id, 2, image.KeyInfo{ID: 42}, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.send(t, del, 200); got != Success {
		t.Fatalf("delete key = %v", got)
	}
	if _, ok := f.keys.Lookup(keyID); ok {
		t.Error("key still present after delete")
	}
	if got := f.send(t, del, 200); got != KeyNotFound {
		t.Errorf("deleting a missing key = %v, want key not found", got)
	}
	if got := f.send(t, appImage(t, secret, 0, body), 64); got != KeyNotFound {
		t.Errorf("encrypted upload without key = %v", got)
	}
}

func TestOSUpdateHook(t *testing.T) {
	var verified int
	var marker byte
	var f *fixture
	f = newFixture(t, WithOSVerifier(func() error {
		verified++
		seg := f.lastClosed(t)
		b, err := f.store.Flash().ReadBytes(seg.DataAddr()+image.AppHeaderSize+image.OSMarkerOffset, 1)
		if err != nil {
			return err
		}
		marker = b[0]
		return nil
	}))
	b := signer(t)
	osImg, err := b.BuildOS(bytes.Repeat([]byte{0x90}, 512))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := b.Build(image.NewAppHeader(image.MakeAppID(vendor, 0), 1, image.PayloadOS, 0), osImg)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.send(t, raw, 200); got != Success {
		t.Fatalf("finish = %v", got)
	}
	f.k.RunUntilIdle()
	if verified != 1 || image.Marker(marker) != image.MarkerDownloaded {
		t.Errorf("verifier ran %d times, marker %02X", verified, marker)
	}
}

func TestChunkAsync(t *testing.T) {
	f := newFixture(t)
	raw := appImage(t, signer(t), 0, make([]byte, 200))
	f.m.Start(uint32(len(raw)), 0xDEADBEEF) // CRC is ignored on this path

	var results []bool
	for off := 0; off < len(raw); {
		n := min(100, len(raw)-off)
		r := f.m.ChunkAsync(uint32(off), raw[off:off+n], func(ok bool) { results = append(results, ok) })
		if r == ChunkAccepted {
			off += n
		}
		f.k.RunUntilIdle()
	}
	if got := f.poll(t); got != Success {
		t.Fatalf("finish = %v", got)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("chunk %d reported failure", i)
		}
	}
	if want := (len(raw) + 99) / 100; len(results) != want {
		t.Errorf("%d completions, want %d", len(results), want)
	}
}

func TestReplyFor(t *testing.T) {
	tests := []struct {
		st   appsec.Status
		want Reply
	}{
		{appsec.OK, Success},
		{appsec.KeyNotFound, KeyNotFound},
		{appsec.SigRootUnknown, SigRootUnknown},
		{appsec.VerifyFailed, VerifyFailed},
		{appsec.NeedMoreTime, Bad},
		{appsec.Bad, Bad},
	}
	for _, tt := range tests {
		if got := ReplyFor(tt.st); got != tt.want {
			t.Errorf("ReplyFor(%v) = %v, want %v", tt.st, got, tt.want)
		}
	}
}

func TestKeysStore(t *testing.T) {
	f := newFixture(t)
	key := bytes.Repeat([]byte{7}, image.AESKeySize)
	if err := f.keys.Add(1, key); err != nil {
		t.Fatal(err)
	}
	if err := f.keys.Add(2, key); err != nil {
		t.Fatal(err)
	}
	if err := f.keys.Add(1, key); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate add = %v", err)
	}
	if err := f.keys.Add(3, key[:5]); err == nil {
		t.Error("short key accepted")
	}
	ids, err := f.keys.IDs()
	if err != nil || len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("IDs = %v, %v", ids, err)
	}
	if err := f.keys.Delete(9); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("delete missing = %v", err)
	}

	var none *Keys
	if _, ok := none.Lookup(1); ok {
		t.Error("nil key store found a key")
	}
}
