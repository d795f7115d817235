package device

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/moffa90/go-nanohub/bootloader"
	"github.com/moffa90/go-nanohub/client"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/internal/testkeys"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/upload"
)

const vendor = 0x123456

// testConfig is a small hub that takes 700-byte chunks.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Flash.Preset = "small"
	cfg.Upload.MaxChunk = 700
	return cfg
}

// newHub returns a powered-on hub trusting the "device" test key with an
// initial kernel of 0x5A bytes.
func newHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithTrustedKeys(testkeys.Table(t, "device"))}, opts...)
	h, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.FlashKernel(bytes.Repeat([]byte{0x5A}, 256)); err != nil {
		t.Fatalf("FlashKernel: %v", err)
	}
	if _, err := h.PowerOn(context.Background(), nil); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	return h
}

func signer(t *testing.T) image.Builder {
	return image.Builder{SignWith: testkeys.Key(t, "device")}
}

func osPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*13 + 7)
	}
	return p
}

// osContainer wraps osImg in a signed OS upload container.
func osContainer(t *testing.T, osImg []byte) []byte {
	t.Helper()
	b := signer(t)
	raw, err := b.Build(image.NewAppHeader(image.MakeAppID(vendor, 0), 1, image.PayloadOS, 0), osImg)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func buildOS(t *testing.T, payload []byte) []byte {
	t.Helper()
	b := signer(t)
	img, err := b.BuildOS(payload)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// send uploads raw through the hub's upload manager in chunk-sized pieces
// and returns the finish reply.
func send(t *testing.T, h *Hub, raw []byte, chunk int) upload.Reply {
	t.Helper()
	up, k := h.Uploads(), h.Kernel()
	if !up.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw)) {
		t.Fatal("Start refused")
	}
	for off := 0; off < len(raw); {
		n := min(chunk, len(raw)-off)
		switch r := up.Chunk(uint32(off), raw[off:off+n]); r {
		case upload.ChunkAccepted:
			off += n
		case upload.ChunkResend, upload.ChunkWait:
		default:
			t.Fatalf("chunk at %d: %v", off, r)
		}
		k.RunUntilIdle()
	}
	for i := 0; i < 1000; i++ {
		r := up.Finish()
		if r != upload.Processing {
			k.RunUntilIdle()
			return r
		}
		k.RunUntilIdle()
	}
	t.Fatal("upload never finished")
	return upload.Bad
}

// stagedMarker returns the marker of an OS image in the first segment.
func stagedMarker(t *testing.T, h *Hub) image.Marker {
	t.Helper()
	shared, _ := h.Flash().Region(flash.TypeShared)
	b, err := h.Flash().ReadBytes(shared+4+image.AppHeaderSize+image.OSMarkerOffset, 1)
	if err != nil {
		t.Fatal(err)
	}
	return image.Marker(b[0])
}

func kernelBytes(t *testing.T, h *Hub, n int) []byte {
	t.Helper()
	start, _ := h.Flash().Region(flash.TypeKernel)
	b, err := h.Flash().ReadBytes(start, uint32(n))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestOSUpdateEndToEnd(t *testing.T) {
	h := newHub(t)
	payload := osPayload(2048)
	raw := osContainer(t, buildOS(t, payload))

	if got := send(t, h, raw, 700); got != upload.Success {
		t.Fatalf("finish = %v, want success", got)
	}
	if m := stagedMarker(t, h); m != image.MarkerVerified {
		t.Fatalf("marker after upload = %v, want verified", m)
	}

	report, err := h.Reboot(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if !report.Applied || report.Status != bootloader.StatusSuccess {
		t.Errorf("report = %+v, want applied", report)
	}
	if !bytes.Equal(kernelBytes(t, h, len(payload)), payload) {
		t.Error("kernel region does not hold the new payload")
	}
	start, end := h.Flash().Region(flash.TypeKernel)
	rest, _ := h.Flash().ReadBytes(start+uint32(len(payload)), end-start-uint32(len(payload)))
	if !bytes.Equal(rest, bytes.Repeat([]byte{0xFF}, len(rest))) {
		t.Error("bytes past the payload were programmed")
	}
	if segs, _ := h.Segments().Segments(); len(segs) != 0 {
		t.Errorf("shared area not erased: %+v", segs)
	}
}

func TestOSUpdateFlippedBit(t *testing.T) {
	h := newHub(t)
	osImg := buildOS(t, osPayload(2048))
	osImg[image.OSHeaderSize+1000] ^= 0x10
	// The container is signed over the corrupted image, so only the OS
	// signature check can catch the flip.
	raw := osContainer(t, osImg)
	before := kernelBytes(t, h, 256)

	if got := send(t, h, raw, 700); got != upload.Success {
		t.Fatalf("finish = %v, want success", got)
	}
	if m := stagedMarker(t, h); m != image.MarkerInvalid {
		t.Fatalf("marker = %v, want invalid", m)
	}

	report, err := h.Reboot(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if report.Applied || report.Status != bootloader.StatusMarkerInvalid {
		t.Errorf("report = %+v, want rejected", report)
	}
	if !bytes.Equal(kernelBytes(t, h, 256), before) {
		t.Error("kernel region changed")
	}
}

func TestChunkAheadRestarts(t *testing.T) {
	h := newHub(t)
	sb := signer(t)
	raw, err := sb.Build(image.NewAppHeader(image.MakeAppID(vendor, 4), 2, image.PayloadApp, image.FlagApplication),
		bytes.Repeat([]byte("barometer "), 150))
	if err != nil {
		t.Fatal(err)
	}
	up, k := h.Uploads(), h.Kernel()

	up.Start(uint32(len(raw)), crc32.ChecksumIEEE(raw))
	if r := up.Chunk(0, raw[:700]); r != upload.ChunkAccepted {
		t.Fatalf("first chunk = %v", r)
	}
	k.RunUntilIdle()
	if r := up.Chunk(800, raw[800:1400]); r != upload.ChunkRestart {
		t.Fatalf("chunk 100 bytes ahead = %v, want restart", r)
	}

	if got := send(t, h, raw, 700); got != upload.Success {
		t.Errorf("retransmission = %v, want success", got)
	}
}

func TestPowerOnWithoutKernel(t *testing.T) {
	h, err := New(testConfig(), WithTrustedKeys(testkeys.Table(t, "device")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.PowerOn(context.Background(), nil); !errors.Is(err, bootloader.ErrNoKernel) {
		t.Fatalf("PowerOn = %v, want ErrNoKernel", err)
	}
	if h.Running() {
		t.Error("hub running without a kernel")
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Run = %v, want ErrNotRunning", err)
	}
	if _, err := h.Exchange(context.Background(), nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Exchange = %v, want ErrNotRunning", err)
	}
}

func TestFlashKernelTooLarge(t *testing.T) {
	h, err := New(testConfig(), WithTrustedKeys(testkeys.Table(t, "device")))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.FlashKernel(make([]byte, 0x1401)); err == nil {
		t.Error("oversized kernel accepted")
	}
	if err := h.FlashKernel(nil); err == nil {
		t.Error("empty kernel accepted")
	}
}

type sensorApp struct {
	inits int
	code  []byte
}

func (a *sensorApp) Init(k *kernel.Kernel, tid kernel.TID) bool {
	a.inits++
	return true
}

func (a *sensorApp) Handle(kernel.EventType, any) {}

func (a *sensorApp) End() {}

func TestRegistryRunsUploadedApp(t *testing.T) {
	id := image.MakeAppID(vendor, 9)
	app := &sensorApp{}
	reg := NewRegistry()
	reg.Register(id, func(img *kernel.AppImage) (kernel.App, error) {
		app.code = img.Code
		return app, nil
	})
	h := newHub(t, WithPlatform(reg))

	body := []byte("accelerometer driver")
	sb := signer(t)
	raw, err := sb.Build(image.NewAppHeader(id, 5, image.PayloadApp, image.FlagApplication), body)
	if err != nil {
		t.Fatal(err)
	}
	if got := send(t, h, raw, 700); got != upload.Success {
		t.Fatalf("finish = %v", got)
	}

	if _, err := h.Reboot(context.Background(), nil); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if app.inits != 1 || !bytes.Equal(app.code, body) {
		t.Errorf("app inits = %d, code = %q", app.inits, app.code)
	}
	if got := h.Kernel().TaskCount(); got != 2 {
		t.Errorf("TaskCount = %d, want host command app plus sensor app", got)
	}
	if reg.Loaded() != 1 {
		t.Errorf("Loaded = %d", reg.Loaded())
	}
	if _, ok := h.Kernel().TidByAppID(id); !ok {
		t.Error("uploaded app is not running")
	}
}

func TestRegistryUnknownApp(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Load(&kernel.AppImage{Header: image.NewAppHeader(image.MakeAppID(vendor, 1), 1, image.PayloadApp, image.FlagApplication)})
	if err == nil {
		t.Error("Load of unregistered app succeeded")
	}
}

// runHub runs the kernel loop of h until the test ends.
func runHub(t *testing.T, h *Hub) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func TestClientUploadThenReboot(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxChunk = protocol.MaxChunkData
	h, err := New(cfg, WithTrustedKeys(testkeys.Table(t, "device")))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.FlashKernel([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.PowerOn(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	ctx := runHub(t, h)
	c := client.New(NewLoopback(ctx, h),
		client.WithBusyDelay(time.Millisecond),
		client.WithPollInterval(time.Millisecond),
	)

	v, err := c.OSHWVersions(ctx)
	if err != nil {
		t.Fatalf("OSHWVersions: %v", err)
	}
	if v.HWType != 0x4E48 {
		t.Errorf("HWType = 0x%04X", v.HWType)
	}

	payload := osPayload(1024)
	if err := c.Upload(ctx, osContainer(t, buildOS(t, payload))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := c.SendHal(ctx, protocol.HalReboot, nil); err != nil {
		t.Fatalf("SendHal: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !h.RebootRequested() || stagedMarker(t, h) != image.MarkerVerified {
		if time.Now().After(deadline) {
			t.Fatalf("reboot requested %v, marker %v", h.RebootRequested(), stagedMarker(t, h))
		}
		time.Sleep(time.Millisecond)
	}
}
