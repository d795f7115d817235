package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moffa90/go-nanohub/clock"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/hostcmd"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/internal/testkeys"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/segment"
	"github.com/moffa90/go-nanohub/upload"
)

// fakeHub answers each request frame with whatever handle returns.
type fakeHub struct {
	handle   func(req *protocol.Packet) []byte
	reqs     []*protocol.Packet
	out      bytes.Buffer
	readErrs int
}

func (h *fakeHub) Write(p []byte) (int, error) {
	req, err := protocol.ParsePacket(bytes.Clone(p))
	if err != nil {
		return 0, err
	}
	h.reqs = append(h.reqs, req)
	h.out.Write(h.handle(req))
	return len(p), nil
}

func (h *fakeHub) Read(p []byte) (int, error) {
	if h.readErrs > 0 {
		h.readErrs--
		h.out.Reset()
		return 0, errors.New("read timeout")
	}
	return h.out.Read(p)
}

func reply(t *testing.T, seq uint32, reason protocol.Reason, data ...byte) []byte {
	t.Helper()
	frame, err := protocol.BuildPacket(seq, reason, data)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func newTestClient(hub *fakeHub, opts ...Option) *Client {
	opts = append([]Option{WithClock(clock.NewFake(time.Unix(0, 0)))}, opts...)
	return New(hub, opts...)
}

func TestNew(t *testing.T) {
	hub := &fakeHub{}

	tests := []struct {
		name    string
		options []Option
	}{
		{name: "with no options"},
		{
			name: "with all options",
			options: []Option{
				WithProgressCallback(func(Progress) {}),
				WithLogger(nil),
				WithClock(clock.Real()),
				WithChunkSize(64),
				WithRetries(5),
				WithRetryDelay(time.Millisecond),
				WithBusyDelay(time.Millisecond),
				WithPollInterval(time.Millisecond),
				WithMaxRestarts(1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(hub, tt.options...)
			if c == nil {
				t.Fatal("New() returned nil")
			}
			if c.transport != hub {
				t.Error("transport not set correctly")
			}
		})
	}

	t.Run("out of range chunk size", func(t *testing.T) {
		c := New(hub, WithChunkSize(300))
		if c.config.ChunkSize != protocol.MaxChunkData {
			t.Errorf("ChunkSize = %d", c.config.ChunkSize)
		}
	})
}

func TestTransactRetries(t *testing.T) {
	versions := protocol.OSHWVersions{HWType: 1, HWVersion: 2, BLVersion: 3, OSVersion: 4, VariantVersion: 5}

	tests := []struct {
		name     string
		replies  func(t *testing.T, n int, req *protocol.Packet) []byte
		readErrs int
		wantErr  bool
		wantReqs int
	}{
		{
			name: "busy then ok",
			replies: func(t *testing.T, n int, req *protocol.Packet) []byte {
				if n < 3 {
					return reply(t, req.Seq, protocol.ReasonNakBusy)
				}
				return reply(t, req.Seq, req.Reason, versions.Bytes()...)
			},
			wantReqs: 3,
		},
		{
			name: "garbled request",
			replies: func(t *testing.T, n int, req *protocol.Packet) []byte {
				if n == 1 {
					return reply(t, 0, protocol.ReasonNak)
				}
				return reply(t, req.Seq, req.Reason, versions.Bytes()...)
			},
			wantReqs: 2,
		},
		{
			name: "stale reply",
			replies: func(t *testing.T, n int, req *protocol.Packet) []byte {
				if n == 1 {
					return reply(t, req.Seq+7, req.Reason, versions.Bytes()...)
				}
				return reply(t, req.Seq, req.Reason, versions.Bytes()...)
			},
			wantReqs: 2,
		},
		{
			name: "read timeout",
			replies: func(t *testing.T, n int, req *protocol.Packet) []byte {
				return reply(t, req.Seq, req.Reason, versions.Bytes()...)
			},
			readErrs: 2,
			wantReqs: 3,
		},
		{
			name: "always rejected",
			replies: func(t *testing.T, n int, req *protocol.Packet) []byte {
				return reply(t, req.Seq, protocol.ReasonNak)
			},
			wantErr:  true,
			wantReqs: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &fakeHub{readErrs: tt.readErrs}
			hub.handle = func(req *protocol.Packet) []byte {
				return tt.replies(t, len(hub.reqs), req)
			}
			c := newTestClient(hub)

			got, err := c.OSHWVersions(context.Background())
			if tt.wantErr {
				if !protocol.IsProtocolError(err) {
					t.Fatalf("error = %v, want ProtocolError", err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if *got != versions {
					t.Errorf("versions = %+v", *got)
				}
			}

			if len(hub.reqs) != tt.wantReqs {
				t.Errorf("requests = %d, want %d", len(hub.reqs), tt.wantReqs)
			}
			for _, req := range hub.reqs {
				if req.Seq != hub.reqs[0].Seq {
					t.Errorf("resend used seq %d, first was %d", req.Seq, hub.reqs[0].Seq)
				}
			}
		})
	}
}

func TestSequenceAdvances(t *testing.T) {
	hub := &fakeHub{}
	hub.handle = func(req *protocol.Packet) []byte {
		return reply(t, req.Seq, req.Reason, 1)
	}
	c := newTestClient(hub)
	for i := 0; i < 3; i++ {
		if err := c.MaskInterrupt(context.Background(), 4); err != nil {
			t.Fatal(err)
		}
	}
	if hub.reqs[0].Seq == hub.reqs[1].Seq || hub.reqs[1].Seq == hub.reqs[2].Seq {
		t.Errorf("sequence numbers reused: %d %d %d", hub.reqs[0].Seq, hub.reqs[1].Seq, hub.reqs[2].Seq)
	}
}

func TestAckedRefused(t *testing.T) {
	hub := &fakeHub{}
	hub.handle = func(req *protocol.Packet) []byte {
		return reply(t, req.Seq, req.Reason, 0)
	}
	c := newTestClient(hub)
	err := c.SendToApp(context.Background(), 0x1234, []byte("hi"))
	if !errors.Is(err, errRefused) {
		t.Errorf("error = %v, want refused", err)
	}
}

func TestContextCancelled(t *testing.T) {
	hub := &fakeHub{}
	hub.handle = func(req *protocol.Packet) []byte {
		return reply(t, req.Seq, protocol.ReasonNakBusy)
	}
	c := newTestClient(hub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.OSHWVersions(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(hub.reqs) != 0 {
		t.Errorf("sent %d requests after cancel", len(hub.reqs))
	}
}

// scriptedUpload is a fake hub side of the upload commands.
type scriptedUpload struct {
	t       *testing.T
	chunk   func(offset uint32, n int) upload.ChunkReply
	finish  []upload.Reply
	offsets []uint32
	starts  int
}

func (s *scriptedUpload) handle(req *protocol.Packet) []byte {
	switch req.Reason {
	case protocol.ReasonStartFirmwareUpload:
		s.starts++
		return reply(s.t, req.Seq, req.Reason, 1)
	case protocol.ReasonFirmwareChunk:
		off, data, _ := protocol.ParseChunkRequest(req.Data)
		s.offsets = append(s.offsets, off)
		r := upload.ChunkAccepted
		if s.chunk != nil {
			r = s.chunk(off, len(data))
		}
		return reply(s.t, req.Seq, req.Reason, byte(r))
	case protocol.ReasonFinishFirmwareUpload:
		r := upload.Success
		if len(s.finish) > 0 {
			r, s.finish = s.finish[0], s.finish[1:]
		}
		return reply(s.t, req.Seq, req.Reason, byte(r))
	}
	return reply(s.t, req.Seq, protocol.ReasonNak)
}

func TestUploadScripted(t *testing.T) {
	img := bytes.Repeat([]byte{0xC3}, 250)

	tests := []struct {
		name        string
		chunk       func(s *scriptedUpload) func(offset uint32, n int) upload.ChunkReply
		finish      []upload.Reply
		wantErr     bool
		wantChunk   upload.ChunkReply
		wantReply   upload.Reply
		wantStarts  int
		wantOffsets []uint32
	}{
		{
			name:        "clean",
			finish:      []upload.Reply{upload.Processing, upload.Processing, upload.Success},
			wantStarts:  1,
			wantOffsets: []uint32{0, 100, 200},
		},
		{
			name: "resend and wait",
			chunk: func(s *scriptedUpload) func(uint32, int) upload.ChunkReply {
				n := 0
				return func(off uint32, _ int) upload.ChunkReply {
					n++
					switch n {
					case 2:
						return upload.ChunkResend
					case 3:
						return upload.ChunkWait
					}
					return upload.ChunkAccepted
				}
			},
			wantStarts:  1,
			wantOffsets: []uint32{0, 100, 100, 100, 200},
		},
		{
			name: "restart",
			chunk: func(s *scriptedUpload) func(uint32, int) upload.ChunkReply {
				done := false
				return func(off uint32, _ int) upload.ChunkReply {
					if off == 200 && !done {
						done = true
						return upload.ChunkRestart
					}
					return upload.ChunkAccepted
				}
			},
			wantStarts:  1,
			wantOffsets: []uint32{0, 100, 200, 0, 100, 200},
		},
		{
			name: "cancel starts over",
			chunk: func(s *scriptedUpload) func(uint32, int) upload.ChunkReply {
				done := false
				return func(off uint32, _ int) upload.ChunkReply {
					if off == 100 && !done {
						done = true
						return upload.ChunkCancel
					}
					return upload.ChunkAccepted
				}
			},
			finish:      []upload.Reply{upload.Bad, upload.Success},
			wantStarts:  2,
			wantOffsets: []uint32{0, 100, 0, 100, 200},
		},
		{
			name: "cancel no retry",
			chunk: func(s *scriptedUpload) func(uint32, int) upload.ChunkReply {
				return func(off uint32, _ int) upload.ChunkReply {
					if off == 100 {
						return upload.ChunkCancelNoRetry
					}
					return upload.ChunkAccepted
				}
			},
			finish:      []upload.Reply{upload.MemoryError},
			wantErr:     true,
			wantChunk:   upload.ChunkCancelNoRetry,
			wantReply:   upload.MemoryError,
			wantStarts:  1,
			wantOffsets: []uint32{0, 100},
		},
		{
			name:        "rejected image",
			finish:      []upload.Reply{upload.Processing, upload.SigVerifyFail},
			wantErr:     true,
			wantReply:   upload.SigVerifyFail,
			wantStarts:  1,
			wantOffsets: []uint32{0, 100, 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedUpload{t: t, finish: tt.finish}
			if tt.chunk != nil {
				s.chunk = tt.chunk(s)
			}
			hub := &fakeHub{handle: s.handle}

			var phases []string
			c := newTestClient(hub,
				WithChunkSize(100),
				WithProgressCallback(func(p Progress) {
					if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
						phases = append(phases, p.Phase)
					}
				}),
			)

			err := c.Upload(context.Background(), img)
			if tt.wantErr {
				var ue *UploadError
				if !errors.As(err, &ue) {
					t.Fatalf("error = %v, want UploadError", err)
				}
				if ue.Chunk != tt.wantChunk || ue.Reply != tt.wantReply {
					t.Errorf("UploadError = %+v, want chunk %v reply %v", ue, tt.wantChunk, tt.wantReply)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if s.starts != tt.wantStarts {
				t.Errorf("starts = %d, want %d", s.starts, tt.wantStarts)
			}
			if len(s.offsets) != len(tt.wantOffsets) {
				t.Fatalf("offsets = %v, want %v", s.offsets, tt.wantOffsets)
			}
			for i := range s.offsets {
				if s.offsets[i] != tt.wantOffsets[i] {
					t.Errorf("offsets = %v, want %v", s.offsets, tt.wantOffsets)
					break
				}
			}
			if !tt.wantErr && phases[len(phases)-1] != PhaseComplete {
				t.Errorf("phases = %v", phases)
			}
		})
	}
}

func TestUploadTooManyRestarts(t *testing.T) {
	s := &scriptedUpload{t: t}
	s.chunk = func(off uint32, _ int) upload.ChunkReply {
		if off == 100 {
			return upload.ChunkRestart
		}
		return upload.ChunkAccepted
	}
	c := newTestClient(&fakeHub{handle: s.handle}, WithChunkSize(100), WithMaxRestarts(2))
	err := c.Upload(context.Background(), make([]byte, 300))
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Chunk != upload.ChunkRestart {
		t.Fatalf("error = %v, want restart UploadError", err)
	}
	if n := len(s.offsets); n != 6 {
		t.Errorf("chunks sent = %d, want 6", n)
	}
}

func TestUploadEmpty(t *testing.T) {
	c := newTestClient(&fakeHub{})
	if err := c.Upload(context.Background(), nil); err == nil {
		t.Error("empty image accepted")
	}
}

// serverTransport feeds request frames straight into a host command server.
type serverTransport struct {
	ctx context.Context
	srv *hostcmd.Server
	out bytes.Buffer
}

func (s *serverTransport) Write(p []byte) (int, error) {
	r, err := s.srv.Exchange(s.ctx, p)
	if err != nil {
		return 0, err
	}
	s.out.Write(r)
	return len(p), nil
}

func (s *serverTransport) Read(p []byte) (int, error) { return s.out.Read(p) }

type hub struct {
	store *segment.Store
	srv   *hostcmd.Server
	c     *Client
}

func startHub(t *testing.T, opts ...Option) *hub {
	t.Helper()
	layout := flash.SmallLayout()
	ctrl, err := flash.NewController(flash.NewMemDevice(layout.Size()), layout)
	if err != nil {
		t.Fatal(err)
	}
	store := segment.New(ctrl)
	k := kernel.New(kernel.WithSegments(store))
	up := upload.New(k, store, upload.WithTrustedKeys(testkeys.Table(t, "client")))
	srv := hostcmd.New(k, up, hostcmd.WithVersions(protocol.OSHWVersions{HWType: 0x4E48, OSVersion: 3}))
	if _, err := k.StartInternal(srv.App()); err != nil {
		t.Fatal(err)
	}
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	k.RunUntilIdle()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	opts = append([]Option{WithClock(clock.NewFake(time.Unix(0, 0)))}, opts...)
	return &hub{
		store: store,
		srv:   srv,
		c:     New(&serverTransport{ctx: ctx, srv: srv}, opts...),
	}
}

func signedApp(t *testing.T, body []byte) []byte {
	t.Helper()
	b := image.Builder{SignWith: testkeys.Key(t, "client")}
	raw, err := b.Build(image.NewAppHeader(image.MakeAppID(0x474F4F474C, 2), 9, image.PayloadApp, image.FlagApplication), body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestAgainstServer(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	v, err := h.c.OSHWVersions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.HWType != 0x4E48 || v.OSVersion != 3 {
		t.Errorf("versions = %+v", v)
	}

	apps, err := h.c.Apps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].ID != protocol.HalAppID {
		t.Errorf("apps = %+v", apps)
	}

	ver, found, err := h.c.AppVersion(ctx, protocol.HalAppID)
	if err != nil || !found || ver != hostcmd.AppVersion {
		t.Errorf("HAL app version = %d, %v, %v", ver, found, err)
	}

	bm, err := h.c.Interrupts(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bm[0]&(1<<protocol.IntBootComplete) == 0 {
		t.Errorf("boot complete not pending: % X", bm)
	}
}

func TestUploadAgainstServer(t *testing.T) {
	var last Progress
	h := startHub(t, WithProgressCallback(func(p Progress) { last = p }))
	raw := signedApp(t, bytes.Repeat([]byte("magnetometer "), 60))

	if err := h.c.Upload(context.Background(), raw); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if last.Phase != PhaseComplete || last.BytesSent != len(raw) {
		t.Errorf("last progress = %+v", last)
	}

	segs, err := h.store.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 || segs[0].State != segment.StateValid {
		t.Errorf("segments = %+v", segs)
	}
}

func TestUploadRejectedByServer(t *testing.T) {
	h := startHub(t)
	raw := signedApp(t, bytes.Repeat([]byte{0x11}, 400))
	raw[image.AppHeaderSize+10] ^= 0x80

	err := h.c.Upload(context.Background(), raw)
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UploadError", err)
	}
	if ue.Reply != upload.SigVerifyFail {
		t.Errorf("reply = %v, want %v", ue.Reply, upload.SigVerifyFail)
	}
}
