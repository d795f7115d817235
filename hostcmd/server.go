package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/upload"
)

// AppVersion is the version of the host command app.
const AppVersion = 1

var errLoopBusy = errors.New("hostcmd: kernel queue full")

// Server answers host command packets. Commands that only touch the
// interrupt bitmap, the outbox or constant data run on the caller's
// goroutine; everything else runs on the kernel loop.
type Server struct {
	cfg   Config
	k     *kernel.Kernel
	up    *upload.Manager
	irq   *Interrupts
	out   *outbox
	tsync timeSync
	boot  time.Time
	busy  atomic.Bool

	// mu serializes requests and guards the retransmit cache.
	mu   sync.Mutex
	last struct {
		valid bool
		seq   uint32
		reply []byte
	}
}

// New returns a server for k and up. Start it as an internal app with
// k.StartInternal(srv.App()) so it can take HAL messages and forward app
// events to the host.
func New(k *kernel.Kernel, up *upload.Manager, opts ...Option) *Server {
	if k == nil {
		panic("kernel cannot be nil")
	}
	if up == nil {
		panic("upload manager cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.OutboxLength <= 0 {
		cfg.OutboxLength = defaultConfig().OutboxLength
	}
	return &Server{
		cfg:  cfg,
		k:    k,
		up:   up,
		irq:  NewInterrupts(cfg.InterruptLine),
		out:  newOutbox(cfg.OutboxLength),
		boot: cfg.Clock.Now(),
	}
}

// App returns the internal app through which the server receives HAL
// messages and app-to-host events.
func (s *Server) App() kernel.InternalApp {
	return kernel.InternalApp{
		Header: image.NewAppHeader(image.AppID(protocol.HalAppID), AppVersion, image.PayloadApp,
			image.FlagInternal|image.FlagApplication),
		New: func() kernel.App { return &halApp{s: s} },
	}
}

// Interrupts returns the interrupt bitmap shown to the host.
func (s *Server) Interrupts() *Interrupts { return s.irq }

// SetBusy makes every request get ReasonNakBusy until cleared.
func (s *Server) SetBusy(busy bool) { s.busy.Store(busy) }

// Busy reports whether requests are being refused.
func (s *Server) Busy() bool { return s.busy.Load() }

// PendingEvents returns the number of events waiting for READ_EVENT.
func (s *Server) PendingEvents() int { return s.out.len() }

// TimeOffset returns the estimated host boot time minus hub boot time.
// ok is false until a READ_EVENT carried a host timestamp.
func (s *Server) TimeOffset() (offset time.Duration, ok bool) { return s.tsync.offset() }

// now is the hub boot time in nanoseconds.
func (s *Server) now() uint64 {
	return uint64(s.cfg.Clock.Now().Sub(s.boot))
}

// Exchange answers one request frame. It is safe to call from any
// goroutine while the kernel loop runs elsewhere; it blocks until the
// reply is ready or ctx is done.
func (s *Server) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	return s.respond(frame, func(cmd *command, data []byte, ts uint64) ([]byte, error) {
		if cmd.fast {
			return cmd.handle(s, data, ts), nil
		}
		data = bytes.Clone(data)
		done := make(chan []byte, 1)
		if !s.k.Defer(func() { done <- cmd.handle(s, data, ts) }, true) {
			return nil, errLoopBusy
		}
		select {
		case reply := <-done:
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Process answers one request frame. It must be called on the kernel loop.
func (s *Server) Process(frame []byte) []byte {
	reply, _ := s.respond(frame, func(cmd *command, data []byte, ts uint64) ([]byte, error) {
		return cmd.handle(s, data, ts), nil
	})
	return reply
}

// Serve reads request frames from rw and writes the replies until the
// stream ends, a transfer fails, or ctx is done. A clean end of stream
// returns nil.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := protocol.ReadPacket(rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		reply, err := s.Exchange(ctx, frame)
		if err != nil {
			return err
		}
		if _, err := rw.Write(reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

func (s *Server) respond(frame []byte, run func(cmd *command, data []byte, ts uint64) ([]byte, error)) ([]byte, error) {
	ts := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := protocol.ParsePacket(frame)
	if err != nil {
		s.logDebug("bad request frame", "error", err)
		return nak(0, protocol.ReasonNak), nil
	}

	if s.last.valid && p.Seq == s.last.seq {
		s.logDebug("retransmitting reply", "seq", p.Seq)
		return s.last.reply, nil
	}

	if s.busy.Load() {
		return nak(p.Seq, protocol.ReasonNakBusy), nil
	}

	cmd := findCommand(p.Reason)
	if cmd == nil {
		s.logDebug("unknown request", "reason", p.Reason)
		return nak(p.Seq, protocol.ReasonNak), nil
	}
	if len(p.Data) < cmd.minLen || len(p.Data) > cmd.maxLen {
		s.logDebug("bad request length", "reason", p.Reason, "len", len(p.Data))
		return nak(p.Seq, protocol.ReasonNak), nil
	}

	data, err := run(cmd, p.Data, ts)
	if errors.Is(err, errLoopBusy) {
		s.logError("cannot schedule request", "reason", p.Reason)
		return nak(p.Seq, protocol.ReasonNakBusy), nil
	}
	if err != nil {
		return nil, err
	}

	reply, err := protocol.BuildPacket(p.Seq, cmd.reason, data)
	if err != nil {
		s.logError("reply too large", "reason", p.Reason, "error", err)
		return nak(p.Seq, protocol.ReasonNak), nil
	}
	s.last.valid = true
	s.last.seq = p.Seq
	s.last.reply = reply
	return reply, nil
}

func nak(seq uint32, reason protocol.Reason) []byte {
	frame, _ := protocol.BuildPacket(seq, reason, nil)
	return frame
}

// toHost queues an app-to-host raw packet for READ_EVENT.
func (s *Server) toHost(data any) {
	var raw []byte
	switch v := data.(type) {
	case protocol.RawPacket:
		b, err := v.MarshalBinary()
		if err != nil {
			s.logError("dropping app event", "error", err)
			return
		}
		raw = b
	case []byte:
		if _, err := protocol.ParseRawPacket(v); err != nil {
			s.logError("dropping app event", "error", err)
			return
		}
		raw = v
	default:
		s.logError("dropping app event of unknown type", "type", fmt.Sprintf("%T", data))
		return
	}

	evt, err := protocol.Event{Type: protocol.EventAppToHost, Data: raw}.MarshalBinary()
	if err != nil {
		s.logError("dropping app event", "error", err)
		return
	}
	if !s.out.push(evt) {
		s.logError("outbox full, dropping app event")
		return
	}
	s.irq.Set(protocol.IntWakeup)
}

func (s *Server) logDebug(msg string, keysAndValues ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (s *Server) logInfo(msg string, keysAndValues ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (s *Server) logError(msg string, keysAndValues ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error(msg, keysAndValues...)
	}
}

// halApp is the kernel side of the server.
type halApp struct {
	s *Server
}

func (a *halApp) Init(k *kernel.Kernel, tid kernel.TID) bool {
	k.Subscribe(kernel.EvtAppStart)
	k.Subscribe(kernel.EvtAppToHost)
	a.s.logInfo("host command server started", "tid", tid)
	return true
}

func (a *halApp) Handle(typ kernel.EventType, data any) {
	switch typ {
	case kernel.EvtAppStart:
		a.s.k.Unsubscribe(kernel.EvtAppStart)
		a.s.irq.Set(protocol.IntBootComplete)
	case kernel.EvtAppToHost:
		a.s.toHost(data)
	case kernel.EvtAppFromHost:
		if msg, ok := data.([]byte); ok {
			a.s.handleHal(msg)
		}
	}
}

func (a *halApp) End() {}
