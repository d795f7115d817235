package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/upload"
)

// stallLimit bounds busy replies, RESEND/WAIT chunk replies and finish
// polls that make no progress.
const stallLimit = 1000

var errRefused = errors.New("refused by hub")

// Client talks to a sensor hub over the host packet protocol.
//
// Client is safe for concurrent use; requests are serialized.
type Client struct {
	transport io.ReadWriter
	config    Config
	boot      time.Time

	mu  sync.Mutex
	seq uint32
}

// New creates a new Client on the given transport.
//
// Example:
//
//	port, _ := term.Open("/dev/ttyUSB0", term.Speed(115200), term.RawMode)
//	c := client.New(port,
//	    client.WithProgressCallback(progressFunc),
//	    client.WithRetries(5),
//	)
func New(transport io.ReadWriter, opts ...Option) *Client {
	if transport == nil {
		panic("transport cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		transport: transport,
		config:    cfg,
		boot:      cfg.Clock.Now(),
	}
}

// OSHWVersions queries the hub hardware and firmware versions.
func (c *Client) OSHWVersions(ctx context.Context) (*protocol.OSHWVersions, error) {
	reply, err := c.transact(ctx, "get versions", func(seq uint32) ([]byte, error) {
		return protocol.BuildGetOSHWVersionsCmd(seq)
	})
	if err != nil {
		return nil, err
	}
	return protocol.ParseOSHWVersionsResponse(reply.Data)
}

// AppVersion returns the version of the running app with the given id.
// found is false when no such app runs.
func (c *Client) AppVersion(ctx context.Context, appID uint64) (version uint32, found bool, err error) {
	reply, err := c.transact(ctx, "get app version", func(seq uint32) ([]byte, error) {
		return protocol.BuildGetAppVersionsCmd(seq, appID)
	})
	if err != nil {
		return 0, false, err
	}
	return protocol.ParseAppVersionsResponse(reply.Data)
}

// AppInfo returns the idx-th running app. found is false past the end of
// the run list.
func (c *Client) AppInfo(ctx context.Context, idx uint32) (*protocol.AppInfo, bool, error) {
	reply, err := c.transact(ctx, "query app info", func(seq uint32) ([]byte, error) {
		return protocol.BuildQueryAppInfoCmd(seq, idx)
	})
	if err != nil {
		return nil, false, err
	}
	return protocol.ParseAppInfoResponse(reply.Data)
}

// Apps lists every running app.
func (c *Client) Apps(ctx context.Context) ([]protocol.AppInfo, error) {
	var apps []protocol.AppInfo
	for idx := uint32(0); ; idx++ {
		info, found, err := c.AppInfo(ctx, idx)
		if err != nil {
			return nil, err
		}
		if !found {
			return apps, nil
		}
		apps = append(apps, *info)
	}
}

// StartUpload announces an image of size bytes with the given CRC-32.
func (c *Client) StartUpload(ctx context.Context, size, crc uint32) error {
	reply, err := c.transact(ctx, "start upload", func(seq uint32) ([]byte, error) {
		return protocol.BuildStartUploadCmd(seq, size, crc)
	})
	if err != nil {
		return err
	}
	ok, err := protocol.ParseByteResponse(reply.Data)
	if err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("start upload: %w", errRefused)
	}
	return nil
}

// SendChunk sends one piece of the image at offset and returns the hub's
// chunk reply.
func (c *Client) SendChunk(ctx context.Context, offset uint32, data []byte) (upload.ChunkReply, error) {
	reply, err := c.transact(ctx, "firmware chunk", func(seq uint32) ([]byte, error) {
		return protocol.BuildFirmwareChunkCmd(seq, offset, data)
	})
	if err != nil {
		return upload.ChunkCancel, err
	}
	r, err := protocol.ParseByteResponse(reply.Data)
	return upload.ChunkReply(r), err
}

// FinishUpload asks for the outcome of the upload.
func (c *Client) FinishUpload(ctx context.Context) (upload.Reply, error) {
	reply, err := c.transact(ctx, "finish upload", func(seq uint32) ([]byte, error) {
		return protocol.BuildFinishUploadCmd(seq)
	})
	if err != nil {
		return upload.Bad, err
	}
	r, err := protocol.ParseByteResponse(reply.Data)
	return upload.Reply(r), err
}

// Upload sends a complete container and waits for the hub to verify it.
// The upload starts over when the hub asks for a restart, up to
// MaxRestarts times. A rejected image is reported as *UploadError.
//
// Example:
//
//	raw, _ := os.ReadFile("app.napp")
//	if err := c.Upload(ctx, raw); err != nil {
//	    var ue *client.UploadError
//	    if errors.As(err, &ue) {
//	        log.Printf("hub said %s", ue.Reply)
//	    }
//	}
func (c *Client) Upload(ctx context.Context, img []byte) error {
	if len(img) == 0 {
		return fmt.Errorf("image cannot be empty")
	}

	start := c.config.Clock.Now()
	crc := protocol.ImageChecksum(img)
	restarts := 0

	for {
		c.reportProgress(Progress{
			Phase:       PhaseStarting,
			TotalBytes:  len(img),
			Restarts:    restarts,
			ElapsedTime: c.since(start),
		})
		if err := c.StartUpload(ctx, uint32(len(img)), crc); err != nil {
			return err
		}

		err := c.sendChunks(ctx, img, start, &restarts)
		var ue *UploadError
		if errors.As(err, &ue) && ue.Chunk == upload.ChunkCancel && restarts < c.config.MaxRestarts {
			restarts++
			c.logInfo("upload cancelled by hub, starting over", "offset", ue.Offset, "restarts", restarts)
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	c.reportProgress(Progress{
		Phase:       PhaseFinishing,
		BytesSent:   len(img),
		TotalBytes:  len(img),
		Percentage:  99,
		Restarts:    restarts,
		ElapsedTime: c.since(start),
	})

	reply, err := c.pollFinish(ctx)
	if err != nil {
		return err
	}
	if reply != upload.Success {
		return &UploadError{Reply: reply}
	}

	c.reportProgress(Progress{
		Phase:       PhaseComplete,
		BytesSent:   len(img),
		TotalBytes:  len(img),
		Percentage:  100,
		Restarts:    restarts,
		ElapsedTime: c.since(start),
	})

	c.logInfo("upload complete",
		"bytes", len(img),
		"restarts", restarts,
		"elapsed", c.since(start).String(),
	)

	return nil
}

// sendChunks streams img from offset zero until every byte was accepted.
func (c *Client) sendChunks(ctx context.Context, img []byte, start time.Time, restarts *int) error {
	stalls := 0
	for off := 0; off < len(img); {
		n := min(c.config.ChunkSize, len(img)-off)
		r, err := c.SendChunk(ctx, uint32(off), img[off:off+n])
		if err != nil {
			return err
		}

		switch r {
		case upload.ChunkAccepted:
			off += n
			stalls = 0
			c.reportProgress(Progress{
				Phase:       PhaseUploading,
				BytesSent:   off,
				TotalBytes:  len(img),
				Percentage:  float64(off) / float64(len(img)) * 98,
				Restarts:    *restarts,
				ElapsedTime: c.since(start),
			})
			continue

		case upload.ChunkResend, upload.ChunkWait:
			stalls++
			if stalls > stallLimit {
				return fmt.Errorf("upload stalled at offset %d: %s", off, r)
			}
			d := c.config.RetryDelay
			if r == upload.ChunkWait {
				d = c.config.BusyDelay
			}
			if err := c.wait(ctx, d); err != nil {
				return err
			}

		case upload.ChunkRestart:
			if *restarts >= c.config.MaxRestarts {
				return &UploadError{Reply: upload.Bad, Chunk: r, Offset: uint32(off)}
			}
			*restarts++
			c.logInfo("hub asked for restart", "offset", off, "restarts", *restarts)
			off = 0

		default:
			// The hub ended the upload; its finish reply says why.
			final, _ := c.FinishUpload(ctx)
			return &UploadError{Reply: final, Chunk: r, Offset: uint32(off)}
		}
	}
	return nil
}

func (c *Client) pollFinish(ctx context.Context) (upload.Reply, error) {
	for i := 0; i < stallLimit; i++ {
		r, err := c.FinishUpload(ctx)
		if err != nil {
			return r, err
		}
		if r != upload.Processing {
			return r, nil
		}
		if err := c.wait(ctx, c.config.PollInterval); err != nil {
			return r, err
		}
	}
	return upload.Processing, fmt.Errorf("finish upload: hub still processing after %d polls", stallLimit)
}

// Interrupts returns the pending interrupt bitmap. A 32-byte clear bitmap
// clears those bits first; nil clears nothing.
func (c *Client) Interrupts(ctx context.Context, clear []byte) ([]byte, error) {
	reply, err := c.transact(ctx, "get interrupt", func(seq uint32) ([]byte, error) {
		return protocol.BuildGetInterruptCmd(seq, clear)
	})
	if err != nil {
		return nil, err
	}
	return protocol.ParseInterruptResponse(reply.Data)
}

// MaskInterrupt moves an interrupt to the non-wakeup line.
func (c *Client) MaskInterrupt(ctx context.Context, bit uint8) error {
	return c.acked(ctx, "mask interrupt", func(seq uint32) ([]byte, error) {
		return protocol.BuildMaskInterruptCmd(seq, bit)
	})
}

// UnmaskInterrupt moves an interrupt back to the wakeup line.
func (c *Client) UnmaskInterrupt(ctx context.Context, bit uint8) error {
	return c.acked(ctx, "unmask interrupt", func(seq uint32) ([]byte, error) {
		return protocol.BuildUnmaskInterruptCmd(seq, bit)
	})
}

// ReadEvent fetches the oldest pending event, or nil if none is waiting.
// The request carries the client's boot time for hub time sync.
func (c *Client) ReadEvent(ctx context.Context) (*protocol.Event, error) {
	now := uint64(c.since(c.boot))
	reply, err := c.transact(ctx, "read event", func(seq uint32) ([]byte, error) {
		return protocol.BuildReadEventCmd(seq, now)
	})
	if err != nil {
		return nil, err
	}
	return protocol.ParseEvent(reply.Data)
}

// WriteEvent queues an event on the hub.
func (c *Client) WriteEvent(ctx context.Context, evt protocol.Event) error {
	return c.acked(ctx, "write event", func(seq uint32) ([]byte, error) {
		return protocol.BuildWriteEventCmd(seq, evt)
	})
}

// SendToApp delivers data to the running app with the given id.
func (c *Client) SendToApp(ctx context.Context, appID uint64, data []byte) error {
	return c.acked(ctx, "app message", func(seq uint32) ([]byte, error) {
		return protocol.BuildAppMessageCmd(seq, appID, data)
	})
}

// SendHal sends a HAL message. The reply, if the message has one, arrives
// as an event; read it with ReadEvent.
func (c *Client) SendHal(ctx context.Context, msg protocol.HalMsg, args []byte) error {
	return c.acked(ctx, "HAL message", func(seq uint32) ([]byte, error) {
		return protocol.BuildHalCmd(seq, msg, args)
	})
}

// acked runs a request whose reply is a single success byte.
func (c *Client) acked(ctx context.Context, op string, build func(seq uint32) ([]byte, error)) error {
	reply, err := c.transact(ctx, op, build)
	if err != nil {
		return err
	}
	ok, err := protocol.ParseByteResponse(reply.Data)
	if err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("%s: %w", op, errRefused)
	}
	return nil
}

// transact sends one request and returns its reply. Transfer errors and
// NAKs resend the same frame, so the hub can answer a request it already
// ran from its reply cache. NAK_BUSY replies wait and resend without using
// up retries.
func (c *Client) transact(ctx context.Context, op string, build func(seq uint32) ([]byte, error)) (*protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	frame, err := build(c.seq)
	if err != nil {
		return nil, err
	}
	req, err := protocol.ParsePacket(frame)
	if err != nil {
		return nil, err
	}

	attempts, busy := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cancelled: %w", err)
		}

		reply, err := c.roundTrip(op, frame, req)
		if err == nil {
			return reply, nil
		}

		var pe *protocol.ProtocolError
		if errors.As(err, &pe) && pe.Busy() && busy < stallLimit {
			busy++
			c.logDebug("hub busy", "op", op, "seq", req.Seq)
			if err := c.wait(ctx, c.config.BusyDelay); err != nil {
				return nil, err
			}
			continue
		}

		attempts++
		if attempts > c.config.Retries {
			c.logError("request failed", "op", op, "seq", req.Seq, "error", err)
			return nil, err
		}
		c.logDebug("retrying request", "op", op, "seq", req.Seq, "attempt", attempts, "error", err)
		if err := c.wait(ctx, c.config.RetryDelay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) roundTrip(op string, frame []byte, req *protocol.Packet) (*protocol.Packet, error) {
	if _, err := c.transport.Write(frame); err != nil {
		return nil, fmt.Errorf("%s: write request: %w", op, err)
	}

	raw, err := protocol.ReadPacket(c.transport)
	if err != nil {
		return nil, fmt.Errorf("%s: read reply: %w", op, err)
	}
	reply, err := protocol.ParsePacket(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// A frame the hub could not parse is NAKed with sequence zero.
	if reply.Seq == 0 && reply.Reason == protocol.ReasonNak && req.Seq != 0 {
		return nil, &protocol.ProtocolError{Operation: op, Reason: reply.Reason}
	}
	if reply.Seq != req.Seq {
		return nil, &SequenceError{Want: req.Seq, Got: reply.Seq}
	}
	if err := protocol.CheckReply(op, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled: %w", err)
	}
	if d > 0 {
		c.config.Clock.Sleep(d)
	}
	return nil
}

func (c *Client) since(t time.Time) time.Duration {
	return c.config.Clock.Now().Sub(t)
}

// reportProgress calls the progress callback if configured.
func (c *Client) reportProgress(progress Progress) {
	if c.config.ProgressCallback != nil {
		c.config.ProgressCallback(progress)
	}
}

// logDebug logs a debug message if a logger is configured.
func (c *Client) logDebug(msg string, keysAndValues ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is configured.
func (c *Client) logInfo(msg string, keysAndValues ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is configured.
func (c *Client) logError(msg string, keysAndValues ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Error(msg, keysAndValues...)
	}
}
