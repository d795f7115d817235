package upload

import (
	"errors"
	"hash/crc32"

	"github.com/moffa90/go-nanohub/appsec"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/kernel"
	"github.com/moffa90/go-nanohub/segment"
)

var errNoSegment = errors.New("upload: no segment reserved")

// download is the state of the one upload in flight.
type download struct {
	size      uint32 // container size announced by the host
	crc       uint32 // container CRC-32 announced by the host
	srcOffset uint32 // bytes received from the host
	dstOffset uint32 // bytes written to the segment
	srcCRC    uint32 // CRC-32 of the bytes received so far

	seg      *segment.Segment
	verifier *appsec.Verifier

	data    []byte // last accepted chunk
	lenLeft int    // bytes of data not yet taken by the verifier
	done    func(ok bool)

	chunkReply     ChunkReply
	erase          bool
	eraseScheduled bool
	writeScheduled bool
}

// Manager runs the firmware upload state machine. At most one upload is in
// flight. All methods must be called on the kernel loop; verification and
// flash writes are deferred onto the same loop in small steps.
type Manager struct {
	cfg   Config
	k     *kernel.Kernel
	store *segment.Store

	dl     *download
	status appsec.Status
	result Reply
}

// New returns a Manager staging uploads into store.
func New(k *kernel.Kernel, store *segment.Store, opts ...Option) *Manager {
	if k == nil {
		panic("kernel cannot be nil")
	}
	if store == nil {
		panic("segment store cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FeedSize <= 0 {
		cfg.FeedSize = defaultConfig().FeedSize
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = defaultConfig().MaxChunk
	}
	return &Manager{cfg: cfg, k: k, store: store}
}

// Keys returns the AES key store, which may be nil.
func (m *Manager) Keys() *Keys { return m.cfg.Keys }

// Active reports whether an upload is in flight.
func (m *Manager) Active() bool { return m.dl != nil }

// Status returns the verifier status of the current or last upload.
func (m *Manager) Status() appsec.Status { return m.status }

// Progress returns the bytes received and the announced size of the upload
// in flight.
func (m *Manager) Progress() (received, size uint32, ok bool) {
	if m.dl == nil {
		return 0, 0, false
	}
	return m.dl.srcOffset, m.dl.size, true
}

// Start begins an upload of a size-byte container whose CRC-32 is crc. An
// upload already in flight is discarded.
func (m *Manager) Start(size, crc uint32) bool {
	fresh := m.dl == nil
	if fresh {
		m.dl = &download{}
	}
	m.dl.size = size
	m.dl.crc = crc
	m.dl.chunkReply = ChunkAccepted
	m.reset(fresh)
	m.logInfo("upload started", "size", size, "crc", crc)
	return true
}

// Cancel makes the next chunk of the upload in flight fail with
// ChunkCancel.
func (m *Manager) Cancel() {
	if m.dl != nil {
		m.dl.chunkReply = ChunkCancel
	}
}

// reset rewinds the upload to offset 0. A segment that received no data and
// can hold the announced size is reused; otherwise it is closed as erased
// and a new one reserved.
func (m *Manager) reset(initial bool) {
	dl := m.dl
	m.status = appsec.OK
	m.result = Success
	dl.verifier = appsec.New(appsec.Config{
		Write:         m.write,
		Keys:          m.cfg.TrustedKeys,
		Lookup:        m.cfg.Keys.Lookup,
		RequireSigned: m.cfg.RequireSigned,
	})
	dl.srcOffset = 0
	dl.srcCRC = 0
	dl.lenLeft = 0
	dl.done = nil

	create := true
	if !initial && dl.seg != nil {
		if dl.dstOffset == 0 && m.store.Fits(*dl.seg, dl.size) {
			create = false
		} else if err := m.store.Close(*dl.seg, dl.dstOffset, segment.StateErased); err != nil {
			m.logError("closing abandoned segment failed", "addr", dl.seg.Addr, "error", err)
		}
	}
	if create {
		dl.seg = nil
		seg, err := m.store.Create(dl.size)
		if err != nil {
			m.logInfo("no room for upload, shared area erase pending", "size", dl.size, "error", err)
			dl.erase = true
		} else {
			dl.seg = &seg
		}
	}
	dl.dstOffset = 0
}

// write is the verifier output: header and plaintext go to the segment.
func (m *Manager) write(p []byte) error {
	dl := m.dl
	if dl == nil || dl.seg == nil {
		return errNoSegment
	}
	if err := m.store.Write(*dl.seg, dl.dstOffset, p); err != nil {
		return err
	}
	dl.dstOffset += uint32(len(p))
	return nil
}

// Chunk takes the next piece of the container at offset.
func (m *Manager) Chunk(offset uint32, data []byte) ChunkReply {
	return m.chunk(offset, data, nil)
}

// ChunkAsync is Chunk for callers that want to hear when the chunk has
// been verified and written. done runs on the kernel loop with the
// outcome. The container CRC is not checked for chunks sent this way.
func (m *Manager) ChunkAsync(offset uint32, data []byte, done func(ok bool)) ChunkReply {
	if done == nil {
		done = func(bool) {}
	}
	return m.chunk(offset, data, done)
}

func (m *Manager) chunk(offset uint32, data []byte, done func(bool)) ChunkReply {
	dl := m.dl
	switch {
	case dl == nil:
		return ChunkCancelNoRetry
	case m.status == appsec.NeedMoreTime || dl.lenLeft > 0:
		if !dl.writeScheduled {
			m.scheduleWrite()
		}
		return ChunkResend
	case dl.chunkReply != ChunkAccepted:
		reply := dl.chunkReply
		m.finish(false)
		return reply
	case dl.erase:
		if !dl.eraseScheduled {
			dl.eraseScheduled = m.k.Defer(m.eraseShared, false)
		}
		return ChunkWait
	case dl.seg == nil:
		// Still no room after erasing.
		m.finish(false)
		return ChunkCancelNoRetry
	case offset != dl.srcOffset || len(data) > m.cfg.MaxChunk:
		m.logInfo("chunk out of sequence, restarting", "offset", offset, "expected", dl.srcOffset, "len", len(data))
		m.reset(false)
		return ChunkRestart
	}

	if done == nil {
		dl.srcCRC = crc32.Update(dl.srcCRC, crc32.IEEETable, data)
	}
	dl.srcOffset += uint32(len(data))
	dl.data = append(dl.data[:0], data...)
	dl.lenLeft = len(data)
	dl.done = done
	m.scheduleWrite()
	return ChunkAccepted
}

func (m *Manager) scheduleWrite() {
	m.dl.writeScheduled = m.k.Defer(m.writeStep, false)
	if !m.dl.writeScheduled {
		m.logError("cannot defer upload write")
	}
}

// writeStep feeds at most FeedSize bytes, or runs one signature step, and
// re-defers itself until the chunk is consumed.
func (m *Manager) writeStep() {
	dl := m.dl
	if dl == nil {
		return
	}
	dl.writeScheduled = false

	if m.status == appsec.NeedMoreTime {
		m.status = dl.verifier.DoSomeProcessing()
	} else if dl.lenLeft > 0 {
		start := len(dl.data) - dl.lenLeft
		n := min(dl.lenLeft, m.cfg.FeedSize)
		left, st := dl.verifier.RxData(dl.data[start : start+n])
		m.status = st
		dl.lenLeft -= n - left
	}

	valid := m.status == appsec.OK
	if m.status == appsec.NeedMoreTime || (valid && dl.lenLeft > 0) {
		m.scheduleWrite()
		return
	}

	finished := false
	if valid {
		switch {
		case dl.srcOffset == dl.size:
			finished = true
			valid = dl.done != nil || dl.crc == dl.srcCRC
			if !valid {
				m.logInfo("upload CRC mismatch", "want", dl.crc, "got", dl.srcCRC)
			}
		case dl.srcOffset > dl.size:
			valid = false
		}
	}
	if !valid {
		finished = true
	}
	done := dl.done
	dl.done = nil
	if finished && m.finish(valid) != Success {
		valid = false
	}
	if done != nil {
		done(valid)
	}
}

// eraseShared erases the shared area for an upload that found no room.
func (m *Manager) eraseShared() {
	dl := m.dl
	if dl == nil {
		return
	}
	dl.eraseScheduled = false
	if !dl.erase {
		return
	}
	m.logInfo("erasing shared area")
	m.setBusy(true)
	if err := m.store.EraseAll(); err != nil {
		m.logError("erasing shared area failed", "error", err)
	}
	m.setBusy(false)
	dl.erase = false
	seg, err := m.store.Create(dl.size)
	if err != nil {
		m.logError("no room for upload after erase", "size", dl.size, "error", err)
		m.finish(false)
	} else {
		dl.seg = &seg
	}
	if m.cfg.OnEraseDone != nil {
		m.cfg.OnEraseDone()
	}
}

// Finish is the host asking for the outcome. It returns Processing while
// the last bytes are still being verified, the final reply once the
// upload ended, and ends an upload that stopped short.
func (m *Manager) Finish() Reply {
	switch {
	case m.dl == nil:
		return m.result
	case m.dl.srcOffset == m.dl.size:
		return Processing
	default:
		return m.finish(false)
	}
}

// finish ends the upload in flight and closes its segment, VALID only if
// verification passed and valid is set.
func (m *Manager) finish(valid bool) Reply {
	dl := m.dl
	if dl == nil {
		return m.result
	}
	m.dl = nil

	if valid && m.status == appsec.OK {
		if st := dl.verifier.Finish(); st != appsec.OK {
			m.status = st
			valid = false
		}
	}
	if dl.seg == nil {
		m.settle(Bad)
		return Bad
	}

	seg := *dl.seg
	var hdr *image.AppHeader
	if dl.dstOffset >= image.AppHeaderSize {
		if raw, err := m.store.Flash().ReadBytes(seg.DataAddr(), image.AppHeaderSize); err == nil {
			hdr, _ = image.ParseAppHeader(raw)
		}
	}

	state := segment.StateErased
	if valid && m.status == appsec.OK {
		cur, err := m.store.Read(seg.Addr)
		if err == nil && cur.State == segment.StateReserved && dl.size >= image.AppHeaderSize && hdr != nil {
			state = segment.StateValid
		} else {
			m.logInfo("staged header check failed", "addr", seg.Addr)
		}
	} else {
		m.logInfo("upload verification failed", "valid", valid, "status", m.status.String())
	}

	ok := false
	if err := m.store.Close(seg, dl.dstOffset, state); err != nil {
		m.logError("closing segment failed", "addr", seg.Addr, "error", err)
	} else if cur, err := m.store.Read(seg.Addr); err == nil {
		seg = cur
		ok = cur.State == segment.StateValid
	}
	m.logInfo("upload closed", "addr", seg.Addr, "bytes", dl.dstOffset, "state", seg.State.String())

	ret := Success
	if !ok {
		ret = Bad
	}
	if ret == Success && hdr != nil {
		switch hdr.PayloadType {
		case image.PayloadOS:
			// Let the reply reach the host before flash work starts.
			staged := seg
			if !m.k.Defer(func() { m.updateOS(staged) }, false) {
				m.logError("cannot defer OS update check")
			}
		case image.PayloadKey:
			ret = ReplyFor(m.updateKey(seg, hdr))
		}
	}

	if ret != Success || (hdr != nil && hdr.Flags.Has(image.FlagVolatile)) {
		if hdr != nil && hdr.Flags.Has(image.FlagSecure) && seg.Closed() {
			if err := m.store.Wipe(seg); err != nil {
				m.logError("wiping secure segment failed", "addr", seg.Addr, "error", err)
			}
		}
		if err := m.store.Erase(seg); err != nil {
			m.logError("erasing consumed segment failed", "addr", seg.Addr, "error", err)
		}
	}
	m.settle(ret)
	return ret
}

// settle records the reply later finish requests will get. A verifier
// failure keeps its own reply; any other failure reads as Bad.
func (m *Manager) settle(ret Reply) {
	switch {
	case m.status.Terminal():
		m.result = ReplyFor(m.status)
	case ret != Success:
		m.status = appsec.Bad
		m.result = ret
	default:
		m.result = Success
	}
}

// updateKey applies a key payload to the key store.
func (m *Manager) updateKey(seg segment.Segment, hdr *image.AppHeader) appsec.Status {
	data, err := m.store.Data(seg)
	if err != nil {
		return appsec.Bad
	}
	ki, err := image.ParseKeyInfo(data[image.AppHeaderSize:])
	if err != nil {
		return appsec.InvalidData
	}
	id := image.MakeKeyID(hdr.AppID.Vendor(), ki.ID)
	if hdr.Flags.Has(image.FlagKeyDelete) {
		err = m.cfg.Keys.Delete(id)
		m.logInfo("removing key", "id", id, "error", err)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return appsec.KeyNotFound
		case err != nil:
			return appsec.Bad
		}
		return appsec.OK
	}
	if ki.Type != image.KeyTypeAES256 {
		return appsec.InvalidData
	}
	err = m.cfg.Keys.Add(id, ki.Key[:])
	m.logInfo("adding key", "id", id, "error", err)
	if err != nil {
		return appsec.Bad
	}
	return appsec.OK
}

// updateOS marks a staged OS image downloaded and runs the boot-time
// check on it.
func (m *Manager) updateOS(seg segment.Segment) {
	m.setBusy(true)
	defer m.setBusy(false)

	osAddr := seg.DataAddr() + image.AppHeaderSize
	raw, err := m.store.Flash().ReadBytes(osAddr, image.OSHeaderSize)
	if err != nil {
		m.logError("reading staged OS header failed", "error", err)
		return
	}
	oh, err := image.ParseOSHeader(raw)
	if err != nil || seg.Size < image.AppHeaderSize+image.OSHeaderSize || seg.Size <= oh.Size {
		m.logError("staged OS image failed sanity check", "addr", osAddr)
		return
	}
	if err := m.store.Flash().Program(osAddr+image.OSMarkerOffset, []byte{byte(image.MarkerDownloaded)}, flash.TypeShared); err != nil {
		m.logError("could not set marker on OS image", "error", err)
		return
	}
	m.logInfo("checking OS image", "addr", osAddr, "size", oh.Size)
	if m.cfg.VerifyOSUpdate != nil {
		if err := m.cfg.VerifyOSUpdate(); err != nil {
			m.logError("OS update check failed", "error", err)
			return
		}
	}
	m.logInfo("OS update check done")
}

func (m *Manager) setBusy(busy bool) {
	if m.cfg.SetBusy != nil {
		m.cfg.SetBusy(busy)
	}
}

func (m *Manager) logInfo(msg string, keysAndValues ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logError(msg string, keysAndValues ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Error(msg, keysAndValues...)
	}
}
