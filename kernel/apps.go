package kernel

import (
	"fmt"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/segment"
)

// App is the code of one task. Every method runs on the kernel loop with
// the app's task as the current task.
type App interface {
	// Init is called once after the task is created; the app typically
	// subscribes here. Returning false aborts the start.
	Init(k *Kernel, tid TID) bool

	// Handle receives subscribed broadcasts, private events, stop and
	// free notifications.
	Handle(typ EventType, data any)

	// End is called when the task is torn down.
	End()
}

// Platform binds external app images to running code.
type Platform interface {
	// Load turns a validated image into an App.
	Load(img *AppImage) (App, error)

	// Unload releases what Load acquired.
	Unload(app App)

	// FreeResources drops platform resources still held by a task,
	// such as timers or sensor handles.
	FreeResources(tid TID)
}

// AppImage is an external app as found in the segment store.
type AppImage struct {
	Header  image.AppHeader
	Segment *segment.Segment
	// Size is the segment data size including the header.
	Size uint32
	// Code is the segment data following the header.
	Code []byte
}

// InternalApp is an app linked into the kernel image.
type InternalApp struct {
	Header image.AppHeader
	New    func() App
}

// validInternal reports whether h describes a runnable internal app.
func validInternal(h image.AppHeader) bool {
	return h.Validate() == nil &&
		h.Flags.Has(image.FlagApplication|image.FlagInternal) &&
		h.PayloadType == image.PayloadApp
}

// validExternal reports whether h, stored in seg, describes a runnable
// external app.
func validExternal(seg segment.Segment, h *image.AppHeader) bool {
	return seg.State == segment.StateValid &&
		seg.Closed() &&
		seg.Size >= image.AppHeaderSize &&
		h.Flags.Has(image.FlagApplication) &&
		!h.Flags.Has(image.FlagInternal) &&
		h.PayloadType == image.PayloadApp
}

// Start runs the internal apps, then every external app found in the
// segment store, then broadcasts EvtAppStart. An interrupted upload left
// in the store causes the whole shared area to be erased first.
func (k *Kernel) Start() error {
	for _, ia := range k.cfg.InternalApps {
		if _, err := k.StartInternal(ia); err != nil {
			k.logError("internal app did not start", "app", ia.Header.AppID.String(), "error", err)
		}
	}
	if k.cfg.Segments != nil && k.cfg.Platform != nil {
		if err := k.checkSharedArea(); err != nil {
			return fmt.Errorf("scan shared area: %w", err)
		}
		st := k.StartApps(image.VendorAny, image.SeqAny)
		k.logInfo("external apps started", "found", st.Apps(), "running", st.Tasks(), "started", st.Ops(), "erased", st.Erased())
	}
	if !k.Inject(EvtAppStart, nil, nil) {
		return ErrQueueFull
	}
	return nil
}

// checkSharedArea erases the shared area if a segment before the end of
// the used space was never closed or has an unknown state.
func (k *Kernel) checkSharedArea() error {
	store := k.cfg.Segments
	corrupt := false
	err := store.Walk(func(seg segment.Segment) bool {
		switch seg.State {
		case segment.StateEmpty:
			return false
		case segment.StateValid, segment.StateErased:
			return true
		default:
			corrupt = true
			return false
		}
	})
	if err != nil {
		return err
	}
	if corrupt {
		k.logInfo("incomplete segment found, erasing shared area")
		return store.EraseAll()
	}
	return nil
}

// StartInternal creates a task for an internal app.
func (k *Kernel) StartInternal(ia InternalApp) (TID, error) {
	if ia.New == nil || !validInternal(ia.Header) {
		return TID{}, ErrInvalidApp
	}
	return k.startTask(ia.Header, nil, ia.New())
}

// StartApp loads an external image through the platform and creates a
// task for it.
func (k *Kernel) StartApp(img *AppImage) (TID, error) {
	if k.cfg.Platform == nil {
		return TID{}, fmt.Errorf("%w: no platform", ErrLoad)
	}
	app, err := k.cfg.Platform.Load(img)
	if err != nil {
		return TID{}, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	tid, err := k.startTask(img.Header, img, app)
	if err != nil {
		k.cfg.Platform.Unload(app)
	}
	return tid, err
}

func (k *Kernel) startTask(h image.AppHeader, img *AppImage, app App) (TID, error) {
	t := k.tasks.alloc()
	if t == nil {
		return TID{}, ErrNoTaskSlot
	}
	t.app = app
	t.header = h
	t.image = img

	var ok bool
	k.runAs(t, func() { ok = app.Init(k, t.tid) })
	if !ok {
		k.tasks.release(t)
		return TID{}, ErrInit
	}
	k.tasks.addRunning(t)
	k.logDebug("task started", "tid", t.tid.String(), "app", h.AppID.String())
	return t.tid, nil
}

// StopTask stops a running task. If events it sent are still queued the
// task receives EvtAppStop and is torn down once they drain; otherwise it
// is torn down at once. It reports false if tid names no running task.
func (k *Kernel) StopTask(tid TID) bool {
	t := k.tasks.lookup(tid)
	if t == nil || t == k.tasks.system() || t.stopped.Load() {
		return false
	}
	t.stopped.Store(true)
	k.tasks.removeRunning(t)

	if t.ioCount.Load() > 0 {
		k.runAs(t, func() { t.app.Handle(EvtAppStop, nil) })
		k.queueEnd(tid)
		return true
	}
	k.endTask(t)
	return true
}

func (k *Kernel) dispatchEnd(tid TID) {
	t := k.tasks.lookup(tid)
	if t == nil {
		return
	}
	if t.ioCount.Load() > 0 {
		k.queueEnd(tid)
		return
	}
	k.endTask(t)
}

// queueEnd queues the end event of a stopping task. With the queue full the
// task is parked and ended after a later dispatch finds its I/O drained.
func (k *Kernel) queueEnd(tid TID) {
	if !k.queue.push(event{typ: evtAppEnd, data: tid}, false) {
		k.logInfo("queue full, task end parked", "tid", tid.String())
		k.ending = append(k.ending, tid)
	}
}

// reapEnding ends parked tasks with no events left in the queue.
func (k *Kernel) reapEnding() {
	if len(k.ending) == 0 {
		return
	}
	parked := k.ending
	k.ending = nil
	var keep []TID
	for _, tid := range parked {
		t := k.tasks.lookup(tid)
		switch {
		case t == nil:
		case t.ioCount.Load() > 0:
			keep = append(keep, tid)
		default:
			k.endTask(t)
		}
	}
	k.ending = append(keep, k.ending...)
}

func (k *Kernel) endTask(t *task) {
	k.runAs(t, t.app.End)
	if p := k.cfg.Platform; p != nil {
		p.FreeResources(t.tid)
		if t.image != nil {
			p.Unload(t.app)
		}
	}
	k.logDebug("task ended", "tid", t.tid.String(), "app", t.header.AppID.String())
	k.tasks.release(t)
}

// MgmtStatus packs the counters of an external app management call:
// matching apps in the low byte, then running tasks matched, operations
// performed and segments erased. Each counter saturates at 255.
type MgmtStatus uint32

func newMgmtStatus(apps, tasks, ops, erased int) MgmtStatus {
	sat := func(n int) uint32 { return uint32(min(n, 0xFF)) }
	return MgmtStatus(sat(apps) | sat(tasks)<<8 | sat(ops)<<16 | sat(erased)<<24)
}

// Apps returns the number of matching apps examined.
func (s MgmtStatus) Apps() int { return int(s & 0xFF) }

// Tasks returns the number of running tasks matched.
func (s MgmtStatus) Tasks() int { return int(s >> 8 & 0xFF) }

// Ops returns the number of starts or stops performed.
func (s MgmtStatus) Ops() int { return int(s >> 16 & 0xFF) }

// Erased returns the number of segments erased.
func (s MgmtStatus) Erased() int { return int(s >> 24 & 0xFF) }

type extApp struct {
	seg    segment.Segment
	header image.AppHeader
}

// externalApps returns the valid external apps matching the filter, in
// flash order.
func (k *Kernel) externalApps(vendor uint64, seq uint32) []extApp {
	store := k.cfg.Segments
	if store == nil {
		return nil
	}
	segs, err := store.Segments()
	if err != nil {
		k.logError("segment scan failed", "error", err)
	}
	var out []extApp
	for _, seg := range segs {
		if seg.State != segment.StateValid || !seg.Closed() || seg.Size < image.AppHeaderSize {
			continue
		}
		raw, err := store.Flash().ReadBytes(seg.DataAddr(), image.AppHeaderSize)
		if err != nil {
			continue
		}
		h, err := image.ParseAppHeader(raw)
		if err != nil || !validExternal(seg, h) || !h.AppID.Matches(vendor, seq) {
			continue
		}
		out = append(out, extApp{seg: seg, header: *h})
	}
	return out
}

// taskForSegment returns the running task loaded from the segment at addr.
func (k *Kernel) taskForSegment(addr uint32) *task {
	for _, t := range k.tasks.runningTasks() {
		if t.image != nil && t.image.Segment != nil && t.image.Segment.Addr == addr {
			return t
		}
	}
	return nil
}

// taskForApp returns the running task with the given app id.
func (k *Kernel) taskForApp(id image.AppID) *task {
	for _, t := range k.tasks.runningTasks() {
		if t.header.AppID == id {
			return t
		}
	}
	return nil
}

// StartApps starts the newest copy of every matching external app that is
// not already running. Older copies not backing a task are erased.
func (k *Kernel) StartApps(vendor uint64, seq uint32) MgmtStatus {
	apps := k.externalApps(vendor, seq)
	var nApps, nTasks, nOps, nErased int
	for i, a := range apps {
		nApps++
		newer := false
		for _, b := range apps[i+1:] {
			if b.header.AppID == a.header.AppID {
				newer = true
				break
			}
		}
		if newer {
			continue
		}
		for _, old := range apps[:i] {
			if old.header.AppID != a.header.AppID || k.taskForSegment(old.seg.Addr) != nil {
				continue
			}
			if err := k.cfg.Segments.Erase(old.seg); err != nil {
				k.logError("erase old app copy failed", "addr", old.seg.Addr, "error", err)
				continue
			}
			nErased++
		}
		if k.taskForApp(a.header.AppID) != nil {
			nTasks++
			continue
		}
		if _, err := k.loadSegment(a); err != nil {
			k.logError("external app did not start", "app", a.header.AppID.String(), "error", err)
			continue
		}
		nOps++
	}
	return newMgmtStatus(nApps, nTasks, nOps, nErased)
}

func (k *Kernel) loadSegment(a extApp) (TID, error) {
	data, err := k.cfg.Segments.Data(a.seg)
	if err != nil {
		return TID{}, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	seg := a.seg
	return k.StartApp(&AppImage{
		Header:  a.header,
		Segment: &seg,
		Size:    a.seg.Size,
		Code:    data[image.AppHeaderSize:],
	})
}

// StopApps stops every running external app matching the filter.
func (k *Kernel) StopApps(vendor uint64, seq uint32) MgmtStatus {
	var nApps, nTasks, nOps int
	for _, t := range k.tasks.runningTasks() {
		if t.image == nil || !t.header.AppID.Matches(vendor, seq) {
			continue
		}
		nApps++
		nTasks++
		if k.StopTask(t.tid) {
			nOps++
		}
	}
	return newMgmtStatus(nApps, nTasks, nOps, 0)
}

// EraseApps stops and erases every external app matching the filter.
func (k *Kernel) EraseApps(vendor uint64, seq uint32) MgmtStatus {
	var nApps, nTasks, nOps, nErased int
	for _, a := range k.externalApps(vendor, seq) {
		nApps++
		if t := k.taskForSegment(a.seg.Addr); t != nil {
			nTasks++
			if k.StopTask(t.tid) {
				nOps++
			}
		}
		if err := k.cfg.Segments.Erase(a.seg); err != nil {
			k.logError("erase app failed", "addr", a.seg.Addr, "error", err)
			continue
		}
		nErased++
	}
	return newMgmtStatus(nApps, nTasks, nOps, nErased)
}

// AppInfoByID returns the run-list index, version and size of the running
// app with the given id.
func (k *Kernel) AppInfoByID(id image.AppID) (idx int, version, size uint32, ok bool) {
	for i, t := range k.tasks.runningTasks() {
		if t.header.AppID == id {
			return i, t.header.AppVersion, t.size(), true
		}
	}
	return 0, 0, 0, false
}

// AppInfoByIndex returns the id, version and size of the idx-th running
// app.
func (k *Kernel) AppInfoByIndex(idx int) (id image.AppID, version, size uint32, ok bool) {
	running := k.tasks.runningTasks()
	if idx < 0 || idx >= len(running) {
		return 0, 0, 0, false
	}
	t := running[idx]
	return t.header.AppID, t.header.AppVersion, t.size(), true
}

// TidByAppID returns the task running the given app.
func (k *Kernel) TidByAppID(id image.AppID) (TID, bool) {
	if t := k.taskForApp(id); t != nil {
		return t.tid, true
	}
	return TID{}, false
}

// TaskCount returns the number of running tasks.
func (k *Kernel) TaskCount() int { return len(k.tasks.running) }

func (t *task) size() uint32 {
	if t.image == nil {
		return 0
	}
	return t.image.Size
}
