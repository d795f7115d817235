package kernel

import (
	"errors"
	"testing"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/segment"
)

const testVendor = 0x474F4F474C

// fakePlatform loads every image into a recorder.
type fakePlatform struct {
	loaded   map[uint32]*recorder // by segment address
	unloaded int
	freed    []TID
	failLoad bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{loaded: make(map[uint32]*recorder)}
}

func (p *fakePlatform) Load(img *AppImage) (App, error) {
	if p.failLoad {
		return nil, errors.New("no room")
	}
	r := &recorder{name: string(img.Code)}
	p.loaded[img.Segment.Addr] = r
	return r, nil
}

func (p *fakePlatform) Unload(App)            { p.unloaded++ }
func (p *fakePlatform) FreeResources(tid TID) { p.freed = append(p.freed, tid) }

func newSegmentStore(t *testing.T) *segment.Store {
	t.Helper()
	layout := flash.SmallLayout()
	c, err := flash.NewController(flash.NewMemDevice(layout.Size()), layout)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return segment.New(c)
}

// putApp stores an external app image and returns its segment.
func putApp(t *testing.T, s *segment.Store, seq, version uint32, code string, flags image.Flags) segment.Segment {
	t.Helper()
	h := image.NewAppHeader(image.MakeAppID(testVendor, seq), version, image.PayloadApp, flags)
	h.PayloadSize = uint32(len(code))
	data := append(h.Bytes(), code...)
	seg, err := s.Create(uint32(len(data)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Write(seg, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(seg, uint32(len(data)), segment.StateValid); err != nil {
		t.Fatalf("Close: %v", err)
	}
	seg, err = s.Read(seg.Addr)
	if err != nil {
		t.Fatal(err)
	}
	return seg
}

func stateAt(t *testing.T, s *segment.Store, addr uint32) segment.State {
	t.Helper()
	seg, err := s.Read(addr)
	if err != nil {
		t.Fatal(err)
	}
	return seg.State
}

func TestStartAppsNewestWins(t *testing.T) {
	s := newSegmentStore(t)
	old := putApp(t, s, 1, 1, "v1", image.FlagApplication)
	other := putApp(t, s, 2, 1, "other", image.FlagApplication)
	newer := putApp(t, s, 1, 2, "v2", image.FlagApplication)
	putApp(t, s, 3, 1, "internal", image.FlagApplication|image.FlagInternal)

	p := newFakePlatform()
	k := New(WithPlatform(p), WithSegments(s))
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	k.RunUntilIdle()

	if k.TaskCount() != 2 {
		t.Fatalf("running tasks = %d, want 2", k.TaskCount())
	}
	if _, ok := p.loaded[newer.Addr]; !ok {
		t.Error("newest copy not loaded")
	}
	if _, ok := p.loaded[old.Addr]; ok {
		t.Error("old copy loaded")
	}
	if _, ok := p.loaded[other.Addr]; !ok {
		t.Error("unrelated app not loaded")
	}
	if got := stateAt(t, s, old.Addr); got != segment.StateErased {
		t.Errorf("old copy state = %v, want erased", got)
	}
	_, ver, size, ok := k.AppInfoByID(image.MakeAppID(testVendor, 1))
	if !ok || ver != 2 || size != newer.Size {
		t.Errorf("AppInfoByID = %d, %d, %v", ver, size, ok)
	}

	st := k.StartApps(image.VendorAny, image.SeqAny)
	if st.Apps() != 2 || st.Tasks() != 2 || st.Ops() != 0 || st.Erased() != 0 {
		t.Errorf("second StartApps = apps %d tasks %d ops %d erased %d", st.Apps(), st.Tasks(), st.Ops(), st.Erased())
	}
}

func TestStopAndEraseApps(t *testing.T) {
	s := newSegmentStore(t)
	a := putApp(t, s, 1, 1, "a", image.FlagApplication)
	b := putApp(t, s, 2, 1, "b", image.FlagApplication)

	p := newFakePlatform()
	k := New(WithPlatform(p), WithSegments(s))
	st := k.StartApps(testVendor, image.SeqAny)
	if st.Ops() != 2 {
		t.Fatalf("StartApps ops = %d", st.Ops())
	}

	st = k.StopApps(testVendor, 1)
	if st.Apps() != 1 || st.Tasks() != 1 || st.Ops() != 1 {
		t.Errorf("StopApps = %08X", uint32(st))
	}
	if !p.loaded[a.Addr].ended || p.unloaded != 1 || len(p.freed) != 1 {
		t.Errorf("stop did not tear down: ended=%v unloaded=%d freed=%d", p.loaded[a.Addr].ended, p.unloaded, len(p.freed))
	}
	if got := stateAt(t, s, a.Addr); got != segment.StateValid {
		t.Errorf("StopApps changed segment state to %v", got)
	}

	st = k.EraseApps(testVendor, image.SeqAny)
	if st.Apps() != 2 || st.Tasks() != 1 || st.Ops() != 1 || st.Erased() != 2 {
		t.Errorf("EraseApps = apps %d tasks %d ops %d erased %d", st.Apps(), st.Tasks(), st.Ops(), st.Erased())
	}
	if stateAt(t, s, a.Addr) != segment.StateErased || stateAt(t, s, b.Addr) != segment.StateErased {
		t.Error("EraseApps left segments valid")
	}
	if k.TaskCount() != 0 {
		t.Errorf("tasks still running: %d", k.TaskCount())
	}
}

func TestStartAppsLoadFailure(t *testing.T) {
	s := newSegmentStore(t)
	putApp(t, s, 1, 1, "a", image.FlagApplication)
	p := newFakePlatform()
	p.failLoad = true
	k := New(WithPlatform(p), WithSegments(s))

	st := k.StartApps(image.VendorAny, image.SeqAny)
	if st.Apps() != 1 || st.Ops() != 0 || k.TaskCount() != 0 {
		t.Errorf("status %08X with %d tasks", uint32(st), k.TaskCount())
	}
}

func TestStartErasesIncompleteUpload(t *testing.T) {
	s := newSegmentStore(t)
	valid := putApp(t, s, 1, 1, "a", image.FlagApplication)
	if _, err := s.Create(64); err != nil {
		t.Fatal(err)
	}

	p := newFakePlatform()
	k := New(WithPlatform(p), WithSegments(s))
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := stateAt(t, s, valid.Addr); got != segment.StateEmpty {
		t.Errorf("shared area not erased, first segment state %v", got)
	}
	if k.TaskCount() != 0 {
		t.Errorf("tasks running after erase: %d", k.TaskCount())
	}
}

func TestStartBroadcastsAppStart(t *testing.T) {
	r := &recorder{subs: []EventType{EvtAppStart}}
	k := New(WithInternalApps(InternalApp{Header: internalHeader(1), New: func() App { return r }}))
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	k.RunUntilIdle()
	if r.count(EvtAppStart) != 1 {
		t.Errorf("EvtAppStart delivered %d times", r.count(EvtAppStart))
	}
}
