package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moffa90/go-nanohub/image"
)

const (
	evtPing EventType = EvtFirstApp + iota
	evtPong
	evtOther
)

// recorder is a fake app that logs what it sees.
type recorder struct {
	name     string
	subs     []EventType
	k        *Kernel
	tid      TID
	failInit bool
	onEvent  func(r *recorder, typ EventType, data any)

	events []EventType
	data   []any
	ended  bool
	log    *[]string
}

func (r *recorder) Init(k *Kernel, tid TID) bool {
	r.k, r.tid = k, tid
	if r.failInit {
		return false
	}
	for _, s := range r.subs {
		k.Subscribe(s)
	}
	return true
}

func (r *recorder) Handle(typ EventType, data any) {
	r.events = append(r.events, typ)
	r.data = append(r.data, data)
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	if r.onEvent != nil {
		r.onEvent(r, typ, data)
	}
}

func (r *recorder) End() { r.ended = true }

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, e := range r.events {
		if e == typ {
			n++
		}
	}
	return n
}

func internalHeader(seq uint32) image.AppHeader {
	return image.NewAppHeader(image.MakeAppID(0x4E414E4F, seq), 1, image.PayloadApp, image.FlagApplication|image.FlagInternal)
}

func startInternal(t *testing.T, k *Kernel, seq uint32, app App) TID {
	t.Helper()
	tid, err := k.StartInternal(InternalApp{Header: internalHeader(seq), New: func() App { return app }})
	if err != nil {
		t.Fatalf("StartInternal: %v", err)
	}
	k.RunUntilIdle()
	return tid
}

// countingFree returns a FreeWith that counts its calls.
func countingFree(n *int) FreeWith {
	return func(any) { *n++ }
}

func TestTaskSlots(t *testing.T) {
	for _, n := range []int{1, 2, 5, 16} {
		k := New(WithMaxTasks(n))
		tids := make([]TID, 0, n)
		for i := 0; i < n; i++ {
			tid, err := k.StartInternal(InternalApp{Header: internalHeader(uint32(i)), New: func() App { return &recorder{} }})
			if err != nil {
				t.Fatalf("n=%d: start %d: %v", n, i, err)
			}
			tids = append(tids, tid)
		}
		if _, err := k.StartInternal(InternalApp{Header: internalHeader(99), New: func() App { return &recorder{} }}); !errors.Is(err, ErrNoTaskSlot) {
			t.Fatalf("n=%d: extra start err = %v, want ErrNoTaskSlot", n, err)
		}

		victim := tids[n/2]
		if !k.StopTask(victim) {
			t.Fatalf("n=%d: StopTask failed", n)
		}
		tid, err := k.StartInternal(InternalApp{Header: internalHeader(100), New: func() App { return &recorder{} }})
		if err != nil {
			t.Fatalf("n=%d: restart: %v", n, err)
		}
		if tid == victim || tid.Slot != victim.Slot || tid.Generation == victim.Generation {
			t.Errorf("n=%d: reused tid %v, previous %v", n, tid, victim)
		}
		if k.StopTask(victim) {
			t.Errorf("n=%d: stale tid %v must not stop the new task", n, victim)
		}
	}
}

func TestInvalidInternalApp(t *testing.T) {
	k := New()
	tests := []struct {
		name string
		hdr  image.AppHeader
	}{
		{"not internal", image.NewAppHeader(1, 1, image.PayloadApp, image.FlagApplication)},
		{"not application", image.NewAppHeader(1, 1, image.PayloadApp, image.FlagInternal)},
		{"key payload", image.NewAppHeader(1, 1, image.PayloadKey, image.FlagApplication|image.FlagInternal)},
		{"bad magic", image.AppHeader{Version: image.FormatVersion, Flags: image.FlagApplication | image.FlagInternal, PayloadType: image.PayloadApp}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.StartInternal(InternalApp{Header: tt.hdr, New: func() App { return &recorder{} }})
			if !errors.Is(err, ErrInvalidApp) {
				t.Errorf("err = %v, want ErrInvalidApp", err)
			}
		})
	}
}

func TestInitFailureFreesSlot(t *testing.T) {
	k := New(WithMaxTasks(1))
	if _, err := k.StartInternal(InternalApp{Header: internalHeader(1), New: func() App { return &recorder{failInit: true} }}); !errors.Is(err, ErrInit) {
		t.Fatalf("err = %v, want ErrInit", err)
	}
	if _, err := k.StartInternal(InternalApp{Header: internalHeader(1), New: func() App { return &recorder{} }}); err != nil {
		t.Fatalf("slot not released after failed init: %v", err)
	}
}

func TestBroadcastOrderAndSubscriptions(t *testing.T) {
	k := New()
	var order []string
	a := &recorder{name: "a", subs: []EventType{evtPing}, log: &order}
	b := &recorder{name: "b", subs: []EventType{evtPing, evtPong}, log: &order}
	c := &recorder{name: "c", subs: []EventType{evtPong}, log: &order}
	startInternal(t, k, 1, a)
	startInternal(t, k, 2, b)
	startInternal(t, k, 3, c)

	k.Inject(evtPing, nil, nil)
	k.Inject(evtPong, nil, nil)
	k.Inject(evtOther, nil, nil)
	k.RunUntilIdle()

	want := []string{"a", "b", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("delivery order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", order, want)
		}
	}

	k.runAs(k.tasks.lookup(b.tid), func() { k.Unsubscribe(evtPing) })
	k.Inject(evtPing, nil, nil)
	k.RunUntilIdle()
	if a.count(evtPing) != 2 || b.count(evtPing) != 1 {
		t.Errorf("after unsubscribe: a got %d pings, b got %d", a.count(evtPing), b.count(evtPing))
	}
}

func TestSubscriptionGrowth(t *testing.T) {
	var tk task
	tk.subs = make([]EventType, 0, initialSubscriptions)
	for i := 0; i < 20; i++ {
		tk.subscribe(EvtFirstApp + EventType(i))
		tk.subscribe(EvtFirstApp + EventType(i))
	}
	if len(tk.subs) != 20 {
		t.Fatalf("len = %d, want 20 without duplicates", len(tk.subs))
	}
	// 6 -> 9 -> 14 -> 21
	if cap(tk.subs) != 21 {
		t.Errorf("cap = %d, want 21", cap(tk.subs))
	}
	tk.unsubscribe(EvtFirstApp + 3)
	if tk.subscribed(EvtFirstApp+3) || len(tk.subs) != 19 {
		t.Errorf("unsubscribe left %v", tk.subs)
	}
}

func TestFreeExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		retain    bool
		listeners int
	}{
		{"no listeners", false, 0},
		{"one listener", false, 1},
		{"three listeners", false, 3},
		{"retained", true, 1},
		{"retained with others", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := New()
			var held []*RetainedEvent
			for i := 0; i < tt.listeners; i++ {
				r := &recorder{subs: []EventType{evtPing}}
				if tt.retain && i == 0 {
					r.onEvent = func(r *recorder, typ EventType, data any) {
						ev, ok := r.k.Retain()
						if !ok {
							t.Error("Retain refused")
							return
						}
						if _, again := r.k.Retain(); again {
							t.Error("second Retain allowed")
						}
						held = append(held, ev)
					}
				}
				startInternal(t, k, uint32(i), r)
			}

			frees := 0
			k.Inject(evtPing, "payload", countingFree(&frees))
			k.RunUntilIdle()

			if tt.retain {
				if frees != 0 {
					t.Fatalf("retained event freed by dispatch (%d)", frees)
				}
				if len(held) != 1 || held[0].Data() != "payload" || held[0].Type() != evtPing {
					t.Fatalf("held = %v", held)
				}
				held[0].Free()
				held[0].Free()
			}
			if frees != 1 {
				t.Errorf("free called %d times, want 1", frees)
			}
		})
	}
}

func TestFreeExactlyOnceUndelivered(t *testing.T) {
	// stopWhile starts a task with one event in flight, stops it and runs
	// send from its EvtAppStop handler.
	stopWhile := func(t *testing.T, k *Kernel, send func(k *Kernel)) *recorder {
		t.Helper()
		r := &recorder{onEvent: func(r *recorder, typ EventType, data any) {
			if typ == EvtAppStop {
				send(r.k)
			}
		}}
		tid := startInternal(t, k, 1, r)
		k.runAs(k.tasks.lookup(tid), func() { k.Enqueue(evtOther, nil, nil) })
		if !k.StopTask(tid) {
			t.Fatal("StopTask failed")
		}
		return r
	}

	tests := []struct {
		name string
		run  func(t *testing.T, k *Kernel, free FreeWith)
	}{
		{"broadcast from stopped origin", func(t *testing.T, k *Kernel, free FreeWith) {
			stopWhile(t, k, func(k *Kernel) {
				if !k.Enqueue(evtPing, "bye", free) {
					t.Error("Enqueue from stopping task refused")
				}
			})
		}},
		{"private from stopped origin", func(t *testing.T, k *Kernel, free FreeWith) {
			target := &recorder{}
			to := startInternal(t, k, 2, target)
			stopWhile(t, k, func(k *Kernel) {
				if !k.EnqueuePrivate(evtPong, "bye", free, to) {
					t.Error("EnqueuePrivate from stopping task refused")
				}
			})
			k.RunUntilIdle()
			if target.count(evtPong) != 0 {
				t.Error("private event from stopped origin delivered")
			}
		}},
		{"private to gone task", func(t *testing.T, k *Kernel, free FreeWith) {
			to := startInternal(t, k, 2, &recorder{})
			k.StopTask(to)
			k.RunUntilIdle()
			k.EnqueuePrivate(evtPong, "late", free, to)
		}},
		{"private to system", func(t *testing.T, k *Kernel, free FreeWith) {
			k.EnqueuePrivate(evtPing, "x", free, System)
		}},
		{"private to self from deferred work", func(t *testing.T, k *Kernel, free FreeWith) {
			k.Defer(func() { k.EnqueuePrivate(evtPing, "x", free, k.CurrentTID()) }, false)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := New()
			frees := 0
			tt.run(t, k, countingFree(&frees))
			k.RunUntilIdle()
			if frees != 1 {
				t.Errorf("payload freed %d times, want 1", frees)
			}
			if k.CurrentTID() != System {
				t.Errorf("current task left as %v after dispatch", k.CurrentTID())
			}
		})
	}
}

func TestRetainOutsideHandler(t *testing.T) {
	k := New()
	if _, ok := k.Retain(); ok {
		t.Error("Retain outside dispatch must fail")
	}
}

func TestNotifyTaskFree(t *testing.T) {
	k := New()
	owner := &recorder{}
	listener := &recorder{subs: []EventType{evtPing}}
	startInternal(t, k, 1, owner)
	startInternal(t, k, 2, listener)

	k.runAs(k.tasks.lookup(owner.tid), func() {
		if !k.EnqueueAsApp(evtPing, 42) {
			t.Fatal("EnqueueAsApp failed")
		}
	})
	k.RunUntilIdle()

	if listener.count(evtPing) != 1 {
		t.Fatalf("listener saw %d pings", listener.count(evtPing))
	}
	if owner.count(EvtAppFreeEventData) != 1 {
		t.Fatalf("owner got %d free notifications", owner.count(EvtAppFreeEventData))
	}
	fe := owner.data[len(owner.data)-1].(FreeEventData)
	if fe.Type != evtPing || fe.Data != 42 {
		t.Errorf("free notification = %+v", fe)
	}
}

func TestPrivateEvents(t *testing.T) {
	k := New()
	var refused bool
	target := &recorder{onEvent: func(r *recorder, typ EventType, data any) {
		if typ == evtPong {
			_, ok := r.k.Retain()
			refused = !ok
		}
	}}
	bystander := &recorder{subs: []EventType{evtPong}}
	tid := startInternal(t, k, 1, target)
	startInternal(t, k, 2, bystander)

	frees := 0
	k.EnqueuePrivate(evtPong, "hi", countingFree(&frees), tid)
	k.RunUntilIdle()
	if target.count(evtPong) != 1 || bystander.count(evtPong) != 0 {
		t.Errorf("private delivery: target %d, bystander %d", target.count(evtPong), bystander.count(evtPong))
	}
	if !refused {
		t.Error("Retain during private delivery must be refused")
	}
	if frees != 1 {
		t.Errorf("private payload freed %d times", frees)
	}

	k.StopTask(tid)
	k.RunUntilIdle()
	k.EnqueuePrivate(evtPong, "late", countingFree(&frees), tid)
	k.RunUntilIdle()
	if frees != 2 {
		t.Errorf("undeliverable private payload freed %d times in total, want 2", frees)
	}
}

func TestDeferOrdering(t *testing.T) {
	k := New()
	var got []string
	k.Defer(func() { got = append(got, "first") }, false)
	k.Defer(func() { got = append(got, "second") }, false)
	k.Defer(func() {
		got = append(got, "urgent")
		if k.CurrentTID() != System {
			t.Errorf("deferred call ran as %v", k.CurrentTID())
		}
	}, true)
	k.RunUntilIdle()

	want := []string{"urgent", "first", "second"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if k.Defer(nil, false) {
		t.Error("Defer(nil) accepted")
	}
}

func TestQueueFull(t *testing.T) {
	k := New(WithQueueLength(2))
	frees := 0
	if !k.Inject(evtPing, nil, countingFree(&frees)) || !k.Inject(evtPing, nil, countingFree(&frees)) {
		t.Fatal("queue rejected events below capacity")
	}
	if k.Inject(evtPing, nil, countingFree(&frees)) {
		t.Fatal("queue accepted event above capacity")
	}
	if k.EnqueueOrFree(evtPing, nil, countingFree(&frees)) {
		t.Fatal("EnqueueOrFree accepted event above capacity")
	}
	if frees != 1 {
		t.Errorf("EnqueueOrFree freed %d payloads, want 1", frees)
	}
	if k.RunUntilIdle() != 2 || frees != 3 {
		t.Errorf("frees after drain = %d, want 3", frees)
	}
}

func TestInternalTypesRefused(t *testing.T) {
	k := New()
	if k.Enqueue(evtDeferred, nil, nil) || k.Inject(evtSubscribe, nil, nil) {
		t.Error("internal event types must be refused")
	}
}

func TestStopWithOutstandingIO(t *testing.T) {
	k := New()
	sender := &recorder{}
	listener := &recorder{subs: []EventType{evtPing}}
	tid := startInternal(t, k, 1, sender)
	startInternal(t, k, 2, listener)

	frees := 0
	tk := k.tasks.lookup(tid)
	k.runAs(tk, func() {
		k.Enqueue(evtPing, nil, countingFree(&frees))
		k.Enqueue(evtPing, nil, countingFree(&frees))
	})
	if tk.ioCount.Load() != 2 {
		t.Fatalf("ioCount = %d, want 2", tk.ioCount.Load())
	}

	if !k.StopTask(tid) {
		t.Fatal("StopTask failed")
	}
	if sender.count(EvtAppStop) != 1 {
		t.Fatal("stopping task with I/O should get EvtAppStop")
	}
	if sender.ended {
		t.Fatal("task ended before its events drained")
	}

	// Events from a stopped origin are freed at once.
	k.runAs(tk, func() {
		if !k.Enqueue(evtPing, nil, countingFree(&frees)) {
			t.Error("enqueue from stopped task should report success")
		}
	})
	if frees != 1 {
		t.Fatalf("stopped-origin payload not freed immediately (frees=%d)", frees)
	}

	k.RunUntilIdle()
	if !sender.ended {
		t.Error("task not ended after I/O drained")
	}
	if listener.count(evtPing) != 2 || frees != 3 {
		t.Errorf("listener pings = %d, frees = %d", listener.count(evtPing), frees)
	}
	if k.tasks.lookup(tid) != nil {
		t.Error("slot still holds the stopped task")
	}
}

func TestStopEndsTaskWhenQueueFull(t *testing.T) {
	k := New(WithQueueLength(2))
	r := &recorder{}
	tid := startInternal(t, k, 1, r)

	tk := k.tasks.lookup(tid)
	k.runAs(tk, func() {
		k.Enqueue(evtPing, nil, nil)
		k.Enqueue(evtPing, nil, nil)
	})
	if k.Pending() != 2 {
		t.Fatalf("pending = %d, want a full queue", k.Pending())
	}
	if !k.StopTask(tid) {
		t.Fatal("StopTask failed")
	}
	if r.ended {
		t.Fatal("task ended before its events drained")
	}

	k.RunUntilIdle()
	if !r.ended {
		t.Error("task never ended after its end event could not be queued")
	}
	if k.tasks.lookup(tid) != nil {
		t.Error("slot still holds the stopped task")
	}
	if _, err := k.StartInternal(InternalApp{Header: internalHeader(1), New: func() App { return &recorder{} }}); err != nil {
		t.Errorf("slot not reusable: %v", err)
	}
}

func TestStopWithoutIO(t *testing.T) {
	k := New()
	r := &recorder{}
	tid := startInternal(t, k, 1, r)
	if !k.StopTask(tid) {
		t.Fatal("StopTask failed")
	}
	if !r.ended || r.count(EvtAppStop) != 0 {
		t.Errorf("ended=%v stop events=%d", r.ended, r.count(EvtAppStop))
	}
	if k.StopTask(tid) || k.StopTask(System) {
		t.Error("StopTask on a gone task or the system task must fail")
	}
}

func TestRunQueuesFromOtherGoroutines(t *testing.T) {
	k := New()
	done := make(chan struct{})
	r := &recorder{subs: []EventType{evtPing}}
	r.onEvent = func(r *recorder, typ EventType, data any) {
		if r.count(evtPing) == 10 {
			close(done)
		}
	}
	startInternal(t, k, 1, r)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- k.Run(ctx) }()
	for i := 0; i < 10; i++ {
		go k.Inject(evtPing, i, nil)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

func TestAppInfo(t *testing.T) {
	k := New()
	startInternal(t, k, 7, &recorder{})
	startInternal(t, k, 9, &recorder{})

	id := internalHeader(9).AppID
	idx, ver, size, ok := k.AppInfoByID(id)
	if !ok || idx != 1 || ver != 1 || size != 0 {
		t.Errorf("AppInfoByID = %d, %d, %d, %v", idx, ver, size, ok)
	}
	gotID, _, _, ok := k.AppInfoByIndex(0)
	if !ok || gotID != internalHeader(7).AppID {
		t.Errorf("AppInfoByIndex(0) = %v, %v", gotID, ok)
	}
	if _, _, _, ok := k.AppInfoByIndex(2); ok {
		t.Error("AppInfoByIndex past the end succeeded")
	}
	if tid, ok := k.TidByAppID(id); !ok || tid.Slot != 2 {
		t.Errorf("TidByAppID = %v, %v", tid, ok)
	}
}

func TestMgmtStatusSaturates(t *testing.T) {
	tests := []struct {
		apps, tasks, ops, erased int
		want                     MgmtStatus
	}{
		{1, 2, 3, 4, 0x04030201},
		{300, 0, 255, 1000, 0xFFFF00FF},
		{0, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		got := newMgmtStatus(tt.apps, tt.tasks, tt.ops, tt.erased)
		if got != tt.want {
			t.Errorf("newMgmtStatus(%d,%d,%d,%d) = 0x%08X, want 0x%08X", tt.apps, tt.tasks, tt.ops, tt.erased, uint32(got), uint32(tt.want))
		}
	}
	s := newMgmtStatus(5, 6, 7, 8)
	if s.Apps() != 5 || s.Tasks() != 6 || s.Ops() != 7 || s.Erased() != 8 {
		t.Errorf("accessors = %d %d %d %d", s.Apps(), s.Tasks(), s.Ops(), s.Erased())
	}
}
