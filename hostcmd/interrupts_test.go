package hostcmd

import (
	"bytes"
	"testing"
	"time"
)

type lineEvent struct {
	wakeup   bool
	asserted bool
}

func TestInterruptLines(t *testing.T) {
	var got []lineEvent
	in := NewInterrupts(func(wakeup, asserted bool) {
		got = append(got, lineEvent{wakeup, asserted})
	})

	in.Set(1)
	in.Set(1) // already pending
	in.Set(5)
	in.Mask(1)
	in.Clear(5)
	in.Clear(1)

	want := []lineEvent{
		{wakeup: true, asserted: true},   // bit 1 raised
		{wakeup: false, asserted: true},  // bit 1 masked
		{wakeup: true, asserted: false},  // bit 5 cleared
		{wakeup: false, asserted: false}, // bit 1 cleared
	}
	if len(got) != len(want) {
		t.Fatalf("line events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if w, nw := in.Lines(); w || nw {
		t.Errorf("Lines() = %v, %v after clearing all", w, nw)
	}
}

func TestInterruptsUnmask(t *testing.T) {
	in := NewInterrupts(nil)
	in.Mask(7)
	in.Set(7)
	if w, nw := in.Lines(); w || !nw {
		t.Fatalf("masked pending bit: Lines() = %v, %v", w, nw)
	}
	in.Unmask(7)
	if w, nw := in.Lines(); !w || nw {
		t.Fatalf("unmasked pending bit: Lines() = %v, %v", w, nw)
	}
	if in.Masked(7) {
		t.Error("bit 7 still masked")
	}
}

func TestInterruptsOutOfRange(t *testing.T) {
	in := NewInterrupts(nil)
	in.Set(256)
	in.Mask(1000)
	if in.Get(256) || in.Masked(1000) {
		t.Error("out of range bits should be ignored")
	}
	if !bytes.Equal(in.Bytes(), make([]byte, 32)) {
		t.Error("bitmap not empty")
	}
}

func TestInterruptBitmap(t *testing.T) {
	in := NewInterrupts(nil)
	for _, b := range []uint32{0, 9, 31, 32, 255} {
		in.Set(b)
	}
	bm := in.Bytes()
	if len(bm) != 32 {
		t.Fatalf("bitmap length = %d", len(bm))
	}
	if bm[0] != 0x01 || bm[1] != 0x02 || bm[3] != 0x80 || bm[4] != 0x01 || bm[31] != 0x80 {
		t.Errorf("bitmap = % X", bm)
	}

	clear := make([]byte, 32)
	clear[1] = 0x02
	clear[31] = 0x80
	in.ClearBitmap(clear)
	for _, tt := range []struct {
		bit     uint32
		pending bool
	}{
		{0, true},
		{9, false},
		{31, true},
		{32, true},
		{255, false},
	} {
		if got := in.Get(tt.bit); got != tt.pending {
			t.Errorf("Get(%d) = %v, want %v", tt.bit, got, tt.pending)
		}
	}
}

func TestTimeSync(t *testing.T) {
	var ts timeSync
	if _, ok := ts.offset(); ok {
		t.Fatal("offset valid before any sample")
	}

	ts.add(1000, 100)
	ts.add(2000, 900)
	got, ok := ts.offset()
	if !ok || got != 1000 {
		t.Fatalf("offset = %v, %v, want 1000ns", got, ok)
	}

	// A long silence drops the history.
	later := uint64(2000 + 11*time.Second)
	ts.add(later, later-5000)
	if got, _ := ts.offset(); got != 5000 {
		t.Errorf("offset after reset = %v, want 5000ns", got)
	}
}

func TestTimeSyncWindow(t *testing.T) {
	var ts timeSync
	for i := 0; i < 40; i++ {
		host := uint64(i) * uint64(time.Millisecond)
		ts.add(host+700, host)
	}
	if got, ok := ts.offset(); !ok || got != 700 {
		t.Errorf("offset = %v, %v, want 700ns", got, ok)
	}
	if ts.cnt != syncDataPoints {
		t.Errorf("cnt = %d, want %d", ts.cnt, syncDataPoints)
	}
}

func TestOutbox(t *testing.T) {
	o := newOutbox(2)
	if !o.push([]byte{1}) || !o.push([]byte{2}) {
		t.Fatal("push failed below limit")
	}
	if o.push([]byte{3}) {
		t.Error("push succeeded past limit")
	}
	evt, more := o.pop()
	if !bytes.Equal(evt, []byte{1}) || !more {
		t.Errorf("pop = %v, %v", evt, more)
	}
	evt, more = o.pop()
	if !bytes.Equal(evt, []byte{2}) || more {
		t.Errorf("pop = %v, %v", evt, more)
	}
	if evt, _ := o.pop(); evt != nil {
		t.Errorf("pop on empty = %v", evt)
	}
}
