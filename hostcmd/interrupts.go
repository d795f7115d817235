package hostcmd

import (
	"encoding/binary"
	"sync"

	"github.com/moffa90/go-nanohub/protocol"
)

const bitmapWords = protocol.MaxInterrupts / 32

// Interrupts is the pending interrupt bitmap the host polls with
// GET_INTERRUPT. A pending bit drives the wakeup line unless it is
// masked, in which case it drives the non-wakeup line. It is safe for
// concurrent use.
type Interrupts struct {
	mu        sync.Mutex
	pending   [bitmapWords]uint32
	mask      [bitmapWords]uint32
	wakeup    int // pending unmasked bits
	nonWakeup int // pending masked bits
	line      func(wakeup, asserted bool)
}

// NewInterrupts returns an empty bitmap. line, if not nil, is called when
// the wakeup or non-wakeup line changes level; it runs with the bitmap
// locked and must not call back into it.
func NewInterrupts(line func(wakeup, asserted bool)) *Interrupts {
	return &Interrupts{line: line}
}

func bit(b uint32) (word int, m uint32, ok bool) {
	if b >= protocol.MaxInterrupts {
		return 0, 0, false
	}
	return int(b / 32), 1 << (b % 32), true
}

func (in *Interrupts) setLine(wakeup, asserted bool) {
	if in.line != nil {
		in.line(wakeup, asserted)
	}
}

// count adjusts the line counter for a pending bit and toggles the line
// on the 0 <-> 1 edges.
func (in *Interrupts) count(masked bool, delta int) {
	c := &in.wakeup
	if masked {
		c = &in.nonWakeup
	}
	before := *c
	*c += delta
	switch {
	case before == 0 && *c > 0:
		in.setLine(!masked, true)
	case before > 0 && *c == 0:
		in.setLine(!masked, false)
	}
}

// Set raises bit b.
func (in *Interrupts) Set(b uint32) {
	w, m, ok := bit(b)
	if !ok {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending[w]&m != 0 {
		return
	}
	in.pending[w] |= m
	in.count(in.mask[w]&m != 0, 1)
}

// Clear lowers bit b.
func (in *Interrupts) Clear(b uint32) {
	w, m, ok := bit(b)
	if !ok {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pending[w]&m == 0 {
		return
	}
	in.pending[w] &^= m
	in.count(in.mask[w]&m != 0, -1)
}

// Get reports whether bit b is pending.
func (in *Interrupts) Get(b uint32) bool {
	w, m, ok := bit(b)
	if !ok {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pending[w]&m != 0
}

// Mask moves bit b to the non-wakeup line.
func (in *Interrupts) Mask(b uint32) {
	w, m, ok := bit(b)
	if !ok {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.mask[w]&m != 0 {
		return
	}
	in.mask[w] |= m
	if in.pending[w]&m != 0 {
		in.count(false, -1)
		in.count(true, 1)
	}
}

// Unmask moves bit b back to the wakeup line.
func (in *Interrupts) Unmask(b uint32) {
	w, m, ok := bit(b)
	if !ok {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.mask[w]&m == 0 {
		return
	}
	in.mask[w] &^= m
	if in.pending[w]&m != 0 {
		in.count(false, 1)
		in.count(true, -1)
	}
}

// Masked reports whether bit b is masked.
func (in *Interrupts) Masked(b uint32) bool {
	w, m, ok := bit(b)
	if !ok {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mask[w]&m != 0
}

// Lines reports the level of the wakeup and non-wakeup lines.
func (in *Interrupts) Lines() (wakeup, nonWakeup bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.wakeup > 0, in.nonWakeup > 0
}

// ClearBitmap lowers every bit set in clear (bit i in byte i/8).
func (in *Interrupts) ClearBitmap(clear []byte) {
	for i := 0; i < protocol.MaxInterrupts && i/8 < len(clear); i++ {
		if clear[i/8]&(1<<(i%8)) != 0 {
			in.Clear(uint32(i))
		}
	}
}

// Bytes returns the pending bitmap, bit i in byte i/8.
func (in *Interrupts) Bytes() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]byte, 0, protocol.InterruptBitmapSize)
	for _, w := range in.pending {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
