package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/moffa90/go-nanohub/image"
)

// TID names one task incarnation. Slot indexes the task table and
// Generation is bumped every time the slot is handed to a new task, so a
// stale TID never matches a recycled slot. The zero TID is the system task.
type TID struct {
	Generation uint16
	Slot       uint16
}

// System is the TID of the kernel's own pseudo-task.
var System = TID{}

// String formats the TID as generation:slot.
func (t TID) String() string {
	return fmt.Sprintf("%d:%d", t.Generation, t.Slot)
}

// initialSubscriptions is the subscription list capacity a task starts with.
const initialSubscriptions = 6

// task is one slot of the task table.
type task struct {
	tid   TID
	inUse bool
	app    App
	header image.AppHeader
	image  *AppImage
	subs   []EventType

	stopped atomic.Bool
	ioCount atomic.Int32
}

// reset clears the slot for a new occupant, keeping the TID.
func (t *task) reset() {
	t.app = nil
	t.header = image.AppHeader{}
	t.image = nil
	t.subs = nil
	t.stopped.Store(false)
	t.ioCount.Store(0)
}

// subscribed reports whether the task listens for typ.
func (t *task) subscribed(typ EventType) bool {
	for _, s := range t.subs {
		if s == typ {
			return true
		}
	}
	return false
}

// subscribe adds typ to the list, growing it by half when full.
func (t *task) subscribe(typ EventType) {
	if t.subscribed(typ) {
		return
	}
	if len(t.subs) == cap(t.subs) {
		size := (cap(t.subs)*3 + 1) / 2
		if size < initialSubscriptions {
			size = initialSubscriptions
		}
		grown := make([]EventType, len(t.subs), size)
		copy(grown, t.subs)
		t.subs = grown
	}
	t.subs = append(t.subs, typ)
}

// unsubscribe removes typ, moving the last entry into its place.
func (t *task) unsubscribe(typ EventType) {
	for i, s := range t.subs {
		if s == typ {
			last := len(t.subs) - 1
			t.subs[i] = t.subs[last]
			t.subs = t.subs[:last]
			return
		}
	}
}

// taskTable is the arena of task slots with its free and run lists. Slot 0
// belongs to the system task and is never on either list.
type taskTable struct {
	slots   []task
	free    []uint16
	running []uint16
}

func newTaskTable(maxTasks int) *taskTable {
	tt := &taskTable{slots: make([]task, maxTasks+1)}
	tt.slots[0].inUse = true
	for i := 1; i <= maxTasks; i++ {
		tt.slots[i].tid = TID{Slot: uint16(i)}
		tt.free = append(tt.free, uint16(i))
	}
	return tt
}

// alloc takes the oldest free slot and gives it a new generation.
func (tt *taskTable) alloc() *task {
	if len(tt.free) == 0 {
		return nil
	}
	slot := tt.free[0]
	tt.free = tt.free[1:]
	t := &tt.slots[slot]
	t.reset()
	t.inUse = true
	t.tid.Generation++
	if t.tid.Generation == 0 {
		t.tid.Generation = 1
	}
	t.subs = make([]EventType, 0, initialSubscriptions)
	return t
}

// release returns a slot to the tail of the free list.
func (tt *taskTable) release(t *task) {
	t.stopped.Store(false)
	t.ioCount.Store(0)
	t.inUse = false
	t.app = nil
	t.image = nil
	tt.free = append(tt.free, t.tid.Slot)
}

// lookup returns the live task named by tid, or nil.
func (tt *taskTable) lookup(tid TID) *task {
	if int(tid.Slot) >= len(tt.slots) {
		return nil
	}
	t := &tt.slots[tid.Slot]
	if !t.inUse || t.tid != tid {
		return nil
	}
	return t
}

func (tt *taskTable) system() *task { return &tt.slots[0] }

func (tt *taskTable) addRunning(t *task) {
	tt.running = append(tt.running, t.tid.Slot)
}

func (tt *taskTable) removeRunning(t *task) {
	for i, s := range tt.running {
		if s == t.tid.Slot {
			tt.running = append(tt.running[:i], tt.running[i+1:]...)
			return
		}
	}
}

// runningTasks returns a snapshot of the run list in registration order.
func (tt *taskTable) runningTasks() []*task {
	out := make([]*task, 0, len(tt.running))
	for _, s := range tt.running {
		out = append(out, &tt.slots[s])
	}
	return out
}
