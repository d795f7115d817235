package kernel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/moffa90/go-nanohub/logging"
)

var (
	// ErrNoTaskSlot means every task slot is in use.
	ErrNoTaskSlot = errors.New("kernel: no free task slot")

	// ErrQueueFull means the event queue has no room.
	ErrQueueFull = errors.New("kernel: event queue full")

	// ErrLoad means the platform refused to load an app image.
	ErrLoad = errors.New("kernel: app load failed")

	// ErrInit means an app's Init returned false.
	ErrInit = errors.New("kernel: app init failed")

	// ErrInvalidApp means an app header does not describe a runnable app.
	ErrInvalidApp = errors.New("kernel: invalid app")
)

// dispatchState is the free information of the event being dispatched.
type dispatchState struct {
	typ        EventType
	data       any
	free       FreeInfo
	retainable bool
	retained   bool
}

// Kernel is the cooperative task and event kernel. Dispatch, Run and every
// App callback execute on one goroutine, the kernel loop. Inject and Defer
// may be called from any goroutine; the other methods belong to the loop.
type Kernel struct {
	cfg     Config
	queue   *queue
	tasks   *taskTable
	current atomic.Pointer[task]

	pending *dispatchState
	// ending holds stopped tasks whose end event could not be queued.
	ending []TID
}

// New returns a kernel with no tasks running.
func New(opts ...Option) *Kernel {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxTasks <= 0 || cfg.MaxTasks >= 0xFFFF {
		cfg.MaxTasks = defaultConfig().MaxTasks
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = defaultConfig().QueueLength
	}
	return &Kernel{
		cfg:   cfg,
		queue: newQueue(cfg.QueueLength),
		tasks: newTaskTable(cfg.MaxTasks),
	}
}

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.cfg }

// CurrentTID returns the task whose code is running, or System.
func (k *Kernel) CurrentTID() TID { return k.currentTask().tid }

// Pending returns the number of queued events.
func (k *Kernel) Pending() int { return k.queue.len() }

func (k *Kernel) currentTask() *task {
	if t := k.current.Load(); t != nil {
		return t
	}
	return k.tasks.system()
}

// runAs runs fn with t as the current task.
func (k *Kernel) runAs(t *task, fn func()) {
	prev := k.current.Swap(t)
	defer k.current.Store(prev)
	fn()
}

// Enqueue queues a broadcast event from the current task. It reports false
// if the queue is full, in which case the caller still owns data. Types
// below EvtFirstUser are refused. An event enqueued by a stopped task is
// freed at once and reported as queued.
func (k *Kernel) Enqueue(typ EventType, data any, free FreeInfo) bool {
	if typ < EvtFirstUser {
		return false
	}
	return k.enqueue(k.currentTask(), event{typ: typ, data: data, free: free}, false)
}

// EnqueueOrFree is Enqueue that frees data itself when the queue is full.
func (k *Kernel) EnqueueOrFree(typ EventType, data any, free FreeInfo) bool {
	if k.Enqueue(typ, data, free) {
		return true
	}
	k.freeEvent(typ, data, free)
	return false
}

// EnqueueAsApp queues a broadcast event whose payload is released by
// notifying the current task with EvtAppFreeEventData.
func (k *Kernel) EnqueueAsApp(typ EventType, data any) bool {
	return k.Enqueue(typ, data, NotifyTask(k.CurrentTID()))
}

// EnqueuePrivate queues an event for a single task. If the task is gone by
// the time the event is dispatched the payload is freed without delivery.
func (k *Kernel) EnqueuePrivate(typ EventType, data any, free FreeInfo, to TID) bool {
	p := privateEvent{typ: typ, data: data, free: free, to: to}
	return k.enqueue(k.currentTask(), event{typ: evtPrivate, data: p}, false)
}

// Inject queues a broadcast event on behalf of the system task. It is the
// entry point for producers outside the kernel loop, such as transports.
func (k *Kernel) Inject(typ EventType, data any, free FreeInfo) bool {
	if typ < EvtFirstUser {
		return false
	}
	return k.enqueue(k.tasks.system(), event{typ: typ, data: data, free: free}, false)
}

// Defer schedules fn to run on the kernel loop as the system task. Urgent
// calls go to the head of the queue.
func (k *Kernel) Defer(fn func(), urgent bool) bool {
	if fn == nil {
		return false
	}
	return k.queue.push(event{typ: evtDeferred, data: fn}, urgent)
}

// Subscribe adds typ to the current task's subscriptions. The change takes
// effect when the request reaches the head of the queue.
func (k *Kernel) Subscribe(typ EventType) bool {
	t := k.currentTask()
	return k.enqueue(t, event{typ: evtSubscribe, data: subscription{tid: t.tid, typ: typ}}, false)
}

// Unsubscribe removes typ from the current task's subscriptions.
func (k *Kernel) Unsubscribe(typ EventType) bool {
	t := k.currentTask()
	return k.enqueue(t, event{typ: evtUnsubscribe, data: subscription{tid: t.tid, typ: typ}}, false)
}

func (k *Kernel) enqueue(origin *task, e event, urgent bool) bool {
	if origin.stopped.Load() {
		k.dropEvent(e)
		return true
	}
	e.origin = origin.tid
	if e.origin == System {
		return k.queue.push(e, urgent)
	}
	origin.ioCount.Add(1)
	if !k.queue.push(e, urgent) {
		origin.ioCount.Add(-1)
		return false
	}
	return true
}

// Retain takes over freeing of the event being dispatched. It returns false
// outside of a handler, for private events, or if the event was already
// retained.
func (k *Kernel) Retain() (*RetainedEvent, bool) {
	st := k.pending
	if st == nil || !st.retainable || st.retained {
		return nil, false
	}
	st.retained = true
	return &RetainedEvent{k: k, typ: st.typ, data: st.data, free: st.free}, true
}

// Dispatch handles one queued event. It reports false if the queue was
// empty.
func (k *Kernel) Dispatch() bool {
	e, ok := k.queue.pop()
	if !ok {
		k.reapEnding()
		return false
	}
	defer k.reapEnding()
	if origin := k.tasks.lookup(e.origin); origin != nil && e.origin != System {
		origin.ioCount.Add(-1)
	}

	switch e.typ {
	case evtSubscribe, evtUnsubscribe:
		sub := e.data.(subscription)
		if t := k.tasks.lookup(sub.tid); t != nil {
			if e.typ == evtSubscribe {
				t.subscribe(sub.typ)
			} else {
				t.unsubscribe(sub.typ)
			}
		}
	case evtDeferred:
		k.runAs(k.tasks.system(), e.data.(func()))
	case evtPrivate:
		k.dispatchPrivate(e.data.(privateEvent))
	case evtAppEnd:
		k.dispatchEnd(e.data.(TID))
	default:
		if e.typ < EvtFirstUser {
			k.logError("dropping unknown internal event", "type", uint32(e.typ))
			return true
		}
		k.broadcast(e)
	}
	return true
}

func (k *Kernel) broadcast(e event) {
	st := &dispatchState{typ: e.typ, data: e.data, free: e.free, retainable: true}
	k.pending = st
	running := k.tasks.runningTasks()
	tids := make([]TID, len(running))
	for i, t := range running {
		tids[i] = t.tid
	}
	for _, tid := range tids {
		t := k.tasks.lookup(tid)
		if t == nil || t.stopped.Load() || !t.subscribed(e.typ) {
			continue
		}
		k.runAs(t, func() { t.app.Handle(e.typ, e.data) })
	}
	k.pending = nil
	if !st.retained {
		k.freeEvent(e.typ, e.data, e.free)
	}
}

func (k *Kernel) dispatchPrivate(p privateEvent) {
	k.pending = &dispatchState{typ: p.typ, data: p.data, free: p.free}
	if t := k.tasks.lookup(p.to); t != nil && t.app != nil && !t.stopped.Load() {
		k.runAs(t, func() { t.app.Handle(p.typ, p.data) })
	} else {
		k.logDebug("private event target gone", "to", p.to.String(), "type", uint32(p.typ))
	}
	k.pending = nil
	k.freeEvent(p.typ, p.data, p.free)
}

// dropEvent frees an event that will never be dispatched. Private
// events carry their free info inside the payload.
func (k *Kernel) dropEvent(e event) {
	if p, ok := e.data.(privateEvent); ok && e.typ == evtPrivate {
		k.freeEvent(p.typ, p.data, p.free)
		return
	}
	k.freeEvent(e.typ, e.data, e.free)
}

// freeEvent releases a payload through its free info.
func (k *Kernel) freeEvent(typ EventType, data any, free FreeInfo) {
	switch f := free.(type) {
	case nil:
	case FreeWith:
		if f != nil {
			f(data)
		}
	case NotifyTask:
		t := k.tasks.lookup(TID(f))
		if t == nil || t.app == nil {
			k.logError("free notification target gone", "tid", TID(f).String(), "type", uint32(typ))
			return
		}
		k.runAs(t, func() { t.app.Handle(EvtAppFreeEventData, FreeEventData{Type: typ, Data: data}) })
	}
}

// Run dispatches events until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		for k.Dispatch() {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.queue.notify:
		}
	}
}

// RunUntilIdle dispatches until the queue is empty and returns the number
// of events handled.
func (k *Kernel) RunUntilIdle() int {
	n := 0
	for k.Dispatch() {
		n++
	}
	return n
}

// Log writes an app log line tagged with the current task.
func (k *Kernel) Log(level logging.Level, msg string, keysAndValues ...interface{}) {
	kv := append([]interface{}{"tid", k.CurrentTID().String()}, keysAndValues...)
	logging.Log(k.cfg.Logger, level, msg, kv...)
}

func (k *Kernel) logDebug(msg string, keysAndValues ...interface{}) {
	if k.cfg.Logger != nil {
		k.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (k *Kernel) logInfo(msg string, keysAndValues ...interface{}) {
	if k.cfg.Logger != nil {
		k.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (k *Kernel) logError(msg string, keysAndValues ...interface{}) {
	if k.cfg.Logger != nil {
		k.cfg.Logger.Error(msg, keysAndValues...)
	}
}
