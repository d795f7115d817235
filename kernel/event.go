package kernel

import "sync"

// EventType identifies an event. Types below EvtFirstUser are reserved for
// kernel-internal messages and are never broadcast.
type EventType uint32

// Kernel-internal event types.
const (
	evtSubscribe   EventType = 0
	evtUnsubscribe EventType = 1
	evtDeferred    EventType = 2
	evtPrivate     EventType = 3
	evtAppEnd      EventType = 4
)

// Well-known user event types.
const (
	// EvtFirstUser is the first type that is broadcast to subscribers.
	EvtFirstUser EventType = 0x100

	// EvtAppStart is broadcast once after boot-time apps are started.
	EvtAppStart EventType = 0x100

	// EvtAppStop is delivered directly to a task being stopped while it
	// still has events in flight.
	EvtAppStop EventType = 0x101

	// EvtAppFreeEventData is delivered directly to the task named by a
	// NotifyTask free info; the data is a FreeEventData.
	EvtAppFreeEventData EventType = 0x102

	// EvtAppFromHost carries a host message to an app.
	EvtAppFromHost EventType = 0x103

	// EvtAppToHost carries an app message to the host.
	EvtAppToHost EventType = 0x104

	// EvtFirstApp is the first type free for application-defined events.
	EvtFirstApp EventType = 0x1000
)

// FreeInfo says how an event payload is released once every handler has
// seen it. It is either FreeWith or NotifyTask; a nil FreeInfo releases
// nothing.
type FreeInfo interface {
	isFreeInfo()
}

// FreeWith releases the payload by calling the function with it.
type FreeWith func(data any)

func (FreeWith) isFreeInfo() {}

// NotifyTask releases the payload by delivering EvtAppFreeEventData to the
// task, which then owns the cleanup.
type NotifyTask TID

func (NotifyTask) isFreeInfo() {}

// FreeEventData is the payload of EvtAppFreeEventData.
type FreeEventData struct {
	Type EventType
	Data any
}

// event is one queue entry.
type event struct {
	typ    EventType
	data   any
	free   FreeInfo
	origin TID
}

// subscription is the payload of subscribe/unsubscribe messages.
type subscription struct {
	tid TID
	typ EventType
}

// privateEvent is the payload of a point-to-point delivery.
type privateEvent struct {
	typ  EventType
	data any
	free FreeInfo
	to   TID
}

// RetainedEvent is the release half of an event taken over by a handler
// with Kernel.Retain. Free must be called exactly once; later calls are
// no-ops.
type RetainedEvent struct {
	k    *Kernel
	typ  EventType
	data any
	free FreeInfo
	once sync.Once
}

// Type returns the retained event type.
func (r *RetainedEvent) Type() EventType { return r.typ }

// Data returns the retained event payload.
func (r *RetainedEvent) Data() any { return r.data }

// Free releases the payload through its free info.
func (r *RetainedEvent) Free() {
	r.once.Do(func() {
		r.k.freeEvent(r.typ, r.data, r.free)
	})
}
