// Package kernel implements the cooperative task and event kernel of the
// sensor hub.
//
// A Kernel owns a fixed table of task slots and one event queue. Events are
// dispatched one at a time on a single goroutine: broadcast events go to
// every running task subscribed to the type, in start order, and the
// payload is released through its FreeInfo after the last handler returns
// unless a handler took it over with Retain. Deferred callbacks, private
// events and subscription changes travel through the same queue, so they
// are ordered with everything else.
//
// Tasks are named by a TID holding a slot index and a generation; a slot
// reused for a new task gets a new generation, so stale TIDs stay stale.
//
// External apps live in the segment store and are started, stopped and
// erased by vendor/sequence filter with StartApps, StopApps and EraseApps.
//
// Basic usage:
//
//	k := kernel.New(
//	    kernel.WithPlatform(platform),
//	    kernel.WithSegments(segment.New(ctrl)),
//	    kernel.WithInternalApps(server),
//	)
//	if err := k.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	k.Run(ctx)
package kernel
