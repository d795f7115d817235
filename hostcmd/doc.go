// Package hostcmd answers the host side of the hub: the framed command
// protocol the application processor speaks over the bus, and the HAL app
// that carries app management and uploads as app messages.
//
// A Server owns the pending interrupt bitmap, the outbox of events waiting
// for READ_EVENT, and the host time sync estimate. Requests that only read
// or change that state are answered on the transport goroutine; uploads,
// app queries and events for apps run on the kernel loop through an urgent
// deferred call, so Exchange blocks until the loop has handled them.
//
// The last reply is kept and sent again when the host repeats a sequence
// number. NAK replies are never kept.
//
// Basic usage:
//
//	srv := hostcmd.New(k, up, hostcmd.WithVersions(versions))
//	if _, err := k.StartInternal(srv.App()); err != nil {
//	    log.Fatal(err)
//	}
//	go k.Run(ctx)
//	err := srv.Serve(ctx, port)
package hostcmd
