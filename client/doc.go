// Package client is the host side of the sensor hub packet protocol.
//
// A Client numbers its requests, resends a request with the same
// sequence number after a transfer error or NAK (the hub answers a repeat
// from its reply cache instead of running it twice), and backs off while
// the hub reports NAK_BUSY.
//
// Upload drives a complete container through START_FIRMWARE_UPLOAD,
// FIRMWARE_CHUNK and FINISH_FIRMWARE_UPLOAD, following the hub's chunk
// replies: RESEND and WAIT repeat the chunk after a pause, RESTART goes
// back to offset zero, CANCEL starts the upload over, and CANCEL_NO_RETRY
// gives up with an *UploadError.
//
// Basic usage:
//
//	port, err := term.Open("/dev/ttyUSB0", term.Speed(115200), term.RawMode)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	c := client.New(port, client.WithProgressCallback(func(p client.Progress) {
//	    fmt.Printf("[%s] %.1f%%\n", p.Phase, p.Percentage)
//	}))
//	if err := c.Upload(ctx, raw); err != nil {
//	    log.Fatal(err)
//	}
package client
