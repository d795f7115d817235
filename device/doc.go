// Package device assembles a complete simulated sensor hub: a flash chip
// guarded by the bootloader, and the kernel running the host command
// server and the upload manager on top of it.
//
// # Configuration
//
// A hub is described by a YAML file loaded with LoadConfig:
//
//	flash:
//	  preset: small
//	kernel:
//	  max_tasks: 8
//	upload:
//	  require_signed: true
//	trusted_keys:
//	  - keys/release.pub
//
// Fields missing from the file keep their DefaultConfig values.
//
// # Lifecycle
//
//	hub, err := device.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Boots whatever is in flash; a staged, verified OS update is
//	// applied first.
//	report, err := hub.PowerOn(ctx, nil)
//
//	go hub.Run(ctx)
//	c := client.New(device.NewLoopback(ctx, hub))
//	err = c.Upload(ctx, container)
//
// An uploaded OS image is checked as soon as the upload finishes and
// copied over the kernel on the next Reboot.
package device
