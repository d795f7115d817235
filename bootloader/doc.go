// Package bootloader implements the sensor hub bootloader and the host
// tool that talks to it.
//
// # Overview
//
// The package has three parts:
//   - Engine: the boot-time check. It finds a staged OS update in the
//     shared region, verifies its RSA signature against the trusted keys,
//     and copies a verified payload over the kernel region
//   - LoaderServer: the device side of the low-level loader link, which
//     lets a host stage an OS image in the shared region
//   - Programmer: the host side of the same link
//
// # Boot Sequence
//
//	ctrl, _ := flash.NewController(dev, flash.DefaultLayout())
//	engine := bootloader.NewEngine(ctrl, keys)
//
//	// nil loader: only check what is already staged
//	report, err := engine.Boot(ctx, nil)
//	if errors.Is(err, bootloader.ErrNoKernel) {
//	    log.Fatal("nothing to boot")
//	}
//	fmt.Println(report.Status, report.Applied)
//
// The marker byte of a staged image records how far verification got:
// in-progress while the host is still writing, downloaded once the host
// is done, then verified or invalid once checked. Only a verified image
// is applied; any rejected image is erased.
//
// # Programming a Device
//
//	port, err := term.Open("/dev/ttyUSB0", term.Speed(115200), term.RawMode)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	prog := bootloader.New(port,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("[%s] %.1f%%\n", p.Phase, p.Percentage)
//	    }),
//	)
//	err = prog.Program(context.Background(), img)
//
// # Link Protocol
//
// Every command starts with a sync exchange (host 0x5A, device 0xA5),
// then the command byte and its complement, answered with ACK (0x79) or
// NAK (0x1F). Staging addresses start at 0x50000000. Reads and writes are
// refused until the shared region was erased in the session, writes must
// be sequential, and the first write must carry an in-progress OS header.
//
// # Error Handling
//
// The package provides structured error types:
//   - VerifyError: a staged update was rejected, with its Status
//   - NAKError: the loader refused a command or frame
//   - FrameError: an unexpected byte on the link
//   - MismatchError: staged data read back differently
//
// # Hardware Independence
//
// The loader link is any io.ReadWriter: a serial port, a pipe, or an
// in-memory fake for tests.
package bootloader
