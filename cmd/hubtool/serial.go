package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/term"
	"github.com/spf13/pflag"

	"github.com/moffa90/go-nanohub/bootloader"
	"github.com/moffa90/go-nanohub/client"
	"github.com/moffa90/go-nanohub/protocol"
)

// portFlags are the serial port settings shared by the link commands.
type portFlags struct {
	device  string
	baud    int
	timeout time.Duration
}

func (p *portFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&p.device, "port", "p", "/dev/ttyUSB0", "serial device")
	fs.IntVarP(&p.baud, "baud", "b", 115200, "baud rate")
	fs.DurationVar(&p.timeout, "timeout", 500*time.Millisecond, "read timeout")
}

// open opens the UART in raw mode.
func (p *portFlags) open() (io.ReadWriteCloser, error) {
	t, err := term.Open(p.device,
		term.RawMode,
		term.Speed(p.baud),
		term.ReadTimeout(p.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p.device, err)
	}
	if err := t.Flush(); err != nil {
		t.Close()
		return nil, fmt.Errorf("flush %s: %w", p.device, err)
	}
	return t, nil
}

func programCmd(e *env, args []string) error {
	var verbose, noVerify bool
	var port portFlags
	var imgPath string
	var chunk int
	fs := e.flagSet("program", &verbose)
	port.register(fs)
	fs.StringVarP(&imgPath, "image", "i", "", "raw OS image (hubtool sign --kind os --raw)")
	fs.IntVar(&chunk, "chunk", bootloader.MaxFrame, "bytes per WRITE_MEM frame")
	fs.BoolVar(&noVerify, "no-verify", false, "skip reading the staged image back")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "image"); err != nil {
		return err
	}

	img, err := os.ReadFile(imgPath)
	if err != nil {
		return err
	}
	rw, err := port.open()
	if err != nil {
		return err
	}
	defer rw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	prog := bootloader.New(rw,
		bootloader.WithLogger(e.logger(verbose)),
		bootloader.WithChunkSize(chunk),
		bootloader.WithVerifyAfterProgram(!noVerify),
		bootloader.WithProgressCallback(func(p bootloader.Progress) {
			fmt.Fprintf(e.stdout, "\r[%-10s] %5.1f%% %d/%d bytes", p.Phase, p.Percentage, p.BytesWritten, p.TotalBytes)
			if p.Phase == bootloader.PhaseComplete {
				fmt.Fprintln(e.stdout)
			}
		}),
	)
	return prog.Program(ctx, img)
}

func uploadCmd(e *env, args []string) error {
	var verbose, reboot bool
	var port portFlags
	var imgPath string
	fs := e.flagSet("upload", &verbose)
	port.register(fs)
	fs.StringVarP(&imgPath, "image", "i", "", "upload container")
	fs.BoolVar(&reboot, "reboot", false, "ask the hub to reboot afterwards")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "image"); err != nil {
		return err
	}

	img, err := os.ReadFile(imgPath)
	if err != nil {
		return err
	}
	rw, err := port.open()
	if err != nil {
		return err
	}
	defer rw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(rw,
		client.WithLogger(e.logger(verbose)),
		client.WithProgressCallback(printProgress(e)),
	)
	if err := c.Upload(ctx, img); err != nil {
		return err
	}
	if reboot {
		return c.SendHal(ctx, protocol.HalReboot, nil)
	}
	return nil
}

func infoCmd(e *env, args []string) error {
	var verbose bool
	var port portFlags
	fs := e.flagSet("info", &verbose)
	port.register(fs)
	if ok, err := parse(fs, args); !ok {
		return err
	}

	rw, err := port.open()
	if err != nil {
		return err
	}
	defer rw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return printHubInfo(ctx, e, client.New(rw, client.WithLogger(e.logger(verbose))))
}

func printHubInfo(ctx context.Context, e *env, c *client.Client) error {
	v, err := c.OSHWVersions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "hardware: type 0x%04X rev %d\nbootloader: %d\nos: %d (variant 0x%08X)\n",
		v.HWType, v.HWVersion, v.BLVersion, v.OSVersion, v.VariantVersion)

	apps, err := c.Apps(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "apps: %d\n", len(apps))
	for _, a := range apps {
		fmt.Fprintf(e.stdout, "  0x%016X v%d %d bytes\n", a.ID, a.Version, a.Size)
	}
	return nil
}
