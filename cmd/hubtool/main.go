// hubtool builds, inspects and flashes sensor hub firmware.
//
// Usage:
//
//	hubtool keygen --out NAME
//	hubtool sign --key KEY.pem --kind app|os|key --in FILE --out FILE [flags]
//	hubtool inspect FILE
//	hubtool flash init --flash SNAPSHOT [--config hub.yaml] [--kernel FILE]
//	hubtool boot --flash SNAPSHOT [--config hub.yaml]
//	hubtool simulate --flash SNAPSHOT --image CONTAINER [--reboot]
//	hubtool program --port /dev/ttyUSB0 --image OS.img
//	hubtool upload --port /dev/ttyUSB0 --image CONTAINER [--reboot]
//	hubtool info --port /dev/ttyUSB0
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/moffa90/go-nanohub/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is one hubtool subcommand.
type command struct {
	name    string
	summary string
	run     func(env *env, args []string) error
}

var commands = []command{
	{"keygen", "generate an RSA-2048 signing key", keygenCmd},
	{"sign", "wrap a payload in a signed upload container or OS image", signCmd},
	{"inspect", "describe an image, container or flash snapshot", inspectCmd},
	{"flash", "create a flash snapshot (flash init)", flashCmd},
	{"boot", "run the bootloader on a flash snapshot", bootCmd},
	{"simulate", "upload a container to a simulated hub", simulateCmd},
	{"program", "stage an OS image through the serial loader", programCmd},
	{"upload", "upload a container over the host protocol", uploadCmd},
	{"info", "query versions and apps over the host protocol", infoCmd},
}

// env carries the process streams into subcommands.
type env struct {
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) error {
	e := &env{stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		e.usage()
		return errors.New("no command given")
	}

	switch args[0] {
	case "help", "--help", "-h":
		e.usage()
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(e, args[1:])
		}
	}
	e.usage()
	return fmt.Errorf("unknown command %q", args[0])
}

func (e *env) usage() {
	fmt.Fprintf(e.stderr, "Usage: hubtool <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(e.stderr, "  %-10s %s\n", c.name, c.summary)
	}
}

// flagSet returns a flag set for a subcommand with the shared --verbose
// flag registered.
func (e *env) flagSet(name string, verbose *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet("hubtool "+name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.BoolVarP(verbose, "verbose", "v", false, "log debug output to stderr")
	return fs
}

// parse parses args, turning --help into a clean exit.
func parse(fs *pflag.FlagSet, args []string) (ok bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// logger returns the component logger for a subcommand.
func (e *env) logger(verbose bool) logging.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return logging.Slog(slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level})))
}

func requireFlag(fs *pflag.FlagSet, names ...string) error {
	for _, n := range names {
		if !fs.Changed(n) {
			return fmt.Errorf("--%s is required", n)
		}
	}
	return nil
}
