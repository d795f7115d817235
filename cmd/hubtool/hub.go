package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/moffa90/go-nanohub/client"
	"github.com/moffa90/go-nanohub/device"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/protocol"
)

func flashCmd(e *env, args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return errors.New("usage: hubtool flash init --flash SNAPSHOT [--config hub.yaml] [--kernel FILE]")
	}

	var verbose bool
	var snapPath, cfgPath, kernelPath string
	fs := e.flagSet("flash init", &verbose)
	fs.StringVarP(&snapPath, "flash", "f", "", "snapshot file to create")
	fs.StringVarP(&cfgPath, "config", "c", "", "hub config file (default: built-in defaults)")
	fs.StringVar(&kernelPath, "kernel", "", "raw kernel image to program")
	if ok, err := parse(fs, args[1:]); !ok {
		return err
	}
	if err := requireFlag(fs, "flash"); err != nil {
		return err
	}

	cfg, err := hubConfig(cfgPath, nil)
	if err != nil {
		return err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}

	s, err := openSnapshot(snapPath, true)
	if err != nil {
		return err
	}
	defer s.Close()
	s.dev = flash.NewMemDevice(layout.Size())
	s.layout = layout

	if kernelPath != "" {
		payload, err := os.ReadFile(kernelPath)
		if err != nil {
			return err
		}
		h, err := openHub(s, cfg, device.WithLogger(e.logger(verbose)))
		if err != nil {
			return err
		}
		if err := h.FlashKernel(payload); err != nil {
			return err
		}
	}
	if err := s.save(); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "wrote %s: %d bytes of flash, %d sectors\n", snapPath, layout.Size(), len(layout))
	return nil
}

func bootCmd(e *env, args []string) error {
	var verbose bool
	var snapPath, cfgPath string
	var trust []string
	fs := e.flagSet("boot", &verbose)
	fs.StringVarP(&snapPath, "flash", "f", "", "flash snapshot")
	fs.StringVarP(&cfgPath, "config", "c", "", "hub config file")
	fs.StringSliceVar(&trust, "trust", nil, "extra trusted key files")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "flash"); err != nil {
		return err
	}

	cfg, err := hubConfig(cfgPath, trust)
	if err != nil {
		return err
	}
	s, err := openSnapshot(snapPath, false)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := openHub(s, cfg, device.WithLogger(e.logger(verbose)))
	if err != nil {
		return err
	}
	report, bootErr := h.PowerOn(context.Background(), nil)
	if err := s.save(); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "update check: %s\napplied: %v\n", report.Status, report.Applied)
	if bootErr != nil {
		return bootErr
	}
	fmt.Fprintf(e.stdout, "running tasks: %d\n", h.Kernel().TaskCount())
	return nil
}

func simulateCmd(e *env, args []string) error {
	var verbose, reboot bool
	var snapPath, cfgPath, imgPath string
	var trust []string
	fs := e.flagSet("simulate", &verbose)
	fs.StringVarP(&snapPath, "flash", "f", "", "flash snapshot")
	fs.StringVarP(&cfgPath, "config", "c", "", "hub config file")
	fs.StringSliceVar(&trust, "trust", nil, "extra trusted key files")
	fs.StringVarP(&imgPath, "image", "i", "", "upload container to send")
	fs.BoolVar(&reboot, "reboot", false, "reboot the hub after the upload")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "flash", "image"); err != nil {
		return err
	}

	img, err := os.ReadFile(imgPath)
	if err != nil {
		return err
	}
	cfg, err := hubConfig(cfgPath, trust)
	if err != nil {
		return err
	}
	s, err := openSnapshot(snapPath, false)
	if err != nil {
		return err
	}
	defer s.Close()

	log := e.logger(verbose)
	h, err := openHub(s, cfg, device.WithLogger(log))
	if err != nil {
		return err
	}
	if _, err := h.PowerOn(context.Background(), nil); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(runCtx)
	}()

	c := client.New(device.NewLoopback(ctx, h),
		client.WithLogger(log),
		client.WithProgressCallback(printProgress(e)),
	)
	uploadErr := c.Upload(ctx, img)
	if uploadErr == nil && reboot {
		uploadErr = c.SendHal(ctx, protocol.HalReboot, nil)
	}
	cancel()
	<-done
	// Drain deferred work, such as the OS update check, before powering down.
	if k := h.Kernel(); k != nil {
		k.RunUntilIdle()
	}

	if uploadErr == nil && reboot {
		report, err := h.Reboot(context.Background(), nil)
		fmt.Fprintf(e.stdout, "update check: %s\napplied: %v\n", report.Status, report.Applied)
		if err != nil {
			uploadErr = err
		}
	}
	if err := s.save(); err != nil {
		return err
	}
	return uploadErr
}

func printProgress(e *env) client.ProgressCallback {
	return func(p client.Progress) {
		fmt.Fprintf(e.stdout, "\r[%-9s] %5.1f%% %d/%d bytes", p.Phase, p.Percentage, p.BytesSent, p.TotalBytes)
		if p.Phase == client.PhaseComplete {
			fmt.Fprintln(e.stdout)
		}
	}
}
