package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/segment"
)

// zstdMagic starts every snapshot file.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

func inspectCmd(e *env, args []string) error {
	var verbose bool
	fs := e.flagSet("inspect", &verbose)
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: hubtool inspect FILE")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		dev, layout, err := flash.LoadSnapshot(bytes.NewReader(data))
		if err != nil {
			return err
		}
		return describeFlash(e.stdout, dev, layout)
	case image.HasOSMagic(data):
		return describeOS(e.stdout, data, "")
	default:
		c, err := image.ParseBytes(data)
		if err != nil {
			return fmt.Errorf("not a snapshot, OS image or container: %w", err)
		}
		describeContainer(e.stdout, c, "")
		return nil
	}
}

func describeContainer(w io.Writer, c *image.Container, indent string) {
	h := c.Header
	fmt.Fprintf(w, "%scontainer: app %s version %d\n", indent, h.AppID, h.AppVersion)
	fmt.Fprintf(w, "%s  payload: %s, %d bytes, flags 0x%04X\n", indent, h.PayloadType, h.PayloadSize, uint16(h.Flags))
	if c.Encryption != nil {
		fmt.Fprintf(w, "%s  encrypted with key 0x%016X\n", indent, c.Encryption.KeyID)
	}
	if c.Signature != nil {
		fmt.Fprintf(w, "%s  signed by %s\n", indent, keyFingerprint(c.PublicKey))
	}
	if h.PayloadType == image.PayloadOS && c.Encryption == nil {
		_ = describeOS(w, c.Body, indent+"  ")
	}
}

func describeOS(w io.Writer, data []byte, indent string) error {
	img, err := image.ParseOSImage(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%sos image: %d payload bytes, marker %s\n", indent, img.Header.Size, img.Header.Marker)
	fmt.Fprintf(w, "%s  signed by %s\n", indent, keyFingerprint(img.PublicKey))
	return nil
}

func describeFlash(w io.Writer, dev *flash.MemDevice, layout flash.Layout) error {
	ctrl, err := flash.NewController(dev, layout)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "flash: %d bytes\n", layout.Size())
	for _, s := range layout {
		fmt.Fprintf(w, "  0x%06X-0x%06X %s\n", s.Start, s.End(), s.Type)
	}

	kStart, _ := ctrl.Region(flash.TypeKernel)
	head, err := ctrl.ReadBytes(kStart, 4)
	if err != nil {
		return err
	}
	if bytes.Equal(head, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		fmt.Fprintln(w, "kernel: blank")
	} else {
		fmt.Fprintf(w, "kernel: programmed (% X ...)\n", head)
	}

	store := segment.New(ctrl)
	segs, err := store.Segments()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "segments: %d\n", len(segs))
	for _, seg := range segs {
		if !seg.Closed() {
			fmt.Fprintf(w, "  0x%06X %s (open)\n", seg.Addr, seg.State)
			continue
		}
		fmt.Fprintf(w, "  0x%06X %s %d bytes\n", seg.Addr, seg.State, seg.Size)
		if seg.State != segment.StateValid || seg.Size < image.AppHeaderSize {
			continue
		}
		data, err := store.Data(seg)
		if err != nil {
			return err
		}
		h, err := image.ParseAppHeader(data)
		if err != nil {
			fmt.Fprintf(w, "    unreadable header: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "    app %s version %d, %s\n", h.AppID, h.AppVersion, h.PayloadType)
		if h.PayloadType == image.PayloadOS && image.HasOSMagic(data[image.AppHeaderSize:]) {
			if oh, err := image.ParseOSHeader(data[image.AppHeaderSize:]); err == nil {
				fmt.Fprintf(w, "    os update: %d bytes, marker %s\n", oh.Size, oh.Marker)
			}
		}
	}
	return nil
}

// keyFingerprint names a public key by its first modulus bytes.
func keyFingerprint(pub []byte) string {
	if len(pub) < 8 {
		return "unknown key"
	}
	return fmt.Sprintf("key %X", pub[:8])
}
