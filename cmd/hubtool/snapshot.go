package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/moffa90/go-nanohub/device"
	"github.com/moffa90/go-nanohub/flash"
)

// snapshotFile is a flash snapshot held open under an exclusive lock
// while a command reads and rewrites it.
type snapshotFile struct {
	f      *os.File
	dev    *flash.MemDevice
	layout flash.Layout
}

// openSnapshot locks path and loads it. With create set, a missing file
// is created and left empty for the caller to fill.
func openSnapshot(path string, create bool) (*snapshotFile, error) {
	mode := os.O_RDWR
	if create {
		mode |= os.O_CREATE
	}
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s is in use by another hubtool", path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	s := &snapshotFile{f: f}
	info, err := f.Stat()
	if err != nil {
		s.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if !create {
			s.Close()
			return nil, fmt.Errorf("%s is empty", path)
		}
		return s, nil
	}
	if s.dev, s.layout, err = flash.LoadSnapshot(f); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// save rewrites the file with the current device contents.
func (s *snapshotFile) save() error {
	var buf bytes.Buffer
	if err := flash.SaveSnapshot(&buf, s.dev, s.layout); err != nil {
		return err
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if _, err := s.f.WriteAt(buf.Bytes(), 0); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close unlocks and closes the file.
func (s *snapshotFile) Close() error {
	_ = unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	return s.f.Close()
}

// hubConfig loads the config file when given, else the defaults. Extra
// trusted key files are appended.
func hubConfig(path string, trust []string) (device.Config, error) {
	cfg := device.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = device.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	cfg.TrustedKeys = append(cfg.TrustedKeys, trust...)
	return cfg, nil
}

// openHub builds a hub over the snapshot's flash.
func openHub(s *snapshotFile, cfg device.Config, opts ...device.Option) (*device.Hub, error) {
	cfg.Flash.Layout = s.layout
	opts = append([]device.Option{device.WithDevice(s.dev)}, opts...)
	return device.New(cfg, opts...)
}
