package device

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/moffa90/go-nanohub/bootloader"
	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/protocol"
	"github.com/moffa90/go-nanohub/sigverify"
)

// Config describes one simulated sensor hub.
type Config struct {
	// Flash configures the flash table.
	Flash FlashConfig `yaml:"flash"`

	// Kernel configures the task kernel.
	Kernel KernelConfig `yaml:"kernel"`

	// Upload configures the firmware upload protocol.
	Upload UploadConfig `yaml:"upload"`

	// Host configures the host command server.
	Host HostConfig `yaml:"host"`

	// Bootloader configures the boot-time update check.
	Bootloader BootloaderConfig `yaml:"bootloader"`

	// TrustedKeys lists files holding the RSA signing roots. A file is
	// either a PEM private key or a raw 256-byte modulus. Relative paths
	// are resolved against the directory of the config file.
	TrustedKeys []string `yaml:"trusted_keys"`
}

// FlashConfig configures the flash table.
type FlashConfig struct {
	// Preset picks a built-in table when Layout is empty: "default" or
	// "small".
	// Default: default
	Preset string `yaml:"preset"`

	// Layout is an explicit flash table and overrides Preset.
	Layout flash.Layout `yaml:"layout,omitempty"`
}

// KernelConfig configures the task kernel.
type KernelConfig struct {
	// MaxTasks is the number of app task slots.
	// Default: 16
	MaxTasks int `yaml:"max_tasks"`

	// QueueLength is the event queue capacity.
	// Default: 512
	QueueLength int `yaml:"queue_length"`
}

// UploadConfig configures the firmware upload protocol.
type UploadConfig struct {
	// RequireSigned rejects unsigned containers.
	// Default: true
	RequireSigned bool `yaml:"require_signed"`

	// MaxChunk is the largest chunk payload accepted.
	// Default: 251
	MaxChunk int `yaml:"max_chunk"`

	// FeedSize is the most bytes verified per deferred call.
	// Default: 64
	FeedSize int `yaml:"feed_size"`
}

// HostConfig configures the host command server.
type HostConfig struct {
	// OutboxLength is the number of events kept for the host.
	// Default: 64
	OutboxLength int `yaml:"outbox_length"`

	// Versions is what GET_OS_HW_VERSIONS reports.
	Versions VersionsConfig `yaml:"versions"`
}

// VersionsConfig is the YAML form of protocol.OSHWVersions.
type VersionsConfig struct {
	HWType         uint16 `yaml:"hw_type"`
	HWVersion      uint16 `yaml:"hw_version"`
	BLVersion      uint16 `yaml:"bl_version"`
	OSVersion      uint16 `yaml:"os_version"`
	VariantVersion uint32 `yaml:"variant_version"`
}

// OSHWVersions converts v to its wire form.
func (v VersionsConfig) OSHWVersions() protocol.OSHWVersions {
	return protocol.OSHWVersions{
		HWType:         v.HWType,
		HWVersion:      v.HWVersion,
		BLVersion:      v.BLVersion,
		OSVersion:      v.OSVersion,
		VariantVersion: v.VariantVersion,
	}
}

// BootloaderConfig configures the boot-time update check.
type BootloaderConfig struct {
	// ScanWindow is how far into the shared region a staged OS header is
	// looked for.
	// Default: 256
	ScanWindow uint32 `yaml:"scan_window"`
}

// DefaultConfig returns the configuration used before a file is applied.
func DefaultConfig() Config {
	return Config{
		Flash: FlashConfig{Preset: "default"},
		Kernel: KernelConfig{
			MaxTasks:    16,
			QueueLength: 512,
		},
		Upload: UploadConfig{
			RequireSigned: true,
			MaxChunk:      protocol.MaxChunkData,
			FeedSize:      64,
		},
		Host: HostConfig{
			OutboxLength: 64,
			Versions: VersionsConfig{
				HWType:    0x4E48,
				HWVersion: 1,
				BLVersion: 1,
				OSVersion: 1,
			},
		},
		Bootloader: BootloaderConfig{ScanWindow: bootloader.DefaultScanWindow},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig and validates
// the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, p := range cfg.TrustedKeys {
		if !filepath.IsAbs(p) {
			cfg.TrustedKeys[i] = filepath.Join(dir, p)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Layout returns the flash table selected by the config.
func (c Config) Layout() (flash.Layout, error) {
	if len(c.Flash.Layout) > 0 {
		return c.Flash.Layout, nil
	}
	switch c.Flash.Preset {
	case "", "default":
		return flash.DefaultLayout(), nil
	case "small":
		return flash.SmallLayout(), nil
	default:
		return nil, fmt.Errorf("unknown flash preset %q", c.Flash.Preset)
	}
}

// Validate checks the flash table and the numeric limits.
func (c Config) Validate() error {
	layout, err := c.Layout()
	if err != nil {
		return err
	}
	if err := layout.Validate(); err != nil {
		return err
	}
	for _, t := range []flash.Type{flash.TypeEEData, flash.TypeKernel, flash.TypeShared} {
		if _, _, ok := layout.Region(t); !ok {
			return fmt.Errorf("flash layout has no %s region", t)
		}
	}
	if c.Kernel.MaxTasks <= 0 {
		return fmt.Errorf("kernel.max_tasks must be positive, got %d", c.Kernel.MaxTasks)
	}
	if c.Kernel.QueueLength <= 0 {
		return fmt.Errorf("kernel.queue_length must be positive, got %d", c.Kernel.QueueLength)
	}
	if c.Upload.MaxChunk <= 0 || c.Upload.FeedSize <= 0 {
		return fmt.Errorf("upload.max_chunk and upload.feed_size must be positive")
	}
	if c.Bootloader.ScanWindow%4 != 0 {
		return fmt.Errorf("bootloader.scan_window must be a multiple of 4, got %d", c.Bootloader.ScanWindow)
	}
	return nil
}

// LoadTrustedKeys builds a key table from key files. PEM files hold a
// private key whose public half is trusted; any other file must be a raw
// modulus in image encoding.
func LoadTrustedKeys(paths []string) (*sigverify.KeyTable, error) {
	table := sigverify.NewKeyTable()
	for _, p := range paths {
		pub, err := readPublicKey(p)
		if err != nil {
			return nil, err
		}
		table.Add(pub)
	}
	return table, nil
}

func readPublicKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		priv, err := sigverify.ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return sigverify.PublicKeyBytes(&priv.PublicKey)
	}
	if len(data) != sigverify.RSABytes {
		return nil, fmt.Errorf("%s: public key is %d bytes, want %d", path, len(data), sigverify.RSABytes)
	}
	return data, nil
}
