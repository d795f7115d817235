package device

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moffa90/go-nanohub/flash"
	"github.com/moffa90/go-nanohub/internal/testkeys"
	"github.com/moffa90/go-nanohub/sigverify"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Kernel.MaxTasks != 16 || cfg.Kernel.QueueLength != 512 {
		t.Errorf("kernel = %+v", cfg.Kernel)
	}
	if !cfg.Upload.RequireSigned {
		t.Error("expected require_signed=true")
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if layout.Size() != flash.DefaultLayout().Size() {
		t.Errorf("layout size = 0x%X", layout.Size())
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	pem, err := sigverify.EncodePrivateKeyPEM(testkeys.Key(t, "device"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signer.pem"), pem, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.pub"), testkeys.Public(t, "other"), 0o644); err != nil {
		t.Fatal(err)
	}

	configContent := `
flash:
  layout:
    - {start: 0x0000, size: 0x0400, type: bootloader}
    - {start: 0x0400, size: 0x0800, type: eedata}
    - {start: 0x0C00, size: 0x1400, type: kernel}
    - {start: 0x2000, size: 0x4000, type: shared}
kernel:
  max_tasks: 4
upload:
  require_signed: false
  max_chunk: 128
host:
  versions:
    hw_type: 0x1234
    os_version: 7
trusted_keys:
  - signer.pem
  - other.pub
`
	path := filepath.Join(dir, "hub.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(cfg.Flash.Layout) != 4 || cfg.Flash.Layout[2].Type != flash.TypeKernel || cfg.Flash.Layout[2].Size != 0x1400 {
		t.Errorf("layout = %+v", cfg.Flash.Layout)
	}
	if cfg.Kernel.MaxTasks != 4 {
		t.Errorf("max_tasks = %d, want 4", cfg.Kernel.MaxTasks)
	}
	if cfg.Kernel.QueueLength != 512 {
		t.Errorf("queue_length = %d, want default 512", cfg.Kernel.QueueLength)
	}
	if cfg.Upload.RequireSigned || cfg.Upload.MaxChunk != 128 {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if v := cfg.Host.Versions.OSHWVersions(); v.HWType != 0x1234 || v.OSVersion != 7 || v.BLVersion != 1 {
		t.Errorf("versions = %+v", v)
	}
	if cfg.TrustedKeys[0] != filepath.Join(dir, "signer.pem") {
		t.Errorf("key path not resolved: %s", cfg.TrustedKeys[0])
	}

	keys, err := LoadTrustedKeys(cfg.TrustedKeys)
	if err != nil {
		t.Fatalf("LoadTrustedKeys: %v", err)
	}
	if keys.Len() != 2 || !keys.Contains(testkeys.Public(t, "device")) || !keys.Contains(testkeys.Public(t, "other")) {
		t.Errorf("trusted keys: %d entries", keys.Len())
	}

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := h.Flash().Layout().Size(); got != 0x6000 {
		t.Errorf("flash size = 0x%X", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown preset",
			content: "flash: {preset: huge}\n",
			wantErr: "unknown flash preset",
		},
		{
			name:    "zero tasks",
			content: "kernel: {max_tasks: 0}\n",
			wantErr: "max_tasks",
		},
		{
			name:    "unaligned scan window",
			content: "bootloader: {scan_window: 6}\n",
			wantErr: "scan_window",
		},
		{
			name: "no kernel region",
			content: `
flash:
  layout:
    - {start: 0, size: 0x400, type: eedata}
    - {start: 0x400, size: 0x400, type: shared}
`,
			wantErr: "no kernel region",
		},
		{
			name:    "bad region type",
			content: "flash:\n  layout:\n    - {start: 0, size: 0x400, type: ram}\n",
			wantErr: "unknown flash region type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hub.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTrustedKeysRejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pub")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTrustedKeys([]string{path}); err == nil {
		t.Error("short key accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Errorf("error = %v, want not-exist", err)
	}
}
