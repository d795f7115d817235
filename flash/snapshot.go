package flash

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// SnapshotVersion is the current snapshot document version.
const SnapshotVersion = 1

// snapshot is the persisted form of a simulated flash part: the table and
// the raw contents, CBOR encoded and zstd compressed. Erased flash is
// almost entirely 0xFF, so snapshots of a fresh part are tiny.
type snapshot struct {
	Version uint     `cbor:"1,keyasint"`
	Layout  []Sector `cbor:"2,keyasint"`
	Data    []byte   `cbor:"3,keyasint"`
}

var snapshotEncMode cbor.EncMode

func init() {
	var err error
	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("flash: CBOR encoder initialization failed: " + err.Error())
	}
}

// SaveSnapshot writes the device contents and layout to w.
func SaveSnapshot(w io.Writer, dev *MemDevice, layout Layout) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	payload, err := snapshotEncMode.Marshal(snapshot{
		Version: SnapshotVersion,
		Layout:  layout,
		Data:    dev.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(r io.Reader) (*MemDevice, Layout, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}

	var s snapshot
	if err := cbor.Unmarshal(payload, &s); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}

	layout := Layout(s.Layout)
	if err := layout.Validate(); err != nil {
		return nil, nil, fmt.Errorf("snapshot layout: %w", err)
	}
	if uint64(len(s.Data)) < uint64(layout.Size()) {
		return nil, nil, fmt.Errorf("snapshot holds %d bytes, layout needs %d", len(s.Data), layout.Size())
	}
	return NewMemDeviceFrom(s.Data), layout, nil
}
