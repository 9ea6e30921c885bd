package blockdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemDevice is an in-memory Device over a growable byte slice. It is
// the fake the engine's own tests use in place of a real file, and
// every successful call is tagged with a fresh operation UUID so tests that
// interleave goroutines can assert call ordering without depending on
// wall-clock timestamps.
type MemDevice struct {
	mu              sync.Mutex
	data            []byte
	sectorSizeBytes int
	readOnly        bool
	closed          bool

	// Ops records the UUID and kind of every successful call made
	// against this device, in the order observed by the device's
	// internal lock. Calls that return an error are not recorded.
	Ops []Op
}

// Op records one call against a MemDevice.
type Op struct {
	ID   uuid.UUID
	Kind string
}

// NewMemDevice creates an empty (zero-sector) in-memory device.
func NewMemDevice(sectorSizeBytes int) *MemDevice {
	return &MemDevice{sectorSizeBytes: sectorSizeBytes}
}

func (d *MemDevice) record(kind string) {
	d.Ops = append(d.Ops, Op{ID: uuid.New(), Kind: kind})
}

func (d *MemDevice) GetInfo(_ context.Context) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Info{}, ErrClosed
	}
	d.record("get_info")
	return Info{
		SectorSizeBytes: d.sectorSizeBytes,
		SizeSectors:     int64(len(d.data)) / int64(d.sectorSizeBytes),
		ReadWrite:       !d.readOnly,
	}, nil
}

func (d *MemDevice) ReadAt(_ context.Context, sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if len(buf)%d.sectorSizeBytes != 0 {
		return fmt.Errorf("blockdev: read length %d is not a multiple of sector size %d", len(buf), d.sectorSizeBytes)
	}
	off := sector * int64(d.sectorSizeBytes)
	if off < 0 || off+int64(len(buf)) > int64(len(d.data)) {
		return fmt.Errorf("blockdev: read at sector %d length %d out of range (size %d sectors)", sector, len(buf), int64(len(d.data))/int64(d.sectorSizeBytes))
	}
	copy(buf, d.data[off:off+int64(len(buf))])
	d.record("read")
	return nil
}

func (d *MemDevice) WriteAt(_ context.Context, sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("blockdev: write to read-only device")
	}
	if len(buf)%d.sectorSizeBytes != 0 {
		return fmt.Errorf("blockdev: write length %d is not a multiple of sector size %d", len(buf), d.sectorSizeBytes)
	}
	off := sector * int64(d.sectorSizeBytes)
	if off < 0 || off+int64(len(buf)) > int64(len(d.data)) {
		return fmt.Errorf("blockdev: write at sector %d length %d out of range (size %d sectors)", sector, len(buf), int64(len(d.data))/int64(d.sectorSizeBytes))
	}
	copy(d.data[off:off+int64(len(buf))], buf)
	d.record("write")
	return nil
}

func (d *MemDevice) Resize(_ context.Context, sizeSectors int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	newSize := sizeSectors * int64(d.sectorSizeBytes)
	switch {
	case newSize == int64(len(d.data)):
	case newSize > int64(len(d.data)):
		d.data = append(d.data, make([]byte, newSize-int64(len(d.data)))...)
	default:
		d.data = d.data[:newSize]
	}
	d.record("resize")
	return nil
}

func (d *MemDevice) Flush(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.record("flush")
	return nil
}

func (d *MemDevice) Disconnect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.record("disconnect")
	return nil
}

// Reopen clears the closed flag, simulating connecting to the same
// backing device again after a disconnect. The byte contents are
// untouched, matching a real file that persists across process runs.
func (d *MemDevice) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

// Snapshot returns a copy of the device's current byte contents, for
// assertions in tests.
func (d *MemDevice) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}
