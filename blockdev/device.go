// Package blockdev defines the low-level resizable block device contract
// consumed by the qcow2 engine, plus two implementations: a file-backed
// device for real images and an in-memory device for tests.
package blockdev

import (
	"context"
	"errors"
)

// ErrClosed is returned by any operation on a device that has already
// been disconnected.
var ErrClosed = errors.New("blockdev: device disconnected")

// Info describes the geometry and access mode of a backing device.
type Info struct {
	// SectorSizeBytes is the size of one physical sector. All reads and
	// writes must be whole multiples of this size, at sector-aligned
	// offsets.
	SectorSizeBytes int
	// SizeSectors is the current size of the device in sectors.
	SizeSectors int64
	// ReadWrite is false for devices opened read-only.
	ReadWrite bool
}

// Device is the external, lower-level resizable block device the qcow2
// engine is layered on top of. Every method suspends on I/O; callers
// pass a context so disconnection and cancellation can be observed at
// the suspension point instead of after the fact.
type Device interface {
	// GetInfo reports the device's current geometry.
	GetInfo(ctx context.Context) (Info, error)
	// ReadAt reads len(buf) bytes (a multiple of the sector size) into
	// buf starting at the given sector.
	ReadAt(ctx context.Context, sector int64, buf []byte) error
	// WriteAt writes buf (a multiple of the sector size) to the device
	// starting at the given sector.
	WriteAt(ctx context.Context, sector int64, buf []byte) error
	// Resize grows or shrinks the device to exactly sizeSectors sectors.
	Resize(ctx context.Context, sizeSectors int64) error
	// Flush forces any buffered writes out to stable storage.
	Flush(ctx context.Context) error
	// Disconnect releases the device. Subsequent calls return ErrClosed.
	Disconnect(ctx context.Context) error
}
