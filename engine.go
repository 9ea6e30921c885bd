package qcow2

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/blockdisk/qcow2core/blockdev"
)

// guestSectorSize is the fixed 512-byte unit the façade exposes,
// independent of the backing device's own sector size (spec.md §6).
const guestSectorSize = 512

// Engine is the façade of spec.md §4.6/§4.8: a fixed-size logical disk,
// addressed in 512-byte sectors, backed by a qcow2 image living on a
// blockdev.Device.
type Engine struct {
	dev blockdev.Device

	header      *Header
	clusterSize uint64
	clusterBits uint32
	sectorSize  uint64 // backing device's physical sector size

	allocMu     sync.Mutex
	nextCluster uint64

	cache *rangeCache

	// id is a diagnostic handle only; no behavior depends on it. It lets
	// a process juggling several engines tell them apart in logs or
	// metrics without threading a name through every call site.
	id uuid.UUID
}

// Info mirrors blockdev.Info but describes the virtual disk the façade
// exposes, not the backing device underneath it.
type Info struct {
	SectorSizeBytes int
	SizeSectors     int64
	ReadWrite       bool
	EngineID        uuid.UUID
}

// newEngine builds the in-memory Engine state from an already-decoded
// header and a connected device. It does not perform any I/O itself.
func newEngine(dev blockdev.Device, header *Header, devInfo blockdev.Info, opts *engineOptions) (*Engine, error) {
	if devInfo.SectorSizeBytes != guestSectorSize {
		// spec.md §4.6: "the current design targets a physical sector
		// of 512, effectively 1:1" — this implementation takes that as
		// a hard requirement rather than implementing the general
		// multi-logical-sector-per-physical-sector batching spec.md
		// only gestures at and no test scenario exercises.
		return nil, unknownf("engine: backing device sector size %d unsupported (only 512 is implemented)", devInfo.SectorSizeBytes)
	}

	clusterSize := header.clusterSize()
	nextCluster := uint64(devInfo.SizeSectors) * uint64(devInfo.SectorSizeBytes) / clusterSize

	e := &Engine{
		dev:         dev,
		header:      header,
		clusterSize: clusterSize,
		clusterBits: header.ClusterBits,
		sectorSize:  uint64(devInfo.SectorSizeBytes),
		nextCluster: nextCluster,
		id:          uuid.New(),
	}
	e.cache = newRangeCache(dev, e.sectorSize, opts.cacheMaxSizeBytes)
	return e, nil
}

// GetInfo implements the façade's get_info (spec.md §6).
func (e *Engine) GetInfo(_ context.Context) (Info, error) {
	return Info{
		SectorSizeBytes: guestSectorSize,
		SizeSectors:     int64(e.header.Size / guestSectorSize),
		ReadWrite:       true,
		EngineID:        e.id,
	}, nil
}

// Read implements the façade's read (spec.md §4.6): starting at
// logical sector startSector, bufs holds one guestSectorSize-byte slice
// per sector to fill. Unmapped sectors are filled with zeroes.
func (e *Engine) Read(ctx context.Context, startSector int64, bufs [][]byte) error {
	if err := e.cache.checkDisconnected(); err != nil {
		return err
	}
	for i, buf := range bufs {
		if len(buf) != guestSectorSize {
			return unknownf("read: buffer %d has length %d, want %d", i, len(buf), guestSectorSize)
		}
		sector := startSector + int64(i)
		byteAddr := uint64(sector) * guestSectorSize
		va := decomposeVirtualAddress(byteAddr, e.clusterBits)

		e.allocMu.Lock()
		physOffset, mapped, err := e.walk(ctx, va, false)
		e.allocMu.Unlock()
		if err != nil {
			return err
		}
		if !mapped {
			for j := range buf {
				buf[j] = 0
			}
			continue
		}

		physSector, within := toSector(physOffset, e.sectorSize)
		if within != 0 {
			return unknownf("read: mapped offset %d is not sector-aligned", physOffset)
		}
		if err := e.cache.readSectors(ctx, int64(physSector), [][]byte{buf}); err != nil {
			return err
		}
	}
	return nil
}

// Write implements the façade's write (spec.md §4.6): starting at
// logical sector startSector, bufs holds one guestSectorSize-byte slice
// per sector to store. Every write allocates on demand; walk returning
// unmapped here is an internal invariant violation.
func (e *Engine) Write(ctx context.Context, startSector int64, bufs [][]byte) error {
	if err := e.cache.checkDisconnected(); err != nil {
		return err
	}
	for i, buf := range bufs {
		if len(buf) != guestSectorSize {
			return unknownf("write: buffer %d has length %d, want %d", i, len(buf), guestSectorSize)
		}
		sector := startSector + int64(i)
		byteAddr := uint64(sector) * guestSectorSize
		va := decomposeVirtualAddress(byteAddr, e.clusterBits)

		e.allocMu.Lock()
		physOffset, mapped, err := e.walk(ctx, va, true)
		e.allocMu.Unlock()
		if err != nil {
			return err
		}
		if !mapped {
			return unknownf("write: allocating walk returned unmapped for sector %d", sector)
		}

		physSector, within := toSector(physOffset, e.sectorSize)
		if within != 0 {
			return unknownf("write: mapped offset %d is not sector-aligned", physOffset)
		}
		if err := e.cache.writeSectors(ctx, int64(physSector), [][]byte{buf}); err != nil {
			return err
		}
	}
	return nil
}

// Resize grows the virtual disk to newSizeBytes, which must be a
// multiple of guestSectorSize. Shrinking is an explicit non-goal.
func (e *Engine) Resize(ctx context.Context, newSizeBytes uint64) error {
	if newSizeBytes%guestSectorSize != 0 {
		return unknownf("resize: %d is not a multiple of sector size %d", newSizeBytes, guestSectorSize)
	}
	if newSizeBytes < e.header.Size {
		return &Error{Kind: KindUnsupported, Feature: "shrink"}
	}
	e.header.Size = newSizeBytes
	return e.writeHeader(ctx)
}

// Flush implements the façade's flush, draining the range-lock cache
// and forwarding flush to the backing device.
func (e *Engine) Flush(ctx context.Context) error {
	return e.cache.flush(ctx)
}

// Disconnect implements the façade's disconnect (spec.md §4.7/§4.8):
// flush the cache, then disconnect the backing device.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.cache.disconnect(ctx)
}

// writeHeader persists the in-memory header back to cluster 0, direct
// to the backing device (header writes bypass the range-lock cache,
// like every other metadata write in this core).
func (e *Engine) writeHeader(ctx context.Context) error {
	buf := encodeHeader(e.header)
	sector, within := toSector(0, e.sectorSize)
	if within != 0 {
		return unknownf("writeHeader: header offset is not sector-aligned")
	}
	n := uint64(len(buf)) / e.sectorSize
	if uint64(len(buf))%e.sectorSize != 0 {
		n++
	}
	for i := uint64(0); i < n; i++ {
		lo := i * e.sectorSize
		hi := lo + e.sectorSize
		if hi > uint64(len(buf)) {
			hi = uint64(len(buf))
		}
		sectorBuf := blockdev.PageAlignedBuffer(int(e.sectorSize))
		copy(sectorBuf, buf[lo:hi])
		if err := e.dev.WriteAt(ctx, int64(sector)+int64(i), sectorBuf); err != nil {
			return backingErr("writeHeader", err)
		}
	}
	return nil
}
