package qcow2

import (
	"context"

	"github.com/blockdisk/qcow2core/blockdev"
)

// readWord reads the 8-byte offset word at byteOffset, by reading the
// single backing-device sector that contains it. spec.md §4.3 requires
// "all metadata I/O uses single-sector buffers aligned to the backing
// device's sector size" — readWord and writeWord follow that rule for
// offset words; readCluster and writeCluster below move whole clusters.
func (e *Engine) readWord(ctx context.Context, byteOffset uint64) (offsetWord, error) {
	sector, within := toSector(byteOffset, e.sectorSize)
	buf := blockdev.PageAlignedBuffer(int(e.sectorSize))
	if err := e.dev.ReadAt(ctx, int64(sector), buf); err != nil {
		return offsetWord{}, backingErr("readWord", err)
	}
	w, _, err := decodeOffset(buf[within:])
	if err != nil {
		return offsetWord{}, err
	}
	return w, nil
}

// writeWord writes an 8-byte offset word at byteOffset via a
// read-modify-write of the single sector containing it.
func (e *Engine) writeWord(ctx context.Context, byteOffset uint64, w offsetWord) error {
	sector, within := toSector(byteOffset, e.sectorSize)
	buf := blockdev.PageAlignedBuffer(int(e.sectorSize))
	if err := e.dev.ReadAt(ctx, int64(sector), buf); err != nil {
		return backingErr("writeWord: read", err)
	}
	if err := encodeOffset(w, buf[within:]); err != nil {
		return err
	}
	if err := e.dev.WriteAt(ctx, int64(sector), buf); err != nil {
		return backingErr("writeWord: write", err)
	}
	return nil
}

// readCluster reads a full cluster's worth of bytes starting at
// byteOffset, which must be cluster-aligned.
func (e *Engine) readCluster(ctx context.Context, byteOffset uint64) ([]byte, error) {
	buf := blockdev.PageAlignedBuffer(int(e.clusterSize))
	sector, within := toSector(byteOffset, e.sectorSize)
	if within != 0 {
		return nil, unknownf("readCluster: offset %d is not sector-aligned", byteOffset)
	}
	if err := e.dev.ReadAt(ctx, int64(sector), buf); err != nil {
		return nil, backingErr("readCluster", err)
	}
	return buf, nil
}

// writeCluster writes a full cluster's worth of bytes starting at
// byteOffset, which must be cluster-aligned.
func (e *Engine) writeCluster(ctx context.Context, byteOffset uint64, buf []byte) error {
	if uint64(len(buf)) != e.clusterSize {
		return unknownf("writeCluster: buffer length %d != cluster size %d", len(buf), e.clusterSize)
	}
	sector, within := toSector(byteOffset, e.sectorSize)
	if within != 0 {
		return unknownf("writeCluster: offset %d is not sector-aligned", byteOffset)
	}
	if err := e.dev.WriteAt(ctx, int64(sector), buf); err != nil {
		return backingErr("writeCluster", err)
	}
	return nil
}

// zeroCluster returns a freshly zeroed, page-aligned cluster-sized
// buffer, suitable for handing straight to writeCluster.
func (e *Engine) zeroCluster() []byte {
	return blockdev.PageAlignedBuffer(int(e.clusterSize))
}
