package qcow2

import (
	"context"

	"github.com/blockdisk/qcow2core/blockdev"
)

// Connect implements spec.md §4.8: open an existing qcow2 image living
// on dev. It reads sector 0, decodes the header, and derives
// next_cluster from the device's current size.
func Connect(ctx context.Context, dev blockdev.Device, opts ...Option) (*Engine, error) {
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return nil, backingErr("connect: get_info", err)
	}
	if info.SectorSizeBytes <= 0 {
		return nil, unknownf("connect: device reports non-positive sector size %d", info.SectorSizeBytes)
	}

	sector0 := make([]byte, info.SectorSizeBytes)
	if err := dev.ReadAt(ctx, 0, sector0); err != nil {
		return nil, backingErr("connect: read header", err)
	}
	if len(sector0) < headerSize {
		return nil, unknownf("connect: device sector size %d too small to hold header", info.SectorSizeBytes)
	}

	header, err := decodeHeader(sector0)
	if err != nil {
		return nil, err
	}

	return newEngine(dev, header, info, applyOptions(opts))
}
